// Package datenorm expands an exam date into the textual variants campus
// report pages are known to use. The output is a substring-match corpus for
// the extraction engine, not a calendar: no validation is performed beyond
// shape recognition, and every variant is equally authoritative for matching.
package datenorm

import (
	"fmt"
	"regexp"
	"strconv"
)

var (
	isoShape = regexp.MustCompile(`^(\d{4})[-/](\d{1,2})[-/](\d{1,2})$`)
	dmyShape = regexp.MustCompile(`^(\d{1,2})[-/](\d{1,2})[-/](\d{2}|\d{4})$`)
)

var monthNames = [12]string{
	"January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December",
}

// Variants returns the deduplicated set of textual representations of date.
// Accepted shapes are YYYY-MM-DD, DD-MM-YYYY, DD/MM/YYYY and the 2-digit-year
// forms of the latter two. Any other input is returned unchanged as a
// single-element slice.
//
// For a recognised date the set covers both separators ('-' and '/'), padded
// and unpadded day/month, 4-digit and 2-digit years, and the ISO ordering.
// Running Variants on one of its own outputs reproduces the same set.
func Variants(date string) []string {
	day, month, year, ok := parse(date)
	if !ok {
		return []string{date}
	}

	dd := fmt.Sprintf("%02d", day)
	d := strconv.Itoa(day)
	mm := fmt.Sprintf("%02d", month)
	m := strconv.Itoa(month)
	yyyy := fmt.Sprintf("%04d", year)
	yy := fmt.Sprintf("%02d", year%100)

	var out []string
	seen := make(map[string]bool)
	add := func(v string) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}

	for _, sep := range []string{"-", "/"} {
		for _, dv := range []string{dd, d} {
			for _, mv := range []string{mm, m} {
				for _, yv := range []string{yyyy, yy} {
					add(dv + sep + mv + sep + yv)
				}
				add(yyyy + sep + mm + sep + dd)
			}
		}
	}
	add(date)
	return out
}

// MonthNameVariants returns date spelled with the month name, in the forms
// consolidated reports print ("3 April 2025", "03 Apr 2025", "April 3, 2025").
// Returns nil when date is not a recognised shape or the month is out of the
// 1-12 range.
func MonthNameVariants(date string) []string {
	day, month, year, ok := parse(date)
	if !ok || month < 1 || month > 12 {
		return nil
	}

	full := monthNames[month-1]
	abbr := full[:3]
	dd := fmt.Sprintf("%02d", day)
	d := strconv.Itoa(day)
	y := fmt.Sprintf("%04d", year)

	var out []string
	seen := make(map[string]bool)
	add := func(v string) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, name := range []string{full, abbr} {
		add(d + " " + name + " " + y)
		add(dd + " " + name + " " + y)
		add(name + " " + d + ", " + y)
	}
	return out
}

// parse recognises the accepted shapes and reports day, month, 4-digit year.
// 2-digit years are expanded into the 2000s; the service only ever matches
// against current exam schedules.
func parse(date string) (day, month, year int, ok bool) {
	if m := isoShape.FindStringSubmatch(date); m != nil {
		year, _ = strconv.Atoi(m[1])
		month, _ = strconv.Atoi(m[2])
		day, _ = strconv.Atoi(m[3])
		return day, month, year, true
	}
	if m := dmyShape.FindStringSubmatch(date); m != nil {
		day, _ = strconv.Atoi(m[1])
		month, _ = strconv.Atoi(m[2])
		year, _ = strconv.Atoi(m[3])
		if len(m[3]) == 2 {
			year += 2000
		}
		return day, month, year, true
	}
	return 0, 0, 0, false
}
