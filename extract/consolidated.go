package extract

import (
	"math/big"
	"regexp"
	"strings"
)

var (
	idOrRangePattern = regexp.MustCompile(`^([A-Za-z]*)(\d+)(?:\s*-\s*([A-Za-z]*)(\d+))?$`)
	headerRowPattern = regexp.MustCompile(
		`(?i)\b(s\.?\s?no|sno|dept|department|branch|subject|course|register|reg\.?\s?no|roll|room\s?no|venue)\b`)
	dateLikePattern = regexp.MustCompile(`\d{1,2}[-/.]\d{1,2}[-/.]\d{2,4}`)
)

// consolidated parses a range-based report: one row per contiguous
// identifier range sharing a room. The identifier column holds either one
// register number or a "lo-hi" range; the numeric suffix comparison runs on
// arbitrary-precision integers because register numbers exceed 64 bits.
func consolidated(doc string, opts Options) []SeatMatch {
	prefix, suffix, ok := splitIdentifier(opts.Identifier)
	if !ok {
		return nil
	}

	dateConf := consolidatedDateConfidence(doc, opts, prefix)
	session := dominantSession(doc)

	var out []SeatMatch
	for _, cells := range reportRows(doc) {
		if len(cells) < 4 || isHeaderRow(cells) {
			continue
		}

		rangeIdx := identifierColumn(cells)
		if rangeIdx < 0 {
			continue
		}
		m := idOrRangePattern.FindStringSubmatch(strings.TrimSpace(cells[rangeIdx]))
		if m == nil {
			continue
		}

		loPrefix, lo := m[1], m[2]
		hiPrefix, hi := m[3], m[4]
		if hi == "" {
			hiPrefix, hi = loPrefix, lo
		}
		if !strings.EqualFold(loPrefix, prefix) || !strings.EqualFold(hiPrefix, prefix) {
			continue
		}
		if !inRange(suffix, lo, hi) {
			continue
		}

		hall := "N/A"
		for _, c := range cells[rangeIdx+1:] {
			if strings.TrimSpace(c) != "" {
				hall = strings.TrimSpace(c)
				break
			}
		}
		dept, subj := leadingColumns(cells[:rangeIdx])

		out = append(out, SeatMatch{
			Identifier:     opts.Identifier,
			Session:        session,
			Hall:           hall,
			Bench:          "N/A",
			Department:     dept,
			SubjectCode:    subj,
			ContextSnippet: cleanSnippet(strings.Join(cells, " ")),
			Matched:        true,
			DateConfidence: dateConf,
			SourceKind:     KindConsolidatedRange,
		})
	}
	return out
}

// reportRows yields the column cells of every record row, from table markup
// when present, otherwise from comma-separated lines.
func reportRows(doc string) [][]string {
	if rowOpenPattern.MatchString(doc) {
		return tableRows(doc)
	}
	var rows [][]string
	for line := range strings.Lines(doc) {
		line = strings.TrimSpace(line)
		if line == "" || !strings.Contains(line, ",") {
			continue
		}
		parts := strings.Split(line, ",")
		cells := make([]string, 0, len(parts))
		for _, p := range parts {
			cells = append(cells, strings.TrimSpace(p))
		}
		rows = append(rows, cells)
	}
	return rows
}

// identifierColumn locates the register-number column. The canonical layout
// puts it fourth, but reports missing the serial column shift everything
// left, so any cell matching the identifier shape is accepted.
func identifierColumn(cells []string) int {
	if len(cells) > 3 && looksLikeIdentifier(cells[3]) {
		return 3
	}
	for i, c := range cells {
		if looksLikeIdentifier(c) {
			return i
		}
	}
	return -1
}

func looksLikeIdentifier(cell string) bool {
	m := idOrRangePattern.FindStringSubmatch(strings.TrimSpace(cell))
	// A bare number is a serial or seat count, and a short suffix like
	// "H301" is a hall, not a register number.
	return m != nil && m[1] != "" && len(m[2]) >= 6
}

func isHeaderRow(cells []string) bool {
	for _, c := range cells {
		if headerRowPattern.MatchString(c) {
			return true
		}
	}
	return false
}

// leadingColumns picks department and subject code from the cells left of
// the identifier column, skipping serial numbers.
func leadingColumns(cells []string) (dept, subj string) {
	for _, c := range cells {
		c = strings.TrimSpace(c)
		if c == "" || isNumeric(c) {
			continue
		}
		if dept == "" {
			dept = c
			continue
		}
		subj = c
		break
	}
	return dept, subj
}

// splitIdentifier separates the alphabetic prefix from the numeric suffix.
func splitIdentifier(id string) (prefix, suffix string, ok bool) {
	i := len(id)
	for i > 0 && id[i-1] >= '0' && id[i-1] <= '9' {
		i--
	}
	if i == len(id) {
		return "", "", false
	}
	return id[:i], id[i:], true
}

// inRange reports lo <= suffix <= hi on arbitrary-precision integers.
func inRange(suffix, lo, hi string) bool {
	s, okS := new(big.Int).SetString(suffix, 10)
	l, okL := new(big.Int).SetString(lo, 10)
	h, okH := new(big.Int).SetString(hi, 10)
	if !okS || !okL || !okH {
		return false
	}
	return s.Cmp(l) >= 0 && s.Cmp(h) <= 0
}

// consolidatedDateConfidence applies the lenient rules for range reports:
// a date-pinned fetch only needs some date-like token plus the identifier
// prefix anywhere in the document; otherwise the literal and month-name
// variants are checked.
func consolidatedDateConfidence(doc string, opts Options, prefix string) DateConfidence {
	if len(opts.DateVariants) == 0 {
		return DateConfirmed
	}
	if opts.DatePinned && dateLikePattern.MatchString(doc) &&
		strings.Contains(strings.ToUpper(doc), strings.ToUpper(prefix)) {
		return DateConfirmed
	}
	return documentDateConfidence(doc, opts)
}

// dominantSession returns the document's session when exactly one distinct
// session kind is announced, Unknown otherwise. Range reports carry the
// session in the page header rather than per row.
func dominantSession(doc string) Session {
	found := SessionUnknown
	for _, m := range sessionMarkers(doc) {
		s := parseSession(m.value)
		if s == SessionUnknown {
			continue
		}
		if found != SessionUnknown && found != s {
			return SessionUnknown
		}
		found = s
	}
	return found
}
