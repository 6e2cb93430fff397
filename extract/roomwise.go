package extract

import "strings"

// roomWise implements the table-anchored strategy: every literal occurrence
// of the identifier is resolved to its enclosing table row, and the nearest
// preceding room and session headers supply the venue context. Returns nil
// when no occurrence sits inside a row, which sends Document to the text
// scan fallback.
func roomWise(doc string, opts Options) []SeatMatch {
	upper := strings.ToUpper(doc)
	id := opts.Identifier

	rooms := roomMarkers(doc)
	sessions := sessionMarkers(doc)
	dateConf := documentDateConfidence(doc, opts)

	seenRows := make(map[int]bool)
	var out []SeatMatch

	start := 0
	for {
		rel := strings.Index(upper[start:], id)
		if rel < 0 {
			break
		}
		idx := start + rel
		start = idx + len(id)

		rowStart := strings.LastIndex(upper[:idx], "<TR")
		rowEndRel := strings.Index(upper[idx:], "</TR>")
		if rowStart < 0 || rowEndRel < 0 {
			continue
		}
		rowEnd := idx + rowEndRel + len("</tr>")
		if seenRows[rowStart] {
			continue
		}
		seenRows[rowStart] = true

		hall := "N/A"
		if v, ok := lastBefore(rooms, idx); ok {
			hall = v
		}
		session := SessionUnknown
		if v, ok := lastBefore(sessions, idx); ok {
			session = parseSession(v)
		}

		bench, dept, subj := classifyCells(rowCells(doc[rowStart:rowEnd]), id)

		out = append(out, SeatMatch{
			Identifier:     id,
			Session:        session,
			Hall:           hall,
			Bench:          bench,
			Department:     dept,
			SubjectCode:    subj,
			ContextSnippet: cleanSnippet(doc[rowStart:rowEnd]),
			Matched:        true,
			DateConfidence: dateConf,
			SourceKind:     KindRoomWise,
		})
	}
	return out
}

// classifyCells assigns row cells to seat fields: a purely numeric cell is
// the bench, a separator-bearing cell splits into department/subject code,
// and failing that the first non-numeric cell longer than 2 characters is
// taken as the department. The identifier's own cell never participates.
func classifyCells(cells []string, identifier string) (bench, dept, subj string) {
	bench = "N/A"
	for _, c := range cells {
		if c != "" && isNumeric(c) {
			bench = c
			break
		}
	}

	for _, c := range cells {
		if isNumeric(c) || strings.Contains(strings.ToUpper(c), identifier) {
			continue
		}
		if i := strings.IndexAny(c, "/|"); i >= 0 {
			return bench, strings.TrimSpace(c[:i]), strings.TrimSpace(c[i+1:])
		}
		if i := strings.Index(c, " - "); i >= 0 {
			return bench, strings.TrimSpace(c[:i]), strings.TrimSpace(c[i+3:])
		}
	}

	for _, c := range cells {
		if isNumeric(c) || strings.Contains(strings.ToUpper(c), identifier) {
			continue
		}
		if len(c) > 2 {
			return bench, c, ""
		}
	}
	return bench, "", ""
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
