package extract

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	roomMarkerPattern = regexp.MustCompile(
		`(?i)(?:room|hall|venue)\s*(?:no\.?|number|name)?\s*[:#.\-]?\s*([A-Z]{0,3}\d+[A-Z0-9\-]*|[A-Z]+\d+[A-Z0-9\-]*)`)
	// FN/AN are matched case-sensitively: a lowercase "an" is English, not a
	// session code.
	sessionMarkerPattern = regexp.MustCompile(
		`\b(FN|AN|(?i:forenoon|afternoon|morning\s+session|evening\s+session))\b`)
)

// marker is one located header token, by byte offset in the raw document.
type marker struct {
	pos   int
	value string
}

// roomMarkers returns every room-number header occurrence in document order.
func roomMarkers(doc string) []marker {
	idxs := roomMarkerPattern.FindAllStringSubmatchIndex(doc, -1)
	out := make([]marker, 0, len(idxs))
	for _, m := range idxs {
		out = append(out, marker{pos: m[0], value: strings.TrimSpace(doc[m[2]:m[3]])})
	}
	return out
}

// sessionMarkers returns every session header occurrence in document order.
func sessionMarkers(doc string) []marker {
	idxs := sessionMarkerPattern.FindAllStringSubmatchIndex(doc, -1)
	out := make([]marker, 0, len(idxs))
	for _, m := range idxs {
		out = append(out, marker{pos: m[0], value: doc[m[2]:m[3]]})
	}
	return out
}

// lastBefore returns the value of the nearest marker strictly before pos.
func lastBefore(markers []marker, pos int) (string, bool) {
	for i := len(markers) - 1; i >= 0; i-- {
		if markers[i].pos < pos {
			return markers[i].value, true
		}
	}
	return "", false
}

// parseSession maps a raw session marker onto the Session enum.
func parseSession(raw string) Session {
	switch strings.ToUpper(strings.Join(strings.Fields(raw), " ")) {
	case "FN", "FORENOON", "MORNING SESSION":
		return SessionForenoon
	case "AN", "AFTERNOON", "EVENING SESSION":
		return SessionAfternoon
	default:
		return SessionUnknown
	}
}

// rowCells parses one <tr> fragment and returns the text of each cell.
func rowCells(rowHTML string) []string {
	root, err := html.Parse(strings.NewReader("<table>" + rowHTML + "</table>"))
	if err != nil {
		return nil
	}
	var cells []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.DataAtom == atom.Td || n.DataAtom == atom.Th) {
			cells = append(cells, strings.Join(strings.Fields(collectText(n)), " "))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return cells
}

// tableRows parses every <tr> in the document into its cell texts.
func tableRows(doc string) [][]string {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil
	}
	var rows [][]string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Tr {
			var cells []string
			var cellWalk func(*html.Node)
			cellWalk = func(c *html.Node) {
				if c.Type == html.ElementNode && (c.DataAtom == atom.Td || c.DataAtom == atom.Th) {
					cells = append(cells, strings.Join(strings.Fields(collectText(c)), " "))
					return
				}
				for cc := c.FirstChild; cc != nil; cc = cc.NextSibling {
					cellWalk(cc)
				}
			}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				cellWalk(c)
			}
			if len(cells) > 0 {
				rows = append(rows, cells)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return rows
}

// collectText concatenates all text nodes under n.
func collectText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(collectText(c))
		b.WriteString(" ")
	}
	return b.String()
}
