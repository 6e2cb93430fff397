package extract

import (
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
)

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// flatten reduces the document to plain text so the scan is not confused by
// attributes or scripts. Falls back to the raw document when conversion
// fails or produces nothing.
func flatten(doc string) string {
	out, err := mdConverter.ConvertString(doc)
	if err != nil || strings.TrimSpace(out) == "" {
		return doc
	}
	return out
}

// textScan is the last-resort strategy for documents without usable table
// markup. The identifier is matched with and without the usual delimiters;
// room and session are inferred from the nearest preceding markers anywhere
// earlier in the text. Seat number and department are not derivable here.
func textScan(doc string, opts Options) []SeatMatch {
	text := flatten(doc)
	pattern := identifierPattern(opts.Identifier)

	rooms := roomMarkers(text)
	sessions := sessionMarkers(text)
	dateConf := documentDateConfidence(text, opts)

	var out []SeatMatch
	for _, loc := range pattern.FindAllStringIndex(text, -1) {
		hall := "N/A"
		if v, ok := lastBefore(rooms, loc[0]); ok {
			hall = v
		}
		session := SessionUnknown
		if v, ok := lastBefore(sessions, loc[0]); ok {
			session = parseSession(v)
		}

		out = append(out, SeatMatch{
			Identifier:     opts.Identifier,
			Session:        session,
			Hall:           hall,
			Bench:          "N/A",
			ContextSnippet: snippetAround(text, loc[0], loc[1], opts.SnippetWidth),
			Matched:        true,
			DateConfidence: dateConf,
			SourceKind:     KindRoomWise,
		})
	}
	return out
}

// identifierPattern builds a case-insensitive pattern that tolerates a
// single space or hyphen between any two characters of the identifier, the
// delimiters campus pages insert for readability.
func identifierPattern(id string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString(`(?i)`)
	runes := []rune(id)
	for i, r := range runes {
		b.WriteString(regexp.QuoteMeta(string(r)))
		if i < len(runes)-1 {
			b.WriteString(`[ \-]?`)
		}
	}
	return regexp.MustCompile(b.String())
}
