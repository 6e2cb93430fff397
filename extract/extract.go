// Package extract turns one raw campus report document into structured seat
// matches. Upstream markup is loose and changes without notice, so extraction
// is heuristic by design: three independent strategies are selected by an
// explicit capability probe, and each degrades to partial fields rather than
// failing the document.
package extract

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Session is the exam half-day slot.
type Session string

const (
	SessionForenoon  Session = "Forenoon"
	SessionAfternoon Session = "Afternoon"
	SessionUnknown   Session = "Unknown"
)

// SourceKind tags which report layout produced a match.
type SourceKind string

const (
	KindRoomWise          SourceKind = "room_wise"
	KindConsolidatedRange SourceKind = "consolidated_range"
)

// DateConfidence reports whether the requested date was positively located in
// the source document. Unconfirmed matches are still returned; presentation
// layers decide how to surface them.
type DateConfidence string

const (
	DateConfirmed   DateConfidence = "confirmed"
	DateUnconfirmed DateConfidence = "unconfirmed"
)

// SeatMatch is one located seat assignment. CampusName and SourceURL are
// stamped by the fetch orchestrator, everything else by this package.
type SeatMatch struct {
	Identifier     string         `json:"identifier"`
	StudentName    string         `json:"studentName,omitempty"`
	Session        Session        `json:"session"`
	Hall           string         `json:"hall"`
	Bench          string         `json:"bench"`
	Department     string         `json:"department,omitempty"`
	SubjectCode    string         `json:"subjectCode,omitempty"`
	ContextSnippet string         `json:"contextSnippet,omitempty"`
	Matched        bool           `json:"matched"`
	DateConfidence DateConfidence `json:"dateConfidence"`
	SourceKind     SourceKind     `json:"sourceKind"`
	SourceURL      string         `json:"sourceUrl,omitempty"`
	CampusName     string         `json:"campusName,omitempty"`
}

// Options parameterise one extraction pass.
type Options struct {
	// Identifier is the normalised (uppercase, no whitespace) target.
	Identifier string

	// DateVariants is the textual corpus from datenorm.Variants. Empty means
	// the query carried no date and date confidence is vacuously confirmed.
	DateVariants []string

	// MonthVariants is the month-name corpus from datenorm.MonthNameVariants.
	MonthVariants []string

	// DatePinned marks documents fetched with the date already in the
	// request parameters. Consolidated reports then only need a date-like
	// token plus the identifier prefix for confirmation.
	DatePinned bool

	// SnippetWidth is the context window size in characters. Default 160.
	SnippetWidth int
}

func (o *Options) defaults() {
	if o.SnippetWidth <= 0 {
		o.SnippetWidth = 160
	}
}

// Strategy is the tagged extraction variant chosen by Probe.
type Strategy string

const (
	StrategyRoomWise     Strategy = "room_wise"
	StrategyConsolidated Strategy = "consolidated"
	StrategyTextScan     Strategy = "text_scan"
)

var (
	rangeRowPattern = regexp.MustCompile(`[A-Za-z]{1,4}\d{6,}\s*-\s*[A-Za-z]{1,4}\d{6,}`)
	rowOpenPattern  = regexp.MustCompile(`(?i)<tr[\s>]`)
)

// Probe inspects the document and selects the extraction strategy:
// range-style rows win over table markup, table markup over plain text.
func Probe(doc string) Strategy {
	if rangeRowPattern.MatchString(doc) {
		return StrategyConsolidated
	}
	if rowOpenPattern.MatchString(doc) {
		return StrategyRoomWise
	}
	return StrategyTextScan
}

// Document extracts all matches for the target identifier from one raw
// source document. The room-wise strategy falls back to the text scan when
// the table walk finds nothing.
func Document(doc string, opts Options) []SeatMatch {
	opts.defaults()
	if opts.Identifier == "" {
		return nil
	}

	switch Probe(doc) {
	case StrategyConsolidated:
		return consolidated(doc, opts)
	case StrategyRoomWise:
		if matches := roomWise(doc, opts); len(matches) > 0 {
			return matches
		}
		return textScan(doc, opts)
	default:
		return textScan(doc, opts)
	}
}

var snippetPolicy = bluemonday.StrictPolicy()

// cleanSnippet strips markup from a raw window of document text and
// collapses whitespace runs.
func cleanSnippet(raw string) string {
	return strings.Join(strings.Fields(snippetPolicy.Sanitize(raw)), " ")
}

// snippetAround cuts a fixed-width context window centred on [start, end).
func snippetAround(doc string, start, end, width int) string {
	half := width / 2
	lo := start - half
	if lo < 0 {
		lo = 0
	}
	hi := end + half
	if hi > len(doc) {
		hi = len(doc)
	}
	return cleanSnippet(doc[lo:hi])
}

// documentDateConfidence reports whether any requested date variant occurs
// anywhere in the document. Used by the room-wise and text-scan strategies;
// consolidated reports apply the more lenient rules in consolidated.go.
func documentDateConfidence(doc string, opts Options) DateConfidence {
	if len(opts.DateVariants) == 0 {
		return DateConfirmed
	}
	for _, v := range opts.DateVariants {
		if strings.Contains(doc, v) {
			return DateConfirmed
		}
	}
	for _, v := range opts.MonthVariants {
		if strings.Contains(doc, v) {
			return DateConfirmed
		}
	}
	return DateUnconfirmed
}
