package seating

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/campuskit/seatfinder/extract"
)

// Stream event types, emitted in order: one connected, one campus_result
// per source as it settles, then a single complete (or error).
const (
	EventConnected    = "connected"
	EventCampusResult = "campus_result"
	EventComplete     = "complete"
	EventError        = "error"
)

// StreamEvent is one incremental delivery unit.
type StreamEvent struct {
	Type    string              `json:"type"`
	Campus  string              `json:"campus,omitempty"`
	Matches []extract.SeatMatch `json:"matches,omitempty"`
	// Done marks a campus as settled; campus_result events always carry it.
	Done   bool    `json:"done,omitempty"`
	Error  string  `json:"error,omitempty"`
	Result *Result `json:"result,omitempty"`
}

// LookupStream runs a lookup delivering per-source progress on the returned
// channel. The channel is closed after the complete event or as soon as ctx
// is cancelled; cancellation also aborts the in-flight source fetches.
func (s *Service) LookupStream(ctx context.Context, rawID, date string) (<-chan StreamEvent, error) {
	id, err := NormalizeIdentifier(rawID)
	if err != nil {
		return nil, err
	}
	events := make(chan StreamEvent, len(s.config.Sources)+2)
	go s.stream(ctx, id, date, events)
	return events, nil
}

func (s *Service) stream(ctx context.Context, id, date string, events chan<- StreamEvent) {
	defer close(events)
	start := s.now()

	emit := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(StreamEvent{Type: EventConnected}) {
		return
	}

	key := cacheKey(id, date)
	if snap, ok := s.results.Get(key); ok {
		res := s.assemble(ctx, id, date, snap, true)
		for campus, matches := range res.Results {
			ev := StreamEvent{Type: EventCampusResult, Campus: campus, Matches: matches, Done: true}
			ev.Error = res.SourceErrors[campus]
			if !emit(ev) {
				return
			}
		}
		if emit(StreamEvent{Type: EventComplete, Result: res}) {
			s.record(ctx, res, s.now().Sub(start))
		}
		return
	}

	// Resolve once up front so the per-source events already carry the
	// display name; the final assemble resolves again from the warm cache.
	var name string
	if s.resolver != nil {
		name, _ = s.resolver.Resolve(ctx, id)
	}

	opts := extractOptions(id, date)
	results := make(map[string][]extract.SeatMatch, len(s.config.Sources))
	srcErrs := make(map[string]string)

	var mu sync.Mutex
	var g errgroup.Group
	for _, src := range s.config.Sources {
		g.Go(func() error {
			matches, err := s.fetcher.Campus(ctx, src, opts, date)
			ev := StreamEvent{Type: EventCampusResult, Campus: src.Name, Done: true}

			mu.Lock()
			if err != nil {
				results[src.Name] = []extract.SeatMatch{}
				srcErrs[src.Name] = describeFailure(err)
				ev.Error = srcErrs[src.Name]
			} else {
				if matches == nil {
					matches = []extract.SeatMatch{}
				}
				results[src.Name] = matches
				ev.Matches = overlayName(matches, name)
			}
			mu.Unlock()

			emit(ev)
			return nil
		})
	}
	g.Wait()

	if ctx.Err() != nil {
		return
	}

	status := StatusOK
	if len(srcErrs) > 0 {
		status = StatusPartial
	}
	snap := snapshot{Results: results, SourceErrors: srcErrs, Status: status, FetchedAt: s.now()}
	s.results.Set(key, snap)

	res := s.assemble(ctx, id, date, snap, false)
	if emit(StreamEvent{Type: EventComplete, Result: res}) {
		s.record(ctx, res, s.now().Sub(start))
	}
}

// overlayName copies the matches with the display name applied, leaving the
// cached originals untouched.
func overlayName(matches []extract.SeatMatch, name string) []extract.SeatMatch {
	out := make([]extract.SeatMatch, len(matches))
	copy(out, matches)
	if name != "" {
		for i := range out {
			out[i].StudentName = name
		}
	}
	return out
}
