// Package seating aggregates exam seat lookups across the configured campus
// sources: admission-gated requests fan out to every source in parallel,
// extraction output is merged with directory display names, and the merged
// snapshot is cached for a short TTL. Partial failure is the expected
// steady state, not an error.
package seating

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/campuskit/seatfinder/cache"
	"github.com/campuskit/seatfinder/datenorm"
	"github.com/campuskit/seatfinder/directory"
	"github.com/campuskit/seatfinder/enquiry"
	"github.com/campuskit/seatfinder/extract"
	"github.com/campuskit/seatfinder/fetch"
	"github.com/campuskit/seatfinder/kit"
)

// ErrInvalidIdentifier rejects missing or malformed register numbers.
var ErrInvalidIdentifier = errors.New("seating: invalid identifier")

// Result statuses. Partial means at least one source failed to yield a
// document; the results from the rest are still returned.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
)

const allDatesKey = "all"

var identifierShape = regexp.MustCompile(`^[A-Z0-9]{6,24}$`)

// NormalizeIdentifier uppercases and strips all whitespace from a raw
// register number, rejecting anything that does not look like one.
func NormalizeIdentifier(raw string) (string, error) {
	id := strings.ToUpper(strings.Join(strings.Fields(raw), ""))
	if !identifierShape.MatchString(id) {
		return "", ErrInvalidIdentifier
	}
	return id, nil
}

// Result is the merged lookup response.
type Result struct {
	Status      string                         `json:"status"`
	Identifier  string                         `json:"identifier"`
	Date        string                         `json:"date,omitempty"`
	DisplayName string                         `json:"displayName,omitempty"`
	Found       bool                           `json:"found"`
	Cached      bool                           `json:"cached"`
	LastUpdated time.Time                      `json:"lastUpdated"`
	Results     map[string][]extract.SeatMatch `json:"results"`
	// SourceErrors carries a short human-readable note per failed source.
	SourceErrors map[string]string `json:"sourceErrors,omitempty"`
}

// snapshot is the cached per-source payload. Display names are deliberately
// absent: they are overlaid freshly on every read so a directory update is
// visible before the seating cache expires.
type snapshot struct {
	Results      map[string][]extract.SeatMatch
	SourceErrors map[string]string
	Status       string
	FetchedAt    time.Time
}

// Service owns the lookup pipeline and its caches.
type Service struct {
	config    Config
	fetcher   *fetch.Fetcher
	resolver  *directory.Resolver
	results   *cache.Store[snapshot]
	enquiries *enquiry.Logger
	logger    *slog.Logger
	now       func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithEnquiryLogger enables best-effort lookup logging.
func WithEnquiryLogger(l *enquiry.Logger) ServiceOption {
	return func(s *Service) { s.enquiries = l }
}

// WithClock injects a deterministic clock for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
		s.results = cache.New[snapshot](s.config.CacheTTL, cache.WithClock[snapshot](now))
	}
}

func NewService(cfg Config, fetcher *fetch.Fetcher, resolver *directory.Resolver, logger *slog.Logger, opts ...ServiceOption) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		config:   cfg,
		fetcher:  fetcher,
		resolver: resolver,
		results:  cache.New[snapshot](cfg.CacheTTL),
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Cache exposes the result cache for diagnostics and sweeping.
func (s *Service) Cache() *cache.Store[snapshot] {
	return s.results
}

// Lookup runs one seat lookup: cache first, then a parallel fan-out across
// every configured source. date may be empty for an all-dates lookup.
func (s *Service) Lookup(ctx context.Context, rawID, date string) (*Result, error) {
	start := s.now()
	id, err := NormalizeIdentifier(rawID)
	if err != nil {
		return nil, err
	}

	key := cacheKey(id, date)
	if snap, ok := s.results.Get(key); ok {
		res := s.assemble(ctx, id, date, snap, true)
		s.record(ctx, res, s.now().Sub(start))
		return res, nil
	}

	snap := s.fanOut(ctx, id, date)
	if ctx.Err() == nil {
		s.results.Set(key, snap)
	}
	res := s.assemble(ctx, id, date, snap, false)
	s.record(ctx, res, s.now().Sub(start))
	return res, nil
}

func cacheKey(id, date string) string {
	if date == "" {
		return id + "_" + allDatesKey
	}
	return id + "_" + date
}

func extractOptions(id, date string) extract.Options {
	opts := extract.Options{Identifier: id}
	if date != "" {
		opts.DateVariants = datenorm.Variants(date)
		opts.MonthVariants = datenorm.MonthNameVariants(date)
	}
	return opts
}

// fanOut queries every source in parallel. A failing source contributes an
// empty match list and a note; it never cancels its siblings.
func (s *Service) fanOut(ctx context.Context, id, date string) snapshot {
	opts := extractOptions(id, date)
	results := make(map[string][]extract.SeatMatch, len(s.config.Sources))
	srcErrs := make(map[string]string)

	var mu sync.Mutex
	var g errgroup.Group
	for _, src := range s.config.Sources {
		g.Go(func() error {
			matches, err := s.fetcher.Campus(ctx, src, opts, date)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[src.Name] = []extract.SeatMatch{}
				srcErrs[src.Name] = describeFailure(err)
				return nil
			}
			if matches == nil {
				matches = []extract.SeatMatch{}
			}
			results[src.Name] = matches
			return nil
		})
	}
	g.Wait()

	status := StatusOK
	if len(srcErrs) > 0 {
		status = StatusPartial
	}
	return snapshot{
		Results:      results,
		SourceErrors: srcErrs,
		Status:       status,
		FetchedAt:    s.now(),
	}
}

// describeFailure keeps upstream error detail out of responses.
func describeFailure(err error) string {
	switch {
	case errors.Is(err, fetch.ErrNotFound):
		return "no report published"
	case errors.Is(err, context.DeadlineExceeded):
		return "source timed out"
	case errors.Is(err, context.Canceled):
		return "lookup cancelled"
	default:
		return "source unavailable"
	}
}

// assemble merges a snapshot with a freshly resolved display name. The name
// overlays every match unless the directory has none, in which case any
// name the source itself reported survives. Venue fields always come from
// the source.
func (s *Service) assemble(ctx context.Context, id, date string, snap snapshot, cached bool) *Result {
	var name string
	if s.resolver != nil {
		name, _ = s.resolver.Resolve(ctx, id)
	}

	found := false
	results := make(map[string][]extract.SeatMatch, len(snap.Results))
	for campus, matches := range snap.Results {
		out := make([]extract.SeatMatch, len(matches))
		copy(out, matches)
		for i := range out {
			if name != "" {
				out[i].StudentName = name
			}
			if out[i].Matched {
				found = true
			}
		}
		results[campus] = out
	}

	return &Result{
		Status:       snap.Status,
		Identifier:   id,
		Date:         date,
		DisplayName:  name,
		Found:        found,
		Cached:       cached,
		LastUpdated:  snap.FetchedAt,
		Results:      results,
		SourceErrors: snap.SourceErrors,
	}
}

func (s *Service) record(ctx context.Context, res *Result, elapsed time.Duration) {
	if s.enquiries == nil {
		return
	}
	var sources []string
	count := 0
	for campus, matches := range res.Results {
		if len(matches) > 0 {
			sources = append(sources, campus)
		}
		count += len(matches)
	}
	s.enquiries.Record(&enquiry.Record{
		Identifier:  res.Identifier,
		LookupDate:  res.Date,
		Found:       res.Found,
		ResultCount: count,
		Sources:     sources,
		Duration:    elapsed,
		RemoteAddr:  kit.GetRemoteAddr(ctx),
		UserAgent:   kit.GetUserAgent(ctx),
		Transport:   kit.GetTransport(ctx),
	})
}
