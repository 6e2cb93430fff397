package seating

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/campuskit/seatfinder/dbopen"
	"github.com/campuskit/seatfinder/directory"
	"github.com/campuskit/seatfinder/enquiry"
	"github.com/campuskit/seatfinder/fetch"
	_ "modernc.org/sqlite"
)

const testID = "RA2311003010500"

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// seatingDoc is a room-wise report naming the test identifier with hall 301,
// bench 12, forenoon session.
const seatingDoc = `<html><body><p>Examination seating allotment, Room No: 301, Session: FN.
Padding text so the response clears the minimum plausible size threshold.</p>
<table><tr><td>RA2311003010500</td><td>12</td><td>CSE/21CSC301T</td></tr></table>
</body></html>`

func testFetcher(t *testing.T) *fetch.Fetcher {
	t.Helper()
	return fetch.New(fetch.Config{
		JitterMin:    time.Millisecond,
		JitterMax:    2 * time.Millisecond,
		RetryBackoff: time.Millisecond,
		MinBodyBytes: 16,
		URLValidator: func(string) error { return nil },
	}, discard())
}

func newTestService(t *testing.T, sources []fetch.Source, opts ...ServiceOption) *Service {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Sources = sources
	resolver := directory.NewResolver(nil, directory.Config{}, discard())
	return NewService(cfg, testFetcher(t), resolver, discard(), opts...)
}

func countingSource(t *testing.T, name, doc string) (fetch.Source, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(doc))
	}))
	t.Cleanup(srv.Close)
	return fetch.Source{Name: name, FetchAddress: srv.URL}, &hits
}

func TestNormalizeIdentifier(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"ra2311003010500", "RA2311003010500", true},
		{"  RA 2311003010500\t", "RA2311003010500", true},
		{"", "", false},
		{"ab1", "", false},             // too short
		{"RA23;DROP TABLE", "", false}, // symbols
		{"RA2311003010500RA2311003010500RA2311003010500", "", false}, // too long
	}
	for _, c := range cases {
		got, err := NormalizeIdentifier(c.in)
		if c.ok && (err != nil || got != c.want) {
			t.Errorf("NormalizeIdentifier(%q) = (%q, %v), want (%q, nil)", c.in, got, err, c.want)
		}
		if !c.ok && !errors.Is(err, ErrInvalidIdentifier) {
			t.Errorf("NormalizeIdentifier(%q) err = %v, want ErrInvalidIdentifier", c.in, err)
		}
	}
}

// TestLookup_AllSourcesOK is the happy path: every source responds, the
// status is ok, and the bundled directory name is overlaid on the match.
func TestLookup_AllSourcesOK(t *testing.T) {
	main, _ := countingSource(t, "Main Campus", seatingDoc)
	tech, _ := countingSource(t, "Tech Park", seatingDoc)
	svc := newTestService(t, []fetch.Source{main, tech})

	res, err := svc.Lookup(context.Background(), testID, "")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Status != StatusOK {
		t.Errorf("Status = %q, want ok (sourceErrors: %v)", res.Status, res.SourceErrors)
	}
	if !res.Found {
		t.Error("Found = false, want true")
	}
	if len(res.Results) != 2 {
		t.Fatalf("Results has %d sources, want 2", len(res.Results))
	}
	m := res.Results["Main Campus"]
	if len(m) != 1 {
		t.Fatalf("Main Campus matches = %d, want 1", len(m))
	}
	if m[0].Hall != "301" || m[0].Bench != "12" {
		t.Errorf("match = hall %q bench %q, want 301/12", m[0].Hall, m[0].Bench)
	}
	// The bundled directory snapshot knows this identifier.
	if m[0].StudentName != "Anand Krishnan" {
		t.Errorf("StudentName = %q, want the directory name", m[0].StudentName)
	}
	if res.DisplayName != "Anand Krishnan" {
		t.Errorf("DisplayName = %q", res.DisplayName)
	}
}

// TestLookup_OneSourceTimesOut verifies the partial contract: the slow
// source contributes an empty list and a note, the healthy one still wins.
func TestLookup_OneSourceTimesOut(t *testing.T) {
	healthy, _ := countingSource(t, "Main Campus", seatingDoc)
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	t.Cleanup(slow.Close)

	cfg := DefaultConfig()
	cfg.Sources = []fetch.Source{healthy, {Name: "Tech Park", FetchAddress: slow.URL}}
	fetcher := fetch.New(fetch.Config{
		Timeout:      50 * time.Millisecond,
		JitterMin:    time.Millisecond,
		JitterMax:    2 * time.Millisecond,
		RetryBackoff: time.Millisecond,
		MinBodyBytes: 16,
		URLValidator: func(string) error { return nil },
	}, discard())
	svc := NewService(cfg, fetcher, directory.NewResolver(nil, directory.Config{}, discard()), discard())

	res, err := svc.Lookup(context.Background(), testID, "")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Status != StatusPartial {
		t.Errorf("Status = %q, want partial", res.Status)
	}
	if len(res.Results["Main Campus"]) != 1 {
		t.Errorf("healthy source matches = %d, want 1", len(res.Results["Main Campus"]))
	}
	if len(res.Results["Tech Park"]) != 0 {
		t.Errorf("slow source matches = %d, want 0", len(res.Results["Tech Park"]))
	}
	if res.SourceErrors["Tech Park"] == "" {
		t.Error("slow source has no failure note")
	}
}

// TestLookup_CacheHitSkipsSources verifies the 5-minute result cache: the
// second identical lookup must not touch the network.
func TestLookup_CacheHitSkipsSources(t *testing.T) {
	src, hits := countingSource(t, "Main Campus", seatingDoc)
	svc := newTestService(t, []fetch.Source{src})
	ctx := context.Background()

	if _, err := svc.Lookup(ctx, testID, "03/04/2025"); err != nil {
		t.Fatalf("first Lookup: %v", err)
	}
	first := hits.Load()
	res, err := svc.Lookup(ctx, testID, "03/04/2025")
	if err != nil {
		t.Fatalf("second Lookup: %v", err)
	}
	if !res.Cached {
		t.Error("second lookup not served from cache")
	}
	if hits.Load() != first {
		t.Errorf("source hits grew from %d to %d on a cache hit", first, hits.Load())
	}
}

// TestLookup_CacheKeyIncludesDate verifies that dated and all-dates
// lookups do not share cache entries.
func TestLookup_CacheKeyIncludesDate(t *testing.T) {
	src, hits := countingSource(t, "Main Campus", seatingDoc)
	svc := newTestService(t, []fetch.Source{src})
	ctx := context.Background()

	if _, err := svc.Lookup(ctx, testID, ""); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	after := hits.Load()
	if _, err := svc.Lookup(ctx, testID, "03/04/2025"); err != nil {
		t.Fatalf("dated Lookup: %v", err)
	}
	if hits.Load() <= after {
		t.Error("dated lookup served from the all-dates cache entry")
	}
}

// TestLookup_FreshNameOnCacheHit verifies that a directory update shows up
// through a cached seating result without waiting for the TTL.
func TestLookup_FreshNameOnCacheHit(t *testing.T) {
	src, _ := countingSource(t, "Main Campus", seatingDoc)
	db := dbopen.OpenMemory(t, dbopen.WithSchema(directory.Schema))
	store := directory.NewSQLStore(db)
	ctx := context.Background()
	if err := store.Replace(ctx, []directory.StudentRecord{
		{Identifier: testID, DisplayName: "Old Name"},
	}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	resolver := directory.NewResolver(store, directory.Config{Bundled: []byte("[]")}, discard())

	cfg := DefaultConfig()
	cfg.Sources = []fetch.Source{src}
	svc := NewService(cfg, testFetcher(t), resolver, discard())

	res, err := svc.Lookup(ctx, testID, "")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.DisplayName != "Old Name" {
		t.Fatalf("DisplayName = %q, want Old Name", res.DisplayName)
	}

	if err := store.Replace(ctx, []directory.StudentRecord{
		{Identifier: testID, DisplayName: "New Name"},
	}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	resolver.Clear()

	res, err = svc.Lookup(ctx, testID, "")
	if err != nil {
		t.Fatalf("cached Lookup: %v", err)
	}
	if !res.Cached {
		t.Fatal("second lookup was not a cache hit")
	}
	if res.DisplayName != "New Name" {
		t.Errorf("DisplayName = %q, want the fresh directory name", res.DisplayName)
	}
	if got := res.Results["Main Campus"][0].StudentName; got != "New Name" {
		t.Errorf("match StudentName = %q, want the fresh directory name", got)
	}
}

// TestLookup_InvalidIdentifier verifies validation short-circuits before
// any network work.
func TestLookup_InvalidIdentifier(t *testing.T) {
	src, hits := countingSource(t, "Main Campus", seatingDoc)
	svc := newTestService(t, []fetch.Source{src})

	if _, err := svc.Lookup(context.Background(), "", ""); !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("err = %v, want ErrInvalidIdentifier", err)
	}
	if hits.Load() != 0 {
		t.Error("invalid identifier reached the sources")
	}
}

// TestLookup_RecordsEnquiry verifies best-effort lookup logging.
func TestLookup_RecordsEnquiry(t *testing.T) {
	src, _ := countingSource(t, "Main Campus", seatingDoc)
	db := dbopen.OpenMemory(t, dbopen.WithSchema(enquiry.Schema))
	logger := enquiry.New(db, 16)
	svc := newTestService(t, []fetch.Source{src}, WithEnquiryLogger(logger))

	if _, err := svc.Lookup(context.Background(), testID, "03/04/2025"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	records, err := logger.Recent(context.Background(), 5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.Identifier != testID || !rec.Found || rec.LookupDate != "03/04/2025" {
		t.Errorf("record = %+v, want found lookup for %s", rec, testID)
	}
	if len(rec.Sources) != 1 || rec.Sources[0] != "Main Campus" {
		t.Errorf("sources = %v, want the contributing campus", rec.Sources)
	}
}

// TestLookupStream_EventOrder verifies the stream contract: connected
// first, one campus_result per source, complete last with the aggregate.
func TestLookupStream_EventOrder(t *testing.T) {
	main, _ := countingSource(t, "Main Campus", seatingDoc)
	tech, _ := countingSource(t, "Tech Park", seatingDoc)
	svc := newTestService(t, []fetch.Source{main, tech})

	events, err := svc.LookupStream(context.Background(), testID, "")
	if err != nil {
		t.Fatalf("LookupStream: %v", err)
	}

	var seen []StreamEvent
	for ev := range events {
		seen = append(seen, ev)
	}
	if len(seen) != 4 {
		t.Fatalf("events = %d, want connected + 2 campus + complete", len(seen))
	}
	if seen[0].Type != EventConnected {
		t.Errorf("first event = %q, want connected", seen[0].Type)
	}
	campuses := map[string]bool{}
	for _, ev := range seen[1:3] {
		if ev.Type != EventCampusResult || !ev.Done {
			t.Errorf("middle event = %+v, want settled campus_result", ev)
		}
		campuses[ev.Campus] = true
		if len(ev.Matches) != 1 {
			t.Errorf("campus %q matches = %d, want 1", ev.Campus, len(ev.Matches))
		}
	}
	if !campuses["Main Campus"] || !campuses["Tech Park"] {
		t.Errorf("campus events = %v, want both sources", campuses)
	}
	last := seen[3]
	if last.Type != EventComplete || last.Result == nil {
		t.Fatalf("last event = %+v, want complete with aggregate", last)
	}
	if last.Result.Status != StatusOK || !last.Result.Found {
		t.Errorf("aggregate = %+v, want ok/found", last.Result)
	}
}

// TestLookupStream_CancellationStopsFetches verifies that cancelling the
// consumer aborts the in-flight source fetches rather than letting them
// run to completion.
func TestLookupStream_CancellationStopsFetches(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() { close(release); slow.Close() })

	svc := newTestService(t, []fetch.Source{{Name: "Slow", FetchAddress: slow.URL}})

	ctx, cancel := context.WithCancel(context.Background())
	events, err := svc.LookupStream(ctx, testID, "")
	if err != nil {
		t.Fatalf("LookupStream: %v", err)
	}
	if ev := <-events; ev.Type != EventConnected {
		t.Fatalf("first event = %q, want connected", ev.Type)
	}
	<-started // the fetch is in flight
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return // channel closed promptly, fetch was abandoned
			}
			if ev.Type == EventComplete {
				t.Fatal("complete event emitted after cancellation")
			}
		case <-deadline:
			t.Fatal("stream did not close after cancellation")
		}
	}
}
