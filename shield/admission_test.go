package shield

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// stepClock is a manually advanced time source.
type stepClock struct{ t time.Time }

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2025, 4, 3, 9, 0, 0, 0, time.UTC)}
}
func (c *stepClock) now() time.Time          { return c.t }
func (c *stepClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// browserReq is a request that passes the client heuristics.
func browserReq(caller, identifier string) Request {
	return Request{
		CallerKey:       caller,
		Identifier:      identifier,
		UserAgent:       "Mozilla/5.0 (X11; Linux x86_64) Firefox/124.0",
		AcceptPresent:   true,
		LanguagePresent: true,
		EncodingPresent: true,
	}
}

func TestGate_WindowAllowsFiveThenBlocks(t *testing.T) {
	// WHAT: 5 requests inside the 60s window pass, the 6th blocks for 30min.
	clock := newStepClock()
	g := NewGate(DefaultGateConfig(), WithClock(clock.now))

	for i := range 5 {
		if dec := g.Check(browserReq("203.0.113.7", "")); !dec.Allowed {
			t.Fatalf("request %d rejected: %s", i+1, dec.Reason)
		}
		// Stay inside the 60s window but outside the 10s burst window.
		clock.advance(11 * time.Second)
	}

	dec := g.Check(browserReq("203.0.113.7", ""))
	if dec.Allowed {
		t.Fatal("6th request in window should be rejected")
	}
	if dec.Reason != "request limit exceeded" {
		t.Errorf("reason: got %q", dec.Reason)
	}
	if dec.RetryAfter != 30*time.Minute {
		t.Errorf("retry after: got %v, want 30m", dec.RetryAfter)
	}
}

func TestGate_BlockSurvivesWindowReset(t *testing.T) {
	// WHAT: Once blocked, the caller stays blocked across window boundaries
	// until the 30 minute block expires.
	clock := newStepClock()
	g := NewGate(DefaultGateConfig(), WithClock(clock.now))

	for range 5 {
		g.Check(browserReq("198.51.100.2", ""))
		clock.advance(11 * time.Second)
	}
	if dec := g.Check(browserReq("198.51.100.2", "")); dec.Allowed {
		t.Fatal("expected block")
	}

	clock.advance(5 * time.Minute) // several window resets later
	if dec := g.Check(browserReq("198.51.100.2", "")); dec.Allowed {
		t.Fatal("caller should remain blocked after window reset")
	}

	clock.advance(30 * time.Minute) // block expired
	if dec := g.Check(browserReq("198.51.100.2", "")); !dec.Allowed {
		t.Fatalf("caller should be admitted after block expiry: %s", dec.Reason)
	}
}

func TestGate_AutomatedAgentRejected(t *testing.T) {
	g := NewGate(DefaultGateConfig())
	req := browserReq("203.0.113.9", "")
	req.UserAgent = "python-requests/2.31"
	dec := g.Check(req)
	if dec.Allowed {
		t.Fatal("automation signature should be rejected")
	}
	if dec.Reason != "automated client signature" {
		t.Errorf("reason: got %q", dec.Reason)
	}
}

func TestGate_SearchCrawlerAllowlisted(t *testing.T) {
	// Googlebot matches the "bot" pattern but sits on the allow-list.
	g := NewGate(DefaultGateConfig())
	req := browserReq("203.0.113.10", "")
	req.UserAgent = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
	if dec := g.Check(req); !dec.Allowed {
		t.Fatalf("crawler rejected: %s", dec.Reason)
	}
}

func TestGate_MissingHeadersRejected(t *testing.T) {
	// WHAT: Two or more absent content-negotiation headers reject the
	// request; a single absent header is tolerated.
	g := NewGate(DefaultGateConfig())

	req := browserReq("203.0.113.11", "")
	req.LanguagePresent = false
	req.EncodingPresent = false
	dec := g.Check(req)
	if dec.Allowed {
		t.Fatal("two missing headers should be rejected")
	}
	if dec.Reason != "incomplete client headers" {
		t.Errorf("reason: got %q", dec.Reason)
	}

	req2 := browserReq("203.0.113.12", "")
	req2.LanguagePresent = false
	if dec := g.Check(req2); !dec.Allowed {
		t.Fatalf("one missing header rejected: %s", dec.Reason)
	}
}

func TestGate_BurstTiming(t *testing.T) {
	// WHAT: A third request inside a trailing 10s window is rejected even
	// though the 60s counter still has room.
	clock := newStepClock()
	g := NewGate(DefaultGateConfig(), WithClock(clock.now))

	if dec := g.Check(browserReq("203.0.113.13", "")); !dec.Allowed {
		t.Fatal("first request")
	}
	clock.advance(2 * time.Second)
	if dec := g.Check(browserReq("203.0.113.13", "")); !dec.Allowed {
		t.Fatal("second request")
	}
	clock.advance(2 * time.Second)
	dec := g.Check(browserReq("203.0.113.13", ""))
	if dec.Allowed {
		t.Fatal("third request within 10s should be rejected")
	}
	if dec.Reason != "too many requests in a short burst" {
		t.Errorf("reason: got %q", dec.Reason)
	}
	if dec.RetryAfter <= 0 || dec.RetryAfter > 10*time.Second {
		t.Errorf("retry after: got %v", dec.RetryAfter)
	}
}

func TestGate_SequentialIdentifiersBlock(t *testing.T) {
	// WHAT: Three identifiers whose trailing digits step by exactly one
	// trigger an immediate block on the third request.
	clock := newStepClock()
	g := NewGate(DefaultGateConfig(), WithClock(clock.now))

	ids := []string{"RA2311003010001", "RA2311003010002", "RA2311003010003"}
	for i, id := range ids {
		dec := g.Check(browserReq("203.0.113.14", id))
		if i < 2 {
			if !dec.Allowed {
				t.Fatalf("request %d rejected early: %s", i+1, dec.Reason)
			}
		} else {
			if dec.Allowed {
				t.Fatal("third sequential identifier should block")
			}
			if dec.Reason != "sequential identifier scan detected" {
				t.Errorf("reason: got %q", dec.Reason)
			}
			if dec.RetryAfter != 30*time.Minute {
				t.Errorf("retry after: got %v", dec.RetryAfter)
			}
		}
		clock.advance(15 * time.Second)
	}
}

func TestGate_SequentialRunInterrupted(t *testing.T) {
	// WHAT: A non-adjacent identifier in the middle resets the run.
	clock := newStepClock()
	g := NewGate(DefaultGateConfig(), WithClock(clock.now))

	for _, id := range []string{"RA2311003010001", "RA2311003010002", "RA2311003010777", "RA2311003010778"} {
		dec := g.Check(browserReq("203.0.113.15", id))
		if !dec.Allowed {
			t.Fatalf("identifier %s rejected: %s", id, dec.Reason)
		}
		clock.advance(15 * time.Second)
	}
}

func TestGate_SequentialSessionExpires(t *testing.T) {
	// A successor arriving after the 5 minute session window starts a new run.
	clock := newStepClock()
	g := NewGate(DefaultGateConfig(), WithClock(clock.now))

	g.Check(browserReq("203.0.113.16", "RA2311003010001"))
	clock.advance(15 * time.Second)
	g.Check(browserReq("203.0.113.16", "RA2311003010002"))
	clock.advance(6 * time.Minute)
	if dec := g.Check(browserReq("203.0.113.16", "RA2311003010003")); !dec.Allowed {
		t.Fatalf("stale session should not extend the run: %s", dec.Reason)
	}
}

func TestGate_CallersIndependent(t *testing.T) {
	clock := newStepClock()
	g := NewGate(DefaultGateConfig(), WithClock(clock.now))

	for range 5 {
		g.Check(browserReq("10.0.0.1", ""))
		clock.advance(11 * time.Second)
	}
	if dec := g.Check(browserReq("10.0.0.1", "")); dec.Allowed {
		t.Fatal("first caller should be blocked")
	}
	if dec := g.Check(browserReq("10.0.0.2", "")); !dec.Allowed {
		t.Fatalf("second caller affected by first caller's block: %s", dec.Reason)
	}
}

func TestGate_SweepPurgesExpiredState(t *testing.T) {
	clock := newStepClock()
	g := NewGate(DefaultGateConfig(), WithClock(clock.now))

	g.Check(browserReq("203.0.113.17", ""))
	g.Check(browserReq("203.0.113.18", ""))
	if len(g.callers) != 2 {
		t.Fatalf("callers: got %d", len(g.callers))
	}

	clock.advance(time.Hour)
	g.sweep()
	if len(g.callers) != 0 {
		t.Errorf("expired state not purged: %d callers remain", len(g.callers))
	}
}

func TestMiddleware_Rejects429WithRetryAfter(t *testing.T) {
	clock := newStepClock()
	g := NewGate(DefaultGateConfig(), WithClock(clock.now))

	h := g.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/seating?ra=RA2311003010500", nil)
		req.RemoteAddr = "203.0.113.20:54321"
		req.Header.Set("User-Agent", "Mozilla/5.0 Firefox/124.0")
		req.Header.Set("Accept", "text/html")
		req.Header.Set("Accept-Language", "en")
		req.Header.Set("Accept-Encoding", "gzip")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := range 5 {
		if rec := do(); rec.Code != http.StatusOK {
			t.Fatalf("request %d: got %d", i+1, rec.Code)
		}
		clock.advance(11 * time.Second)
	}

	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status: got %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	var body struct {
		Error      string `json:"error"`
		Reason     string `json:"reason"`
		RetryAfter int    `json:"retryAfter"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.RetryAfter <= 0 {
		t.Errorf("retryAfter: got %d", body.RetryAfter)
	}
}

func TestMiddleware_ExcludedPrefixBypasses(t *testing.T) {
	g := NewGate(DefaultGateConfig())
	h := g.Middleware("/healthz")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// No browser headers at all; would normally be rejected.
	for range 10 {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("healthz gated: got %d", rec.Code)
		}
	}
}

func TestExtractIP(t *testing.T) {
	cases := []struct {
		xff    string
		remote string
		want   string
	}{
		{"", "203.0.113.5:1234", "203.0.113.5"},
		{"198.51.100.1", "203.0.113.5:1234", "198.51.100.1"},
		{"198.51.100.1, 10.0.0.1", "203.0.113.5:1234", "198.51.100.1"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remote
		if tc.xff != "" {
			req.Header.Set("X-Forwarded-For", tc.xff)
		}
		if got := ExtractIP(req); got != tc.want {
			t.Errorf("ExtractIP(xff=%q) = %q, want %q", tc.xff, got, tc.want)
		}
	}
}
