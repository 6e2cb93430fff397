package shield

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// GateConfig defines the admission thresholds. Zero fields are filled by
// defaults().
type GateConfig struct {
	MaxPerWindow int           `yaml:"max_per_window"` // requests allowed per Window before blocking
	Window       time.Duration `yaml:"window"`         // fixed counting window
	BlockFor     time.Duration `yaml:"block_for"`      // block duration once a limit trips
	BurstMax     int           `yaml:"burst_max"`      // requests within BurstWindow that trigger a rejection
	BurstWindow  time.Duration `yaml:"burst_window"`   // trailing burst window
	SeqRunLength int           `yaml:"seq_run_length"` // consecutive +1 identifiers that trigger a block
	SeqWindow    time.Duration `yaml:"seq_window"`     // trailing session window for the sequential check

	// BlockedAgents are lowercase substrings of automated client signatures.
	// AllowedAgents override BlockedAgents (known search-engine crawlers).
	BlockedAgents []string `yaml:"blocked_agents"`
	AllowedAgents []string `yaml:"allowed_agents"`
}

// DefaultGateConfig returns the production thresholds: 5 requests per minute,
// 30 minute blocks, 3-request bursts over 10 seconds, and 3-run sequential
// identifier detection over a 5 minute session.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MaxPerWindow: 5,
		Window:       time.Minute,
		BlockFor:     30 * time.Minute,
		BurstMax:     3,
		BurstWindow:  10 * time.Second,
		SeqRunLength: 3,
		SeqWindow:    5 * time.Minute,
	}
}

func (c *GateConfig) defaults() {
	if c.MaxPerWindow <= 0 {
		c.MaxPerWindow = 5
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.BlockFor <= 0 {
		c.BlockFor = 30 * time.Minute
	}
	if c.BurstMax <= 0 {
		c.BurstMax = 3
	}
	if c.BurstWindow <= 0 {
		c.BurstWindow = 10 * time.Second
	}
	if c.SeqRunLength <= 0 {
		c.SeqRunLength = 3
	}
	if c.SeqWindow <= 0 {
		c.SeqWindow = 5 * time.Minute
	}
	if c.BlockedAgents == nil {
		c.BlockedAgents = []string{
			"bot", "crawl", "spider", "scrape", "curl", "wget",
			"python", "scrapy", "httpclient", "go-http-client",
			"libwww", "headless", "phantom",
		}
	}
	if c.AllowedAgents == nil {
		c.AllowedAgents = []string{
			"googlebot", "bingbot", "duckduckbot", "slurp",
			"yandexbot", "baiduspider",
		}
	}
}

// Request carries the per-request facts the gate evaluates.
type Request struct {
	CallerKey  string // usually the client IP
	Identifier string // register number, may be empty
	UserAgent  string

	AcceptPresent   bool
	LanguagePresent bool
	EncodingPresent bool
}

// Decision is the gate's verdict. RetryAfter is zero when retrying will not
// help until behaviour changes (heuristic rejections).
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

var allowed = Decision{Allowed: true}

type callerState struct {
	windowCount   int
	windowResetAt time.Time
	blockedUntil  time.Time

	recent []time.Time // timestamps inside the trailing burst window

	seqTail    string // trailing 6 digits of the previous identifier
	seqRun     int
	seqStarted time.Time
}

// Gate is the admission controller. One instance guards all lookup routes.
// All state is in-process; a restart clears it.
type Gate struct {
	cfg GateConfig

	mu      sync.Mutex
	callers map[string]*callerState

	now func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithClock overrides the gate's time source. Tests use this to step through
// windows deterministically.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate creates an admission gate with the given thresholds.
func NewGate(cfg GateConfig, opts ...GateOption) *Gate {
	cfg.defaults()
	g := &Gate{
		cfg:     cfg,
		callers: make(map[string]*callerState),
		now:     time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Check runs the four admission checks in fixed order: rate window, client
// heuristics, burst timing, sequential identifier pattern. The first failing
// check short-circuits.
func (g *Gate) Check(req Request) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	st, ok := g.callers[req.CallerKey]
	if !ok {
		st = &callerState{}
		g.callers[req.CallerKey] = st
	}

	// 1. Active block / fixed rate window.
	if !st.blockedUntil.IsZero() {
		if now.Before(st.blockedUntil) {
			return Decision{Reason: "temporarily blocked", RetryAfter: st.blockedUntil.Sub(now)}
		}
		// Block expired: lazy reset to a fresh window.
		*st = callerState{}
	}
	if st.windowResetAt.IsZero() || now.After(st.windowResetAt) {
		st.windowCount = 0
		st.windowResetAt = now.Add(g.cfg.Window)
	}
	st.windowCount++
	if st.windowCount > g.cfg.MaxPerWindow {
		st.blockedUntil = now.Add(g.cfg.BlockFor)
		return Decision{Reason: "request limit exceeded", RetryAfter: g.cfg.BlockFor}
	}

	// 2. Client heuristics.
	if g.isAutomatedAgent(req.UserAgent) {
		return Decision{Reason: "automated client signature"}
	}
	missing := 0
	for _, present := range []bool{req.AcceptPresent, req.LanguagePresent, req.EncodingPresent} {
		if !present {
			missing++
		}
	}
	if missing >= 2 {
		return Decision{Reason: "incomplete client headers"}
	}

	// 3. Burst timing over the trailing window.
	cutoff := now.Add(-g.cfg.BurstWindow)
	kept := st.recent[:0]
	for _, ts := range st.recent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	st.recent = append(kept, now)
	if len(st.recent) >= g.cfg.BurstMax {
		retry := st.recent[0].Add(g.cfg.BurstWindow).Sub(now)
		return Decision{Reason: "too many requests in a short burst", RetryAfter: retry}
	}

	// 4. Sequential identifier pattern.
	if tail, ok := identifierTail(req.Identifier); ok {
		sessionExpired := st.seqStarted.IsZero() || now.Sub(st.seqStarted) > g.cfg.SeqWindow
		switch {
		case sessionExpired:
			st.seqRun = 1
			st.seqStarted = now
		case isSuccessor(st.seqTail, tail):
			st.seqRun++
		default:
			st.seqRun = 1
			st.seqStarted = now
		}
		st.seqTail = tail
		if st.seqRun >= g.cfg.SeqRunLength {
			st.blockedUntil = now.Add(g.cfg.BlockFor)
			return Decision{Reason: "sequential identifier scan detected", RetryAfter: g.cfg.BlockFor}
		}
	}

	return allowed
}

func (g *Gate) isAutomatedAgent(ua string) bool {
	low := strings.ToLower(ua)
	for _, allow := range g.cfg.AllowedAgents {
		if strings.Contains(low, allow) {
			return false
		}
	}
	for _, bad := range g.cfg.BlockedAgents {
		if strings.Contains(low, bad) {
			return true
		}
	}
	return false
}

// identifierTail extracts the trailing 6 digits of an identifier.
func identifierTail(id string) (string, bool) {
	digits := 0
	for digits < len(id) {
		c := id[len(id)-1-digits]
		if c < '0' || c > '9' {
			break
		}
		digits++
	}
	if digits < 6 {
		return "", false
	}
	return id[len(id)-6:], true
}

// isSuccessor reports whether b's numeric value is exactly a's plus one.
func isSuccessor(a, b string) bool {
	if a == "" {
		return false
	}
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA != nil || errB != nil {
		return false
	}
	return nb == na+1
}

// StartSweeper starts a background goroutine that purges expired caller state
// every interval. Stops when done is closed.
func (g *Gate) StartSweeper(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	tick := time.NewTicker(interval)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				g.sweep()
			}
		}
	}()
}

func (g *Gate) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	removed := 0
	for key, st := range g.callers {
		if !st.blockedUntil.IsZero() && now.Before(st.blockedUntil) {
			continue
		}
		if now.Before(st.windowResetAt) {
			continue
		}
		if !st.seqStarted.IsZero() && now.Sub(st.seqStarted) <= g.cfg.SeqWindow {
			continue
		}
		active := false
		cutoff := now.Add(-g.cfg.BurstWindow)
		for _, ts := range st.recent {
			if ts.After(cutoff) {
				active = true
				break
			}
		}
		if active {
			continue
		}
		delete(g.callers, key)
		removed++
	}
	if removed > 0 {
		slog.Debug("admission: swept expired caller state", "removed", removed, "remaining", len(g.callers))
	}
}

// Middleware enforces the gate on every request except excluded path
// prefixes. Rejections answer 429 with a Retry-After header and a JSON body
// carrying the reason.
func (g *Gate) Middleware(excludePrefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range excludePrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			dec := g.Check(Request{
				CallerKey:       ExtractIP(r),
				Identifier:      strings.TrimSpace(r.URL.Query().Get("ra")),
				UserAgent:       r.UserAgent(),
				AcceptPresent:   r.Header.Get("Accept") != "",
				LanguagePresent: r.Header.Get("Accept-Language") != "",
				EncodingPresent: r.Header.Get("Accept-Encoding") != "",
			})
			if dec.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			GetLogger(r.Context()).Warn("admission: request rejected",
				"ip", ExtractIP(r), "reason", dec.Reason, "retry_after", dec.RetryAfter)

			retrySecs := int(dec.RetryAfter / time.Second)
			if retrySecs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(retrySecs))
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"error":      "too many requests",
				"reason":     dec.Reason,
				"retryAfter": retrySecs,
			})
		})
	}
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return strings.TrimSpace(xff[:i])
			}
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
