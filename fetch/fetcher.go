// Package fetch retrieves raw seating documents from the configured campus
// endpoints. Each campus is tried with polite jitter, a form submission per
// session code, a plain retrieval fallback, and one retry per network
// attempt. A campus failing never affects its siblings; the caller receives
// an empty match list and a tagged error instead.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/campuskit/seatfinder/extract"
	"github.com/campuskit/seatfinder/safeurl"
)

// Source is one configured upstream campus endpoint. Immutable for the
// process lifetime.
type Source struct {
	Name          string `yaml:"name" json:"name"`
	FetchAddress  string `yaml:"fetch_address" json:"fetchAddress"`
	ReportAddress string `yaml:"report_address,omitempty" json:"reportAddress,omitempty"`
}

// Config configures the fetcher.
type Config struct {
	// Timeout bounds each individual network attempt. Default: 12s.
	Timeout time.Duration `yaml:"timeout"`
	// RetryBackoff is the pause before the single retry. Default: 500ms.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// JitterMin/JitterMax bound the polite delay before the first attempt
	// against a source. Defaults: 300ms / 700ms.
	JitterMin time.Duration `yaml:"jitter_min"`
	JitterMax time.Duration `yaml:"jitter_max"`
	// MinBodyBytes is the minimum size of a form-submission response worth
	// extracting. Default: 512.
	MinBodyBytes int `yaml:"min_body_bytes"`
	// MaxBytes caps response body reads. Default: 2MB.
	MaxBytes int64 `yaml:"max_bytes"`
	// UserAgent sent with requests.
	UserAgent string `yaml:"user_agent"`
	// URLValidator validates URLs before fetch (SSRF prevention).
	// Default: safeurl.Validate.
	URLValidator func(string) error `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 12 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.JitterMin <= 0 {
		c.JitterMin = 300 * time.Millisecond
	}
	if c.JitterMax <= c.JitterMin {
		c.JitterMax = c.JitterMin + 400*time.Millisecond
	}
	if c.MinBodyBytes <= 0 {
		c.MinBodyBytes = 512
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 2 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "seatfinder/1.0"
	}
	if c.URLValidator == nil {
		c.URLValidator = safeurl.Validate
	}
}

// ErrNotFound marks the expected no-report-published case (HTTP 404),
// logged at a lower severity than transport failures.
var ErrNotFound = errors.New("fetch: report not found")

// sessionCodes are tried in order on the form-submission path.
var sessionCodes = []string{"FN", "AN"}

// identifierToken recognises a register-number-shaped token, the cheap probe
// that a response is a seating report rather than an error page.
var identifierToken = regexp.MustCompile(`[A-Za-z]{2}\d{10,}`)

// Fetcher performs the per-campus retrieval sequence.
type Fetcher struct {
	client *http.Client
	config Config
	logger *slog.Logger
}

// New creates a Fetcher with SSRF protection on redirects.
func New(cfg Config, logger *slog.Logger) *Fetcher {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	validate := cfg.URLValidator
	return &Fetcher{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		config: cfg,
		logger: logger,
	}
}

// Document is the raw outcome of one campus retrieval.
type Document struct {
	Body string
	// URL is the address that actually served the document.
	URL string
	// DatePinned is true when the serving request already carried the date
	// parameter, which relaxes date confirmation for consolidated reports.
	DatePinned bool
}

// Retrieve runs the full per-source sequence: polite jitter, one form
// submission per session code, then the plain report fallback. The first
// response that is long enough and contains an identifier-shaped token wins.
func (f *Fetcher) Retrieve(ctx context.Context, src Source, date string) (*Document, error) {
	if err := f.politeDelay(ctx); err != nil {
		return nil, err
	}

	log := f.logger.With("campus", src.Name)

	if date != "" {
		for _, session := range sessionCodes {
			form := url.Values{"date": {date}, "session": {session}}
			body, err := f.attempt(ctx, http.MethodPost, src.FetchAddress, form)
			if err != nil {
				log.Debug("form submission failed", "session", session, "error", err)
				continue
			}
			if f.plausibleReport(body) {
				return &Document{Body: body, URL: src.FetchAddress, DatePinned: true}, nil
			}
			log.Debug("form submission response rejected",
				"session", session, "bytes", len(body))
		}
	}

	addr := src.ReportAddress
	if addr == "" {
		addr = src.FetchAddress
	}
	body, err := f.attempt(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return nil, err
	}
	return &Document{Body: body, URL: addr}, nil
}

// Campus retrieves one source and runs extraction, normalising the output:
// every match is stamped with the campus name and serving URL, and any
// retrieval failure degrades to an empty match list plus the error.
func (f *Fetcher) Campus(ctx context.Context, src Source, opts extract.Options, date string) ([]extract.SeatMatch, error) {
	doc, err := f.Retrieve(ctx, src, date)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			f.logger.Info("campus has no published report", "campus", src.Name)
		} else if ctx.Err() == nil {
			f.logger.Warn("campus retrieval failed", "campus", src.Name, "error", err)
		}
		return nil, err
	}

	opts.DatePinned = doc.DatePinned
	matches := extract.Document(doc.Body, opts)
	for i := range matches {
		matches[i].CampusName = src.Name
		matches[i].SourceURL = doc.URL
	}
	return matches, nil
}

// plausibleReport filters out error pages and empty shells.
func (f *Fetcher) plausibleReport(body string) bool {
	return len(body) >= f.config.MinBodyBytes && identifierToken.MatchString(body)
}

// attempt performs one HTTP call with a single retry on failure. Timeouts
// caused by the per-attempt deadline are not retried: a source that is this
// slow will not recover within the backoff.
func (f *Fetcher) attempt(ctx context.Context, method, addr string, form url.Values) (string, error) {
	if err := f.config.URLValidator(addr); err != nil {
		return "", fmt.Errorf("URL blocked: %w", err)
	}

	body, err := f.do(ctx, method, addr, form)
	if err == nil {
		return body, nil
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return "", err
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(f.config.RetryBackoff):
	}
	return f.do(ctx, method, addr, form)
}

func (f *Fetcher) do(ctx context.Context, method, addr string, form url.Values) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	var reqBody *strings.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	} else {
		reqBody = strings.NewReader("")
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, addr, reqBody)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http %s: %w", strings.ToLower(method), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return "", fmt.Errorf("http %d", resp.StatusCode)
	}

	data, err := safeurl.LimitedReadAll(resp.Body, f.config.MaxBytes)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(data), nil
}

// politeDelay sleeps a randomised interval so bursts of lookups do not
// hammer the campus servers in lockstep.
func (f *Fetcher) politeDelay(ctx context.Context) error {
	span := f.config.JitterMax - f.config.JitterMin
	d := f.config.JitterMin + rand.N(span)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
