// Package directory resolves student identifiers to display names. The
// lookup table is loaded through a fallback chain (primary store, bundled
// snapshot, self-hosted endpoint, public mirror) and cached in-process
// with no expiry. The cache is dropped only on explicit Clear or when it is
// observed empty at read time.
package directory

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/campuskit/seatfinder/safeurl"
)

//go:embed dataset.json
var bundledDataset []byte

// StudentRecord is one identifier→name pair, the array-of-records shape the
// bundled and remote datasets use.
type StudentRecord struct {
	Identifier  string `json:"identifier"`
	DisplayName string `json:"name"`
}

// ErrBadShape rejects dataset payloads that are not an array of records
// carrying identifier and name fields.
var ErrBadShape = errors.New("directory: dataset has unexpected shape")

// Config configures the resolver's fallback tiers.
type Config struct {
	// RemoteURL is the self-hosted dataset endpoint. Empty skips the tier.
	RemoteURL string `yaml:"remote_url"`
	// FallbackURL is the public mirror tried last. Empty skips the tier.
	FallbackURL string `yaml:"fallback_url"`
	// HTTPTimeout bounds each dataset fetch. Default: 10s.
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	// RetryDelay is the pause between reload attempts on a cold store.
	// Default: 250ms.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// Bundled overrides the embedded snapshot. Nil means the embedded one.
	Bundled []byte `yaml:"-"`
	// URLValidator validates dataset URLs. Default: safeurl.Validate.
	URLValidator func(string) error `yaml:"-"`
}

func (c *Config) defaults() {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 250 * time.Millisecond
	}
	if c.Bundled == nil {
		c.Bundled = bundledDataset
	}
	if c.URLValidator == nil {
		c.URLValidator = safeurl.Validate
	}
}

// Resolver holds the cached lookup table and the tier chain that fills it.
type Resolver struct {
	store  Store
	config Config
	client *http.Client
	logger *slog.Logger

	mu    sync.RWMutex
	names map[string]string // nil until the first successful load
}

// NewResolver creates a Resolver. store may be nil when no primary store is
// configured; the chain then starts at the bundled snapshot.
func NewResolver(store Store, cfg Config, logger *slog.Logger) *Resolver {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  store,
		config: cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		logger: logger,
	}
}

// Warm eagerly loads the lookup table. Safe to call at startup; Resolve
// loads lazily anyway.
func (r *Resolver) Warm(ctx context.Context) error {
	_, err := r.loadAndCache(ctx)
	return err
}

// Clear drops the cached table. The next Resolve reloads the full chain.
func (r *Resolver) Clear() {
	r.mu.Lock()
	r.names = nil
	r.mu.Unlock()
}

// Size reports the number of cached entries.
func (r *Resolver) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}

// Resolve returns the display name for an identifier. A miss against a cold
// store retries the load chain up to 3 times; a warmed-but-absent identifier
// falls through to a single-row store query before giving up. The second
// return is false when no name could be resolved.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (string, bool) {
	id := strings.ToUpper(strings.TrimSpace(identifier))
	if id == "" {
		return "", false
	}

	if name, ok := r.cached(id); ok {
		return name, true
	}

	// Retry only while the store reports itself cold. A load that succeeds
	// without the identifier is authoritative: the roster really lacks it.
	for attempt := 0; attempt < 3; attempt++ {
		names, err := r.loadAndCache(ctx)
		if err == nil {
			if name, ok := names[id]; ok {
				return name, true
			}
			break
		}
		if !errors.Is(err, ErrNotWarmed) {
			r.logger.Warn("directory load failed", "error", err)
			break
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(r.config.RetryDelay):
		}
	}

	if r.store != nil {
		name, err := r.store.Lookup(ctx, id)
		if err == nil {
			r.mu.Lock()
			if r.names != nil {
				r.names[id] = name
			}
			r.mu.Unlock()
			return name, true
		}
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrNotWarmed) {
			r.logger.Warn("directory single lookup failed", "identifier", id, "error", err)
		}
	}
	return "", false
}

// cached reads the table, invalidating it when observed empty.
func (r *Resolver) cached(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.names == nil {
		return "", false
	}
	if len(r.names) == 0 {
		r.names = nil
		return "", false
	}
	name, ok := r.names[id]
	return name, ok
}

// loadAndCache walks the tier chain and installs the first non-empty
// mapping. Returns ErrNotWarmed only when the primary store was cold and no
// downstream tier produced data either.
func (r *Resolver) loadAndCache(ctx context.Context) (map[string]string, error) {
	names, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.names = names
	r.mu.Unlock()
	return names, nil
}

func (r *Resolver) load(ctx context.Context) (map[string]string, error) {
	var storeCold bool

	if r.store != nil {
		records, err := r.store.LoadAll(ctx)
		switch {
		case errors.Is(err, ErrNotWarmed):
			storeCold = true
		case err != nil:
			r.logger.Warn("primary directory store failed", "error", err)
		default:
			if names := toTable(records); len(names) > 0 {
				return names, nil
			}
		}
	}

	if names, err := decodeRecords(r.config.Bundled); err == nil && len(names) > 0 {
		return names, nil
	}

	for _, addr := range []string{r.config.RemoteURL, r.config.FallbackURL} {
		if addr == "" {
			continue
		}
		names, err := r.fetchDataset(ctx, addr)
		if err != nil {
			r.logger.Warn("remote directory dataset failed", "url", addr, "error", err)
			continue
		}
		if len(names) > 0 {
			return names, nil
		}
	}

	if storeCold {
		return nil, ErrNotWarmed
	}
	return map[string]string{}, nil
}

func (r *Resolver) fetchDataset(ctx context.Context, addr string) (map[string]string, error) {
	if err := r.config.URLValidator(addr); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}
	data, err := safeurl.LimitedReadAll(resp.Body, safeurl.MaxResponseBody)
	if err != nil {
		return nil, err
	}
	return decodeRecords(data)
}

// decodeRecords validates the array-of-records shape. Records missing
// either field are skipped; a payload yielding none is rejected outright so
// an upstream error page never poisons the cache.
func decodeRecords(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, ErrBadShape
	}
	var records []StudentRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadShape, err)
	}
	names := toTable(records)
	if len(names) == 0 && len(records) > 0 {
		return nil, ErrBadShape
	}
	return names, nil
}

func toTable(records []StudentRecord) map[string]string {
	names := make(map[string]string, len(records))
	for _, rec := range records {
		if rec.Identifier == "" || rec.DisplayName == "" {
			continue
		}
		names[strings.ToUpper(rec.Identifier)] = rec.DisplayName
	}
	return names
}
