// Package cache provides the short-TTL in-process stores seatfinder uses to
// absorb repeat lookups. Entries expire exactly TTL after insertion; reads
// evict lazily and a background sweeper bounds memory between reads. State is
// per-process and intentionally not shared across instances.
package cache

import (
	"log/slog"
	"sync"
	"time"
)

type entry[V any] struct {
	payload    V
	insertedAt time.Time
}

// Store is a TTL-bound key/value store safe for concurrent use.
type Store[V any] struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]entry[V]

	now func() time.Time
}

// Option configures a Store.
type Option[V any] func(*Store[V])

// WithClock overrides the store's time source, for deterministic tests.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(s *Store[V]) { s.now = now }
}

// New creates a store whose entries live exactly ttl.
func New[V any](ttl time.Duration, opts ...Option[V]) *Store[V] {
	s := &Store[V]{
		ttl:     ttl,
		entries: make(map[string]entry[V]),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the payload for key. An entry older than the TTL is evicted
// and reported as a miss.
func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if s.now().Sub(e.insertedAt) > s.ttl {
		delete(s.entries, key)
		var zero V
		return zero, false
	}
	return e.payload, true
}

// Set stores payload under key, resetting its TTL.
func (s *Store[V]) Set(key string, payload V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry[V]{payload: payload, insertedAt: s.now()}
}

// Delete removes key if present.
func (s *Store[V]) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Clear removes every entry.
func (s *Store[V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]entry[V])
}

// Len returns the number of entries, including any not yet evicted.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// EntryInfo describes one live cache entry for diagnostics.
type EntryInfo struct {
	Key       string        `json:"key"`
	Age       time.Duration `json:"age"`
	ExpiresIn time.Duration `json:"expiresIn"`
}

// Stats reports the live entries. Expired entries are skipped but not
// evicted; eviction stays a read/sweep concern.
func (s *Store[V]) Stats() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]EntryInfo, 0, len(s.entries))
	for key, e := range s.entries {
		age := now.Sub(e.insertedAt)
		if age > s.ttl {
			continue
		}
		out = append(out, EntryInfo{Key: key, Age: age, ExpiresIn: s.ttl - age})
	}
	return out
}

// StartSweeper evicts expired entries every interval until done is closed.
func (s *Store[V]) StartSweeper(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	tick := time.NewTicker(interval)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				s.sweep()
			}
		}
	}()
}

func (s *Store[V]) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, e := range s.entries {
		if now.Sub(e.insertedAt) > s.ttl {
			delete(s.entries, key)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("cache: swept expired entries", "removed", removed, "remaining", len(s.entries))
	}
}
