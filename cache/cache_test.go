package cache

import (
	"testing"
	"time"
)

func fixedClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func TestStore_HitBeforeTTL(t *testing.T) {
	now := time.Date(2025, 4, 3, 9, 0, 0, 0, time.UTC)
	s := New[string](5*time.Minute, WithClock[string](fixedClock(&now)))

	s.Set("RA2311003010500_all", "payload")

	// TTL - 1ms: still a hit.
	now = now.Add(5*time.Minute - time.Millisecond)
	if v, ok := s.Get("RA2311003010500_all"); !ok || v != "payload" {
		t.Fatalf("read at TTL-1ms: got (%q, %v), want hit", v, ok)
	}
}

func TestStore_MissAfterTTL(t *testing.T) {
	now := time.Date(2025, 4, 3, 9, 0, 0, 0, time.UTC)
	s := New[string](5*time.Minute, WithClock[string](fixedClock(&now)))

	s.Set("k", "payload")

	// TTL + 1ms: evicted on read.
	now = now.Add(5*time.Minute + time.Millisecond)
	if _, ok := s.Get("k"); ok {
		t.Fatal("read at TTL+1ms should miss")
	}
	if s.Len() != 0 {
		t.Errorf("expired entry not evicted on read: len=%d", s.Len())
	}
}

func TestStore_SetResetsTTL(t *testing.T) {
	now := time.Date(2025, 4, 3, 9, 0, 0, 0, time.UTC)
	s := New[int](5*time.Minute, WithClock[int](fixedClock(&now)))

	s.Set("k", 1)
	now = now.Add(4 * time.Minute)
	s.Set("k", 2)
	now = now.Add(4 * time.Minute)

	v, ok := s.Get("k")
	if !ok || v != 2 {
		t.Fatalf("got (%d, %v), want (2, true)", v, ok)
	}
}

func TestStore_ClearAndDelete(t *testing.T) {
	s := New[string](time.Minute)
	s.Set("a", "1")
	s.Set("b", "2")
	s.Delete("a")
	if _, ok := s.Get("a"); ok {
		t.Error("deleted key still present")
	}
	s.Clear()
	if s.Len() != 0 {
		t.Errorf("clear left %d entries", s.Len())
	}
}

func TestStore_Stats(t *testing.T) {
	now := time.Date(2025, 4, 3, 9, 0, 0, 0, time.UTC)
	s := New[string](5*time.Minute, WithClock[string](fixedClock(&now)))

	s.Set("fresh", "x")
	now = now.Add(2 * time.Minute)

	stats := s.Stats()
	if len(stats) != 1 {
		t.Fatalf("stats entries: got %d, want 1", len(stats))
	}
	if stats[0].Key != "fresh" {
		t.Errorf("key: got %q", stats[0].Key)
	}
	if stats[0].Age != 2*time.Minute {
		t.Errorf("age: got %v", stats[0].Age)
	}
	if stats[0].ExpiresIn != 3*time.Minute {
		t.Errorf("expiresIn: got %v", stats[0].ExpiresIn)
	}
}

func TestStore_SweepEvictsExpired(t *testing.T) {
	now := time.Date(2025, 4, 3, 9, 0, 0, 0, time.UTC)
	s := New[string](5*time.Minute, WithClock[string](fixedClock(&now)))

	s.Set("old", "x")
	now = now.Add(10 * time.Minute)
	s.Set("new", "y")

	s.sweep()
	if s.Len() != 1 {
		t.Fatalf("after sweep: len=%d, want 1", s.Len())
	}
	if _, ok := s.Get("new"); !ok {
		t.Error("live entry swept")
	}
}
