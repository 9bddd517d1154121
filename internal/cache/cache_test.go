package cache

import (
	"fmt"
	"testing"
	"time"
)

func newTestCache(t *testing.T, capacity int, now *time.Time) *EvaluationCache {
	t.Helper()
	ttl := func(entityType string) time.Duration {
		if entityType == "analytics" {
			return time.Minute
		}
		return 30 * time.Minute
	}
	c, err := NewEvaluationCache(capacity, NewVersionTracker(), ttl, func() time.Time { return *now })
	if err != nil {
		t.Fatalf("NewEvaluationCache: %v", err)
	}
	return c
}

func TestVersionTrackerStartsAtOne(t *testing.T) {
	tracker := NewVersionTracker()
	if v := tracker.Version("campaign", "123"); v != 1 {
		t.Fatalf("unseen entity version = %d, want 1", v)
	}
	if v := tracker.Bump("campaign", "123"); v != 2 {
		t.Fatalf("first bump = %d, want 2", v)
	}
	if v := tracker.Version("campaign", "123"); v != 2 {
		t.Fatalf("version after bump = %d, want 2", v)
	}
}

func TestVersionTrackerBumpType(t *testing.T) {
	tracker := NewVersionTracker()
	tracker.Bump("campaign", "1")
	tracker.Bump("campaign", "2")
	tracker.Bump("segment", "9")

	if bumped := tracker.BumpType("campaign"); bumped != 2 {
		t.Fatalf("BumpType affected %d entities, want 2", bumped)
	}
	if v := tracker.Version("campaign", "1"); v != 3 {
		t.Fatalf("campaign 1 version = %d, want 3", v)
	}
	if v := tracker.Version("segment", "9"); v != 2 {
		t.Fatalf("segment version must be untouched, got %d", v)
	}
}

func TestGetAfterPut(t *testing.T) {
	now := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	c := newTestCache(t, 16, &now)

	if _, ok := c.Get("campaign", "123", "fh"); ok {
		t.Fatal("expected cold cache miss")
	}
	c.Put("campaign", "123", "fh", true)
	result, ok := c.Get("campaign", "123", "fh")
	if !ok || !result {
		t.Fatalf("expected cached true, got (%v,%v)", result, ok)
	}

	stats := c.Snapshot()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestInvalidateEntityForcesMiss(t *testing.T) {
	now := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	c := newTestCache(t, 16, &now)

	c.Put("campaign", "123", "fh", true)
	c.InvalidateEntity("campaign", "123")

	if _, ok := c.Get("campaign", "123", "fh"); ok {
		t.Fatal("expected miss after invalidation")
	}
	if stats := c.Snapshot(); stats.Entries != 0 {
		t.Fatalf("stale entries not evicted: %+v", stats)
	}
}

func TestInvalidateEntityTypeEvictsAll(t *testing.T) {
	now := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	c := newTestCache(t, 16, &now)

	c.Put("campaign", "1", "fh", true)
	c.Put("campaign", "2", "fh", false)
	c.Put("segment", "9", "fh", true)

	c.InvalidateEntityType("campaign")

	if _, ok := c.Get("campaign", "1", "fh"); ok {
		t.Fatal("campaign 1 should miss after type invalidation")
	}
	if _, ok := c.Get("campaign", "2", "fh"); ok {
		t.Fatal("campaign 2 should miss after type invalidation")
	}
	if result, ok := c.Get("segment", "9", "fh"); !ok || !result {
		t.Fatal("segment entry must survive campaign invalidation")
	}
}

func TestEntryExpiresByTTL(t *testing.T) {
	now := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	c := newTestCache(t, 16, &now)

	c.Put("analytics", "7", "fh", true)
	now = now.Add(59 * time.Second)
	if _, ok := c.Get("analytics", "7", "fh"); !ok {
		t.Fatal("entry expired early")
	}
	now = now.Add(2 * time.Second)
	if _, ok := c.Get("analytics", "7", "fh"); ok {
		t.Fatal("entry should expire after its TTL")
	}
}

func TestLRUEviction(t *testing.T) {
	now := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	c := newTestCache(t, 2, &now)

	c.Put("campaign", "1", "fh", true)
	c.Put("campaign", "2", "fh", true)
	// Touch entry 1 so entry 2 becomes the eviction candidate.
	if _, ok := c.Get("campaign", "1", "fh"); !ok {
		t.Fatal("expected entry 1 present")
	}
	c.Put("campaign", "3", "fh", true)

	if _, ok := c.Get("campaign", "2", "fh"); ok {
		t.Fatal("least recently used entry should be evicted")
	}
	if _, ok := c.Get("campaign", "1", "fh"); !ok {
		t.Fatal("recently used entry should survive")
	}
}

func TestDifferentFilterHashesAreIndependent(t *testing.T) {
	now := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	c := newTestCache(t, 16, &now)

	for i := 0; i < 3; i++ {
		c.Put("campaign", "1", fmt.Sprintf("fh%d", i), i%2 == 0)
	}
	for i := 0; i < 3; i++ {
		result, ok := c.Get("campaign", "1", fmt.Sprintf("fh%d", i))
		if !ok || result != (i%2 == 0) {
			t.Fatalf("filter %d: got (%v,%v)", i, result, ok)
		}
	}
}
