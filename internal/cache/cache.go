// Package cache provides the entity version tracker and the version-aware
// filter evaluation cache that memoizes filter matches per entity snapshot.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// VersionTracker maintains a monotonically increasing counter per
// (entity type, entity id). Versions start at 1 and participate in cache
// keys, so bumping a version implicitly invalidates every cached
// evaluation for the old snapshot.
type VersionTracker struct {
	mu       sync.Mutex
	versions map[versionKey]uint64
}

type versionKey struct {
	EntityType string
	EntityID   string
}

// NewVersionTracker constructs an empty tracker.
func NewVersionTracker() *VersionTracker {
	return &VersionTracker{versions: make(map[versionKey]uint64)}
}

// Version reports the current version for the entity, defaulting to 1 for
// entities that have never been updated.
func (t *VersionTracker) Version(entityType, entityID string) uint64 {
	if t == nil {
		return 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.versions[versionKey{entityType, entityID}]; ok {
		return v
	}
	return 1
}

// Bump increments the entity's version and returns the new value.
func (t *VersionTracker) Bump(entityType, entityID string) uint64 {
	if t == nil {
		return 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key := versionKey{entityType, entityID}
	v, ok := t.versions[key]
	if !ok {
		v = 1
	}
	v++
	t.versions[key] = v
	return v
}

// BumpType increments the version of every known entity of the type and
// reports how many entities were affected.
func (t *VersionTracker) BumpType(entityType string) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	bumped := 0
	for key, v := range t.versions {
		if key.EntityType == entityType {
			t.versions[key] = v + 1
			bumped++
		}
	}
	return bumped
}

// Key addresses one cached evaluation. The version component makes stale
// results unreachable after invalidation without string formatting tricks.
type Key struct {
	EntityType string
	EntityID   string
	FilterHash string
	Version    uint64
}

type entry struct {
	result    bool
	expiresAt time.Time
}

// Stats summarizes cache effectiveness for the analytics collector.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

// TTLFunc resolves the time-to-live for cached evaluations of an entity type.
type TTLFunc func(entityType string) time.Duration

// EvaluationCache memoizes filter evaluation results in a fixed-capacity LRU
// with per-entity-type expiry.
type EvaluationCache struct {
	mu       sync.Mutex
	entries  *lru.Cache[Key, entry]
	versions *VersionTracker
	ttl      TTLFunc
	now      func() time.Time
	hits     uint64
	misses   uint64
}

// NewEvaluationCache constructs a cache with the given capacity. A nil ttl
// function pins every entry to a five minute lifetime.
func NewEvaluationCache(capacity int, versions *VersionTracker, ttl TTLFunc, clock func() time.Time) (*EvaluationCache, error) {
	if capacity <= 0 {
		capacity = 1024
	}
	if versions == nil {
		versions = NewVersionTracker()
	}
	if ttl == nil {
		ttl = func(string) time.Duration { return 5 * time.Minute }
	}
	if clock == nil {
		clock = time.Now
	}
	entries, err := lru.New[Key, entry](capacity)
	if err != nil {
		return nil, err
	}
	return &EvaluationCache{
		entries:  entries,
		versions: versions,
		ttl:      ttl,
		now:      clock,
	}, nil
}

// Versions exposes the tracker shared with the dispatcher.
func (c *EvaluationCache) Versions() *VersionTracker {
	if c == nil {
		return nil
	}
	return c.versions
}

// Get returns the memoized evaluation for the filter against the entity's
// current version, if present and unexpired.
func (c *EvaluationCache) Get(entityType, entityID, filterHash string) (bool, bool) {
	if c == nil {
		return false, false
	}
	key := Key{
		EntityType: entityType,
		EntityID:   entityID,
		FilterHash: filterHash,
		Version:    c.versions.Version(entityType, entityID),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, ok := c.entries.Get(key)
	if !ok {
		c.misses++
		return false, false
	}
	if c.now().After(cached.expiresAt) {
		c.entries.Remove(key)
		c.misses++
		return false, false
	}
	c.hits++
	return cached.result, true
}

// Put stores the evaluation result under the entity's current version with
// the entity-type specific TTL.
func (c *EvaluationCache) Put(entityType, entityID, filterHash string, result bool) {
	if c == nil {
		return
	}
	key := Key{
		EntityType: entityType,
		EntityID:   entityID,
		FilterHash: filterHash,
		Version:    c.versions.Version(entityType, entityID),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(key, entry{result: result, expiresAt: c.now().Add(c.ttl(entityType))})
}

// InvalidateEntity bumps the entity's version so future lookups miss, and
// proactively evicts entries recorded under older versions.
func (c *EvaluationCache) InvalidateEntity(entityType, entityID string) {
	if c == nil {
		return
	}
	fresh := c.versions.Bump(entityType, entityID)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.entries.Keys() {
		if key.EntityType == entityType && key.EntityID == entityID && key.Version < fresh {
			c.entries.Remove(key)
		}
	}
}

// InvalidateEntityType bumps every known entity of the type and evicts all
// cached evaluations for it.
func (c *EvaluationCache) InvalidateEntityType(entityType string) {
	if c == nil {
		return
	}
	c.versions.BumpType(entityType)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.entries.Keys() {
		if key.EntityType == entityType {
			c.entries.Remove(key)
		}
	}
}

// Snapshot reports hit/miss counters and the live entry count.
func (c *EvaluationCache) Snapshot() Stats {
	if c == nil {
		return Stats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Entries: c.entries.Len()}
}
