// Package cache provides a size-bounded LRU with per-entry expiry.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TTLCache is a thread-safe LRU whose entries expire after a fixed TTL.
// It backs the posterior cache: entries are cheap to recompute, so
// expiry and eviction only bound memory and staleness.
type TTLCache[K comparable, V any] struct {
	mu      sync.Mutex
	cache   *lru.Cache[K, entry[V]]
	ttl     time.Duration
	now     func() time.Time
	hits    uint64
	misses  uint64
	evicted uint64
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// New creates a cache holding at most size entries. A ttl of 0 disables expiry.
func New[K comparable, V any](size int, ttl time.Duration) (*TTLCache[K, V], error) {
	c, err := lru.New[K, entry[V]](size)
	if err != nil {
		return nil, err
	}
	return &TTLCache[K, V]{cache: c, ttl: ttl, now: time.Now}, nil
}

// WithClock replaces the time source; used by tests.
func (c *TTLCache[K, V]) WithClock(now func() time.Time) *TTLCache[K, V] {
	c.now = now
	return c
}

// Get returns the value for key if present and unexpired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *TTLCache[K, V]) getLocked(key K) (V, bool) {
	var zero V
	e, ok := c.cache.Get(key)
	if !ok {
		c.misses++
		return zero, false
	}
	if c.expired(e) {
		c.cache.Remove(key)
		c.misses++
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set stores value under key, evicting the least recently used entry when full.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

func (c *TTLCache[K, V]) setLocked(key K, value V) {
	e := entry[V]{value: value}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.ttl)
	}
	if c.cache.Add(key, e) {
		c.evicted++
	}
}

// GetOrCompute returns the cached value or stores and returns compute().
// compute runs outside the lock; concurrent misses on one key may compute twice.
func (c *TTLCache[K, V]) GetOrCompute(key K, compute func() V) (V, bool) {
	c.mu.Lock()
	if v, ok := c.getLocked(key); ok {
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	v := compute()

	c.mu.Lock()
	c.setLocked(key, v)
	c.mu.Unlock()
	return v, false
}

// Delete removes key.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(key)
}

// Len returns the number of entries, expired ones included.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// Purge removes every entry.
func (c *TTLCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// CleanupExpired removes expired entries and returns how many were removed. O(n).
func (c *TTLCache[K, V]) CleanupExpired() int {
	if c.ttl == 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.cache.Keys() {
		if e, ok := c.cache.Peek(key); ok && c.expired(e) {
			c.cache.Remove(key)
			removed++
		}
	}
	return removed
}

func (c *TTLCache[K, V]) expired(e entry[V]) bool {
	return c.ttl > 0 && c.now().After(e.expiresAt)
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Evicted uint64  `json:"evicted"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns current counters.
func (c *TTLCache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	hitRate := 0.0
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:    c.hits,
		Misses:  c.misses,
		Evicted: c.evicted,
		Size:    c.cache.Len(),
		HitRate: hitRate,
	}
}
