package executor

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	defaultCacheTTL      = time.Hour
	defaultCacheCapacity = 1000
)

// Result is an executed query's result set: ordered records mapping column
// names to scalar values.
type Result struct {
	Columns []string
	Rows    []map[string]any
	Count   int
}

// CacheStats is a snapshot of cache effectiveness for the operability
// endpoint.
type CacheStats struct {
	Size    int     `json:"size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// ResultCache stores prior query results keyed by fingerprint. Entries fall
// out on TTL expiry or, at capacity, least-recently-used first. It is safe
// for concurrent use; on a racing populate the first writer wins and the
// duplicate read-through is tolerated since results for one fingerprint are
// identical.
type ResultCache struct {
	cache *ttlcache.Cache[string, Result]
}

func NewResultCache(ttl time.Duration, capacity uint64) *ResultCache {
	if ttl == 0 {
		ttl = defaultCacheTTL
	}
	if capacity == 0 {
		capacity = defaultCacheCapacity
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, Result](ttl),
		ttlcache.WithCapacity[string, Result](capacity),
	)
	go cache.Start()
	return &ResultCache{cache: cache}
}

// Get returns the cached result for a fingerprint, if present and fresh.
func (c *ResultCache) Get(fingerprint string) (Result, bool) {
	item := c.cache.Get(fingerprint)
	if item == nil {
		return Result{}, false
	}
	return item.Value(), true
}

// Put stores a result under its fingerprint. Existing entries for the same
// fingerprint keep the first writer's value.
func (c *ResultCache) Put(fingerprint string, result Result) {
	if c.cache.Has(fingerprint) {
		return
	}
	c.cache.Set(fingerprint, result, ttlcache.DefaultTTL)
}

// Flush drops every entry.
func (c *ResultCache) Flush() {
	c.cache.DeleteAll()
}

// Stats reports current size and hit rate.
func (c *ResultCache) Stats() CacheStats {
	m := c.cache.Metrics()
	total := m.Hits + m.Misses
	rate := 0.0
	if total > 0 {
		rate = float64(m.Hits) / float64(total)
	}
	return CacheStats{
		Size:    c.cache.Len(),
		Hits:    m.Hits,
		Misses:  m.Misses,
		HitRate: rate,
	}
}

// Stop shuts down the expiry loop.
func (c *ResultCache) Stop() {
	c.cache.Stop()
}
