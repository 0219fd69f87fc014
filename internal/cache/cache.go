// Package cache holds serialized non-streaming completions keyed by request content.
package cache

import (
	"cmp"
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/davidbz/clibridge/internal/domain"
)

// Backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// topEntries caps the per-entry list reported by Stats.
const topEntries = 10

// Config configures the response cache.
type Config struct {
	Enabled     bool          `env:"CACHE_ENABLED"      envDefault:"true"`
	Backend     string        `env:"CACHE_BACKEND"      envDefault:"memory"` // memory | redis
	MaxEntries  int           `env:"CACHE_MAX_ENTRIES"  envDefault:"500"`
	TTL         time.Duration `env:"CACHE_TTL"          envDefault:"10m"`
	RedisURL    string        `env:"CACHE_REDIS_URL"    envDefault:"redis://localhost:6379/0"`
	RedisPrefix string        `env:"CACHE_REDIS_PREFIX" envDefault:"clibridge:cache:"`
}

type entry struct {
	key       string
	value     []byte
	createdAt time.Time
	expiresAt time.Time // zero without a TTL
	hits      atomic.Int64
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// LRU is an in-memory domain.ResponseCache bounded by entry count, with a per-entry TTL.
// Expired entries are never returned and are reaped in the background.
type LRU struct {
	enabled bool
	max     int
	ttl     time.Duration
	entries *expirable.LRU[string, *entry]

	clearing    atomic.Bool
	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
}

// NewLRU creates a response cache.
func NewLRU(cfg Config) *LRU {
	c := &LRU{
		enabled: cfg.Enabled && cfg.MaxEntries > 0,
		max:     cfg.MaxEntries,
		ttl:     max(cfg.TTL, 0),
	}
	if c.enabled {
		c.entries = expirable.NewLRU[string, *entry](cfg.MaxEntries, c.onEvict, c.ttl)
	}
	return c
}

// onEvict runs under the library's lock and must not call back into entries.
func (c *LRU) onEvict(_ string, e *entry) {
	switch {
	case c.clearing.Load():
	case e.expired(time.Now()):
		c.expirations.Add(1)
	default:
		c.evictions.Add(1)
	}
}

// Get returns the cached value or domain.ErrCacheMiss.
func (c *LRU) Get(_ context.Context, key string) ([]byte, error) {
	if !c.enabled {
		return nil, domain.ErrCacheMiss
	}

	e, ok := c.entries.Get(key)
	if !ok || e.expired(time.Now()) {
		c.misses.Add(1)
		return nil, domain.ErrCacheMiss
	}

	e.hits.Add(1)
	c.hits.Add(1)
	return e.value, nil
}

// Set stores value under key, evicting the least recently used entry when full. An
// existing key starts over with a fresh TTL and hit count.
func (c *LRU) Set(_ context.Context, key string, value []byte) error {
	if !c.enabled {
		return nil
	}

	now := time.Now()
	e := &entry{key: key, value: value, createdAt: now}
	if c.ttl > 0 {
		e.expiresAt = now.Add(c.ttl)
	}
	c.entries.Add(key, e)
	return nil
}

// Clear drops every entry. Counters are kept.
func (c *LRU) Clear(_ context.Context) {
	if !c.enabled {
		return
	}

	c.clearing.Store(true)
	defer c.clearing.Store(false)
	c.entries.Purge()
}

// Stats returns a snapshot of the cache counters and the most used live entries.
func (c *LRU) Stats() domain.CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}

	stats := domain.CacheStats{
		Enabled:     c.enabled,
		MaxEntries:  c.max,
		Hits:        hits,
		Misses:      misses,
		HitRate:     rate,
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
	}
	if !c.enabled {
		return stats
	}

	live := c.entries.Values()
	stats.Size = len(live)

	slices.SortStableFunc(live, func(a, b *entry) int {
		return cmp.Compare(b.hits.Load(), a.hits.Load())
	})
	for _, e := range live[:min(len(live), topEntries)] {
		stats.Entries = append(stats.Entries, domain.CacheEntryStats{
			Key:       e.key,
			HitCount:  e.hits.Load(),
			CreatedAt: e.createdAt,
		})
	}
	return stats
}
