// Package redis stores cached completions in Redis so that several gateway instances
// share one cache.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidbz/clibridge/internal/domain"
	"github.com/davidbz/clibridge/internal/observability"
)

const scanBatch = 200

// Cache implements domain.ResponseCache on Redis hashes. Each entry is a hash holding the
// serialized completion, its creation time and a hit count; Redis expires it after the TTL.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache creates a Redis-backed cache. Keys are namespaced under prefix.
func NewCache(client *redis.Client, prefix string, ttl time.Duration) *Cache {
	return &Cache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// NewClient connects to the Redis server at url (redis://host:port/db).
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (c *Cache) key(k string) string {
	return c.prefix + k
}

// getAndCount reads the payload and bumps hit_count only when the entry exists.
var getAndCount = redis.NewScript(`
local data = redis.call('HGET', KEYS[1], 'data')
if data then
	redis.call('HINCRBY', KEYS[1], 'hit_count', 1)
end
return data
`)

// Get returns the cached value or domain.ErrCacheMiss. Redis failures are logged and
// treated as misses.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := getAndCount.Run(ctx, c.client, []string{c.key(key)}).Text()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			observability.FromContext(ctx).Warn("redis cache lookup failed", observability.Error(err))
		}
		c.misses.Add(1)
		return nil, domain.ErrCacheMiss
	}

	c.hits.Add(1)
	return []byte(data), nil
}

// Set stores value with the configured TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	k := c.key(key)

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, k,
		"data", value,
		"created_at", time.Now().Unix(),
		"hit_count", 0,
	)
	if c.ttl > 0 {
		pipe.Expire(ctx, k, c.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

// Clear deletes every key under the prefix.
func (c *Cache) Clear(ctx context.Context) {
	logger := observability.FromContext(ctx)

	removed := 0
	iter := c.client.Scan(ctx, 0, c.prefix+"*", scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			logger.Warn("redis cache clear failed", observability.Error(err))
		} else {
			removed += len(batch)
		}
		batch = batch[:0]
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			flush()
		}
	}
	flush()

	if err := iter.Err(); err != nil {
		logger.Warn("redis cache scan failed", observability.Error(err))
	}
	logger.Info("redis cache cleared", observability.Int("removed", removed))
}

// Stats reports this instance's hit counters and the number of keys under the prefix.
// Expiry is handled by Redis, so evictions and expirations stay zero.
func (c *Cache) Stats() domain.CacheStats {
	ctx := context.Background()

	size := 0
	iter := c.client.Scan(ctx, 0, c.prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		size++
	}

	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}

	return domain.CacheStats{
		Enabled: true,
		Size:    size,
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
	}
}
