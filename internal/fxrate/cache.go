package fxrate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Entry is one cached base→home rate. Entries are replaced wholesale on
// refresh, never partially updated.
type Entry struct {
	Rate      decimal.Decimal
	FetchedAt time.Time
}

// Cache stores rate entries keyed by base currency. Implementations must
// make Set an atomic whole-value replacement.
type Cache interface {
	Get(ctx context.Context, base string) (Entry, bool)
	Set(ctx context.Context, base string, entry Entry)
}

// MemoryCache is the in-process cache used in tests and single-instance runs.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]Entry)}
}

func (c *MemoryCache) Get(_ context.Context, base string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[base]
	return entry, ok
}

func (c *MemoryCache) Set(_ context.Context, base string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[base] = entry
}

const redisKeyPrefix = "fxrate"

type cacheEnvelope struct {
	Rate      string `json:"rate"`
	FetchedAt int64  `json:"fetched_at_unix_ms"`
}

// RedisCache shares rate entries across instances. Redis errors degrade to a
// cache miss; the TTL on the key is only an eviction bound, freshness is
// judged by the resolver from FetchedAt.
type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisCache(client redis.Cmdable, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, base string) (Entry, bool) {
	val, err := c.client.Get(ctx, redisKey(base)).Result()
	if err != nil {
		if err != redis.Nil {
			zap.L().Warn("redis rate cache lookup failed", zap.String("base", base), zap.Error(err))
		}
		return Entry{}, false
	}

	var env cacheEnvelope
	if err := json.Unmarshal([]byte(val), &env); err != nil {
		zap.L().Warn("redis rate cache entry corrupt", zap.String("base", base), zap.Error(err))
		return Entry{}, false
	}
	rate, err := decimal.NewFromString(env.Rate)
	if err != nil {
		zap.L().Warn("redis rate cache rate unparsable", zap.String("base", base), zap.Error(err))
		return Entry{}, false
	}
	return Entry{Rate: rate, FetchedAt: time.UnixMilli(env.FetchedAt)}, true
}

func (c *RedisCache) Set(ctx context.Context, base string, entry Entry) {
	payload, err := json.Marshal(cacheEnvelope{
		Rate:      entry.Rate.String(),
		FetchedAt: entry.FetchedAt.UnixMilli(),
	})
	if err != nil {
		zap.L().Warn("marshal rate cache entry", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, redisKey(base), payload, c.ttl).Err(); err != nil {
		zap.L().Warn("redis rate cache set failed", zap.String("base", base), zap.Error(err))
	}
}

func redisKey(base string) string {
	return fmt.Sprintf("%s:%s", redisKeyPrefix, base)
}
