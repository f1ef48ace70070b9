package balancetracker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedBalance is one cache entry.
type CachedBalance struct {
	Total     int64     `json:"total"`
	Locked    int64     `json:"locked"`
	Available int64     `json:"available"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Fresh reports whether the entry is within the freshness window as of now.
func (c CachedBalance) Fresh(now time.Time, window time.Duration) bool {
	return now.Sub(c.UpdatedAt) < window
}

// cache is the minimal surface the tracker needs; it is satisfied by
// either redisCache or localCache.
type cache interface {
	Get(ctx context.Context, vaultID string) (CachedBalance, bool)
	Set(ctx context.Context, vaultID string, v CachedBalance)
	Invalidate(ctx context.Context, vaultID string)
}

// redisCache is a read-through cache backed by Redis, used when
// VAULTD_REDIS_ADDR is configured so balances are shared across
// horizontally scaled instances.
type redisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func newRedisCache(addr string, ttl time.Duration) *redisCache {
	return &redisCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func (c *redisCache) Get(ctx context.Context, vaultID string) (CachedBalance, bool) {
	raw, err := c.client.Get(ctx, cacheKey(vaultID)).Bytes()
	if err != nil {
		return CachedBalance{}, false
	}
	var cb CachedBalance
	if err := json.Unmarshal(raw, &cb); err != nil {
		return CachedBalance{}, false
	}
	return cb, true
}

func (c *redisCache) Set(ctx context.Context, vaultID string, v CachedBalance) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.client.Set(ctx, cacheKey(vaultID), raw, c.ttl)
}

func (c *redisCache) Invalidate(ctx context.Context, vaultID string) {
	c.client.Del(ctx, cacheKey(vaultID))
}

func cacheKey(vaultID string) string { return "vault:balance:" + vaultID }

// localCache is an in-process LRU fallback used when Redis is not
// configured — e.g. single-instance deployments or tests.
type localCache struct {
	lru *lru.Cache[string, CachedBalance]
}

func newLocalCache(size int) *localCache {
	c, _ := lru.New[string, CachedBalance](size)
	return &localCache{lru: c}
}

func (c *localCache) Get(ctx context.Context, vaultID string) (CachedBalance, bool) {
	return c.lru.Get(vaultID)
}

func (c *localCache) Set(ctx context.Context, vaultID string, v CachedBalance) {
	c.lru.Add(vaultID, v)
}

func (c *localCache) Invalidate(ctx context.Context, vaultID string) {
	c.lru.Remove(vaultID)
}
