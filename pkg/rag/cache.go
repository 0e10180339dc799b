package rag

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conclave-ai/conclave/pkg/models"
)

// Cache stores assembled context blocks with a TTL. Empty results are
// cached too so repeated misses skip the store.
type Cache interface {
	Get(ctx context.Context, key string) (*models.ContextBlock, bool, error)
	Set(ctx context.Context, key string, block *models.ContextBlock, ttl time.Duration) error
}

// cachedBlock wraps the block so cached empty results are distinguishable
// from cache misses.
type cachedBlock struct {
	Block *models.ContextBlock `json:"block"`
}

// RedisCache is the Redis-backed context cache.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache creates a Redis context cache.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*models.ContextBlock, bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var wrapped cachedBlock
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, false, err
	}
	return wrapped.Block, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, block *models.ContextBlock, ttl time.Duration) error {
	raw, err := json.Marshal(cachedBlock{Block: block})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, raw, ttl).Err()
}

// MemoryCache is an in-memory Cache for tests and runs without Redis.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryCacheEntry
	now     func() time.Time
}

type memoryCacheEntry struct {
	block     *models.ContextBlock
	expiresAt time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryCacheEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*models.ContextBlock, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.block, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, block *models.ContextBlock, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryCacheEntry{block: block, expiresAt: c.now().Add(ttl)}
	return nil
}

// Len returns the number of live cache entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
