// Package extcache defines the optional external cache boundary
// (spec.md §2 "the optional external cache (key-value store with
// TTLs)"). Most deployments never set EXTERNAL_CACHE_URL and run
// entirely on the in-memory default; internal/extcache/redis provides
// a github.com/redis/go-redis/v9 implementation behind the same
// interface for the rest. The narrow interface mirrors how
// ethdb/redisdb's simpleClient narrows *redis.Client down to the
// handful of methods a caller actually needs, so tests can fake the
// backend without a live server.
package extcache

import (
	"context"
	"sync"
	"time"
)

// Cache is a key-value store with per-entry TTLs, used for anything
// worth sharing across process restarts or multiple dexgraphd
// instances but not worth a full Postgres round trip.
type Cache interface {
	// Get returns the value stored at key, or ok=false if absent or
	// expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value at key with the given TTL. A zero TTL means no
	// expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key, if present.
	Delete(ctx context.Context, key string) error

	Close() error
}

type entry struct {
	value   []byte
	expires time.Time
	forever bool
}

// MemCache is the in-memory default Cache, used whenever no external
// cache URL is configured.
type MemCache struct {
	mu   sync.Mutex
	data map[string]entry
	now  func() time.Time
}

// NewMemCache returns an empty MemCache.
func NewMemCache() *MemCache {
	return &MemCache{data: make(map[string]entry), now: time.Now}
}

func (c *MemCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[key]
	if !ok {
		return nil, false, nil
	}
	if !e.forever && c.now().After(e.expires) {
		delete(c.data, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *MemCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl <= 0 {
		c.data[key] = entry{value: value, forever: true}
		return nil
	}
	c.data[key] = entry{value: value, expires: c.now().Add(ttl)}
	return nil
}

func (c *MemCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *MemCache) Close() error { return nil }
