// Package redis implements extcache.Cache against a Redis instance
// via github.com/redis/go-redis/v9, for deployments that set
// EXTERNAL_CACHE_URL. The simpleClient interface below narrows
// *redis.Client to the handful of methods this package needs, the
// same way ethdb/redisdb's simpleClient does, so tests run against a
// fake client instead of a live server.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/luxfi/dexgraph/internal/logging"
)

// simpleClient is the subset of *redis.Client this package drives.
type simpleClient interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Close() error
}

// Cache is a Redis-backed extcache.Cache.
type Cache struct {
	log    logging.Logger
	client simpleClient
}

// Connect parses url and opens a Redis connection pool.
func Connect(url string) (*Cache, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := goredis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Cache{log: logging.New("extcache.redis"), client: client}, nil
}

// New wraps an already-constructed client, used by tests to inject a
// fake simpleClient.
func New(client simpleClient) *Cache {
	return &Cache{log: logging.New("extcache.redis"), client: client}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return v, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}
