// Package blockcache memoizes the chain's latest block number behind a
// short TTL and a golang.org/x/sync/singleflight gate, so that a burst
// of adapters polling "what's the tip" in the same tick collapses into
// one RPC Pool call (spec.md §4.3 "Block-Number Cache").
package blockcache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/luxfi/dexgraph/internal/logging"
	"github.com/luxfi/dexgraph/internal/rpcpool"
)

// Fetcher is the subset of rpcpool.Pool the cache needs, narrowed for
// testability.
type Fetcher interface {
	NextProvider(ctx context.Context) (rpcpool.Handle, *rpcpool.Permit, error)
	BlockNumber(ctx context.Context, h rpcpool.Handle) (uint64, error)
}

// Cache serves the latest block number with a bounded staleness window.
// When a refresh fails and a previous value exists, it returns the
// stale value with Aged=true rather than propagating the error, so
// short-lived RPC hiccups don't stall every dependent subsystem at
// once (spec.md §4.3 "Degraded mode").
type Cache struct {
	log   logging.Logger
	pool  Fetcher
	ttl   time.Duration
	group singleflight.Group

	mu        sync.RWMutex
	value     uint64
	fetchedAt time.Time
	hasValue  bool
}

// New returns a Cache refreshing at most once per ttl.
func New(pool Fetcher, ttl time.Duration) *Cache {
	return &Cache{
		log:  logging.New("blockcache"),
		pool: pool,
		ttl:  ttl,
	}
}

// Result is the latest block number along with whether it came from a
// fresh RPC read or a cached value served after a failed refresh.
type Result struct {
	Number uint64
	Aged   bool
}

// Latest returns the current block number, refreshing through the RPC
// Pool at most once every ttl. Concurrent callers during a refresh
// share the single in-flight RPC call.
func (c *Cache) Latest(ctx context.Context) (Result, error) {
	c.mu.RLock()
	fresh := c.hasValue && time.Since(c.fetchedAt) < c.ttl
	cached := c.value
	hadValue := c.hasValue
	c.mu.RUnlock()

	if fresh {
		return Result{Number: cached}, nil
	}

	v, err, _ := c.group.Do("latest", func() (interface{}, error) {
		handle, permit, perr := c.pool.NextProvider(ctx)
		if perr != nil {
			return nil, perr
		}
		defer permit.Release()

		num, berr := c.pool.BlockNumber(ctx, handle)
		if berr != nil {
			return nil, berr
		}

		c.mu.Lock()
		c.value = num
		c.fetchedAt = time.Now()
		c.hasValue = true
		c.mu.Unlock()
		return num, nil
	})

	if err != nil {
		if hadValue {
			c.log.Warn("block number refresh failed, serving stale value", "error", err, "stale_value", cached)
			return Result{Number: cached, Aged: true}, nil
		}
		return Result{}, err
	}
	return Result{Number: v.(uint64)}, nil
}
