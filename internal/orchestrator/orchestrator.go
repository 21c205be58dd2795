// Package orchestrator implements the Discovery Orchestrator (spec.md
// §4.7): per-tick discovery across every registered adapter, pool
// validation, metadata/state persistence, and per-adapter cursor
// advancement. Grounded on original_source/bin/background_discoverer.rs's
// main loop shape (tokio::time::interval driving discovery +
// graph-weight cycles against a shared Arc<RpcPool>/db_pool) and on
// plugin/evm/block_builder.go's ticker+shutdownChan+recover() goroutine
// lifecycle for the Start/Stop wiring.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/dexgraph/internal/blockcache"
	"github.com/luxfi/dexgraph/internal/dex"
	"github.com/luxfi/dexgraph/internal/logging"
	"github.com/luxfi/dexgraph/internal/metrics"
	"github.com/luxfi/dexgraph/internal/pooldata"
	"github.com/luxfi/dexgraph/internal/store"
	"github.com/luxfi/dexgraph/internal/validator"
)

// Config configures one discovery tick (spec.md §4.7, §6 "discovery.*").
type Config struct {
	TickInterval   time.Duration
	ChunkSize      uint64
	MaxConcurrency int
}

// Orchestrator drives the per-tick discovery cycle.
type Orchestrator struct {
	log        logging.Logger
	cfg        Config
	blockCache *blockcache.Cache
	registry   *dex.Registry
	validator  *validator.Validator
	st         store.Store

	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

// New returns an Orchestrator wired against its dependencies.
func New(cfg Config, blockCache *blockcache.Cache, registry *dex.Registry, v *validator.Validator, st store.Store) *Orchestrator {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 2000
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 60 * time.Second
	}
	return &Orchestrator{
		log:          logging.New("orchestrator"),
		cfg:          cfg,
		blockCache:   blockCache,
		registry:     registry,
		validator:    v,
		st:           st,
		shutdownChan: make(chan struct{}),
	}
}

// AdapterResult summarizes one adapter's outcome for a tick, used by
// callers (and tests) that need per-adapter visibility into a cycle.
type AdapterResult struct {
	Adapter      string
	NewPools     int
	ValidPools   int
	StateFetched int
	CursorBlock  uint64
	Err          error
}

// RunCycle executes steps 1-6 of spec.md §4.7 once, across every
// registered adapter. A single adapter's failure does not abort the
// others'; its cursor simply does not advance.
func (o *Orchestrator) RunCycle(ctx context.Context) ([]AdapterResult, error) {
	latest, err := o.blockCache.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: read current block: %w", err)
	}
	currentBlock := latest.Number

	var results []AdapterResult
	for _, adapter := range o.registry.All() {
		results = append(results, o.runAdapterCycle(ctx, adapter, currentBlock))
	}
	return results, nil
}

func (o *Orchestrator) runAdapterCycle(ctx context.Context, adapter dex.Adapter, currentBlock uint64) AdapterResult {
	name := adapter.Name()
	result := AdapterResult{Adapter: name}

	lastBlock, hasCursor, err := o.st.LoadCursor(ctx, name)
	if err != nil {
		result.Err = fmt.Errorf("load cursor: %w", err)
		return result
	}
	fromBlock := uint64(0)
	if hasCursor {
		fromBlock = lastBlock + 1
	}
	if fromBlock > currentBlock {
		// Cursor already caught up; nothing to discover this tick.
		result.CursorBlock = lastBlock
		return result
	}

	metas, completedThrough, discoverErr := adapter.DiscoverPools(ctx, fromBlock, currentBlock, o.cfg.ChunkSize, o.cfg.MaxConcurrency)
	result.NewPools = len(metas)

	valid := make([]pooldata.Meta, 0, len(metas))
	for _, m := range metas {
		if err := o.validator.ValidateMeta(m); err != nil {
			o.log.Debug("pool meta rejected", "adapter", name, "pool", m.Address, "error", err)
			continue
		}
		valid = append(valid, m)
	}
	result.ValidPools = len(valid)

	if len(valid) > 0 {
		if err := o.st.UpsertPoolMeta(ctx, valid); err != nil {
			result.Err = fmt.Errorf("upsert pool meta: %w", err)
			return result
		}

		pools, fetchErr := adapter.FetchPoolState(ctx, valid)
		if fetchErr != nil {
			result.Err = fmt.Errorf("fetch pool state: %w", fetchErr)
		}

		validated := make([]*pooldata.Pool, 0, len(pools))
		for _, p := range pools {
			if err := o.validator.ValidatePool(p); err != nil {
				o.log.Debug("pool state rejected", "adapter", name, "pool", p.Address(), "error", err)
				continue
			}
			validated = append(validated, p)
		}
		result.StateFetched = len(validated)

		if len(validated) > 0 {
			if err := o.st.UpsertPoolState(ctx, validated, currentBlock); err != nil {
				result.Err = fmt.Errorf("upsert pool state: %w", err)
				return result
			}
		}
	}

	// Per spec.md §4.7: "Partial failures (some chunks error) advance
	// the cursor to the highest successfully processed block," never
	// to currentBlock — completedThrough is DiscoverPools' own account
	// of how far it got before a chunk errored, so it is authoritative
	// here regardless of how many pools that partial scan turned up.
	if discoverErr != nil {
		result.Err = fmt.Errorf("discover pools: %w", discoverErr)
	}

	newCursor := completedThrough
	if newCursor < lastBlock {
		newCursor = lastBlock
	}
	if discoverErr != nil && newCursor <= lastBlock {
		// No forward progress this cycle; leave the persisted cursor
		// untouched rather than writing the same value back.
		result.CursorBlock = lastBlock
		return result
	}

	if err := o.st.SaveCursor(ctx, name, newCursor); err != nil {
		result.Err = fmt.Errorf("save cursor: %w", err)
		return result
	}
	result.CursorBlock = newCursor
	metrics.PoolsDiscovered.WithLabelValues(name).Add(float64(result.NewPools))
	metrics.DiscoveryCursor.WithLabelValues(name).Set(float64(newCursor))
	return result
}

// Start launches the periodic discovery loop.
func (o *Orchestrator) Start(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.log.Error("panic in orchestrator loop", "error", r)
			}
		}()
		defer o.wg.Done()

		ticker := time.NewTicker(o.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				results, err := o.RunCycle(ctx)
				if err != nil {
					o.log.Warn("discovery cycle failed", "error", err)
					continue
				}
				for _, r := range results {
					if r.Err != nil {
						o.log.Warn("adapter discovery cycle failed", "adapter", r.Adapter, "error", r.Err)
					}
				}
			case <-o.shutdownChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the discovery loop to exit and waits for it.
func (o *Orchestrator) Stop() {
	close(o.shutdownChan)
	o.wg.Wait()
}
