// Package store defines the persistence boundary every subsystem talks
// to: pool metadata, fetched state, graph weights, and activity status.
// Grounded on original_source's database module (referenced throughout
// bin/background_discoverer.rs as `database::{connect, load_active_pools,
// batch_upsert_graph_weights, load_all_graph_weights,
// check_pools_activity_improved}` and exercised by
// tests/test_p1_optimizations.rs) — this package is the Go-idiomatic
// interface those free functions imply, with internal/store/postgres
// providing the concrete implementation.
package store

import (
	"context"
	"time"

	gethcommon "github.com/luxfi/geth/common"

	"github.com/luxfi/dexgraph/internal/pooldata"
)

// GraphWeight is one pool's computed USD weight at a given block,
// matching the (address, weight, block_number) tuple
// batch_upsert_graph_weights/load_all_graph_weights operate on.
type GraphWeight struct {
	Pool        gethcommon.Address
	WeightUSD   float64
	BlockNumber uint64
	ComputedAt  time.Time
}

// ActivePool is a pool loaded for hot-pool repopulation: its address,
// its most recent weight, and the DEX family that produced it.
type ActivePool struct {
	Pool      gethcommon.Address
	WeightUSD float64
	Dex       string
}

// Cursor tracks the highest block an adapter has fully processed
// (spec.md §4.7 "per-adapter cursor").
type Cursor struct {
	Adapter     string
	LastBlock   uint64
}

// Store is every persistence operation the orchestrator, weight
// engine, and hot-pool manager need. A single interface (rather than
// one per subsystem) mirrors how original_source's `database` module is
// one flat set of free functions shared by every caller.
type Store interface {
	// LoadCursor returns the last fully-processed block for adapter, or
	// (0, false) if the adapter has never completed a discovery pass.
	LoadCursor(ctx context.Context, adapter string) (uint64, bool, error)

	// SaveCursor advances adapter's cursor to block.
	SaveCursor(ctx context.Context, adapter string, block uint64) error

	// UpsertPoolMeta persists newly discovered pool metadata. Existing
	// rows are updated in place (pool address is the natural key).
	UpsertPoolMeta(ctx context.Context, metas []pooldata.Meta) error

	// UpsertPoolState persists fetched on-chain state for pools,
	// alongside the block at which it was observed.
	UpsertPoolState(ctx context.Context, pools []*pooldata.Pool, blockNumber uint64) error

	// LoadActivePools returns every pool currently marked active,
	// ordered by weight descending (spec.md §4.9 "repopulates from the
	// store").
	LoadActivePools(ctx context.Context) ([]ActivePool, error)

	// LoadAllPoolMeta returns every persisted pool's metadata, used by
	// the Full tier's all-pool refresh (spec.md §4.9 "Full | 24h |
	// every persisted pool").
	LoadAllPoolMeta(ctx context.Context) ([]pooldata.Meta, error)

	// BatchUpsertGraphWeights writes weights in chunks of at most 1000
	// rows per statement (spec.md §4.8 "Batching").
	BatchUpsertGraphWeights(ctx context.Context, weights []GraphWeight) error

	// LoadAllGraphWeights returns the latest weight per pool.
	LoadAllGraphWeights(ctx context.Context) (map[gethcommon.Address]float64, error)

	// CheckPoolsActivity marks every pool active iff its most recent
	// weight (within windowDays) is >= minActiveWeightUSD, inactive
	// otherwise, and returns how many pools are marked active (spec.md §4.8
	// "Activity reconciliation").
	CheckPoolsActivity(ctx context.Context, windowDays int, minActiveWeightUSD float64) (int64, error)

	Close()
}

// MaxBatchRows is the chunk size spec.md §4.8 mandates for weight
// upserts ("≤ 1000 rows per statement; larger sets are chunked").
const MaxBatchRows = 1000

// ChunkGraphWeights splits weights into slices no longer than
// MaxBatchRows, preserving order.
func ChunkGraphWeights(weights []GraphWeight) [][]GraphWeight {
	if len(weights) == 0 {
		return nil
	}
	var chunks [][]GraphWeight
	for start := 0; start < len(weights); start += MaxBatchRows {
		end := start + MaxBatchRows
		if end > len(weights) {
			end = len(weights)
		}
		chunks = append(chunks, weights[start:end])
	}
	return chunks
}
