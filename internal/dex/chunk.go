// Package dex defines the DexAdapter interface (spec.md §4.5), a
// registry of protocol adapters, the shared block-chunking helper
// every discovery loop uses, and the five concrete family adapters.
// The interface/registry shape mirrors how original_source/src/adapters/mod.rs
// exposes one struct per protocol behind a common trait, with
// Orchestrator (not this package) owning the `Vec<Box<dyn DexAdapter>>`
// equivalent.
package dex

import (
	"context"
	"time"

	"github.com/luxfi/dexgraph/internal/pooldata"
)

// nowUnix is indirected through a package-level variable so tests
// (e.g. the Curve adapter's anti-thrash window) can stub the clock.
var nowUnix = func() int64 { return time.Now().Unix() }

// BlockChunk is a contiguous, inclusive [From, To] block range.
type BlockChunk struct {
	From uint64
	To   uint64
}

// CreateBlockChunks splits [from, to] into contiguous, disjoint chunks
// each no wider than size (spec.md §8 invariant 7; scenario S7).
func CreateBlockChunks(from, to, size uint64) []BlockChunk {
	if from > to || size == 0 {
		return nil
	}
	var chunks []BlockChunk
	for start := from; start <= to; {
		end := start + size - 1
		if end > to {
			end = to
		}
		chunks = append(chunks, BlockChunk{From: start, To: end})
		if end == to {
			break
		}
		start = end + 1
	}
	return chunks
}

// lastCompletedBefore returns the block immediately preceding from,
// saturating at 0 instead of underflowing when from is the chain's
// first block — the starting value for an adapter's completedThrough
// before any chunk has succeeded.
func lastCompletedBefore(from uint64) uint64 {
	if from == 0 {
		return 0
	}
	return from - 1
}

// Adapter is the protocol-agnostic capability every DEX integration
// provides (spec.md §4.5, §9 "Adapter polymorphism").
type Adapter interface {
	// Name identifies the protocol for logging, metrics, and storage.
	Name() string

	// DiscoverPools scans [fromBlock, toBlock] for pool-creation events
	// (or, for registry-based protocols, enumerates the registry) and
	// returns newly observed pools, plus the highest block the scan
	// fully completed. On a partial failure (some chunks errored),
	// completedThrough is the end of the last chunk that did not error
	// — never toBlock — so a caller advancing a cursor from it never
	// skips the unscanned tail.
	DiscoverPools(ctx context.Context, fromBlock, toBlock uint64, chunkSize uint64, maxConcurrency int) (metas []pooldata.Meta, completedThrough uint64, err error)

	// FetchPoolState batch-reads current on-chain state for pools.
	FetchPoolState(ctx context.Context, pools []pooldata.Meta) ([]*pooldata.Pool, error)
}

// Registry holds every configured adapter, keyed by name.
type Registry struct {
	adapters map[string]Adapter
	order    []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Registering the same name twice replaces
// the previous entry but keeps its original position in All().
func (r *Registry) Register(a Adapter) {
	name := a.Name()
	if _, exists := r.adapters[name]; !exists {
		r.order = append(r.order, name)
	}
	r.adapters[name] = a
}

// Get returns the adapter registered under name, if any.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// All returns every registered adapter in registration order.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.adapters[name])
	}
	return out
}
