// Package multicall fronts an aggregate3-style Multicall3 contract: an
// array of (target, allowFailure, calldata) in, an array of
// (success, returnData) out. It implements the coalescing and
// per-chunk dispatch rules of spec.md §4.2, grounded on
// original_source/src/multicall.rs's Multicall::run (dedup by
// (target, call_data), chunk by batch_size, reconstruct original
// order).
package multicall

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/luxfi/geth/accounts/abi"
	gethcommon "github.com/luxfi/geth/common"

	"github.com/luxfi/dexgraph/internal/logging"
	"github.com/luxfi/dexgraph/internal/metrics"
	"github.com/luxfi/dexgraph/internal/rpcpool"
)

const (
	minBatchSize = 50
	maxBatchSize = 200

	// chunkTimeout is the per-chunk fail-fast budget; the RPC Pool's own
	// health tracking handles genuinely slow endpoints, so the batcher
	// does not retry internally (spec.md §4.2 "Execution").
	chunkTimeout = 3 * time.Second
)

// Call is one target/calldata pair to submit through the aggregator.
type Call struct {
	Target   gethcommon.Address
	CallData []byte
}

type callKey struct {
	target gethcommon.Address
	data   string
}

// Batcher dispatches batched contract reads via an aggregate3 Multicall
// contract, fronted by an rpcpool.Pool.
type Batcher struct {
	log              logging.Logger
	pool             *rpcpool.Pool
	aggregatorAddr   gethcommon.Address
	batchSize        int
	aggregate3Method abi.Method
	adapterLabel     string
}

var aggregate3ABI = mustParseAggregate3ABI()

// mustParseAggregate3ABI builds the aggregate3((address,bool,bytes)[])
// ABI method by hand, the way original_source/src/multicall.rs builds
// the Function value manually rather than depending on a generated
// contract binding.
func mustParseAggregate3ABI() abi.ABI {
	const def = `[{
		"name": "aggregate3",
		"type": "function",
		"stateMutability": "payable",
		"inputs": [{
			"name": "calls",
			"type": "tuple[]",
			"components": [
				{"name": "target", "type": "address"},
				{"name": "allowFailure", "type": "bool"},
				{"name": "callData", "type": "bytes"}
			]
		}],
		"outputs": [{
			"name": "returnData",
			"type": "tuple[]",
			"components": [
				{"name": "success", "type": "bool"},
				{"name": "returnData", "type": "bytes"}
			]
		}]
	}]`
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("multicall: invalid aggregate3 ABI: %v", err))
	}
	return parsed
}

// New returns a Batcher targeting aggregatorAddr. batchSize is clamped
// into [50, 200]: a value below 50 is raised to 50, and a value above
// 200 is capped at 200 with a warning logged (spec.md §4.2 "Coalescing").
func New(pool *rpcpool.Pool, aggregatorAddr gethcommon.Address, batchSize int, adapterLabel string) *Batcher {
	log := logging.New("multicall")
	clamped := batchSize
	if clamped < minBatchSize {
		clamped = minBatchSize
	}
	if clamped > maxBatchSize {
		log.Warn("batch size exceeds recommended maximum, capping", "requested", batchSize, "cap", maxBatchSize)
		clamped = maxBatchSize
	}
	method := aggregate3ABI.Methods["aggregate3"]
	return &Batcher{
		log:              log,
		pool:             pool,
		aggregatorAddr:   aggregatorAddr,
		batchSize:        clamped,
		aggregate3Method: method,
		adapterLabel:     adapterLabel,
	}
}

type aggregate3Call struct {
	Target       gethcommon.Address
	AllowFailure bool
	CallData     []byte
}

type aggregate3Result struct {
	Success    bool
	ReturnData []byte
}

// Run dedupes calls by (target, calldata), dispatches the unique set in
// chunks of b.batchSize, and returns one result entry per input call in
// the caller's original order (spec.md §4.2 "Result"; invariant
// len(output) == len(calls), duplicate inputs share output, spec.md
// §8 property 6).
func (b *Batcher) Run(ctx context.Context, calls []Call) ([][]byte, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	uniqueIndex := make(map[callKey]int, len(calls))
	var unique []Call
	origToUnique := make([]int, len(calls))
	for i, c := range calls {
		k := callKey{target: c.Target, data: string(c.CallData)}
		idx, ok := uniqueIndex[k]
		if !ok {
			idx = len(unique)
			uniqueIndex[k] = idx
			unique = append(unique, c)
		}
		origToUnique[i] = idx
	}
	metrics.MulticallCoalesced.WithLabelValues().Add(float64(len(calls) - len(unique)))

	uniqueResults := make([][]byte, len(unique))
	for start := 0; start < len(unique); start += b.batchSize {
		end := start + b.batchSize
		if end > len(unique) {
			end = len(unique)
		}
		chunk := unique[start:end]
		metrics.MulticallBatchSize.WithLabelValues(b.adapterLabel).Observe(float64(len(chunk)))

		results, err := b.runChunk(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("multicall: chunk [%d:%d]: %w", start, end, err)
		}
		copy(uniqueResults[start:end], results)
	}

	out := make([][]byte, len(calls))
	for i, uidx := range origToUnique {
		out[i] = uniqueResults[uidx]
	}
	return out, nil
}

func (b *Batcher) runChunk(ctx context.Context, chunk []Call) ([][]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, chunkTimeout)
	defer cancel()

	calls := make([]aggregate3Call, len(chunk))
	for i, c := range chunk {
		calls[i] = aggregate3Call{Target: c.Target, AllowFailure: true, CallData: c.CallData}
	}

	packed, err := b.aggregate3Method.Inputs.Pack(calls)
	if err != nil {
		return nil, fmt.Errorf("pack aggregate3 input: %w", err)
	}
	calldata := append(append([]byte{}, b.aggregate3Method.ID...), packed...)

	handle, permit, endpointID, err := b.pool.NextProviderWithEndpoint(cctx)
	if err != nil {
		return nil, fmt.Errorf("acquire rpc endpoint: %w", err)
	}
	defer permit.Release()

	raw, err := b.pool.Call(cctx, handle, endpointID, b.aggregatorAddr, calldata)
	if err != nil {
		return nil, fmt.Errorf("aggregate3 call: %w", err)
	}

	unpacked, err := b.aggregate3Method.Outputs.Unpack(raw)
	if err != nil {
		return nil, fmt.Errorf("unpack aggregate3 output: %w", err)
	}
	if len(unpacked) != 1 {
		return nil, fmt.Errorf("unexpected aggregate3 output arity: %d", len(unpacked))
	}
	results, ok := unpacked[0].([]aggregate3Result)
	if !ok {
		return nil, fmt.Errorf("unexpected aggregate3 output type: %T", unpacked[0])
	}
	if len(results) != len(chunk) {
		return nil, fmt.Errorf("aggregate3 returned %d results for %d calls", len(results), len(chunk))
	}

	out := make([][]byte, len(results))
	for i, r := range results {
		if r.Success {
			out[i] = r.ReturnData
		}
		// A missing/zero-length entry signals an allow_failure=true
		// failure (spec.md §4.2 "Result"); callers decide skip vs fatal.
	}
	return out, nil
}
