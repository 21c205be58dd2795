package dex

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/luxfi/geth"
	gethcommon "github.com/luxfi/geth/common"

	"github.com/luxfi/dexgraph/internal/contracts"
	"github.com/luxfi/dexgraph/internal/logging"
	"github.com/luxfi/dexgraph/internal/multicall"
	"github.com/luxfi/dexgraph/internal/pooldata"
	"github.com/luxfi/dexgraph/internal/rpcpool"
)

const (
	// fixedFeeBps is the constant 0.3% fee every constant-product clone
	// charges, in pooldata.Meta.Fee's bps*100 units; these protocols
	// carry no on-chain fee tier (spec.md §4.5 "Constant-product adapter").
	fixedFeeBps = 3000

	defaultChunkPause = 500 * time.Millisecond
)

// UniswapV2Adapter discovers and fetches constant-product (x*y=k) pools
// from a UniswapV2-ABI-compatible factory. Grounded directly on
// original_source/src/adapters/uniswap_v2.rs: the same PairCreated
// decode-from-topics-and-data path, the same
// next_provider_with_endpoint + get_logs_with_recording flow, and the
// same getReserves() multicall batch.
type UniswapV2Adapter struct {
	log             logging.Logger
	displayName     string
	factory         gethcommon.Address
	pool            *rpcpool.Pool
	batcher         *multicall.Batcher
}

// NewUniswapV2Adapter returns an adapter for a UniswapV2-style factory.
// displayName distinguishes clones sharing the same ABI (e.g.
// "UniswapV2" vs "SushiSwapV2") the way the original keys off the
// factory address to pick a label.
func NewUniswapV2Adapter(displayName string, factory gethcommon.Address, pool *rpcpool.Pool, batcher *multicall.Batcher) *UniswapV2Adapter {
	return &UniswapV2Adapter{
		log:         logging.New("dex." + strings.ToLower(displayName)),
		displayName: displayName,
		factory:     factory,
		pool:        pool,
		batcher:     batcher,
	}
}

func (a *UniswapV2Adapter) Name() string { return a.displayName }

func (a *UniswapV2Adapter) DiscoverPools(ctx context.Context, fromBlock, toBlock uint64, chunkSize uint64, _ int) ([]pooldata.Meta, uint64, error) {
	if fromBlock > toBlock {
		return nil, 0, fmt.Errorf("%s: invalid block range [%d, %d]", a.displayName, fromBlock, toBlock)
	}

	var out []pooldata.Meta
	completedThrough := lastCompletedBefore(fromBlock)
	chunks := CreateBlockChunks(fromBlock, toBlock, chunkSize)
	for i, chunk := range chunks {
		metas, err := a.discoverChunk(ctx, chunk.From, chunk.To)
		if err != nil {
			return out, completedThrough, fmt.Errorf("%s: chunk [%d,%d]: %w", a.displayName, chunk.From, chunk.To, err)
		}
		out = append(out, metas...)
		completedThrough = chunk.To

		// Event-heavy protocols need ≥500ms pacing between chunks
		// (spec.md §4.5); the final chunk needs no trailing pause.
		if i < len(chunks)-1 {
			select {
			case <-ctx.Done():
				return out, completedThrough, ctx.Err()
			case <-time.After(defaultChunkPause):
			}
		}
	}
	return out, completedThrough, nil
}

func (a *UniswapV2Adapter) discoverChunk(ctx context.Context, from, to uint64) ([]pooldata.Meta, error) {
	handle, permit, endpointID, err := a.pool.NextProviderWithEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	q := ethereum.FilterQuery{
		Addresses: []gethcommon.Address{a.factory},
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Topics:    [][]gethcommon.Hash{{contracts.PairCreatedTopic0}},
	}

	logs, err := a.pool.GetLogsWithRecording(ctx, handle, q, endpointID)
	if err != nil {
		return nil, err
	}

	var out []pooldata.Meta
	for _, l := range logs {
		if len(l.Topics) < 3 || len(l.Data) < 32 {
			continue
		}
		token0 := contracts.DecodeAddressFromTopic(l.Topics[1])
		token1 := contracts.DecodeAddressFromTopic(l.Topics[2])
		pair := gethcommon.BytesToAddress(l.Data[12:32])

		fee := uint32(fixedFeeBps)
		out = append(out, pooldata.Meta{
			Address:  pair,
			Factory:  &a.factory,
			Fee:      &fee,
			Token0:   token0,
			Token1:   token1,
			Dex:      a.displayName,
			PoolType: "UniswapV2",
		})
	}
	return out, nil
}

func (a *UniswapV2Adapter) FetchPoolState(ctx context.Context, pools []pooldata.Meta) ([]*pooldata.Pool, error) {
	if len(pools) == 0 {
		return nil, nil
	}
	calls := make([]multicall.Call, len(pools))
	for i, p := range pools {
		data, err := contracts.UniswapV2PairABI.Pack("getReserves")
		if err != nil {
			return nil, fmt.Errorf("pack getReserves: %w", err)
		}
		calls[i] = multicall.Call{Target: p.Address, CallData: data}
	}

	results, err := a.batcher.Run(ctx, calls)
	if err != nil {
		return nil, fmt.Errorf("%s: fetch pool state: %w", a.displayName, err)
	}

	out := make([]*pooldata.Pool, 0, len(pools))
	for i, p := range pools {
		raw := results[i]
		if len(raw) == 0 {
			a.log.Warn("skipping pool with empty getReserves result", "pool", p.Address)
			continue
		}
		decoded, err := contracts.UniswapV2PairABI.Unpack("getReserves", raw)
		if err != nil || len(decoded) < 2 {
			a.log.Warn("skipping pool with undecodable getReserves result", "pool", p.Address, "error", err)
			continue
		}
		reserve0, ok0 := decoded[0].(*big.Int)
		reserve1, ok1 := decoded[1].(*big.Int)
		if !ok0 || !ok1 {
			continue
		}
		out = append(out, &pooldata.Pool{
			Kind: pooldata.KindUniswapV2,
			Meta: p,
			V2:   &pooldata.UniswapV2State{Reserve0: reserve0, Reserve1: reserve1},
		})
	}
	return out, nil
}
