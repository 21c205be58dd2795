package dex

import (
	"context"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/luxfi/geth"
	gethcommon "github.com/luxfi/geth/common"

	"github.com/luxfi/dexgraph/internal/contracts"
	"github.com/luxfi/dexgraph/internal/logging"
	"github.com/luxfi/dexgraph/internal/multicall"
	"github.com/luxfi/dexgraph/internal/pooldata"
	"github.com/luxfi/dexgraph/internal/rpcpool"
)

// BalancerWeightedAdapter discovers and fetches weighted-product pools
// registered against a Balancer-style Vault. Grounded on
// original_source/src/adapters/balancer_v2.rs and balancer_v3.rs: both
// discover via the Vault's PoolRegistered event and fetch state via the
// same three-call sequence (getPoolTokens against the Vault,
// getNormalizedWeights and getSwapFeePercentage against the pool
// contract itself) — v2 and v3
// differ only in how pool_id is sourced, which this adapter folds into
// one discovery path since PoolRegistered carries pool_id directly.
type BalancerWeightedAdapter struct {
	log     logging.Logger
	vault   gethcommon.Address
	pool    *rpcpool.Pool
	batcher *multicall.Batcher
}

// NewBalancerWeightedAdapter returns an adapter fronting the given Vault.
func NewBalancerWeightedAdapter(vault gethcommon.Address, pool *rpcpool.Pool, batcher *multicall.Batcher) *BalancerWeightedAdapter {
	return &BalancerWeightedAdapter{
		log:     logging.New("dex.balancer"),
		vault:   vault,
		pool:    pool,
		batcher: batcher,
	}
}

func (a *BalancerWeightedAdapter) Name() string { return "BalancerWeighted" }

func (a *BalancerWeightedAdapter) DiscoverPools(ctx context.Context, fromBlock, toBlock uint64, chunkSize uint64, _ int) ([]pooldata.Meta, uint64, error) {
	if fromBlock > toBlock {
		return nil, 0, fmt.Errorf("balancer: invalid block range [%d, %d]", fromBlock, toBlock)
	}

	var out []pooldata.Meta
	completedThrough := lastCompletedBefore(fromBlock)
	chunks := CreateBlockChunks(fromBlock, toBlock, chunkSize)
	for i, chunk := range chunks {
		metas, err := a.discoverChunk(ctx, chunk.From, chunk.To)
		if err != nil {
			return out, completedThrough, fmt.Errorf("balancer: chunk [%d,%d]: %w", chunk.From, chunk.To, err)
		}
		out = append(out, metas...)
		completedThrough = chunk.To
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

func (a *BalancerWeightedAdapter) discoverChunk(ctx context.Context, from, to uint64) ([]pooldata.Meta, error) {
	handle, permit, endpointID, err := a.pool.NextProviderWithEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	q := ethereum.FilterQuery{
		Addresses: []gethcommon.Address{a.vault},
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Topics:    [][]gethcommon.Hash{{contracts.PoolRegisteredTopic0}},
	}

	logs, err := a.pool.GetLogsWithRecording(ctx, handle, q, endpointID)
	if err != nil {
		return nil, err
	}

	var out []pooldata.Meta
	for _, l := range logs {
		// PoolRegistered(bytes32 indexed poolId, address indexed poolAddress, uint8 specialization)
		if len(l.Topics) < 3 {
			continue
		}
		var poolID [32]byte
		copy(poolID[:], l.Topics[1].Bytes())
		poolAddr := contracts.DecodeAddressFromTopic(l.Topics[2])

		out = append(out, pooldata.Meta{
			Address:  poolAddr,
			PoolID:   &poolID,
			Dex:      "Balancer",
			PoolType: "Weighted",
		})
	}
	return out, nil
}

func (a *BalancerWeightedAdapter) FetchPoolState(ctx context.Context, pools []pooldata.Meta) ([]*pooldata.Pool, error) {
	if len(pools) == 0 {
		return nil, nil
	}
	calls := make([]multicall.Call, 0, len(pools)*3)
	for _, p := range pools {
		if p.PoolID == nil {
			continue
		}
		tokensData, err := contracts.BalancerVaultABI.Pack("getPoolTokens", *p.PoolID)
		if err != nil {
			return nil, fmt.Errorf("pack getPoolTokens: %w", err)
		}
		weightsData, err := contracts.WeightedPoolABI.Pack("getNormalizedWeights")
		if err != nil {
			return nil, fmt.Errorf("pack getNormalizedWeights: %w", err)
		}
		feeData, err := contracts.WeightedPoolABI.Pack("getSwapFeePercentage")
		if err != nil {
			return nil, fmt.Errorf("pack getSwapFeePercentage: %w", err)
		}
		calls = append(calls,
			multicall.Call{Target: a.vault, CallData: tokensData},
			multicall.Call{Target: p.Address, CallData: weightsData},
			multicall.Call{Target: p.Address, CallData: feeData},
		)
	}

	results, err := a.batcher.Run(ctx, calls)
	if err != nil {
		return nil, fmt.Errorf("balancer: fetch pool state: %w", err)
	}

	out := make([]*pooldata.Pool, 0, len(pools))
	resultIdx := 0
	for _, p := range pools {
		if p.PoolID == nil {
			continue
		}
		tokensRaw := results[resultIdx]
		weightsRaw := results[resultIdx+1]
		feeRaw := results[resultIdx+2]
		resultIdx += 3

		if len(tokensRaw) == 0 || len(weightsRaw) == 0 || len(feeRaw) == 0 {
			a.log.Warn("skipping pool with empty balancer result", "pool", p.Address)
			continue
		}

		tokensDecoded, err := contracts.BalancerVaultABI.Unpack("getPoolTokens", tokensRaw)
		if err != nil || len(tokensDecoded) < 2 {
			continue
		}
		tokens, ok := tokensDecoded[0].([]gethcommon.Address)
		if !ok {
			continue
		}
		balances, ok := tokensDecoded[1].([]*big.Int)
		if !ok {
			continue
		}

		weightsDecoded, err := contracts.WeightedPoolABI.Unpack("getNormalizedWeights", weightsRaw)
		if err != nil || len(weightsDecoded) != 1 {
			continue
		}
		weights, ok := weightsDecoded[0].([]*big.Int)
		if !ok {
			continue
		}

		feeDecoded, err := contracts.WeightedPoolABI.Unpack("getSwapFeePercentage", feeRaw)
		if err != nil || len(feeDecoded) != 1 {
			continue
		}
		swapFee, ok := feeDecoded[0].(*big.Int)
		if !ok {
			continue
		}

		if len(tokens) >= 2 {
			out = append(out, &pooldata.Pool{
				Kind: pooldata.KindBalancerWeighted,
				Meta: p,
				Weighted: &pooldata.BalancerWeightedState{
					PoolID:     *p.PoolID,
					Tokens:     tokens,
					Balances:   balances,
					Weights:    weights,
					SwapFeePct: swapFee,
				},
			})
		}
	}
	return out, nil
}
