package dex

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"

	gethcommon "github.com/luxfi/geth/common"

	"github.com/luxfi/dexgraph/internal/contracts"
	"github.com/luxfi/dexgraph/internal/logging"
	"github.com/luxfi/dexgraph/internal/multicall"
	"github.com/luxfi/dexgraph/internal/pooldata"
	"github.com/luxfi/dexgraph/internal/rpcpool"
)

const (
	// curveMetaRegistryID is the AddressProvider ID for the MetaRegistry
	// (spec.md §4.5 "Stable-swap adapter": "AddressProvider (ID = 7)").
	curveMetaRegistryID = 7

	// curveAntiThrashWindowSeconds matches the Discovery Orchestrator's
	// short tick cadence: re-scanning the full registry every tick would
	// otherwise turn a 30-180s orchestrator loop into an unbounded
	// registry re-read (spec.md §4.5 "Anti-thrash guard"; scenario S4).
	curveAntiThrashWindowSeconds = 180

	curvePoolCountCap = 10_000
)

// CurveStableSwapAdapter discovers pools via Curve's MetaRegistry rather
// than an event stream, and fetches state via batched
// get_underlying_coins/get_balances/get_A/get_fees reads. Grounded on
// original_source/src/adapters/curve.rs: the AddressProvider →
// MetaRegistry two-step lookup, the pool_count/pool_list enumeration,
// and the 180s anti-thrash guard via a stored last-discovery timestamp.
type CurveStableSwapAdapter struct {
	log             logging.Logger
	addressProvider gethcommon.Address
	pool            *rpcpool.Pool
	batcher         *multicall.Batcher

	lastDiscoveryUnix atomic.Int64
	nowFunc           func() int64
}

// NewCurveStableSwapAdapter returns an adapter rooted at the given
// Curve AddressProvider contract.
func NewCurveStableSwapAdapter(addressProvider gethcommon.Address, pool *rpcpool.Pool, batcher *multicall.Batcher) *CurveStableSwapAdapter {
	return &CurveStableSwapAdapter{
		log:             logging.New("dex.curve"),
		addressProvider: addressProvider,
		pool:            pool,
		batcher:         batcher,
		nowFunc:         nowUnix,
	}
}

func (a *CurveStableSwapAdapter) Name() string { return "Curve" }

// DiscoverPools ignores fromBlock/toBlock/chunkSize — Curve has no
// per-block event stream to scan — and instead enumerates the
// MetaRegistry in full, gated by the anti-thrash window. The scan is
// all-or-nothing, so completedThrough is either toBlock (registry read,
// or a skip within the anti-thrash window) or the block before
// fromBlock (registry read failed, no progress).
func (a *CurveStableSwapAdapter) DiscoverPools(ctx context.Context, fromBlock, toBlock uint64, _ uint64, _ int) ([]pooldata.Meta, uint64, error) {
	now := a.nowFunc()
	last := a.lastDiscoveryUnix.Load()
	if last != 0 && now-last < curveAntiThrashWindowSeconds {
		a.log.Info("curve metaregistry queried recently, skipping", "elapsed_seconds", now-last)
		return nil, toBlock, nil
	}
	a.lastDiscoveryUnix.Store(now)

	metaRegistry, err := a.resolveMetaRegistry(ctx)
	if err != nil {
		return nil, lastCompletedBefore(fromBlock), fmt.Errorf("curve: resolve metaregistry: %w", err)
	}

	poolAddrs, err := a.listPools(ctx, metaRegistry)
	if err != nil {
		return nil, lastCompletedBefore(fromBlock), fmt.Errorf("curve: list pools: %w", err)
	}

	out := make([]pooldata.Meta, 0, len(poolAddrs))
	for _, addr := range poolAddrs {
		out = append(out, pooldata.Meta{
			Address:  addr,
			Dex:      "Curve",
			PoolType: "StableSwap",
		})
	}
	return out, toBlock, nil
}

func (a *CurveStableSwapAdapter) resolveMetaRegistry(ctx context.Context) (gethcommon.Address, error) {
	data, err := contracts.CurveAddressProviderABI.Pack("get_address", big.NewInt(curveMetaRegistryID))
	if err != nil {
		return gethcommon.Address{}, fmt.Errorf("pack get_address: %w", err)
	}

	handle, permit, endpointID, err := a.pool.NextProviderWithEndpoint(ctx)
	if err != nil {
		return gethcommon.Address{}, err
	}
	defer permit.Release()

	raw, err := a.pool.Call(ctx, handle, endpointID, a.addressProvider, data)
	if err != nil {
		return gethcommon.Address{}, err
	}
	decoded, err := contracts.CurveAddressProviderABI.Unpack("get_address", raw)
	if err != nil || len(decoded) != 1 {
		return gethcommon.Address{}, fmt.Errorf("unpack get_address: %w", err)
	}
	addr, ok := decoded[0].(gethcommon.Address)
	if !ok || addr == (gethcommon.Address{}) {
		return gethcommon.Address{}, fmt.Errorf("metaregistry not found (id=%d)", curveMetaRegistryID)
	}
	return addr, nil
}

func (a *CurveStableSwapAdapter) listPools(ctx context.Context, metaRegistry gethcommon.Address) ([]gethcommon.Address, error) {
	countData, err := contracts.CurveMetaRegistryABI.Pack("pool_count")
	if err != nil {
		return nil, fmt.Errorf("pack pool_count: %w", err)
	}
	handle, permit, endpointID, err := a.pool.NextProviderWithEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := a.pool.Call(ctx, handle, endpointID, metaRegistry, countData)
	permit.Release()
	if err != nil {
		return nil, err
	}
	countDecoded, err := contracts.CurveMetaRegistryABI.Unpack("pool_count", raw)
	if err != nil || len(countDecoded) != 1 {
		return nil, fmt.Errorf("unpack pool_count: %w", err)
	}
	count, ok := countDecoded[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected pool_count type")
	}
	n := count.Uint64()
	if n > curvePoolCountCap {
		n = curvePoolCountCap
	}

	calls := make([]multicall.Call, n)
	for i := uint64(0); i < n; i++ {
		data, err := contracts.CurveMetaRegistryABI.Pack("pool_list", new(big.Int).SetUint64(i))
		if err != nil {
			return nil, fmt.Errorf("pack pool_list: %w", err)
		}
		calls[i] = multicall.Call{Target: metaRegistry, CallData: data}
	}

	results, err := a.batcher.Run(ctx, calls)
	if err != nil {
		return nil, err
	}

	out := make([]gethcommon.Address, 0, n)
	for _, raw := range results {
		if len(raw) == 0 {
			continue
		}
		decoded, err := contracts.CurveMetaRegistryABI.Unpack("pool_list", raw)
		if err != nil || len(decoded) != 1 {
			continue
		}
		addr, ok := decoded[0].(gethcommon.Address)
		if !ok || addr == (gethcommon.Address{}) {
			continue
		}
		out = append(out, addr)
	}
	return out, nil
}

func (a *CurveStableSwapAdapter) FetchPoolState(ctx context.Context, pools []pooldata.Meta) ([]*pooldata.Pool, error) {
	if len(pools) == 0 {
		return nil, nil
	}
	metaRegistry, err := a.resolveMetaRegistry(ctx)
	if err != nil {
		return nil, fmt.Errorf("curve: resolve metaregistry: %w", err)
	}

	calls := make([]multicall.Call, 0, len(pools)*4)
	for _, p := range pools {
		coinsData, err := contracts.CurveMetaRegistryABI.Pack("get_underlying_coins", p.Address)
		if err != nil {
			return nil, fmt.Errorf("pack get_underlying_coins: %w", err)
		}
		balancesData, err := contracts.CurveMetaRegistryABI.Pack("get_balances", p.Address)
		if err != nil {
			return nil, fmt.Errorf("pack get_balances: %w", err)
		}
		feesData, err := contracts.CurveMetaRegistryABI.Pack("get_fees", p.Address)
		if err != nil {
			return nil, fmt.Errorf("pack get_fees: %w", err)
		}
		aData, err := contracts.CurveMetaRegistryABI.Pack("get_A", p.Address)
		if err != nil {
			return nil, fmt.Errorf("pack get_A: %w", err)
		}
		calls = append(calls,
			multicall.Call{Target: metaRegistry, CallData: coinsData},
			multicall.Call{Target: metaRegistry, CallData: balancesData},
			multicall.Call{Target: metaRegistry, CallData: feesData},
			multicall.Call{Target: metaRegistry, CallData: aData},
		)
	}

	results, err := a.batcher.Run(ctx, calls)
	if err != nil {
		return nil, fmt.Errorf("curve: fetch pool state: %w", err)
	}

	out := make([]*pooldata.Pool, 0, len(pools))
	for i, p := range pools {
		coinsRaw := results[i*4]
		balancesRaw := results[i*4+1]
		feesRaw := results[i*4+2]
		aRaw := results[i*4+3]
		if len(coinsRaw) == 0 || len(balancesRaw) == 0 || len(aRaw) == 0 {
			a.log.Warn("skipping curve pool with empty result", "pool", p.Address)
			continue
		}

		coinsDecoded, err := contracts.CurveMetaRegistryABI.Unpack("get_underlying_coins", coinsRaw)
		if err != nil || len(coinsDecoded) != 1 {
			continue
		}
		allCoins, ok := coinsDecoded[0].([8]gethcommon.Address)
		if !ok {
			continue
		}
		var tokens []gethcommon.Address
		for _, c := range allCoins {
			if c == (gethcommon.Address{}) {
				break
			}
			tokens = append(tokens, c)
		}
		if len(tokens) < 2 {
			continue
		}

		balancesDecoded, err := contracts.CurveMetaRegistryABI.Unpack("get_balances", balancesRaw)
		if err != nil || len(balancesDecoded) != 1 {
			continue
		}
		allBalances, ok := balancesDecoded[0].([8]*big.Int)
		if !ok {
			continue
		}
		balances := make([]*big.Int, len(tokens))
		copy(balances, allBalances[:len(tokens)])

		var fee *big.Int
		if len(feesRaw) > 0 {
			feesDecoded, err := contracts.CurveMetaRegistryABI.Unpack("get_fees", feesRaw)
			if err == nil && len(feesDecoded) == 1 {
				if allFees, ok := feesDecoded[0].([10]*big.Int); ok && len(allFees) > 0 {
					fee = allFees[0]
				}
			}
		}

		aDecoded, err := contracts.CurveMetaRegistryABI.Unpack("get_A", aRaw)
		if err != nil || len(aDecoded) != 1 {
			continue
		}
		a_, ok := aDecoded[0].(*big.Int)
		if !ok {
			continue
		}

		out = append(out, &pooldata.Pool{
			Kind: pooldata.KindCurveStableSwap,
			Meta: p,
			Stable: &pooldata.CurveStableSwapState{
				Tokens:   tokens,
				Balances: balances,
				A:        a_,
				Fee:      fee,
			},
		})
	}
	return out, nil
}
