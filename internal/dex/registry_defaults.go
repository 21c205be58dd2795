package dex

import (
	gethcommon "github.com/luxfi/geth/common"

	"github.com/luxfi/dexgraph/internal/config"
	"github.com/luxfi/dexgraph/internal/multicall"
	"github.com/luxfi/dexgraph/internal/rpcpool"
)

// BuildDefaultRegistry wires the five concrete adapters spec.md §4.5
// names against the factory/vault/registry addresses in cfg.Contracts.
// A factory address left blank in configuration is skipped rather than
// registered with a zero address, so operators can run a subset of DEX
// families.
func BuildDefaultRegistry(cfg config.FactoriesConfig, pool *rpcpool.Pool, batcher *multicall.Batcher) *Registry {
	reg := NewRegistry()

	if cfg.UniswapV2 != "" {
		reg.Register(NewUniswapV2Adapter("UniswapV2", gethcommon.HexToAddress(cfg.UniswapV2), pool, batcher))
	}
	if cfg.PancakeSwap != "" {
		reg.Register(NewPancakeSwapAdapter(gethcommon.HexToAddress(cfg.PancakeSwap), pool, batcher))
	}
	if cfg.UniswapV3 != "" {
		reg.Register(NewUniswapV3Adapter("UniswapV3", gethcommon.HexToAddress(cfg.UniswapV3), pool, batcher))
	}
	if cfg.BalancerVault != "" {
		reg.Register(NewBalancerWeightedAdapter(gethcommon.HexToAddress(cfg.BalancerVault), pool, batcher))
	}
	if cfg.CurveAddressProvider != "" {
		reg.Register(NewCurveStableSwapAdapter(gethcommon.HexToAddress(cfg.CurveAddressProvider), pool, batcher))
	}

	return reg
}
