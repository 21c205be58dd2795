package dex

import (
	gethcommon "github.com/luxfi/geth/common"

	"github.com/luxfi/dexgraph/internal/multicall"
	"github.com/luxfi/dexgraph/internal/rpcpool"
)

// NewPancakeSwapAdapter returns a constant-product adapter for
// PancakeSwap's factory. PancakeSwap V2 is ABI-identical to UniswapV2
// (same PairCreated event, same getReserves() signature) — per
// original_source/src/adapters/pancakeswap.rs, which differs from
// uniswap_v2.rs only in its constructor defaults and display name, this
// is a parameterization of UniswapV2Adapter rather than a duplicate
// implementation.
func NewPancakeSwapAdapter(factory gethcommon.Address, pool *rpcpool.Pool, batcher *multicall.Batcher) *UniswapV2Adapter {
	return NewUniswapV2Adapter("PancakeSwap", factory, pool, batcher)
}
