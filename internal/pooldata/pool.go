// Package pooldata defines the protocol-agnostic pool and pool-metadata
// types shared across every DEX adapter, the validator, the weight
// engine, and the store. A Pool is represented as a single struct
// carrying a Kind discriminant plus one populated state field per
// family, rather than as a Go interface hierarchy — Go has no tagged
// union, and this shape is the idiomatic stand-in, grounded on how
// original_source/src/pools.rs's `Pool` enum (Pool::UniswapV2(...),
// Pool::UniswapV3(...), etc., referenced from
// original_source/src/dex_adapter.rs and every adapters/*.rs file) is
// consumed by callers: a single match/switch on the variant.
package pooldata

import (
	"math/big"

	gethcommon "github.com/luxfi/geth/common"
	"github.com/holiman/uint256"
)

// Kind identifies which family's state fields on Pool are populated.
type Kind int

const (
	KindUnknown Kind = iota
	KindUniswapV2
	KindUniswapV3
	KindBalancerWeighted
	KindCurveStableSwap
)

func (k Kind) String() string {
	switch k {
	case KindUniswapV2:
		return "UniswapV2"
	case KindUniswapV3:
		return "UniswapV3"
	case KindBalancerWeighted:
		return "BalancerWeighted"
	case KindCurveStableSwap:
		return "CurveStableSwap"
	default:
		return "Unknown"
	}
}

// Meta is the static, factory/registry-derived description of a pool
// (spec.md §4.7 "PoolMeta"), independent of its current reserves/liquidity.
type Meta struct {
	Address  gethcommon.Address
	Factory  *gethcommon.Address
	PoolID   *[32]byte // Balancer-style pool id; nil for factory-indexed protocols
	Fee      *uint32   // fee tier in bps*100 (e.g. 3000 = 0.3%); constant-product adapters record their fixed fee here; nil where an adapter records none
	Token0   gethcommon.Address
	Token1   gethcommon.Address
	Dex      string
	PoolType string
}

// UniswapV2State is the constant-product reserve pair (spec.md §4.5 "V2-family").
type UniswapV2State struct {
	Reserve0 *big.Int // uint112 on-chain; widened to avoid overflow during weight math
	Reserve1 *big.Int
}

// UniswapV3State is the concentrated-liquidity slot0 snapshot (spec.md
// §4.5 "V3-family"). Tick must be int24-sign-extended before use — see
// contracts.DecodeInt24 — the single most common implementation pitfall this
// system guards against (spec.md §9 "Common pitfalls").
type UniswapV3State struct {
	SqrtPriceX96 *uint256.Int // Q64.96 fixed point
	Liquidity    *uint256.Int
	Tick         int32
}

// BalancerWeightedState is a weighted-product pool's vault-held balances
// and normalized weights (spec.md §4.5 "Weighted-product family"). The
// weights must sum to 1e18 (invariant 4, spec.md §8).
type BalancerWeightedState struct {
	PoolID    [32]byte
	Tokens    []gethcommon.Address
	Balances  []*big.Int
	Weights   []*big.Int // 1e18 fixed point, sums to 1e18
	SwapFeePct *big.Int  // 1e18 fixed point
}

// CurveStableSwapState is a StableSwap pool's underlying coin balances
// and amplification coefficient (spec.md §4.5 "Stable-swap family").
type CurveStableSwapState struct {
	Tokens   []gethcommon.Address
	Balances []*big.Int
	A        *big.Int // amplification coefficient
	Fee      *big.Int // 1e10 fixed point per Curve convention
}

// Pool is one discovered pool's current on-chain state, tagged by Kind.
// Exactly one of the *State fields is populated, matching Kind.
type Pool struct {
	Kind Kind
	Meta Meta

	V2       *UniswapV2State
	V3       *UniswapV3State
	Weighted *BalancerWeightedState
	Stable   *CurveStableSwapState
}

// Address returns the pool contract address regardless of kind.
func (p *Pool) Address() gethcommon.Address { return p.Meta.Address }

// Dex returns the originating DEX name regardless of kind.
func (p *Pool) Dex() string { return p.Meta.Dex }

// Tokens returns every token address the pool holds, in a stable order.
// For V2/V3 pools this is exactly [token0, token1]; for Weighted/Stable
// pools it is the vault/registry-reported token list.
func (p *Pool) Tokens() []gethcommon.Address {
	switch p.Kind {
	case KindUniswapV2, KindUniswapV3:
		return []gethcommon.Address{p.Meta.Token0, p.Meta.Token1}
	case KindBalancerWeighted:
		return p.Weighted.Tokens
	case KindCurveStableSwap:
		return p.Stable.Tokens
	default:
		return nil
	}
}
