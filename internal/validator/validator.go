// Package validator implements the Pool Validator (spec.md §4.6):
// anchor-token reachability, minimum per-side USD balance, and
// family-specific sanity checks applied before a discovered pool is
// allowed to participate in weighting. Grounded on the validation
// checks scattered through original_source/src/adapters/*.rs (the
// `if tokens.len() >= 2`, non-empty balances, and weight-sum guards
// each adapter inlines before constructing a Pool variant) — this
// package centralizes them into one reusable gate, the way
// plugin/evm's block validation centralizes per-field checks before
// accepting a block.
package validator

import (
	"fmt"
	"math/big"

	gethcommon "github.com/luxfi/geth/common"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/luxfi/dexgraph/internal/logging"
	"github.com/luxfi/dexgraph/internal/pooldata"
)

const (
	minTick = -887272
	maxTick = 887272

	minSqrtPriceX96 = "4295128739"
	maxSqrtPriceX96 = "1461446703485210103287273052203988822378723970342"

	weightSumTarget    = 1_000_000_000_000_000_000 // 1e18
	weightSumTolerance = 1_000_000_000_000          // 1e12, epsilon per spec.md §3 "sum = 1 in 1e18 fixed-point"
)

var allowedV3Fees = map[uint32]bool{100: true, 500: true, 3000: true, 10000: true}

// PriceLookup resolves a token's current USD price, used to compute the
// minimum-per-side-balance check. It returns 0 when the price is
// unknown, matching the price oracle's "0.0 means unknown" contract
// (spec.md §4.4 "Batch API").
type PriceLookup func(token gethcommon.Address) float64

// Validator applies spec.md §4.6's acceptance gate to discovered pools.
type Validator struct {
	log           logging.Logger
	anchorTokens  mapset.Set[gethcommon.Address]
	minBalanceUSD float64
	prices        PriceLookup
}

// New returns a Validator. anchorTokens gates reachability; minBalanceUSD
// is the minimum USD value required on at least one side of the pool;
// prices resolves token USD prices for that check.
func New(anchorTokens []gethcommon.Address, minBalanceUSD float64, prices PriceLookup) *Validator {
	set := mapset.NewSet[gethcommon.Address]()
	for _, t := range anchorTokens {
		set.Add(t)
	}
	return &Validator{
		log:           logging.New("validator"),
		anchorTokens:  set,
		minBalanceUSD: minBalanceUSD,
		prices:        prices,
	}
}

// ValidateMeta checks anchor-token reachability for a freshly discovered
// PoolMeta, before any state has been fetched. A pool containing no
// anchor token is rejected at this stage; reachability via a one-hop
// path is a validator-external concern left to callers that maintain
// a token graph (spec.md §4.6 "(optional)").
func (v *Validator) ValidateMeta(m pooldata.Meta) error {
	if v.anchorTokens.Cardinality() == 0 {
		return nil
	}
	if v.anchorTokens.Contains(m.Token0) || v.anchorTokens.Contains(m.Token1) {
		return nil
	}
	return fmt.Errorf("validator: pool %s contains no anchor token", m.Address)
}

// ValidatePool runs the family-specific sanity checks plus the
// minimum-per-side-USD-balance filter against a pool's fetched state
// (spec.md §4.6, §8 invariants 1-2).
func (v *Validator) ValidatePool(p *pooldata.Pool) error {
	switch p.Kind {
	case pooldata.KindUniswapV2:
		return v.validateV2(p)
	case pooldata.KindUniswapV3:
		return v.validateV3(p)
	case pooldata.KindBalancerWeighted:
		return v.validateWeighted(p)
	case pooldata.KindCurveStableSwap:
		return v.validateStable(p)
	default:
		return fmt.Errorf("validator: unknown pool kind %v", p.Kind)
	}
}

func (v *Validator) validateV2(p *pooldata.Pool) error {
	s := p.V2
	if s == nil {
		return fmt.Errorf("validator: %s: missing V2 state", p.Address())
	}
	if s.Reserve0.Sign() == 0 || s.Reserve1.Sign() == 0 {
		return fmt.Errorf("validator: %s: zero reserve", p.Address())
	}
	maxReserve := new(big.Int).Lsh(big.NewInt(1), 112)
	if s.Reserve0.Cmp(maxReserve) >= 0 || s.Reserve1.Cmp(maxReserve) >= 0 {
		return fmt.Errorf("validator: %s: reserve exceeds 112-bit range", p.Address())
	}
	return v.checkMinBalance(p.Meta.Token0, s.Reserve0, p.Meta.Token1, s.Reserve1, p.Address())
}

func (v *Validator) validateV3(p *pooldata.Pool) error {
	s := p.V3
	if s == nil {
		return fmt.Errorf("validator: %s: missing V3 state", p.Address())
	}
	if s.Tick < minTick || s.Tick > maxTick {
		return fmt.Errorf("validator: %s: tick %d out of range", p.Address(), s.Tick)
	}
	minSqrt, _ := new(big.Int).SetString(minSqrtPriceX96, 10)
	maxSqrt, _ := new(big.Int).SetString(maxSqrtPriceX96, 10)
	sp := s.SqrtPriceX96.ToBig()
	if sp.Cmp(minSqrt) < 0 || sp.Cmp(maxSqrt) > 0 {
		return fmt.Errorf("validator: %s: sqrt_price_x96 out of range", p.Address())
	}
	if p.Meta.Fee == nil || !allowedV3Fees[*p.Meta.Fee] {
		return fmt.Errorf("validator: %s: fee tier not in allow-set", p.Address())
	}
	if s.Liquidity.Sign() < 0 {
		return fmt.Errorf("validator: %s: negative liquidity", p.Address())
	}
	return nil
}

func (v *Validator) validateWeighted(p *pooldata.Pool) error {
	s := p.Weighted
	if s == nil {
		return fmt.Errorf("validator: %s: missing weighted state", p.Address())
	}
	if len(s.Tokens) != len(s.Balances) || len(s.Tokens) != len(s.Weights) {
		return fmt.Errorf("validator: %s: token/balance/weight length mismatch", p.Address())
	}
	sum := new(big.Int)
	for _, w := range s.Weights {
		sum.Add(sum, w)
	}
	target := big.NewInt(weightSumTarget)
	diff := new(big.Int).Sub(sum, target)
	diff.Abs(diff)
	if diff.Cmp(big.NewInt(weightSumTolerance)) > 0 {
		return fmt.Errorf("validator: %s: weights sum to %s, want ~1e18", p.Address(), sum)
	}
	if len(s.Tokens) < 2 {
		return v.tooFewTokens(p.Address())
	}
	return v.checkMinBalance(s.Tokens[0], s.Balances[0], s.Tokens[1], s.Balances[1], p.Address())
}

func (v *Validator) validateStable(p *pooldata.Pool) error {
	s := p.Stable
	if s == nil {
		return fmt.Errorf("validator: %s: missing stable-swap state", p.Address())
	}
	if len(s.Tokens) < 2 || len(s.Tokens) != len(s.Balances) {
		return v.tooFewTokens(p.Address())
	}
	if s.A == nil || s.A.Sign() <= 0 {
		return fmt.Errorf("validator: %s: non-positive amplification coefficient", p.Address())
	}
	return v.checkMinBalance(s.Tokens[0], s.Balances[0], s.Tokens[1], s.Balances[1], p.Address())
}

func (v *Validator) tooFewTokens(addr gethcommon.Address) error {
	return fmt.Errorf("validator: %s: fewer than 2 tokens", addr)
}

// checkMinBalance passes if at least one side clears minBalanceUSD.
// Tokens with an unknown price (0.0) are treated as contributing no
// USD value, not as disqualifying the pool outright (spec.md §4.4:
// "downstream ... treats 0.0 as unknown and skips").
func (v *Validator) checkMinBalance(token0 gethcommon.Address, bal0 *big.Int, token1 gethcommon.Address, bal1 *big.Int, addr gethcommon.Address) error {
	if v.prices == nil || v.minBalanceUSD <= 0 {
		return nil
	}
	usd0 := toUSD(bal0, v.prices(token0))
	usd1 := toUSD(bal1, v.prices(token1))
	if usd0 >= v.minBalanceUSD || usd1 >= v.minBalanceUSD {
		return nil
	}
	return fmt.Errorf("validator: %s: neither side clears minimum USD balance (%.2f, %.2f < %.2f)", addr, usd0, usd1, v.minBalanceUSD)
}

// toUSD approximates balance (assumed 18-decimal) × price; the
// validator only needs an order-of-magnitude gate, the precise
// decimals-aware conversion lives in the weight engine.
func toUSD(balance *big.Int, price float64) float64 {
	if price <= 0 || balance == nil {
		return 0
	}
	f := new(big.Float).SetInt(balance)
	scaled := new(big.Float).Quo(f, new(big.Float).SetFloat64(1e18))
	result, _ := scaled.Float64()
	return result * price
}
