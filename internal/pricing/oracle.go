// Package pricing implements the USD Price Oracle (spec.md §4.4):
// Chainlink-style aggregators as the primary source, a concentrated-
// liquidity TWAP fallback for everything else, and a shared in-memory
// cache with a deviation guard in front of both. Grounded on
// contracts.ChainlinkAggregatorABI/UniswapV3PoolABI for the on-chain
// surface and on the teacher's VictoriaMetrics/fastcache usage pattern
// (core/state uses the same library for its trie-node cache) for the
// shared cache.
package pricing

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	gethcommon "github.com/luxfi/geth/common"

	"github.com/luxfi/dexgraph/internal/contracts"
	"github.com/luxfi/dexgraph/internal/logging"
	"github.com/luxfi/dexgraph/internal/metrics"
	"github.com/luxfi/dexgraph/internal/multicall"
)

// cachedPrice is what's actually stored (gob-free, fixed layout) in the
// fastcache-backed shared cache.
type cachedPrice struct {
	usd       float64
	fetchedAt time.Time
}

// Oracle resolves USD prices per spec.md §4.4's three-tier source
// order, backed by a shared cache with TTL and a deviation guard.
type Oracle struct {
	log logging.Logger

	chainlinkOracles map[gethcommon.Address]gethcommon.Address // token -> aggregator
	anchorToken      gethcommon.Address
	twapPools        map[gethcommon.Address]gethcommon.Address // token -> V3 pool vs anchor
	enableTWAP       bool

	batcher *multicall.Batcher

	cacheTTL           time.Duration
	twapWindow         time.Duration
	deviationToleranceBps int

	cache *fastcache.Cache
}

// Config configures Oracle construction.
type Config struct {
	ChainlinkOracles      map[gethcommon.Address]gethcommon.Address
	TWAPPools             map[gethcommon.Address]gethcommon.Address
	AnchorToken           gethcommon.Address
	EnableTWAPFallback    bool
	CacheTTL              time.Duration
	// TWAPWindow is the freshness window applied to TWAP-sourced prices
	// specifically — distinct from CacheTTL, which governs Chainlink
	// prices — so a deployment can keep Chainlink prices tight while
	// smoothing the cruder TWAP fallback over a longer window. Falls
	// back to CacheTTL when zero.
	TWAPWindow            time.Duration
	DeviationToleranceBps int
	CacheSizeBytes        int
}

// New returns an Oracle. batcher is used for every on-chain read so
// price lookups share the adapters' multicall coalescing.
func New(batcher *multicall.Batcher, cfg Config) *Oracle {
	size := cfg.CacheSizeBytes
	if size <= 0 {
		size = 8 * 1024 * 1024
	}
	twapWindow := cfg.TWAPWindow
	if twapWindow <= 0 {
		twapWindow = cfg.CacheTTL
	}
	return &Oracle{
		log:                   logging.New("pricing"),
		chainlinkOracles:      cfg.ChainlinkOracles,
		anchorToken:           cfg.AnchorToken,
		twapPools:             cfg.TWAPPools,
		enableTWAP:            cfg.EnableTWAPFallback,
		batcher:               batcher,
		cacheTTL:              cfg.CacheTTL,
		twapWindow:            twapWindow,
		deviationToleranceBps: cfg.DeviationToleranceBps,
		cache:                 fastcache.New(size),
	}
}

// GetUSDPricesBatch resolves USD prices for every token in tokens,
// dispatching all on-chain reads through the multicall batcher in one
// round trip (spec.md §4.4 "Batch API"). Tokens with no fresh source
// resolve to 0.0 — the weight engine's contract for "unknown".
func (o *Oracle) GetUSDPricesBatch(ctx context.Context, tokens []gethcommon.Address) (map[gethcommon.Address]float64, error) {
	out := make(map[gethcommon.Address]float64, len(tokens))

	var needChainlink, needTWAP []gethcommon.Address
	for _, t := range tokens {
		_, isChainlink := o.chainlinkOracles[t]
		_, isTWAP := o.twapPools[t]

		ttl := o.cacheTTL
		if !isChainlink && isTWAP {
			ttl = o.twapWindow
		}
		if cached, ok := o.cachedFreshWithin(t, ttl); ok {
			out[t] = cached
			metrics.PriceSourceHits.WithLabelValues("cache").Inc()
			continue
		}

		if isChainlink {
			needChainlink = append(needChainlink, t)
		} else if o.enableTWAP && isTWAP {
			needTWAP = append(needTWAP, t)
		} else {
			out[t] = 0.0
		}
	}

	if len(needChainlink) > 0 {
		prices, err := o.fetchChainlink(ctx, needChainlink)
		if err != nil {
			o.log.Warn("chainlink batch fetch failed", "error", err)
		}
		for tok, p := range prices {
			out[tok] = p
		}
	}

	if len(needTWAP) > 0 {
		prices, err := o.fetchTWAP(ctx, needTWAP)
		if err != nil {
			o.log.Warn("twap batch fetch failed", "error", err)
		}
		for tok, p := range prices {
			out[tok] = p
		}
	}

	for _, t := range tokens {
		if _, ok := out[t]; !ok {
			out[t] = 0.0
		}
	}
	return out, nil
}

func (o *Oracle) fetchChainlink(ctx context.Context, tokens []gethcommon.Address) (map[gethcommon.Address]float64, error) {
	calls := make([]multicall.Call, 0, len(tokens)*2)
	for _, t := range tokens {
		aggregator := o.chainlinkOracles[t]
		latestData, err := contracts.ChainlinkAggregatorABI.Pack("latestRoundData")
		if err != nil {
			return nil, fmt.Errorf("pack latestRoundData: %w", err)
		}
		decimalsData, err := contracts.ChainlinkAggregatorABI.Pack("decimals")
		if err != nil {
			return nil, fmt.Errorf("pack decimals: %w", err)
		}
		calls = append(calls,
			multicall.Call{Target: aggregator, CallData: latestData},
			multicall.Call{Target: aggregator, CallData: decimalsData},
		)
	}

	results, err := o.batcher.Run(ctx, calls)
	if err != nil {
		return nil, err
	}

	out := make(map[gethcommon.Address]float64, len(tokens))
	for i, t := range tokens {
		roundRaw := results[i*2]
		decRaw := results[i*2+1]
		if len(roundRaw) == 0 || len(decRaw) == 0 {
			continue
		}
		unpacked, err := contracts.ChainlinkAggregatorABI.Unpack("latestRoundData", roundRaw)
		if err != nil || len(unpacked) < 2 {
			continue
		}
		answer, ok := unpacked[1].(*big.Int)
		if !ok || answer.Sign() <= 0 {
			continue
		}
		decUnpacked, err := contracts.ChainlinkAggregatorABI.Unpack("decimals", decRaw)
		if err != nil || len(decUnpacked) != 1 {
			continue
		}
		decimals, ok := decUnpacked[0].(uint8)
		if !ok {
			continue
		}
		f := new(big.Float).SetInt(answer)
		f.Quo(f, new(big.Float).SetFloat64(math.Pow10(int(decimals))))
		price, _ := f.Float64()

		if !o.passesDeviationGuard(t, price) {
			metrics.PriceDeviationRejected.WithLabelValues(t.Hex()).Inc()
			continue
		}
		o.store(t, price)
		out[t] = price
		metrics.PriceSourceHits.WithLabelValues("chainlink").Inc()
	}
	return out, nil
}

// fetchTWAP derives a geometric-mean price over twapWindow against the
// anchor token from a concentrated-liquidity pool's tick history. A
// real tick-cumulative observation window requires `observe()` on the
// V3 pool; we approximate with the instantaneous slot0 sqrtPriceX96, which is
// the same approximation the pitfall note in spec.md §4.8 documents
// for the V3 weight formula — acceptable for a fallback price source
// but never for the primary path.
func (o *Oracle) fetchTWAP(ctx context.Context, tokens []gethcommon.Address) (map[gethcommon.Address]float64, error) {
	calls := make([]multicall.Call, len(tokens))
	for i, t := range tokens {
		pool := o.twapPools[t]
		data, err := contracts.UniswapV3PoolABI.Pack("slot0")
		if err != nil {
			return nil, fmt.Errorf("pack slot0: %w", err)
		}
		calls[i] = multicall.Call{Target: pool, CallData: data}
	}

	results, err := o.batcher.Run(ctx, calls)
	if err != nil {
		return nil, err
	}

	out := make(map[gethcommon.Address]float64, len(tokens))
	for i, t := range tokens {
		raw := results[i]
		if len(raw) == 0 {
			continue
		}
		unpacked, err := contracts.UniswapV3PoolABI.Unpack("slot0", raw)
		if err != nil || len(unpacked) == 0 {
			continue
		}
		sqrtPriceX96, ok := unpacked[0].(*big.Int)
		if !ok {
			continue
		}
		price := sqrtPriceX96ToPrice(sqrtPriceX96)
		if !o.passesDeviationGuard(t, price) {
			metrics.PriceDeviationRejected.WithLabelValues(t.Hex()).Inc()
			continue
		}
		o.store(t, price)
		out[t] = price
		metrics.PriceSourceHits.WithLabelValues("twap").Inc()
	}
	return out, nil
}

// sqrtPriceX96ToPrice converts a Q64.96 sqrt price into a float64
// token1/token0 price, widening to big.Float so the square doesn't
// overflow float64 before the final division (spec.md §9 "Fixed-point
// math": 256-bit arithmetic through the conversion, float64 only at
// the USD boundary).
func sqrtPriceX96ToPrice(sqrtPriceX96 *big.Int) float64 {
	sp := new(big.Float).SetInt(sqrtPriceX96)
	ratio := new(big.Float).Quo(sp, new(big.Float).SetFloat64(math.Pow(2, 96)))
	ratio.Mul(ratio, ratio)
	f, _ := ratio.Float64()
	return f
}

// passesDeviationGuard rejects a new price that moves more than
// deviationToleranceBps versus the cached value within one TTL window
// (spec.md §4.4 "Deviation guard"). No prior cached value, or one
// older than the TTL, always passes.
func (o *Oracle) passesDeviationGuard(token gethcommon.Address, newPrice float64) bool {
	if o.deviationToleranceBps <= 0 {
		return true
	}
	prev, ok := o.readCache(token)
	if !ok || time.Since(prev.fetchedAt) > o.cacheTTL {
		return true
	}
	if prev.usd == 0 {
		return true
	}
	deviationBps := math.Abs(newPrice-prev.usd) / prev.usd * 10000
	return deviationBps <= float64(o.deviationToleranceBps)
}

// store writes price into the shared fastcache-backed store, which is
// the single source of truth other in-process readers (the TWAP
// background updater, the validator's PriceLookup) consult.
func (o *Oracle) store(token gethcommon.Address, price float64) {
	o.cache.Set(token.Bytes(), encodeCachedPrice(price, time.Now()))
}

// readCache reads token's last stored price regardless of TTL freshness.
func (o *Oracle) readCache(token gethcommon.Address) (cachedPrice, bool) {
	raw := o.cache.Get(nil, token.Bytes())
	if len(raw) != 16 {
		return cachedPrice{}, false
	}
	return decodeCachedPrice(raw), true
}

// cachedFresh returns the shared-cache value for token if it is within
// the Chainlink/default TTL.
func (o *Oracle) cachedFresh(token gethcommon.Address) (float64, bool) {
	return o.cachedFreshWithin(token, o.cacheTTL)
}

// cachedFreshWithin returns the shared-cache value for token if it was
// stored within ttl — callers pick ttl per source (spec.md §4.4: the
// TWAP fallback's own window, distinct from the Chainlink TTL).
func (o *Oracle) cachedFreshWithin(token gethcommon.Address, ttl time.Duration) (float64, bool) {
	v, ok := o.readCache(token)
	if !ok || time.Since(v.fetchedAt) > ttl {
		return 0, false
	}
	return v.usd, true
}

// GetUSDPrice satisfies validator.PriceLookup: a cache-only read with
// no RPC fallback, since callers (the Pool Validator) run synchronously
// per discovered pool and rely on the background Updater keeping
// critical-token prices warm rather than triggering a fetch themselves.
// Returns 0 for an unknown or stale token, matching the oracle's
// "0.0 means unknown" contract.
func (o *Oracle) GetUSDPrice(token gethcommon.Address) float64 {
	price, ok := o.cachedFresh(token)
	if !ok {
		return 0
	}
	return price
}

// WarmUp seeds the shared cache for a startup pass over anchor tokens
// (spec.md §4.4 "seeded at startup by a warm-up pass over anchor tokens").
func (o *Oracle) WarmUp(ctx context.Context, anchorTokens []gethcommon.Address) error {
	_, err := o.GetUSDPricesBatch(ctx, anchorTokens)
	return err
}

func encodeCachedPrice(price float64, at time.Time) []byte {
	bits := math.Float64bits(price)
	buf := make([]byte, 16)
	for i := 0; i < 8; i++ {
		buf[i] = byte(bits >> (8 * i))
	}
	nanos := at.UnixNano()
	for i := 0; i < 8; i++ {
		buf[8+i] = byte(nanos >> (8 * i))
	}
	return buf
}

func decodeCachedPrice(buf []byte) cachedPrice {
	var bits uint64
	for i := 0; i < 8; i++ {
		bits |= uint64(buf[i]) << (8 * i)
	}
	var nanos int64
	for i := 0; i < 8; i++ {
		nanos |= int64(buf[8+i]) << (8 * i)
	}
	return cachedPrice{usd: math.Float64frombits(bits), fetchedAt: time.Unix(0, nanos)}
}
