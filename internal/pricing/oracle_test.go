package pricing

import (
	"context"
	"math"
	"math/big"
	"strings"
	"testing"
	"time"

	ethereum "github.com/luxfi/geth"
	"github.com/luxfi/geth/accounts/abi"
	gethcommon "github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/dexgraph/internal/contracts"
	"github.com/luxfi/dexgraph/internal/multicall"
	"github.com/luxfi/dexgraph/internal/rpcpool"
)

func TestSqrtPriceX96ToPrice_OneToOne(t *testing.T) {
	// sqrt_price_x96 for a 1:1 price is 2^96 exactly.
	one := new(big.Int).Lsh(big.NewInt(1), 96)
	price := sqrtPriceX96ToPrice(one)
	require.InDelta(t, 1.0, price, 1e-9)
}

func TestSqrtPriceX96ToPrice_KnownRatio(t *testing.T) {
	// sqrt(4) * 2^96 gives price = 4.
	sqrtFour := new(big.Int).Lsh(big.NewInt(2), 96)
	price := sqrtPriceX96ToPrice(sqrtFour)
	require.InDelta(t, 4.0, price, 1e-6)
}

func TestEncodeDecodeCachedPrice_RoundTrips(t *testing.T) {
	now := time.Now()
	buf := encodeCachedPrice(1234.5678, now)
	got := decodeCachedPrice(buf)
	require.InDelta(t, 1234.5678, got.usd, 1e-9)
	require.WithinDuration(t, now, got.fetchedAt, time.Second)
}

func TestOracle_DeviationGuardRejectsLargeMove(t *testing.T) {
	o := New(nil, Config{CacheTTL: time.Minute, DeviationToleranceBps: 100}) // 1%
	o.store(usdcTok(), 1.00)

	require.False(t, o.passesDeviationGuard(usdcTok(), 2.00), "100% move should be rejected at 1% tolerance")
	require.True(t, o.passesDeviationGuard(usdcTok(), 1.005), "0.5% move should pass 1% tolerance")
}

func TestOracle_DeviationGuardPassesWithNoPriorValue(t *testing.T) {
	o := New(nil, Config{CacheTTL: time.Minute, DeviationToleranceBps: 100})
	require.True(t, o.passesDeviationGuard(usdcTok(), 999.0))
}

func TestOracle_CachedFresh_ExpiresAfterTTL(t *testing.T) {
	o := New(nil, Config{CacheTTL: 5 * time.Millisecond})
	o.store(usdcTok(), 1.0)

	_, fresh := o.cachedFresh(usdcTok())
	require.True(t, fresh)

	time.Sleep(10 * time.Millisecond)
	_, fresh = o.cachedFresh(usdcTok())
	require.False(t, fresh)
}

func TestOracle_GetUSDPrice_ReturnsZeroForUnknownToken(t *testing.T) {
	o := New(nil, Config{CacheTTL: time.Minute})
	require.Equal(t, 0.0, o.GetUSDPrice(usdcTok()))
}

func TestOracle_GetUSDPrice_ReturnsCachedValueWithinTTL(t *testing.T) {
	o := New(nil, Config{CacheTTL: time.Minute})
	o.store(usdcTok(), 1.0)
	require.Equal(t, 1.0, o.GetUSDPrice(usdcTok()))
}

func usdcTok() gethcommon.Address {
	return gethcommon.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
}

// aggregate3OutputsABI re-declares just enough of the aggregate3 ABI
// to encode a Multicall3-shaped response for the fake client below —
// multicall.Batcher's own copy is unexported.
var aggregate3OutputsABI = mustTestABI(`[{
	"name": "aggregate3",
	"type": "function",
	"stateMutability": "payable",
	"inputs": [],
	"outputs": [{
		"name": "returnData",
		"type": "tuple[]",
		"components": [
			{"name": "success", "type": "bool"},
			{"name": "returnData", "type": "bytes"}
		]
	}]
}]`)

func mustTestABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

type aggregate3Result struct {
	Success    bool
	ReturnData []byte
}

// slot0Client answers every aggregate3 call with a single fixed slot0
// result, regardless of target — enough to drive fetchTWAP end to end
// through the real multicall.Batcher without a live node.
type slot0Client struct {
	sqrtPriceX96 *big.Int
}

func (c *slot0Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (c *slot0Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	slot0Raw, err := contracts.UniswapV3PoolABI.Methods["slot0"].Outputs.Pack(
		c.sqrtPriceX96, big.NewInt(0), uint16(0), uint16(0), uint16(0), uint8(0), true,
	)
	if err != nil {
		return nil, err
	}
	return aggregate3OutputsABI.Methods["aggregate3"].Outputs.Pack([]aggregate3Result{{Success: true, ReturnData: slot0Raw}})
}

func (c *slot0Client) BlockNumber(ctx context.Context) (uint64, error) { return 0, nil }
func (c *slot0Client) Close()                                         {}

// TestOracle_GetUSDPricesBatch_FallsBackToTWAPForNonChainlinkToken covers
// spec.md §4.4's second-priority source: a token with no Chainlink
// aggregator but a configured TWAP pool resolves through fetchTWAP
// rather than silently returning 0.0.
func TestOracle_GetUSDPricesBatch_FallsBackToTWAPForNonChainlinkToken(t *testing.T) {
	token := gethcommon.HexToAddress("0x3333333333333333333333333333333333333333")
	pool := gethcommon.HexToAddress("0x4444444444444444444444444444444444444444")

	// sqrt_price_x96 for a 1:1 price is 2^96 exactly.
	sqrtPriceX96 := new(big.Int).Lsh(big.NewInt(1), 96)
	rpool, err := rpcpool.New([]rpcpool.EndpointConfig{{ID: "a", Client: &slot0Client{sqrtPriceX96: sqrtPriceX96}}}, nil)
	require.NoError(t, err)
	batcher := multicall.New(rpool, gethcommon.Address{0xAA}, 100, "pricing")

	o := New(batcher, Config{
		TWAPPools:          map[gethcommon.Address]gethcommon.Address{token: pool},
		EnableTWAPFallback: true,
		CacheTTL:           time.Minute,
		TWAPWindow:         time.Minute,
	})

	prices, err := o.GetUSDPricesBatch(context.Background(), []gethcommon.Address{token})
	require.NoError(t, err)
	require.InDelta(t, 1.0, prices[token], 1e-6)
}

func TestOracle_GetUSDPricesBatch_TWAPDisabledResolvesToZero(t *testing.T) {
	token := gethcommon.HexToAddress("0x3333333333333333333333333333333333333333")
	pool := gethcommon.HexToAddress("0x4444444444444444444444444444444444444444")

	o := New(nil, Config{
		TWAPPools:          map[gethcommon.Address]gethcommon.Address{token: pool},
		EnableTWAPFallback: false,
		CacheTTL:           time.Minute,
	})

	prices, err := o.GetUSDPricesBatch(context.Background(), []gethcommon.Address{token})
	require.NoError(t, err)
	require.Equal(t, 0.0, prices[token])
}

func TestSqrtPriceX96ToPrice_ZeroIsZero(t *testing.T) {
	require.Equal(t, 0.0, sqrtPriceX96ToPrice(big.NewInt(0)))
}

func TestDeviationBpsMath(t *testing.T) {
	deviationBps := math.Abs(110-100) / 100 * 10000
	require.InDelta(t, 1000.0, deviationBps, 1e-9)
}
