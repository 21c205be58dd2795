package dex

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"

	ethereum "github.com/luxfi/geth"
	gethcommon "github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/dexgraph/internal/contracts"
	"github.com/luxfi/dexgraph/internal/multicall"
	"github.com/luxfi/dexgraph/internal/rpcpool"
)

// countingClient counts every CallContract invocation so tests can
// assert the anti-thrash guard genuinely skips all RPC traffic rather
// than just returning an empty result after still calling out.
type countingClient struct {
	calls           atomic.Int64
	addressProvider gethcommon.Address
	metaRegistry    gethcommon.Address
}

func (c *countingClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (c *countingClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.calls.Add(1)
	if msg.To != nil && *msg.To == c.addressProvider {
		packed, err := contracts.CurveAddressProviderABI.Methods["get_address"].Outputs.Pack(c.metaRegistry)
		if err != nil {
			return nil, err
		}
		return packed, nil
	}
	if msg.To != nil && *msg.To == c.metaRegistry {
		packed, err := contracts.CurveMetaRegistryABI.Methods["pool_count"].Outputs.Pack(big.NewInt(0))
		if err != nil {
			return nil, err
		}
		return packed, nil
	}
	return nil, nil
}

func (c *countingClient) BlockNumber(ctx context.Context) (uint64, error) { return 0, nil }

func (c *countingClient) Close() {}

func newCurveTestAdapter(t *testing.T, client rpcpool.Client, addressProvider gethcommon.Address) *CurveStableSwapAdapter {
	t.Helper()
	pool, err := rpcpool.New([]rpcpool.EndpointConfig{{ID: "a", Client: client}}, nil)
	require.NoError(t, err)
	batcher := multicall.New(pool, gethcommon.Address{0xAA}, 100, "curve")
	return NewCurveStableSwapAdapter(addressProvider, pool, batcher)
}

// TestDiscoverPools_S4_AntiThrashGuardSkipsSecondCall covers scenario
// S4 exactly: a second DiscoverPools call within the 180s window
// returns an empty result and makes zero RPC calls.
func TestDiscoverPools_S4_AntiThrashGuardSkipsSecondCall(t *testing.T) {
	addressProvider := gethcommon.HexToAddress("0x5ffe7FB82894076ECB99A30D6A32e969e6e35E98")
	metaRegistry := gethcommon.HexToAddress("0x000000000000000000000000000000000000F1")
	client := &countingClient{addressProvider: addressProvider, metaRegistry: metaRegistry}
	a := newCurveTestAdapter(t, client, addressProvider)

	clock := int64(1_000_000)
	a.nowFunc = func() int64 { return clock }

	pools, _, err := a.DiscoverPools(context.Background(), 0, 0, 0, 0)
	require.NoError(t, err)
	require.Empty(t, pools)
	firstCallCount := client.calls.Load()
	require.Greater(t, firstCallCount, int64(0), "first discovery should hit the chain")

	clock += 60 // still within the 180s window
	pools, _, err = a.DiscoverPools(context.Background(), 0, 0, 0, 0)
	require.NoError(t, err)
	require.Empty(t, pools)
	require.Equal(t, firstCallCount, client.calls.Load(), "second call within the window must make zero additional RPC calls")
}

func TestDiscoverPools_ReRunsAfterWindowExpires(t *testing.T) {
	addressProvider := gethcommon.HexToAddress("0x5ffe7FB82894076ECB99A30D6A32e969e6e35E98")
	metaRegistry := gethcommon.HexToAddress("0x000000000000000000000000000000000000F1")
	client := &countingClient{addressProvider: addressProvider, metaRegistry: metaRegistry}
	a := newCurveTestAdapter(t, client, addressProvider)

	clock := int64(1_000_000)
	a.nowFunc = func() int64 { return clock }

	_, _, err := a.DiscoverPools(context.Background(), 0, 0, 0, 0)
	require.NoError(t, err)
	firstCallCount := client.calls.Load()

	clock += curveAntiThrashWindowSeconds + 1
	_, _, err = a.DiscoverPools(context.Background(), 0, 0, 0, 0)
	require.NoError(t, err)
	require.Greater(t, client.calls.Load(), firstCallCount, "discovery should re-run once the anti-thrash window has elapsed")
}

func TestDiscoverPools_MetaRegistryNotFoundErrors(t *testing.T) {
	addressProvider := gethcommon.HexToAddress("0x5ffe7FB82894076ECB99A30D6A32e969e6e35E98")
	client := &countingClient{addressProvider: addressProvider, metaRegistry: gethcommon.Address{}}
	a := newCurveTestAdapter(t, client, addressProvider)

	_, _, err := a.DiscoverPools(context.Background(), 0, 0, 0, 0)
	require.Error(t, err)
}
