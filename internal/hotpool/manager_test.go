package hotpool

import (
	"context"
	"errors"
	"testing"
	"time"

	gethcommon "github.com/luxfi/geth/common"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/dexgraph/internal/blockcache"
	"github.com/luxfi/dexgraph/internal/dex"
	"github.com/luxfi/dexgraph/internal/pooldata"
	"github.com/luxfi/dexgraph/internal/rpcpool"
	"github.com/luxfi/dexgraph/internal/statecache"
	"github.com/luxfi/dexgraph/internal/store"
)

type fakeStore struct {
	active   []store.ActivePool
	allMeta  []pooldata.Meta
}

func (f *fakeStore) LoadCursor(ctx context.Context, adapter string) (uint64, bool, error) { return 0, false, nil }
func (f *fakeStore) SaveCursor(ctx context.Context, adapter string, block uint64) error    { return nil }
func (f *fakeStore) UpsertPoolMeta(ctx context.Context, metas []pooldata.Meta) error       { return nil }
func (f *fakeStore) UpsertPoolState(ctx context.Context, pools []*pooldata.Pool, blockNumber uint64) error {
	return nil
}
func (f *fakeStore) LoadActivePools(ctx context.Context) ([]store.ActivePool, error) { return f.active, nil }
func (f *fakeStore) LoadAllPoolMeta(ctx context.Context) ([]pooldata.Meta, error)    { return f.allMeta, nil }
func (f *fakeStore) BatchUpsertGraphWeights(ctx context.Context, weights []store.GraphWeight) error {
	return nil
}
func (f *fakeStore) LoadAllGraphWeights(ctx context.Context) (map[gethcommon.Address]float64, error) {
	return nil, nil
}
func (f *fakeStore) CheckPoolsActivity(ctx context.Context, windowDays int, minActiveWeightUSD float64) (int64, error) {
	return 0, nil
}
func (f *fakeStore) Close() {}

func addrN(n byte) gethcommon.Address {
	var a gethcommon.Address
	a[19] = n
	return a
}

func TestRepopulate_SelectsTopKAboveThreshold(t *testing.T) {
	var active []store.ActivePool
	for i := byte(1); i <= 20; i++ {
		active = append(active, store.ActivePool{Pool: addrN(i), WeightUSD: float64(i) * 1000, Dex: "UniswapV2"})
	}
	st := &fakeStore{active: active}
	m := New(Config{TopK: 5, MinWeightUSD: 15_000}, st, dex.NewRegistry())

	n, err := m.Repopulate(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, n)

	// Highest-weight pools (16..20 * 1000) should be the ones tracked.
	for i := byte(16); i <= 20; i++ {
		_, ok := m.tracked[addrN(i)]
		require.True(t, ok, "pool %d should be tracked", i)
	}
}

func TestRepopulate_FallsBackToFullRefreshOnlyWhenEmpty(t *testing.T) {
	st := &fakeStore{allMeta: []pooldata.Meta{{Address: addrN(1), Dex: "UniswapV2"}, {Address: addrN(2), Dex: "UniswapV2"}}}
	m := New(Config{TopK: 50, MinWeightUSD: 10_000}, st, dex.NewRegistry())

	n, err := m.Repopulate(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n, "fallback must include every persisted pool when active set is empty")
}

func TestRepopulate_DoesNotFallBackWhenActiveSetNonEmpty(t *testing.T) {
	st := &fakeStore{
		active:  []store.ActivePool{{Pool: addrN(1), WeightUSD: 50_000, Dex: "UniswapV2"}},
		allMeta: []pooldata.Meta{{Address: addrN(9), Dex: "UniswapV2"}},
	}
	m := New(Config{TopK: 50, MinWeightUSD: 10_000}, st, dex.NewRegistry())

	n, err := m.Repopulate(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, ok := m.tracked[addrN(9)]
	require.False(t, ok, "must not fall back to full refresh when a previous weight exists")
}

func TestRankedPools_Top10GetOneSecondInterval(t *testing.T) {
	var active []store.ActivePool
	for i := byte(1); i <= 15; i++ {
		active = append(active, store.ActivePool{Pool: addrN(i), WeightUSD: float64(i) * 10_000, Dex: "UniswapV2"})
	}
	st := &fakeStore{active: active}
	m := New(Config{TopK: 15, MinWeightUSD: 10_000}, st, dex.NewRegistry())
	_, err := m.Repopulate(context.Background())
	require.NoError(t, err)

	var top10, rest int
	for _, tp := range m.tracked {
		if tp.rank <= 10 {
			require.Equal(t, top10RefreshInterval, tp.refreshInterval)
			top10++
		} else {
			require.Equal(t, restRefreshInterval, tp.refreshInterval)
			rest++
		}
	}
	require.Equal(t, 10, top10)
	require.Equal(t, 5, rest)
}

func TestRecordRefresh_BacksOffAfterThreeConsecutiveFailures(t *testing.T) {
	st := &fakeStore{active: []store.ActivePool{{Pool: addrN(1), WeightUSD: 50_000, Dex: "UniswapV2"}}}
	m := New(Config{TopK: 50, MinWeightUSD: 10_000}, st, dex.NewRegistry())
	_, err := m.Repopulate(context.Background())
	require.NoError(t, err)

	base := time.Unix(1_700_000_000, 0)
	m.RecordRefresh(addrN(1), TierHot, errors.New("rpc down"), base)
	m.RecordRefresh(addrN(1), TierHot, errors.New("rpc down"), base)
	m.RecordRefresh(addrN(1), TierHot, errors.New("rpc down"), base)

	tp := m.tracked[addrN(1)]
	require.Equal(t, 0, tp.consecutiveFails, "failure counter resets after backing off")
	require.Equal(t, base.Add(hotBackoffPeriod), tp.nextDue)
}

func TestRecordRefresh_SuccessResetsFailureCount(t *testing.T) {
	st := &fakeStore{active: []store.ActivePool{{Pool: addrN(1), WeightUSD: 50_000, Dex: "UniswapV2"}}}
	m := New(Config{TopK: 50, MinWeightUSD: 10_000}, st, dex.NewRegistry())
	_, err := m.Repopulate(context.Background())
	require.NoError(t, err)

	base := time.Unix(1_700_000_000, 0)
	m.RecordRefresh(addrN(1), TierHot, errors.New("rpc down"), base)
	m.RecordRefresh(addrN(1), TierHot, nil, base)

	tp := m.tracked[addrN(1)]
	require.Equal(t, 0, tp.consecutiveFails)
	require.Equal(t, base.Add(tp.refreshInterval), tp.nextDue)
}

func TestNextFullRefreshUTC_PicksNextOccurrence(t *testing.T) {
	before := time.Date(2026, 7, 30, 1, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 7, 30, 3, 0, 0, 0, time.UTC), NextFullRefreshUTC(before, 3))

	after := time.Date(2026, 7, 30, 5, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 7, 31, 3, 0, 0, 0, time.UTC), NextFullRefreshUTC(after, 3))
}

type fakeAdapter struct {
	name       string
	fetched    []gethcommon.Address
	fetchPools []*pooldata.Pool
	err        error
}

func (a *fakeAdapter) Name() string { return a.name }
func (a *fakeAdapter) DiscoverPools(ctx context.Context, fromBlock, toBlock uint64, chunkSize uint64, maxConcurrency int) ([]pooldata.Meta, uint64, error) {
	return nil, toBlock, nil
}
func (a *fakeAdapter) FetchPoolState(ctx context.Context, pools []pooldata.Meta) ([]*pooldata.Pool, error) {
	for _, p := range pools {
		a.fetched = append(a.fetched, p.Address)
	}
	if a.err != nil {
		return nil, a.err
	}
	if a.fetchPools != nil {
		return a.fetchPools, nil
	}
	return nil, nil
}

func TestRefreshDue_CallsFetchPoolStateOnDuePools(t *testing.T) {
	st := &fakeStore{active: []store.ActivePool{{Pool: addrN(1), WeightUSD: 50_000, Dex: "UniswapV2"}}}
	reg := dex.NewRegistry()
	adapter := &fakeAdapter{name: "UniswapV2"}
	reg.Register(adapter)
	m := New(Config{TopK: 50, MinWeightUSD: 10_000}, st, reg)
	_, err := m.Repopulate(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.RefreshDue(context.Background()))
	require.Equal(t, []gethcommon.Address{addrN(1)}, adapter.fetched)
}

type fixedBlockFetcher struct{ block uint64 }

func (f *fixedBlockFetcher) NextProvider(ctx context.Context) (rpcpool.Handle, *rpcpool.Permit, error) {
	return rpcpool.Handle{}, nil, nil
}
func (f *fixedBlockFetcher) BlockNumber(ctx context.Context, h rpcpool.Handle) (uint64, error) {
	return f.block, nil
}

func TestRefreshDue_SkipsAdapterCallWhenStateCacheHitsCurrentBlock(t *testing.T) {
	st := &fakeStore{active: []store.ActivePool{{Pool: addrN(1), WeightUSD: 50_000, Dex: "UniswapV2"}}}
	reg := dex.NewRegistry()
	adapter := &fakeAdapter{name: "UniswapV2"}
	reg.Register(adapter)

	sc, err := statecache.New(100, 0, time.Hour)
	require.NoError(t, err)
	bc := blockcache.New(&fixedBlockFetcher{block: 500}, time.Minute)
	sc.Put(addrN(1), &pooldata.Pool{Meta: pooldata.Meta{Address: addrN(1)}}, []byte("state"), 500)

	m := New(Config{TopK: 50, MinWeightUSD: 10_000}, st, reg, WithStateCache(sc, bc))
	_, err = m.Repopulate(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.RefreshDue(context.Background()))
	require.Empty(t, adapter.fetched, "a pool already cached at the current block must not trigger another adapter call")
}

func TestRefreshDue_CallsAdapterOnStateCacheMissAndPopulatesCache(t *testing.T) {
	st := &fakeStore{active: []store.ActivePool{{Pool: addrN(1), WeightUSD: 50_000, Dex: "UniswapV2"}}}
	reg := dex.NewRegistry()
	pool := &pooldata.Pool{Kind: pooldata.KindUniswapV2, Meta: pooldata.Meta{Address: addrN(1), Dex: "UniswapV2"}, V2: &pooldata.UniswapV2State{}}
	adapter := &fakeAdapter{name: "UniswapV2", fetchPools: []*pooldata.Pool{pool}}
	reg.Register(adapter)

	sc, err := statecache.New(100, 0, time.Hour)
	require.NoError(t, err)
	bc := blockcache.New(&fixedBlockFetcher{block: 500}, time.Minute)

	m := New(Config{TopK: 50, MinWeightUSD: 10_000}, st, reg, WithStateCache(sc, bc))
	_, err = m.Repopulate(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.RefreshDue(context.Background()))
	require.Equal(t, []gethcommon.Address{addrN(1)}, adapter.fetched)

	_, hit := sc.GetStrict(addrN(1), 500)
	require.True(t, hit, "a freshly fetched pool must be written back into the state cache")
}
