package orchestrator

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	gethcommon "github.com/luxfi/geth/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/luxfi/dexgraph/internal/blockcache"
	"github.com/luxfi/dexgraph/internal/dex"
	"github.com/luxfi/dexgraph/internal/pooldata"
	"github.com/luxfi/dexgraph/internal/rpcpool"
	"github.com/luxfi/dexgraph/internal/store"
	"github.com/luxfi/dexgraph/internal/validator"
)

// TestMain verifies Start/Stop leaves no scheduler goroutine behind,
// the same leak check core/main_test.go runs for its own background
// goroutines.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeStore is a minimal in-memory store.Store covering only what the
// orchestrator touches.
type fakeStore struct {
	cursors map[string]uint64
	metas   []pooldata.Meta
	states  []*pooldata.Pool

	saveCursorErr    error
	upsertMetaErr    error
	upsertStateErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{cursors: make(map[string]uint64)}
}

func (f *fakeStore) LoadCursor(ctx context.Context, adapter string) (uint64, bool, error) {
	b, ok := f.cursors[adapter]
	return b, ok, nil
}
func (f *fakeStore) SaveCursor(ctx context.Context, adapter string, block uint64) error {
	if f.saveCursorErr != nil {
		return f.saveCursorErr
	}
	f.cursors[adapter] = block
	return nil
}
func (f *fakeStore) UpsertPoolMeta(ctx context.Context, metas []pooldata.Meta) error {
	if f.upsertMetaErr != nil {
		return f.upsertMetaErr
	}
	f.metas = append(f.metas, metas...)
	return nil
}
func (f *fakeStore) UpsertPoolState(ctx context.Context, pools []*pooldata.Pool, blockNumber uint64) error {
	if f.upsertStateErr != nil {
		return f.upsertStateErr
	}
	f.states = append(f.states, pools...)
	return nil
}
func (f *fakeStore) LoadActivePools(ctx context.Context) ([]store.ActivePool, error) { return nil, nil }
func (f *fakeStore) LoadAllPoolMeta(ctx context.Context) ([]pooldata.Meta, error)    { return nil, nil }
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

// fixedFetcher satisfies blockcache.Fetcher with a fixed block number,
// so blockcache.New can be driven deterministically in tests.
type fixedFetcher struct {
	block uint64
}

func (f *fixedFetcher) NextProvider(ctx context.Context) (rpcpool.Handle, *rpcpool.Permit, error) {
	return rpcpool.Handle{}, nil, nil
}
func (f *fixedFetcher) BlockNumber(ctx context.Context, h rpcpool.Handle) (uint64, error) {
	return f.block, nil
}

func newBlockCache(block uint64) *blockcache.Cache {
	return blockcache.New(&fixedFetcher{block: block}, time.Minute)
}

// fakeAdapter records the block ranges it was asked to discover and
// returns pre-seeded metas/pools/errors.
type fakeAdapter struct {
	name string

	discoverMetas []pooldata.Meta
	discoverErr   error
	// completedThrough is only consulted when discoverErr is set; a
	// successful discovery always completes the full requested range.
	completedThrough uint64
	fetchPools       []*pooldata.Pool
	fetchErr         error

	lastFrom, lastTo uint64
}

func (a *fakeAdapter) Name() string { return a.name }
func (a *fakeAdapter) DiscoverPools(ctx context.Context, fromBlock, toBlock uint64, chunkSize uint64, maxConcurrency int) ([]pooldata.Meta, uint64, error) {
	a.lastFrom, a.lastTo = fromBlock, toBlock
	if a.discoverErr != nil {
		return a.discoverMetas, a.completedThrough, a.discoverErr
	}
	return a.discoverMetas, toBlock, nil
}
func (a *fakeAdapter) FetchPoolState(ctx context.Context, pools []pooldata.Meta) ([]*pooldata.Pool, error) {
	return a.fetchPools, a.fetchErr
}

func noAnchorValidator() *validator.Validator {
	return validator.New(nil, 0, func(gethcommon.Address) float64 { return 1 })
}

func poolAddr(n byte) gethcommon.Address {
	var a gethcommon.Address
	a[19] = n
	return a
}

func TestRunCycle_AdvancesCursorOnFullSuccess(t *testing.T) {
	bc := newBlockCache(1000)
	st := newFakeStore()
	reg := dex.NewRegistry()
	meta := pooldata.Meta{Address: poolAddr(1), Dex: "UniswapV2"}
	pool := &pooldata.Pool{Kind: pooldata.KindUniswapV2, Meta: meta, V2: &pooldata.UniswapV2State{Reserve0: big.NewInt(1000), Reserve1: big.NewInt(1000)}}
	adapter := &fakeAdapter{name: "UniswapV2", discoverMetas: []pooldata.Meta{meta}, fetchPools: []*pooldata.Pool{pool}}
	reg.Register(adapter)

	o := New(Config{}, bc, reg, noAnchorValidator(), st)
	results, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Equal(t, uint64(1000), results[0].CursorBlock)
	require.Equal(t, uint64(1000), st.cursors["UniswapV2"])
	require.Len(t, st.metas, 1)
	require.Len(t, st.states, 1)
}

func TestRunCycle_UsesCursorPlusOneAsFromBlock(t *testing.T) {
	bc := newBlockCache(500)
	st := newFakeStore()
	st.cursors["UniswapV2"] = 100
	reg := dex.NewRegistry()
	adapter := &fakeAdapter{name: "UniswapV2"}
	reg.Register(adapter)

	o := New(Config{}, bc, reg, noAnchorValidator(), st)
	_, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(101), adapter.lastFrom)
	require.Equal(t, uint64(500), adapter.lastTo)
}

func TestRunCycle_DiscoverErrorWithNoPoolsDoesNotAdvanceCursor(t *testing.T) {
	bc := newBlockCache(1000)
	st := newFakeStore()
	st.cursors["UniswapV2"] = 100
	reg := dex.NewRegistry()
	adapter := &fakeAdapter{name: "UniswapV2", discoverErr: errors.New("rpc timeout")}
	reg.Register(adapter)

	o := New(Config{}, bc, reg, noAnchorValidator(), st)
	results, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Error(t, results[0].Err)
	require.Equal(t, uint64(100), results[0].CursorBlock)
	require.Equal(t, uint64(100), st.cursors["UniswapV2"])
}

func TestRunCycle_DiscoverErrorWithPartialPoolsStillAdvances(t *testing.T) {
	bc := newBlockCache(1000)
	st := newFakeStore()
	reg := dex.NewRegistry()
	meta := pooldata.Meta{Address: poolAddr(2), Dex: "UniswapV2"}
	pool := &pooldata.Pool{Kind: pooldata.KindUniswapV2, Meta: meta, V2: &pooldata.UniswapV2State{Reserve0: big.NewInt(1000), Reserve1: big.NewInt(1000)}}
	adapter := &fakeAdapter{
		name:             "UniswapV2",
		discoverMetas:    []pooldata.Meta{meta},
		discoverErr:      errors.New("one chunk failed"),
		completedThrough: 700,
		fetchPools:       []*pooldata.Pool{pool},
	}
	reg.Register(adapter)

	o := New(Config{}, bc, reg, noAnchorValidator(), st)
	results, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Error(t, results[0].Err)
	require.Equal(t, uint64(700), results[0].CursorBlock, "partial discovery advances only to the last chunk that succeeded, not the chain tip")
	require.Equal(t, uint64(700), st.cursors["UniswapV2"])
}

func TestRunCycle_ValidatorRejectsMetaWithoutAnchorToken(t *testing.T) {
	bc := newBlockCache(1000)
	st := newFakeStore()
	reg := dex.NewRegistry()
	meta := pooldata.Meta{Address: poolAddr(3), Dex: "UniswapV2", Token0: poolAddr(9), Token1: poolAddr(10)}
	adapter := &fakeAdapter{name: "UniswapV2", discoverMetas: []pooldata.Meta{meta}}
	reg.Register(adapter)

	anchor := poolAddr(88)
	v := validator.New([]gethcommon.Address{anchor}, 0, func(gethcommon.Address) float64 { return 1 })

	o := New(Config{}, bc, reg, v, st)
	results, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, results[0].NewPools)
	require.Equal(t, 0, results[0].ValidPools, "pool with no anchor token must be rejected")
	require.Empty(t, st.metas)
}

func TestRunCycle_SkipsAdapterAlreadyCaughtUpToCurrentBlock(t *testing.T) {
	bc := newBlockCache(100)
	st := newFakeStore()
	st.cursors["UniswapV2"] = 100
	reg := dex.NewRegistry()
	adapter := &fakeAdapter{name: "UniswapV2", discoverMetas: []pooldata.Meta{{Address: poolAddr(1)}}}
	reg.Register(adapter)

	o := New(Config{}, bc, reg, noAnchorValidator(), st)
	results, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, results[0].NewPools, "adapter must not be called once its cursor has caught up")
}

func TestRunCycle_MultipleAdaptersAreIndependent(t *testing.T) {
	bc := newBlockCache(1000)
	st := newFakeStore()
	reg := dex.NewRegistry()
	good := &fakeAdapter{name: "UniswapV2"}
	bad := &fakeAdapter{name: "PancakeSwap", discoverErr: errors.New("down")}
	reg.Register(good)
	reg.Register(bad)

	o := New(Config{}, bc, reg, noAnchorValidator(), st)
	results, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	require.Error(t, results[1].Err)
	require.Equal(t, uint64(1000), st.cursors["UniswapV2"])
	_, hasBadCursor := st.cursors["PancakeSwap"]
	require.False(t, hasBadCursor)
}

func TestStartStop_DoesNotPanicAndExitsCleanly(t *testing.T) {
	bc := newBlockCache(1)
	st := newFakeStore()
	reg := dex.NewRegistry()
	o := New(Config{TickInterval: time.Millisecond}, bc, reg, noAnchorValidator(), st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	time.Sleep(5 * time.Millisecond)
	o.Stop()
}
