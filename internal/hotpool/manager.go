// Package hotpool implements the Hot-Pool Manager (spec.md §4.9):
// top-K selection above a weight threshold, adaptive per-rank refresh
// intervals, and the three scheduled cadences (hot/warm/full) with
// consecutive-failure back-off. Grounded on
// original_source/bin/background_discoverer.rs's
// populate_hot_pool_manager_from_db call (min_weight=$10k, limit=200,
// max_hot_pools=50, enable_fallback_refresh=true) — the "corrected
// behavior" spec.md §4.9 calls out (no full refresh when a previous
// weight exists) is Repopulate's usedFallback gate. Top-K ranking
// uses github.com/ethereum/go-ethereum/common/prque, the same
// generic priority queue go-ethereum's own transaction pool uses to
// rank by priority.
package hotpool

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/prque"
	gethcommon "github.com/luxfi/geth/common"

	"github.com/luxfi/dexgraph/internal/blockcache"
	"github.com/luxfi/dexgraph/internal/dex"
	"github.com/luxfi/dexgraph/internal/logging"
	"github.com/luxfi/dexgraph/internal/pooldata"
	"github.com/luxfi/dexgraph/internal/statecache"
	"github.com/luxfi/dexgraph/internal/store"
)

// Config configures tier thresholds and cadences (spec.md §4.9 table).
type Config struct {
	TopK               int
	MinWeightUSD       float64
	HotMinWeightUSD    float64
	WarmMaxPools       int
	FullRefreshUTCHour int
}

const (
	hotPeriod  = 30 * time.Minute
	warmPeriod = 1 * time.Hour
	fullPeriod = 24 * time.Hour

	// top10RefreshInterval/restRefreshInterval are the per-rank adaptive
	// intervals spec.md §4.9 names explicitly ("1s for top-10, 5s for 11-50").
	top10RefreshInterval = 1 * time.Second
	restRefreshInterval  = 5 * time.Second

	maxConsecutiveFailures = 3
	hotBackoffPeriod       = 1 * time.Hour
	warmBackoffPeriod      = 2 * time.Hour
)

// trackedPool is one tracked pool: its refresh interval (rank-derived
// for the adaptive hot set, tier-derived for a scheduled-cadence
// entry), next-due time, and failure count.
type trackedPool struct {
	addr             gethcommon.Address
	dex              string
	weightUSD        float64
	rank             int
	refreshInterval  time.Duration
	nextDue          time.Time
	consecutiveFails int
}

// Manager tracks the current hot-pool membership and drives its
// adaptive refresh scheduler.
type Manager struct {
	log     logging.Logger
	cfg     Config
	store   store.Store
	adapters *dex.Registry

	mu      sync.Mutex
	tracked map[gethcommon.Address]*trackedPool

	stateCache *statecache.Cache
	blockCache *blockcache.Cache

	shutdownChan chan struct{}
	wg           sync.WaitGroup
	nowFunc      func() time.Time
}

// Option configures optional Manager behavior.
type Option func(*Manager)

// WithStateCache enables the Merkle-validated state cache (spec.md
// §4.10) as a read-through layer in front of RefreshDue: a due pool
// whose cached entry's block number exactly matches the chain's
// current block is served from cache instead of issuing another
// round-trip through its adapter, which matters most for the top-10
// tier's 1s cadence running far faster than typical block times.
func WithStateCache(sc *statecache.Cache, blocks *blockcache.Cache) Option {
	return func(m *Manager) {
		m.stateCache = sc
		m.blockCache = blocks
	}
}

// New returns a Manager. adapters resolves which DexAdapter's
// FetchPoolState to call for a given pool's dex field.
func New(cfg Config, st store.Store, adapters *dex.Registry, opts ...Option) *Manager {
	if cfg.TopK <= 0 {
		cfg.TopK = 50
	}
	if cfg.MinWeightUSD <= 0 {
		cfg.MinWeightUSD = 10_000
	}
	if cfg.HotMinWeightUSD <= 0 {
		cfg.HotMinWeightUSD = 100_000
	}
	if cfg.WarmMaxPools <= 0 {
		cfg.WarmMaxPools = 150
	}
	m := &Manager{
		log:          logging.New("hotpool"),
		cfg:          cfg,
		store:        st,
		adapters:     adapters,
		tracked:      make(map[gethcommon.Address]*trackedPool),
		shutdownChan: make(chan struct{}),
		nowFunc:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Repopulate rebuilds hot-set membership from the store's currently
// active pools, ranking by weight via a max-priority-queue and keeping
// the top K above MinWeightUSD. If the candidate set is empty, it falls
// back to loading every persisted pool (a true cold start) rather than
// ever discarding an existing, still-valid hot set (spec.md §4.9
// "corrected behavior").
func (m *Manager) Repopulate(ctx context.Context) (int, error) {
	active, err := m.store.LoadActivePools(ctx)
	if err != nil {
		return 0, err
	}

	candidates := active
	usedFallback := false
	if len(candidates) == 0 {
		metas, err := m.store.LoadAllPoolMeta(ctx)
		if err != nil {
			return 0, err
		}
		if len(metas) == 0 {
			return 0, nil
		}
		candidates = make([]store.ActivePool, len(metas))
		for i, meta := range metas {
			candidates[i] = store.ActivePool{Pool: meta.Address, Dex: meta.Dex, WeightUSD: 0}
		}
		usedFallback = true
	}

	pq := prque.New[gethcommon.Address, float64](nil)
	byAddr := make(map[gethcommon.Address]store.ActivePool, len(candidates))
	for _, c := range candidates {
		if c.WeightUSD < m.cfg.MinWeightUSD && !usedFallback {
			continue
		}
		pq.Push(c.Pool, c.WeightUSD)
		byAddr[c.Pool] = c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked = make(map[gethcommon.Address]*trackedPool)

	rank := 0
	now := m.nowFunc()
	for !pq.Empty() && rank < m.cfg.TopK {
		addr, weight := pq.Pop()
		rank++
		interval := restRefreshInterval
		if rank <= 10 {
			interval = top10RefreshInterval
		}
		m.tracked[addr] = &trackedPool{
			addr:            addr,
			dex:             byAddr[addr].Dex,
			weightUSD:       weight,
			rank:            rank,
			refreshInterval: interval,
			nextDue:         now,
		}
	}
	return len(m.tracked), nil
}

// DuePools returns every tracked pool whose next-due time has elapsed,
// as of now.
func (m *Manager) DuePools(now time.Time) []gethcommon.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []gethcommon.Address
	for addr, tp := range m.tracked {
		if !tp.nextDue.After(now) {
			due = append(due, addr)
		}
	}
	return due
}

// RecordRefresh advances addr's next-due time (on success) or applies
// the consecutive-failure back-off (on error), matching spec.md §4.9's
// "after 3, back off (hot -> 1h, warm -> 2h) then reset".
func (m *Manager) RecordRefresh(addr gethcommon.Address, tier Tier, err error, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tp, ok := m.tracked[addr]
	if !ok {
		return
	}
	if err == nil {
		tp.consecutiveFails = 0
		tp.nextDue = at.Add(tp.refreshInterval)
		return
	}
	tp.consecutiveFails++
	if tp.consecutiveFails >= maxConsecutiveFailures {
		backoff := tp.refreshInterval
		switch tier {
		case TierHot:
			backoff = hotBackoffPeriod
		case TierWarm:
			backoff = warmBackoffPeriod
		}
		tp.nextDue = at.Add(backoff)
		tp.consecutiveFails = 0
		m.log.Warn("hot pool refresh backed off after consecutive failures", "pool", addr, "backoff", backoff)
		return
	}
	tp.nextDue = at.Add(tp.refreshInterval)
}

// Tier identifies which of the three scheduled cadences a refresh
// cycle belongs to (spec.md §4.9 table).
type Tier int

const (
	TierHot Tier = iota
	TierWarm
	TierFull
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierFull:
		return "full"
	default:
		return "unknown"
	}
}

// tierDefaultInterval is the refresh interval assigned to a pool
// freshly tracked by a scheduled-cadence refresh (as opposed to the
// rank-derived interval Repopulate assigns the continuously-polled hot
// set) — it is what RecordRefresh falls back to between that tier's
// own ticks once failures stop accumulating.
func tierDefaultInterval(tier Tier) time.Duration {
	switch tier {
	case TierHot:
		return hotPeriod
	case TierWarm:
		return warmPeriod
	default:
		return fullPeriod
	}
}

// RefreshDue fetches fresh state for every pool whose adaptive interval
// has elapsed, through each pool's originating adapter. When a state
// cache is configured (WithStateCache), a due pool already cached at
// the chain's current block is served from cache instead of issuing
// another adapter call.
func (m *Manager) RefreshDue(ctx context.Context) error {
	now := m.nowFunc()
	due := m.DuePools(now)
	if len(due) == 0 {
		return nil
	}

	currentBlock, cacheable := m.currentBlockIfCached(ctx)

	byDex := make(map[string][]pooldata.Meta)
	m.mu.Lock()
	for _, addr := range due {
		tp, ok := m.tracked[addr]
		if !ok {
			continue
		}
		if cacheable {
			if _, hit := m.stateCache.GetStrict(addr, currentBlock); hit {
				continue
			}
		}
		byDex[tp.dex] = append(byDex[tp.dex], pooldata.Meta{Address: addr, Dex: tp.dex})
	}
	m.mu.Unlock()

	for dexName, metas := range byDex {
		adapter, ok := m.adapters.Get(dexName)
		if !ok {
			continue
		}
		pools, err := adapter.FetchPoolState(ctx, metas)
		refreshAt := m.nowFunc()
		for _, meta := range metas {
			m.RecordRefresh(meta.Address, TierHot, err, refreshAt)
		}
		if err != nil {
			m.log.Warn("hot pool refresh failed", "dex", dexName, "error", err)
			continue
		}
		if cacheable {
			for _, p := range pools {
				m.stateCache.Put(p.Address(), p, pooldata.EncodeState(p), currentBlock)
			}
		}
	}
	return nil
}

// rankByWeight ranks pools by descending weight via the same
// max-priority-queue Repopulate uses, keeping at most limit entries.
func rankByWeight(pools []store.ActivePool, limit int) []store.ActivePool {
	pq := prque.New[store.ActivePool, float64](nil)
	for _, p := range pools {
		pq.Push(p, p.WeightUSD)
	}
	out := make([]store.ActivePool, 0, limit)
	for !pq.Empty() && len(out) < limit {
		p, _ := pq.Pop()
		out = append(out, p)
	}
	return out
}

// hotScope loads the Hot tier's scope (spec.md §4.9: top-TopK active
// pools weighing at least HotMinWeightUSD).
func (m *Manager) hotScope(ctx context.Context) ([]store.ActivePool, error) {
	active, err := m.store.LoadActivePools(ctx)
	if err != nil {
		return nil, err
	}
	var eligible []store.ActivePool
	for _, c := range active {
		if c.WeightUSD >= m.cfg.HotMinWeightUSD {
			eligible = append(eligible, c)
		}
	}
	return rankByWeight(eligible, m.cfg.TopK), nil
}

// warmScope loads the Warm tier's scope (spec.md §4.9: active pools
// weighing between MinWeightUSD and HotMinWeightUSD, capped at
// WarmMaxPools).
func (m *Manager) warmScope(ctx context.Context) ([]store.ActivePool, error) {
	active, err := m.store.LoadActivePools(ctx)
	if err != nil {
		return nil, err
	}
	var eligible []store.ActivePool
	for _, c := range active {
		if c.WeightUSD >= m.cfg.MinWeightUSD && c.WeightUSD < m.cfg.HotMinWeightUSD {
			eligible = append(eligible, c)
		}
	}
	return rankByWeight(eligible, m.cfg.WarmMaxPools), nil
}

// fullScope loads the Full tier's scope (spec.md §4.9: every persisted
// pool, regardless of weight).
func (m *Manager) fullScope(ctx context.Context) ([]store.ActivePool, error) {
	metas, err := m.store.LoadAllPoolMeta(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]store.ActivePool, len(metas))
	for i, meta := range metas {
		out[i] = store.ActivePool{Pool: meta.Address, Dex: meta.Dex}
	}
	return out, nil
}

// refreshTier issues fetch_pool_state for every pool in scope, grouped
// by adapter, and records each pool's outcome against tier's backoff
// policy via RecordRefresh. A pool not already tracked (e.g. a Warm or
// Full tier member never selected into the continuously-polled hot
// set) is tracked here so its consecutive-failure count and back-off
// are held across calls the same way the hot set's are.
func (m *Manager) refreshTier(ctx context.Context, tier Tier, scope []store.ActivePool) error {
	if len(scope) == 0 {
		return nil
	}
	defaultInterval := tierDefaultInterval(tier)

	m.mu.Lock()
	for _, c := range scope {
		if _, ok := m.tracked[c.Pool]; !ok {
			m.tracked[c.Pool] = &trackedPool{
				addr:            c.Pool,
				dex:             c.Dex,
				weightUSD:       c.WeightUSD,
				refreshInterval: defaultInterval,
				nextDue:         m.nowFunc(),
			}
		}
	}
	m.mu.Unlock()

	byDex := make(map[string][]pooldata.Meta, len(scope))
	for _, c := range scope {
		byDex[c.Dex] = append(byDex[c.Dex], pooldata.Meta{Address: c.Pool, Dex: c.Dex})
	}

	var firstErr error
	for dexName, metas := range byDex {
		adapter, ok := m.adapters.Get(dexName)
		if !ok {
			continue
		}
		_, err := adapter.FetchPoolState(ctx, metas)
		at := m.nowFunc()
		for _, meta := range metas {
			m.RecordRefresh(meta.Address, tier, err, at)
		}
		if err != nil {
			m.log.Warn("tiered refresh failed", "tier", tier, "dex", dexName, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// currentBlockIfCached returns the chain's current block number and
// true if a state cache is configured and the block was readable;
// false disables cache lookups for this cycle rather than failing it.
func (m *Manager) currentBlockIfCached(ctx context.Context) (uint64, bool) {
	if m.stateCache == nil || m.blockCache == nil {
		return 0, false
	}
	latest, err := m.blockCache.Latest(ctx)
	if err != nil {
		return 0, false
	}
	return latest.Number, true
}

// Start launches the adaptive-refresh scheduler loop plus the three
// scheduled cadences spec.md §4.9 names explicitly (hot/warm/full),
// grounded on original_source/bin/background_discoverer.rs spawning
// hot_refresh_handle, warm_refresh_handle, and full_refresh_handle as
// three independent tasks alongside its own adaptive manager.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.runAdaptiveLoop(ctx)

	m.wg.Add(1)
	go m.runTieredLoop(ctx, TierHot, hotPeriod, m.hotScope)

	m.wg.Add(1)
	go m.runTieredLoop(ctx, TierWarm, warmPeriod, m.warmScope)

	m.wg.Add(1)
	go m.runFullRefreshLoop(ctx)
}

// runAdaptiveLoop ticks at the shortest tracked interval
// (top10RefreshInterval) so no due pool in the continuously-polled hot
// set waits longer than its own rank-derived interval.
func (m *Manager) runAdaptiveLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in hot pool adaptive scheduler", "error", r)
		}
		m.wg.Done()
	}()

	ticker := time.NewTicker(top10RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.RefreshDue(ctx); err != nil {
				m.log.Warn("hot pool adaptive refresh cycle failed", "error", err)
			}
		case <-m.shutdownChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runTieredLoop drives one of the Hot/Warm scheduled cadences: on
// every tick it loads that tier's scope via scopeFn and refreshes it
// through refreshTier, independent of the continuous adaptive loop.
func (m *Manager) runTieredLoop(ctx context.Context, tier Tier, period time.Duration, scopeFn func(context.Context) ([]store.ActivePool, error)) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in hot pool tiered scheduler", "tier", tier, "error", r)
		}
		m.wg.Done()
	}()

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			scope, err := scopeFn(ctx)
			if err != nil {
				m.log.Warn("tiered refresh scope load failed", "tier", tier, "error", err)
				continue
			}
			if err := m.refreshTier(ctx, tier, scope); err != nil {
				m.log.Warn("tiered refresh cycle failed", "tier", tier, "error", err)
			}
		case <-m.shutdownChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runFullRefreshLoop drives the Full cadence: sleeps until the next
// FullRefreshUTCHour:00 UTC occurrence, refreshes every persisted pool,
// then repopulates the hot set from the freshly written weights —
// matching full_refresh_handle's "repopulate after full refresh"
// sequence in background_discoverer.rs.
func (m *Manager) runFullRefreshLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in hot pool full-refresh scheduler", "error", r)
		}
		m.wg.Done()
	}()

	for {
		now := m.nowFunc()
		wait := NextFullRefreshUTC(now, m.cfg.FullRefreshUTCHour).Sub(now)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-m.shutdownChan:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}

		scope, err := m.fullScope(ctx)
		if err != nil {
			m.log.Warn("full refresh scope load failed", "error", err)
			continue
		}
		if err := m.refreshTier(ctx, TierFull, scope); err != nil {
			m.log.Warn("full refresh cycle failed", "error", err)
		}
		if _, err := m.Repopulate(ctx); err != nil {
			m.log.Warn("hot pool repopulate after full refresh failed", "error", err)
		}
	}
}

// Stop signals every scheduler loop to exit and waits for them.
func (m *Manager) Stop() {
	close(m.shutdownChan)
	m.wg.Wait()
}

// NextFullRefreshUTC returns the next occurrence of
// cfg.FullRefreshUTCHour:00 UTC strictly after now (spec.md §4.9 "Full |
// 24h at 03:00 UTC").
func NextFullRefreshUTC(now time.Time, utcHour int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), utcHour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
