package weight

import (
	"context"
	"sync"
	"time"

	"github.com/luxfi/dexgraph/internal/blockcache"
	"github.com/luxfi/dexgraph/internal/dex"
	"github.com/luxfi/dexgraph/internal/logging"
	"github.com/luxfi/dexgraph/internal/metrics"
	"github.com/luxfi/dexgraph/internal/pooldata"
	"github.com/luxfi/dexgraph/internal/store"
)

// AfterCycle runs once a weight cycle has written its batch of
// GraphWeight rows, giving the Hot-Pool Manager its "after each weight
// cycle the manager repopulates from the store" trigger (spec.md §4.9)
// without this package importing internal/hotpool directly.
type AfterCycle func(ctx context.Context)

// Updater drives the full per-tick Weight Engine cycle (spec.md §4.8):
// re-fetch state for every persisted pool through its adapter, compute
// USD weights, batch-upsert them, reconcile activity, then signal
// AfterCycle. Goroutine lifecycle follows pricing.Updater.
type Updater struct {
	log        logging.Logger
	engine     *Engine
	blockCache *blockcache.Cache
	registry   *dex.Registry
	st         store.Store
	afterCycle AfterCycle

	interval            time.Duration
	activityWindowDays  int
	activityMinWeightUSD float64

	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

// NewUpdater returns a weight-cycle Updater.
func NewUpdater(engine *Engine, blockCache *blockcache.Cache, registry *dex.Registry, st store.Store, activityWindowDays int, activityMinWeightUSD float64, interval time.Duration, afterCycle AfterCycle) *Updater {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Updater{
		log:                  logging.New("weight.updater"),
		engine:               engine,
		blockCache:           blockCache,
		registry:             registry,
		st:                   st,
		afterCycle:           afterCycle,
		interval:             interval,
		activityWindowDays:   activityWindowDays,
		activityMinWeightUSD: activityMinWeightUSD,
		shutdownChan:         make(chan struct{}),
	}
}

// RunCycle executes one full weight cycle: refresh pool state grouped
// by adapter, compute weights, batch-upsert, reconcile activity, and
// invoke AfterCycle.
func (u *Updater) RunCycle(ctx context.Context) error {
	metas, err := u.st.LoadAllPoolMeta(ctx)
	if err != nil {
		return err
	}
	if len(metas) == 0 {
		return nil
	}

	latest, err := u.blockCache.Latest(ctx)
	if err != nil {
		return err
	}

	byDex := make(map[string][]pooldata.Meta)
	for _, m := range metas {
		byDex[m.Dex] = append(byDex[m.Dex], m)
	}

	var pools []*pooldata.Pool
	for dexName, group := range byDex {
		adapter, ok := u.registry.Get(dexName)
		if !ok {
			continue
		}
		fetched, err := adapter.FetchPoolState(ctx, group)
		if err != nil {
			u.log.Warn("weight cycle: fetch pool state failed", "dex", dexName, "error", err)
			continue
		}
		pools = append(pools, fetched...)
	}

	weights, err := u.engine.ComputeWeights(ctx, pools, latest.Number)
	if err != nil {
		return err
	}
	if len(weights) == 0 {
		return nil
	}

	if err := u.st.BatchUpsertGraphWeights(ctx, weights); err != nil {
		return err
	}
	metrics.WeightWriteBatches.WithLabelValues().Add(float64(len(store.ChunkGraphWeights(weights))))

	active, err := u.st.CheckPoolsActivity(ctx, u.activityWindowDays, u.activityMinWeightUSD)
	if err != nil {
		u.log.Warn("activity reconciliation failed", "error", err)
	} else {
		metrics.PoolsActive.WithLabelValues().Set(float64(active))
	}

	if u.afterCycle != nil {
		u.afterCycle(ctx)
	}
	return nil
}

// Start launches the periodic weight-cycle loop.
func (u *Updater) Start(ctx context.Context) {
	u.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				u.log.Error("panic in weight updater loop", "error", r)
			}
		}()
		defer u.wg.Done()

		ticker := time.NewTicker(u.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := u.RunCycle(ctx); err != nil {
					u.log.Warn("weight cycle failed", "error", err)
				}
			case <-u.shutdownChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the weight-cycle loop to exit and waits for it.
func (u *Updater) Stop() {
	close(u.shutdownChan)
	u.wg.Wait()
}
