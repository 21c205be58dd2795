package pricing

import (
	"context"
	"sync"
	"time"

	gethcommon "github.com/luxfi/geth/common"

	"github.com/luxfi/dexgraph/internal/logging"
)

// CriticalTokenSource supplies the critical token set to the background
// updater. It is called afresh on each tick, so the set it returns may
// change between ticks.
type CriticalTokenSource func() []gethcommon.Address

// Updater re-fetches the critical token set on a fixed interval,
// writing straight into the Oracle's shared cache (spec.md §4.4
// "Background updater"). Its goroutine lifecycle follows
// plugin/evm/block_builder.go's awaitSubmittedTxs shape.
type Updater struct {
	log      logging.Logger
	oracle   *Oracle
	source   CriticalTokenSource
	interval time.Duration

	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

// NewUpdater returns an Updater that refreshes every interval; a
// non-positive interval defaults to 5s (spec.md §4.4).
func NewUpdater(oracle *Oracle, source CriticalTokenSource, interval time.Duration) *Updater {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Updater{
		log:          logging.New("pricing.updater"),
		oracle:       oracle,
		source:       source,
		interval:     interval,
		shutdownChan: make(chan struct{}),
	}
}

// Start launches the refresh loop. Call once.
func (u *Updater) Start(ctx context.Context) {
	u.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				u.log.Error("panic in price updater loop", "error", r)
			}
		}()
		defer u.wg.Done()

		ticker := time.NewTicker(u.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				tokens := u.source()
				if len(tokens) == 0 {
					continue
				}
				if _, err := u.oracle.GetUSDPricesBatch(ctx, tokens); err != nil {
					u.log.Warn("critical token price refresh failed", "error", err)
				}
			case <-u.shutdownChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the refresh loop to exit and waits for it.
func (u *Updater) Stop() {
	close(u.shutdownChan)
	u.wg.Wait()
}
