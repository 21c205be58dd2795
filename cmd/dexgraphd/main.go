// dexgraphd is the DEX liquidity-graph monitoring daemon: it discovers
// pools across the configured protocol families, prices their tokens,
// computes USD weights, and keeps a hot set refreshed at adaptive
// cadences. Wiring style (urfave/cli/v2 app, a single Before hook
// installing the logger, SIGINT/SIGTERM triggering an ordered shutdown)
// follows cmd/evm-node/main.go.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gethcommon "github.com/luxfi/geth/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/luxfi/dexgraph/internal/blockcache"
	"github.com/luxfi/dexgraph/internal/config"
	"github.com/luxfi/dexgraph/internal/dex"
	"github.com/luxfi/dexgraph/internal/extcache"
	extcacheredis "github.com/luxfi/dexgraph/internal/extcache/redis"
	"github.com/luxfi/dexgraph/internal/flightrecorder"
	"github.com/luxfi/dexgraph/internal/hotpool"
	"github.com/luxfi/dexgraph/internal/logging"
	"github.com/luxfi/dexgraph/internal/metrics"
	"github.com/luxfi/dexgraph/internal/multicall"
	"github.com/luxfi/dexgraph/internal/orchestrator"
	"github.com/luxfi/dexgraph/internal/pricing"
	"github.com/luxfi/dexgraph/internal/rpcpool"
	"github.com/luxfi/dexgraph/internal/statecache"
	"github.com/luxfi/dexgraph/internal/store"
	"github.com/luxfi/dexgraph/internal/store/postgres"
	"github.com/luxfi/dexgraph/internal/validator"
	"github.com/luxfi/dexgraph/internal/weight"
)

const clientIdentifier = "dexgraphd"

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to the dexgraphd configuration file",
		EnvVars: []string{"DEXGRAPH_CONFIG"},
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "address to serve /metrics on",
		Value: ":9090",
	}

	app = &cli.App{
		Name:    clientIdentifier,
		Usage:   "DEX liquidity-graph discovery, pricing, and weighting daemon",
		Version: "1.0.0",
		Flags:   []cli.Flag{configFlag, metricsAddrFlag},
	}
)

func init() {
	app.Action = run
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// system bundles every long-lived subsystem so shutdown can stop them
// in a fixed, dependency-aware order.
type system struct {
	orchestrator  *orchestrator.Orchestrator
	priceUpdater  *pricing.Updater
	hotPool       *hotpool.Manager
	weightUpdater *weight.Updater
	recorder      *flightrecorder.Recorder
	store         store.Store
	extCache      extcache.Cache
}

func run(cliCtx *cli.Context) error {
	cfg, err := config.Load(cliCtx.String("config"))
	if err != nil {
		return fmt.Errorf("dexgraphd: %w", err)
	}
	if err := logging.Init(cfg.LogLevel); err != nil {
		return fmt.Errorf("dexgraphd: init logging: %w", err)
	}
	log := logging.New("dexgraphd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sys, err := wire(ctx, cfg)
	if err != nil {
		return fmt.Errorf("dexgraphd: %w", err)
	}

	sys.recorder.Start()
	sys.orchestrator.Start(ctx)
	sys.priceUpdater.Start(ctx)
	sys.hotPool.Start(ctx)
	sys.weightUpdater.Start(ctx)

	go serveMetrics(cliCtx.String("metrics-addr"), log)

	log.Info("dexgraphd started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutdown signal received, stopping subsystems")
	cancel()
	sys.weightUpdater.Stop()
	sys.hotPool.Stop()
	sys.priceUpdater.Stop()
	sys.orchestrator.Stop()
	sys.recorder.Stop()
	sys.store.Close()
	if err := sys.extCache.Close(); err != nil {
		log.Warn("external cache close failed", "error", err)
	}
	log.Info("dexgraphd stopped")
	return nil
}

// wire constructs every subsystem in dependency order: RPC pool ->
// multicall batcher -> block cache / price oracle -> validator ->
// adapter registry -> store -> orchestrator / weight engine / hot-pool
// manager.
func wire(ctx context.Context, cfg *config.Config) (*system, error) {
	recorder := flightrecorder.New(cfg.FlightRecorderPath, 10_000)

	endpoints := make([]rpcpool.EndpointConfig, len(cfg.RPC.Endpoints))
	for i, e := range cfg.RPC.Endpoints {
		endpoints[i] = rpcpool.EndpointConfig{
			ID:                e.URL,
			URL:               e.URL,
			MaxConcurrency:    e.MaxConcurrency,
			RequestsPerSecond: e.RequestsPerSecond,
		}
	}
	pool, err := rpcpool.New(endpoints, recorder,
		rpcpool.WithMaxAttempts(cfg.RPC.MaxAttempts),
		rpcpool.WithMaxBackoff(cfg.RPC.MaxBackoff),
		rpcpool.WithRateLimitCooldown(cfg.RPC.RateLimitCooldown),
	)
	if err != nil {
		return nil, fmt.Errorf("rpc pool: %w", err)
	}

	batcher := multicall.New(pool, gethcommon.HexToAddress(cfg.Contracts.Factories.Multicall), cfg.Performance.MulticallBatchSize, "default")

	blockCache := blockcache.New(pool, time.Second)

	chainlinkOracles := make(map[gethcommon.Address]gethcommon.Address, len(cfg.PriceFeeds.ChainlinkOracles))
	for token, aggregator := range cfg.PriceFeeds.ChainlinkOracles {
		chainlinkOracles[gethcommon.HexToAddress(token)] = gethcommon.HexToAddress(aggregator)
	}
	twapPools := make(map[gethcommon.Address]gethcommon.Address, len(cfg.PriceFeeds.TWAPPools))
	for token, pool := range cfg.PriceFeeds.TWAPPools {
		twapPools[gethcommon.HexToAddress(token)] = gethcommon.HexToAddress(pool)
	}
	anchorToken := gethcommon.HexToAddress(cfg.PriceFeeds.AnchorToken)

	oracle := pricing.New(batcher, pricing.Config{
		ChainlinkOracles:      chainlinkOracles,
		TWAPPools:             twapPools,
		AnchorToken:           anchorToken,
		EnableTWAPFallback:    cfg.PriceFeeds.EnableTWAPFallback,
		CacheTTL:              time.Duration(cfg.PriceFeeds.CacheTTLSeconds) * time.Second,
		TWAPWindow:            time.Duration(cfg.PriceFeeds.TWAPWindowSeconds) * time.Second,
		DeviationToleranceBps: cfg.PriceFeeds.PriceDeviationToleranceBps,
	})
	// criticalTokens is the anchor token plus every Chainlink-priced
	// token; hot-pool tokens are not included.
	criticalTokens := func() []gethcommon.Address {
		out := make([]gethcommon.Address, 0, len(chainlinkOracles)+1)
		out = append(out, anchorToken)
		for token := range chainlinkOracles {
			out = append(out, token)
		}
		return out
	}
	priceUpdater := pricing.NewUpdater(oracle, criticalTokens, time.Duration(cfg.PriceFeeds.CacheTTLSeconds)*time.Second)

	anchorTokens := make([]gethcommon.Address, len(cfg.Validator.AnchorTokens))
	for i, t := range cfg.Validator.AnchorTokens {
		anchorTokens[i] = gethcommon.HexToAddress(t)
	}
	v := validator.New(anchorTokens, cfg.Validator.MinBalanceUSD, oracle.GetUSDPrice)

	registry := dex.BuildDefaultRegistry(cfg.Contracts.Factories, pool, batcher)

	pgStore, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	var extCache extcache.Cache
	if cfg.ExternalCacheURL != "" {
		redisCache, err := extcacheredis.Connect(cfg.ExternalCacheURL)
		if err != nil {
			return nil, fmt.Errorf("extcache redis: %w", err)
		}
		extCache = redisCache
	} else {
		extCache = extcache.NewMemCache()
	}

	stateCache, err := statecache.New(cfg.StateCache.Capacity, cfg.StateCache.BlockTolerance, cfg.StateCache.TimeTolerance)
	if err != nil {
		return nil, fmt.Errorf("state cache: %w", err)
	}

	orch := orchestrator.New(orchestrator.Config{
		TickInterval:   time.Duration(cfg.Discovery.IntervalSeconds) * time.Second,
		ChunkSize:      cfg.Discovery.ChunkSize,
		MaxConcurrency: cfg.Discovery.MaxConcurrency,
	}, blockCache, registry, v, pgStore)

	hotPoolMgr := hotpool.New(hotpool.Config{
		TopK:               cfg.HotPool.TopK,
		MinWeightUSD:       cfg.HotPool.MinWeightUSD,
		HotMinWeightUSD:    cfg.HotPool.HotMinWeightUSD,
		WarmMaxPools:       cfg.HotPool.WarmMaxPools,
		FullRefreshUTCHour: cfg.HotPool.FullRefreshUTCHour,
	}, pgStore, registry, hotpool.WithStateCache(stateCache, blockCache))

	weightEngine := weight.New(oracle.GetUSDPricesBatch, nil, cfg.Performance.PriceFetchChunkSize)
	weightUpdater := weight.NewUpdater(
		weightEngine, blockCache, registry, pgStore,
		cfg.Activity.WindowDays, cfg.Activity.MinActiveWeight,
		time.Duration(cfg.Graph.UpdateIntervalSeconds)*time.Second,
		func(ctx context.Context) {
			if _, err := hotPoolMgr.Repopulate(ctx); err != nil {
				log := logging.New("dexgraphd")
				log.Warn("hot pool repopulate after weight cycle failed", "error", err)
			}
		},
	)

	return &system{
		orchestrator:  orch,
		priceUpdater:  priceUpdater,
		hotPool:       hotPoolMgr,
		weightUpdater: weightUpdater,
		recorder:      recorder,
		store:         pgStore,
		extCache:      extCache,
	}, nil
}

func serveMetrics(addr string, log logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	log.Info("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server exited", "error", err)
	}
}
