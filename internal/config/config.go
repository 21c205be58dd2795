// Package config loads dexgraphd's configuration from a file plus
// environment overrides using spf13/viper, the way the teacher's
// command-line tools bind urfave/cli flags into a typed struct.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Endpoint is one configured RPC endpoint.
type Endpoint struct {
	URL               string `mapstructure:"url"`
	MaxConcurrency    int    `mapstructure:"max_concurrency"`
	RequestsPerSecond int    `mapstructure:"requests_per_second"`
}

// RPCConfig configures the RPC Pool (spec.md §6 "rpc.endpoints[]").
type RPCConfig struct {
	Endpoints        []Endpoint `mapstructure:"endpoints"`
	MaxAttempts      int        `mapstructure:"max_attempts"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	RateLimitCooldown time.Duration `mapstructure:"rate_limit_cooldown"`
}

// DiscoveryConfig configures the Discovery Orchestrator (spec.md §4.7, §6).
type DiscoveryConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	ChunkSize       uint64 `mapstructure:"chunk_size"`
	MaxConcurrency  int `mapstructure:"max_concurrency"`
}

// GraphConfig configures the Weight Engine tick cadence.
type GraphConfig struct {
	UpdateIntervalSeconds int `mapstructure:"update_interval_seconds"`
}

// PerformanceConfig configures batching knobs shared across components
// (spec.md §6 "performance.*").
type PerformanceConfig struct {
	MulticallBatchSize            int  `mapstructure:"multicall_batch_size"`
	ParallelPriceFetchingEnabled  bool `mapstructure:"parallel_price_fetching_enabled"`
	PriceFetchChunkSize           int  `mapstructure:"price_fetch_chunk_size"`
}

// PriceFeedsConfig configures the USD Price Oracle (spec.md §4.4, §6).
type PriceFeedsConfig struct {
	ChainlinkOracles            map[string]string `mapstructure:"chainlink_oracles"`
	TWAPPools                    map[string]string `mapstructure:"twap_pools"`
	CacheTTLSeconds              int               `mapstructure:"cache_ttl_seconds"`
	EnableTWAPFallback           bool              `mapstructure:"enable_twap_fallback"`
	PriceDeviationToleranceBps   int               `mapstructure:"price_deviation_tolerance_bps"`
	AnchorToken                  string            `mapstructure:"anchor_token"`
	TWAPWindowSeconds             int               `mapstructure:"twap_window_seconds"`
}

// ValidatorConfig configures the Pool Validator (spec.md §4.6, §6).
type ValidatorConfig struct {
	AnchorTokens  []string `mapstructure:"anchor_tokens"`
	MinBalanceUSD float64  `mapstructure:"min_balance_usd"`
}

// FactoriesConfig names the well-known contracts each adapter targets
// (spec.md §6 "contracts.factories.*").
type FactoriesConfig struct {
	UniswapV2 string `mapstructure:"uniswap_v2"`
	PancakeSwap string `mapstructure:"pancakeswap"`
	UniswapV3 string `mapstructure:"uniswap_v3"`
	BalancerVault string `mapstructure:"balancer_vault"`
	CurveAddressProvider string `mapstructure:"curve_address_provider"`
	Multicall string `mapstructure:"multicall"`
}

// ContractsConfig groups the factory addresses.
type ContractsConfig struct {
	Factories FactoriesConfig `mapstructure:"factories"`
}

// HotPoolConfig configures the Hot-Pool Manager tiers (spec.md §4.9).
type HotPoolConfig struct {
	TopK              int     `mapstructure:"top_k"`
	MinWeightUSD      float64 `mapstructure:"min_weight_usd"`
	HotMinWeightUSD   float64 `mapstructure:"hot_min_weight_usd"`
	WarmMaxPools      int     `mapstructure:"warm_max_pools"`
	FullRefreshUTCHour int    `mapstructure:"full_refresh_utc_hour"`
}

// ActivityConfig configures activity reconciliation (spec.md §4.8, §9
// Open Questions — treated as configuration rather than hardcoded).
type ActivityConfig struct {
	WindowDays      int     `mapstructure:"window_days"`
	MinActiveWeight float64 `mapstructure:"min_active_weight_usd"`
}

// StateCacheConfig configures the Merkle-validated state cache
// (spec.md §4.10).
type StateCacheConfig struct {
	Capacity          int           `mapstructure:"capacity"`
	BlockTolerance    uint64        `mapstructure:"block_tolerance"`
	TimeTolerance     time.Duration `mapstructure:"time_tolerance"`
}

// Config is the full dexgraphd configuration tree.
type Config struct {
	DatabaseURL      string `mapstructure:"database_url"`
	ExternalCacheURL string `mapstructure:"external_cache_url"`
	LogLevel         string `mapstructure:"log_level"`
	FlightRecorderPath string `mapstructure:"flight_recorder_path"`

	RPC         RPCConfig         `mapstructure:"rpc"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Graph       GraphConfig       `mapstructure:"graph"`
	Performance PerformanceConfig `mapstructure:"performance"`
	PriceFeeds  PriceFeedsConfig  `mapstructure:"price_feeds"`
	Validator   ValidatorConfig   `mapstructure:"validator"`
	Contracts   ContractsConfig   `mapstructure:"contracts"`
	HotPool     HotPoolConfig     `mapstructure:"hot_pool"`
	Activity    ActivityConfig    `mapstructure:"activity"`
	StateCache  StateCacheConfig  `mapstructure:"state_cache"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc.max_attempts", 10)
	v.SetDefault("rpc.max_backoff", 30*time.Second)
	v.SetDefault("rpc.rate_limit_cooldown", 5*time.Second)
	v.SetDefault("discovery.interval_seconds", 60)
	v.SetDefault("discovery.chunk_size", 2000)
	v.SetDefault("discovery.max_concurrency", 4)
	v.SetDefault("graph.update_interval_seconds", 300)
	v.SetDefault("performance.multicall_batch_size", 100)
	v.SetDefault("performance.parallel_price_fetching_enabled", true)
	v.SetDefault("performance.price_fetch_chunk_size", 30)
	v.SetDefault("price_feeds.cache_ttl_seconds", 60)
	v.SetDefault("price_feeds.enable_twap_fallback", true)
	v.SetDefault("price_feeds.price_deviation_tolerance_bps", 1000)
	v.SetDefault("price_feeds.twap_window_seconds", 60)
	v.SetDefault("validator.min_balance_usd", 1000.0)
	v.SetDefault("hot_pool.top_k", 50)
	v.SetDefault("hot_pool.min_weight_usd", 10000.0)
	v.SetDefault("hot_pool.hot_min_weight_usd", 100000.0)
	v.SetDefault("hot_pool.warm_max_pools", 150)
	v.SetDefault("hot_pool.full_refresh_utc_hour", 3)
	v.SetDefault("activity.window_days", 30)
	v.SetDefault("activity.min_active_weight_usd", 10000.0)
	v.SetDefault("state_cache.capacity", 2000)
	v.SetDefault("state_cache.block_tolerance", 5)
	v.SetDefault("state_cache.time_tolerance", 300*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("flight_recorder_path", "dexgraph-flight.jsonl")
}

// Load reads configuration from path (if non-empty), layers in
// DEXGRAPH_-prefixed environment variables, and unmarshals into Config.
// A missing or unparsable config file, or a file that fails to
// unmarshal, is a startup failure per spec.md §7 ("Configuration /
// startup failure — fatal").
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DEXGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database_url", "DATABASE_URL")
	_ = v.BindEnv("external_cache_url", "EXTERNAL_CACHE_URL")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url (or DATABASE_URL) is required")
	}
	if len(c.RPC.Endpoints) == 0 {
		return fmt.Errorf("rpc.endpoints must list at least one endpoint")
	}
	return nil
}
