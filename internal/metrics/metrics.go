// Package metrics is the process-wide stats surface. It mirrors the
// shape of the teacher's metrics/prometheus gatherer (one registry,
// gathered on scrape) but registers collectors directly against
// prometheus/client_golang instead of bridging through a second,
// geth-specific metrics.Registry type — this module has no go-ethereum
// node lifecycle to piggyback metrics registration on.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the single Prometheus registry for the process. cmd/dexgraphd
// exposes it over HTTP; every component below registers its collectors
// against it at construction time.
var Registry = prometheus.NewRegistry()

// Namespace is the common Prometheus metric prefix for this service.
const Namespace = "dexgraph"

func counter(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	}, labels)
	Registry.MustRegister(c)
	return c
}

func gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	}, labels)
	Registry.MustRegister(g)
	return g
}

func histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
	Registry.MustRegister(h)
	return h
}

// RPC Pool metrics.
var (
	RPCCallLatency  = histogram("rpc_call_latency_seconds", "Latency of RPC calls by endpoint and outcome.", prometheus.DefBuckets, "endpoint", "method", "outcome")
	RPCCallsTotal   = counter("rpc_calls_total", "Total RPC calls dispatched by endpoint and outcome.", "endpoint", "method", "outcome")
	RPCEndpointHealthy = gauge("rpc_endpoint_healthy", "1 if the endpoint is currently healthy, else 0.", "endpoint")
	RPCEndpointInFlight = gauge("rpc_endpoint_in_flight", "Current in-flight permits held for an endpoint.", "endpoint")
)

// Multicall metrics.
var (
	MulticallBatchSize = histogram("multicall_batch_size", "Number of unique calls per multicall chunk.", []float64{1, 5, 10, 25, 50, 100, 150, 200}, "adapter")
	MulticallCoalesced = counter("multicall_calls_coalesced_total", "Calls removed by deduplication before dispatch.")
)

// Price oracle metrics.
var (
	PriceSourceHits   = counter("price_source_hits_total", "USD price lookups satisfied by source.", "source")
	PriceDeviationRejected = counter("price_deviation_rejected_total", "Price updates rejected by the deviation guard.", "token")
)

// Discovery / orchestrator metrics.
var (
	PoolsDiscovered = counter("pools_discovered_total", "Pools discovered by adapter.", "dex")
	DiscoveryCursor = gauge("discovery_cursor_block", "Last successfully processed block per adapter.", "dex")
)

// Weight engine / hot-pool metrics.
var (
	PoolsActive      = gauge("pools_active", "Number of pools currently marked active.")
	HotSetSize       = gauge("hot_set_size", "Number of pools currently in the hot set.")
	WeightWriteBatches = counter("weight_write_batches_total", "Number of batched graph-weight upsert statements executed.")
)

// Flight recorder metrics.
var (
	FlightRecorderDropped = counter("flight_recorder_dropped_total", "Events dropped because the flight recorder channel was full.")
)
