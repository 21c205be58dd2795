// Package rpcpool implements the multi-endpoint, health-tracking,
// rate-limit-aware RPC dispatcher described in spec.md §4.1. It fronts
// every blockchain read the rest of dexgraph performs.
//
// Endpoint clients are *github.com/luxfi/geth/ethclient.Client values,
// matching how the teacher's adapters dial go-ethereum-API-compatible
// nodes; the pool adds round-robin selection, per-endpoint permits, and
// failure classification on top.
package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ethereum "github.com/luxfi/geth"
	gethcommon "github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
	"github.com/luxfi/geth/ethclient"
	"golang.org/x/time/rate"

	"github.com/luxfi/dexgraph/internal/flightrecorder"
	"github.com/luxfi/dexgraph/internal/logging"
	"github.com/luxfi/dexgraph/internal/metrics"
)

// ErrNoHealthyEndpoint is returned when every endpoint is unhealthy or
// cooling down and the attempt ceiling has been reached.
var ErrNoHealthyEndpoint = errors.New("rpcpool: no healthy endpoint available")

const (
	defaultMaxBackoff = 30 * time.Second
	defaultMaxAttempts = 10
	defaultRateLimitCooldown = 5 * time.Second
)

// Client is the subset of ethclient.Client the pool needs from each
// endpoint. Declared as an interface so tests can substitute a fake
// without dialing a real node.
type Client interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// endpoint tracks the per-endpoint health state from spec.md §4.1.
type endpoint struct {
	id      string
	url     string
	client  Client

	permits chan struct{} // bounded permit counter
	limiter *rate.Limiter // nil means unlimited

	mu                  sync.Mutex
	healthy             bool
	consecutiveFailures int
	lastRateLimit       time.Time
	latencyEWMA         time.Duration
}

func (e *endpoint) isHealthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.healthy {
		return false
	}
	return time.Since(e.lastRateLimit) > 0
}

func (e *endpoint) coolingDown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Now().Before(e.lastRateLimit)
}

// Permit is a scope guard over one endpoint's in-flight slot. Release
// must be called exactly once, on every exit path including
// cancellation (spec.md §4.1, §9 "Ownership").
type Permit struct {
	ep       *endpoint
	released atomic.Bool
}

// Release returns the permit to its endpoint. Safe to call more than
// once; only the first call has effect.
func (p *Permit) Release() {
	if p == nil || p.ep == nil {
		return
	}
	if p.released.CompareAndSwap(false, true) {
		<-p.ep.permits
		metrics.RPCEndpointInFlight.WithLabelValues(p.ep.id).Dec()
	}
}

// Handle identifies an endpoint for mark_unhealthy/report_rate_limit
// calls without exposing the underlying client.
type Handle struct {
	ep *endpoint
}

// EndpointConfig configures one RPC endpoint.
type EndpointConfig struct {
	ID                string
	URL               string
	MaxConcurrency    int
	RequestsPerSecond int    // 0 means unlimited
	Client            Client // optional: inject a fake client for tests
}

// Pool multiplexes calls across N configured endpoints (spec.md §4.1).
type Pool struct {
	log       logging.Logger
	recorder  *flightrecorder.Recorder
	endpoints []*endpoint

	maxAttempts       int
	maxBackoff        time.Duration
	rateLimitCooldown time.Duration

	nextIdx atomic.Uint64
}

// Option configures Pool construction.
type Option func(*Pool)

// WithMaxAttempts overrides the default attempt ceiling (10).
func WithMaxAttempts(n int) Option { return func(p *Pool) { p.maxAttempts = n } }

// WithMaxBackoff overrides the default 30s backoff cap.
func WithMaxBackoff(d time.Duration) Option { return func(p *Pool) { p.maxBackoff = d } }

// WithRateLimitCooldown overrides the default 5s rate-limit cooldown.
func WithRateLimitCooldown(d time.Duration) Option {
	return func(p *Pool) { p.rateLimitCooldown = d }
}

// New dials (or adopts, via EndpointConfig.Client) every configured
// endpoint and returns a ready Pool.
func New(configs []EndpointConfig, recorder *flightrecorder.Recorder, opts ...Option) (*Pool, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("rpcpool: at least one endpoint is required")
	}
	p := &Pool{
		log:               logging.New("rpcpool"),
		recorder:          recorder,
		maxAttempts:       defaultMaxAttempts,
		maxBackoff:        defaultMaxBackoff,
		rateLimitCooldown: defaultRateLimitCooldown,
	}
	for _, o := range opts {
		o(p)
	}

	for _, c := range configs {
		cl := c.Client
		if cl == nil {
			ec, err := ethclient.DialContext(context.Background(), c.URL)
			if err != nil {
				return nil, fmt.Errorf("rpcpool: dial %s: %w", c.URL, err)
			}
			cl = ec
		}
		conc := c.MaxConcurrency
		if conc <= 0 {
			conc = 8
		}
		ep := &endpoint{
			id:      c.ID,
			url:     c.URL,
			client:  cl,
			permits: make(chan struct{}, conc),
			healthy: true,
		}
		if c.RequestsPerSecond > 0 {
			ep.limiter = rate.NewLimiter(rate.Limit(c.RequestsPerSecond), c.RequestsPerSecond)
		}
		p.endpoints = append(p.endpoints, ep)
		metrics.RPCEndpointHealthy.WithLabelValues(ep.id).Set(1)
	}
	return p, nil
}

// candidates returns endpoints currently eligible for selection:
// healthy and past their rate-limit cooldown.
func (p *Pool) candidates() []*endpoint {
	out := make([]*endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		if ep.isHealthy() && !ep.coolingDown() {
			out = append(out, ep)
		}
	}
	return out
}

// NextProvider selects a healthy endpoint round-robin, acquires a
// permit on it, and returns a (Handle, Permit) pair. It blocks with
// exponential backoff (capped at p.maxBackoff) while no endpoint is
// eligible, failing permanently after p.maxAttempts (spec.md §4.1
// "Selection policy").
func (p *Pool) NextProvider(ctx context.Context) (Handle, *Permit, error) {
	h, permit, _, err := p.nextProviderWithEndpoint(ctx)
	return h, permit, err
}

// NextProviderWithEndpoint is NextProvider plus the chosen endpoint's
// id, for callers that want to record flight events themselves (spec.md
// §4.1 "next_provider_with_endpoint").
func (p *Pool) NextProviderWithEndpoint(ctx context.Context) (Handle, *Permit, string, error) {
	return p.nextProviderWithEndpoint(ctx)
}

func (p *Pool) nextProviderWithEndpoint(ctx context.Context) (Handle, *Permit, string, error) {
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		candidates := p.candidates()
		if len(candidates) > 0 {
			idx := p.nextIdx.Add(1) % uint64(len(candidates))
			ep := candidates[idx]
			if ep.limiter != nil && !ep.limiter.Allow() {
				// over its configured requests-per-second budget; fall
				// through to the backoff wait and retry selection.
			} else {
				select {
				case ep.permits <- struct{}{}:
					metrics.RPCEndpointInFlight.WithLabelValues(ep.id).Inc()
					return Handle{ep: ep}, &Permit{ep: ep}, ep.id, nil
				case <-ctx.Done():
					return Handle{}, nil, "", ctx.Err()
				default:
					// every candidate momentarily saturated on permits; fall
					// through to the backoff wait and retry selection.
				}
			}
		}

		select {
		case <-ctx.Done():
			return Handle{}, nil, "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
	}
	return Handle{}, nil, "", ErrNoHealthyEndpoint
}

// MarkUnhealthy marks the endpoint behind h unhealthy. Only
// ReportHealthy restores it; the pool runs no probe and has no timed
// recovery of its own.
func (p *Pool) MarkUnhealthy(h Handle) {
	ep := h.ep
	ep.mu.Lock()
	ep.healthy = false
	ep.consecutiveFailures++
	ep.mu.Unlock()
	metrics.RPCEndpointHealthy.WithLabelValues(ep.id).Set(0)
	p.log.Warn("endpoint marked unhealthy", "endpoint", ep.id, "consecutive_failures", ep.consecutiveFailures)
}

// ReportHealthy clears the unhealthy flag and the failure count.
func (p *Pool) ReportHealthy(h Handle) {
	ep := h.ep
	ep.mu.Lock()
	ep.healthy = true
	ep.consecutiveFailures = 0
	ep.mu.Unlock()
	metrics.RPCEndpointHealthy.WithLabelValues(ep.id).Set(1)
}

// ReportRateLimit puts the endpoint behind h into a rate-limit cooldown
// without marking it unhealthy (spec.md §4.1 "Failure classification").
func (p *Pool) ReportRateLimit(h Handle) {
	ep := h.ep
	ep.mu.Lock()
	ep.lastRateLimit = time.Now().Add(p.rateLimitCooldown)
	ep.mu.Unlock()
	p.log.Debug("endpoint rate limited", "endpoint", ep.id, "cooldown", p.rateLimitCooldown)
}

// ClassifyAndReport inspects an error returned by an RPC call and
// updates endpoint health accordingly (spec.md §4.1 "Failure
// classification" / §7 "Transient network").
func (p *Pool) ClassifyAndReport(h Handle, err error) {
	if err == nil {
		return
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "limit exceeded") {
		p.ReportRateLimit(h)
		return
	}
	p.MarkUnhealthy(h)
}

// GetLogsWithRecording wraps FilterLogs with latency/outcome recording
// into the flight recorder (spec.md §4.1 "get_logs_with_recording").
func (p *Pool) GetLogsWithRecording(ctx context.Context, h Handle, q ethereum.FilterQuery, endpointID string) ([]types.Log, error) {
	start := time.Now()
	logs, err := h.ep.client.FilterLogs(ctx, q)
	latency := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RPCCallLatency.WithLabelValues(endpointID, "eth_getLogs", outcome).Observe(latency.Seconds())
	metrics.RPCCallsTotal.WithLabelValues(endpointID, "eth_getLogs", outcome).Inc()
	if p.recorder != nil {
		ms := float64(latency.Milliseconds())
		p.recorder.Record(flightrecorder.Event{
			Kind:      "rpc_call",
			Component: "rpcpool",
			Endpoint:  endpointID,
			Method:    "eth_getLogs",
			LatencyMS: &ms,
			Outcome:   outcome,
		})
	}
	if err != nil {
		p.ClassifyAndReport(h, err)
	}
	return logs, err
}

// Call performs an eth_call through h's client, recording latency the
// same way GetLogsWithRecording does. Used by the multicall batcher and
// any adapter issuing a single-call read.
func (p *Pool) Call(ctx context.Context, h Handle, endpointID string, to gethcommon.Address, data []byte) ([]byte, error) {
	start := time.Now()
	out, err := h.ep.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	latency := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RPCCallLatency.WithLabelValues(endpointID, "eth_call", outcome).Observe(latency.Seconds())
	metrics.RPCCallsTotal.WithLabelValues(endpointID, "eth_call", outcome).Inc()
	if p.recorder != nil {
		ms := float64(latency.Milliseconds())
		p.recorder.Record(flightrecorder.Event{
			Kind:      "rpc_call",
			Component: "rpcpool",
			Endpoint:  endpointID,
			Method:    "eth_call",
			LatencyMS: &ms,
			Outcome:   outcome,
		})
	}
	if err != nil {
		p.ClassifyAndReport(h, err)
	}
	return out, err
}

// BlockNumber fetches the latest block number through h's client.
func (p *Pool) BlockNumber(ctx context.Context, h Handle) (uint64, error) {
	n, err := h.ep.client.BlockNumber(ctx)
	if err != nil {
		p.ClassifyAndReport(h, err)
	}
	return n, err
}

// Close releases every endpoint's underlying client.
func (p *Pool) Close() {
	for _, ep := range p.endpoints {
		ep.client.Close()
	}
}
