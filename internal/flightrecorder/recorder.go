// Package flightrecorder implements the bounded, lossy structured-event
// stream described in spec.md §6 "Flight recorder": an append-only
// JSON-lines file, one event per line, written by a single drain
// goroutine so producers never block on file I/O.
//
// The shutdown/WaitGroup shape of the drain loop follows
// plugin/evm/block_builder.go's awaitSubmittedTxs: a recover()'d
// goroutine selecting between the event channel and a shutdown signal.
package flightrecorder

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/luxfi/dexgraph/internal/logging"
	"github.com/luxfi/dexgraph/internal/metrics"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Event is one flight-recorder record, matching spec.md §6's schema
// exactly: `{ ts, kind, component, endpoint?, method?, latency_ms?,
// outcome, context }`.
type Event struct {
	TS        time.Time      `json:"ts"`
	Kind      string         `json:"kind"`
	Component string         `json:"component"`
	Endpoint  string         `json:"endpoint,omitempty"`
	Method    string         `json:"method,omitempty"`
	LatencyMS *float64       `json:"latency_ms,omitempty"`
	Outcome   string         `json:"outcome"`
	Context   map[string]any `json:"context,omitempty"`
}

// Recorder is a bounded, lock-free-from-the-producer-side event stream.
// It has no enable/disable switch: every Record call either enqueues its
// event or counts it as dropped.
type Recorder struct {
	log    logging.Logger
	events chan Event
	writer io.WriteCloser

	mu      sync.Mutex
	dropped uint64
	written uint64

	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

// New creates a recorder that appends JSON lines to path via a rotating
// lumberjack writer, with a channel capacity of buffer events.
func New(path string, buffer int) *Recorder {
	return &Recorder{
		log: logging.New("flightrecorder"),
		events: make(chan Event, buffer),
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		},
		shutdownChan: make(chan struct{}),
	}
}

// Start launches the drain goroutine. Call once.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("panic in flight recorder drain loop", "error", rec)
			}
		}()
		defer r.wg.Done()
		enc := json.NewEncoder(r.writer)
		for {
			select {
			case ev, ok := <-r.events:
				if !ok {
					return
				}
				if err := enc.Encode(ev); err != nil {
					r.log.Warn("flight recorder write failed", "error", err)
					continue
				}
				r.mu.Lock()
				r.written++
				r.mu.Unlock()
			case <-r.shutdownChan:
				r.drain(enc)
				return
			}
		}
	}()
}

// drain flushes any events already queued when shutdown is signalled,
// so a clean shutdown never silently discards buffered events.
func (r *Recorder) drain(enc *json.Encoder) {
	for {
		select {
		case ev := <-r.events:
			_ = enc.Encode(ev)
			r.mu.Lock()
			r.written++
			r.mu.Unlock()
		default:
			return
		}
	}
}

// Stop signals the drain loop to flush and exit, then waits for it and
// closes the underlying file.
func (r *Recorder) Stop() {
	close(r.shutdownChan)
	r.wg.Wait()
	_ = r.writer.Close()
}

// Record enqueues ev without blocking. On a full channel the event is
// dropped and the dropped counter is incremented — never blocks a
// producer (spec.md §5 "Backpressure").
func (r *Recorder) Record(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}
	select {
	case r.events <- ev:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		metrics.FlightRecorderDropped.WithLabelValues().Inc()
	}
}

// Stats is the subset of stats_detailed (spec.md §6) this recorder owns.
type Stats struct {
	Dropped uint64
	Written uint64
}

// StatsDetailed returns the recorder's counters.
func (r *Recorder) StatsDetailed() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Dropped: r.dropped, Written: r.written}
}
