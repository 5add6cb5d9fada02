// Package metrics exposes the process's Prometheus registry: a
// package-level registry behind a mutex, a one-time Init, and
// Set/Inc/Observe helpers that no-op before Init so components never
// need a nil check before recording a sample.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/offramp-labs/settlement-core/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const prefix = "offramp_settlement_"

const (
	ordersCreatedTotal   = prefix + "orders_created_total"
	ordersSettledTotal   = prefix + "orders_settled_total"
	batchesSealedTotal   = prefix + "batches_sealed_total"
	batchesFailedTotal   = prefix + "batches_failed_total"
	batchFinalizeSeconds = prefix + "batch_finalize_duration_seconds"
	fillerAvailable      = prefix + "filler_available_balance"
	fillerLocked         = prefix + "filler_locked_balance"
	chainEventsConsumed  = prefix + "chain_events_consumed_total"
	proofRequestsTotal   = prefix + "proof_requests_total"
	rpcRequestsTotal     = prefix + "rpc_requests_total"

	labelKind   = "kind"
	labelResult = "result"
	labelFiller = "filler_id"
	labelToken  = "token_id"
	labelMethod = "method"
)

var (
	mu          sync.RWMutex
	initialized bool

	counters   = map[string]*prometheus.CounterVec{}
	gauges     = map[string]*prometheus.GaugeVec{}
	histograms = map[string]*prometheus.HistogramVec{}
)

// Init registers every metric this repo emits. Call once from cmd before
// any component starts recording samples; calling it twice is a no-op.
func Init() {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return
	}

	registerCounter(ordersCreatedTotal, "total orders created by kind", labelKind)
	registerCounter(ordersSettledTotal, "total orders settled by kind", labelKind)
	registerCounter(batchesSealedTotal, "total batches sealed")
	registerCounter(batchesFailedTotal, "total batches failed", labelResult)
	registerCounter(chainEventsConsumed, "total inbound chain events consumed", labelResult)
	registerCounter(proofRequestsTotal, "total prover invocations by result", labelResult)
	registerCounter(rpcRequestsTotal, "total RPC surface calls by method and result", labelMethod, labelResult)
	registerGauge(fillerAvailable, "filler available balance by token", labelFiller, labelToken)
	registerGauge(fillerLocked, "filler locked balance by token", labelFiller, labelToken)
	registerHistogram(batchFinalizeSeconds, "finalize_batch wall-clock duration", prometheus.DefBuckets)

	initialized = true
}

func registerCounter(name, help string, labels ...string) {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	prometheus.MustRegister(c)
	counters[name] = c
}

func registerGauge(name, help string, labels ...string) {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	prometheus.MustRegister(g)
	gauges[name] = g
}

func registerHistogram(name, help string, buckets []float64) {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, nil)
	prometheus.MustRegister(h)
	histograms[name] = h
}

// IncCounter increments a registered counter, no-op before Init.
func IncCounter(name string, labels prometheus.Labels) {
	mu.RLock()
	defer mu.RUnlock()
	if !initialized {
		return
	}
	if c, ok := counters[name]; ok {
		c.With(labels).Inc()
	}
}

// SetGauge sets a registered gauge, no-op before Init.
func SetGauge(name string, labels prometheus.Labels, value float64) {
	mu.RLock()
	defer mu.RUnlock()
	if !initialized {
		return
	}
	if g, ok := gauges[name]; ok {
		g.With(labels).Set(value)
	}
}

// ObserveDuration records an observation against a registered histogram,
// no-op before Init.
func ObserveDuration(name string, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if !initialized {
		return
	}
	if h, ok := histograms[name]; ok {
		h.With(nil).Observe(d.Seconds())
	}
}

// OrderCreated records one created order of kind k ("BridgeIn", etc).
func OrderCreated(k string) { IncCounter(ordersCreatedTotal, prometheus.Labels{labelKind: k}) }

// OrderSettled records one settled order of kind k.
func OrderSettled(k string) { IncCounter(ordersSettledTotal, prometheus.Labels{labelKind: k}) }

// BatchSealed records one sealed batch.
func BatchSealed() { IncCounter(batchesSealedTotal, nil) }

// BatchFailed records one failed batch, tagged with the failure reason.
func BatchFailed(reason string) { IncCounter(batchesFailedTotal, prometheus.Labels{labelResult: reason}) }

// ChainEventConsumed records one inbound chain event, tagged "new" or
// "duplicate".
func ChainEventConsumed(result string) {
	IncCounter(chainEventsConsumed, prometheus.Labels{labelResult: result})
}

// ProofRequested records one prover invocation, tagged "ok", "rejected"
// or "unavailable".
func ProofRequested(result string) {
	IncCounter(proofRequestsTotal, prometheus.Labels{labelResult: result})
}

// FillerBalance publishes a filler's available/locked balance for one
// token, read back by get_filler_balance callers via /metrics rather than
// the RPC surface when scraped for dashboards.
func FillerBalance(fillerID, tokenID string, available, locked float64) {
	SetGauge(fillerAvailable, prometheus.Labels{labelFiller: fillerID, labelToken: tokenID}, available)
	SetGauge(fillerLocked, prometheus.Labels{labelFiller: fillerID, labelToken: tokenID}, locked)
}

// IncCounterRPC records one RPC surface call to method, tagged "ok" or
// "error".
func IncCounterRPC(method, result string) {
	IncCounter(rpcRequestsTotal, prometheus.Labels{labelMethod: method, labelResult: result})
}

// BatchFinalizeDuration records how long one finalize_batch call took.
func BatchFinalizeDuration(d time.Duration) { ObserveDuration(batchFinalizeSeconds, d) }

// Server builds a standalone HTTP server exposing /metrics.
func Server(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}

// Run starts srv and blocks until ctx is cancelled, then shuts down
// gracefully.
func Run(ctx context.Context, srv *http.Server) {
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics: server error: %v", err)
		}
	}()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("metrics: graceful shutdown failed: %v", err)
	}
}
