package flow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics provides Prometheus-compatible metrics collection for
// run coordination monitoring in production environments.
//
// Metrics exposed (all namespaced with "tokenflow_"):
//
//  1. token_transitions_total (counter): applied token status transitions.
//     Labels: from, to.
//     Use: audit state-machine traffic and spot unusual failure rates.
//
//  2. fanin_activations_total (counter): fan-in points activated.
//     Labels: strategy (all/any/count), cause (satisfied/timeout).
//     Use: monitor join behavior and timeout escalations.
//
//  3. dispatched_tasks_total (counter): task messages emitted to the
//     executor queue. Labels: node_id.
//     Use: throughput per node.
//
//  4. decision_apply_ms (histogram): time spent inside one run transaction
//     applying a result and its decisions. Labels: operation.
//     Buckets: [1, 5, 10, 50, 100, 500, 1000, 5000].
//     Use: P50/P95/P99 coordination latency.
//
//  5. live_tokens (gauge): non-terminal tokens currently tracked.
//     Labels: run_id.
//     Use: detect runs that stop making progress.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := flow.NewPrometheusMetrics(registry)
//	engine, err := flow.New(def, st, flow.WithMetrics(metrics))
//
//	// Expose via HTTP for Prometheus scraping:
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// Thread-safe: collectors handle their own synchronization.
type PrometheusMetrics struct {
	tokenTransitions *prometheus.CounterVec
	fanInActivations *prometheus.CounterVec
	dispatchedTasks  *prometheus.CounterVec
	decisionLatency  *prometheus.HistogramVec
	liveTokens       *prometheus.GaugeVec

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all coordination metrics with
// the provided Prometheus registry. Pass nil to use the default global
// registry; a custom registry is recommended for isolation.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.tokenTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokenflow",
		Name:      "token_transitions_total",
		Help:      "Applied token status transitions, by source and target status",
	}, []string{"from", "to"})

	pm.fanInActivations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokenflow",
		Name:      "fanin_activations_total",
		Help:      "Fan-in synchronization points activated",
	}, []string{"strategy", "cause"}) // cause: satisfied, timeout

	pm.dispatchedTasks = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokenflow",
		Name:      "dispatched_tasks_total",
		Help:      "Task messages emitted to the executor queue",
	}, []string{"node_id"})

	pm.decisionLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tokenflow",
		Name:      "decision_apply_ms",
		Help:      "Run transaction duration in milliseconds, from result receipt to commit",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
	}, []string{"operation"}) // operation: initialize, process_result, fanin_timeout, cancel

	pm.liveTokens = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tokenflow",
		Name:      "live_tokens",
		Help:      "Non-terminal tokens currently tracked per run",
	}, []string{"run_id"})

	return pm
}

// RecordTransition counts one applied token status transition.
func (pm *PrometheusMetrics) RecordTransition(from, to string) {
	if !pm.recording() {
		return
	}
	pm.tokenTransitions.WithLabelValues(from, to).Inc()
}

// RecordFanInActivation counts one fan-in activation. Cause is "satisfied"
// for strategy-driven activations and "timeout" for escalations.
func (pm *PrometheusMetrics) RecordFanInActivation(strategy, cause string) {
	if !pm.recording() {
		return
	}
	pm.fanInActivations.WithLabelValues(strategy, cause).Inc()
}

// RecordDispatch counts one task message emitted for a node.
func (pm *PrometheusMetrics) RecordDispatch(nodeID string) {
	if !pm.recording() {
		return
	}
	pm.dispatchedTasks.WithLabelValues(nodeID).Inc()
}

// RecordDecisionLatency records the duration of one run transaction.
func (pm *PrometheusMetrics) RecordDecisionLatency(operation string, d time.Duration) {
	if !pm.recording() {
		return
	}
	pm.decisionLatency.WithLabelValues(operation).Observe(float64(d.Milliseconds()))
}

// UpdateLiveTokens sets the current number of non-terminal tokens of a run.
func (pm *PrometheusMetrics) UpdateLiveTokens(runID string, count int) {
	if !pm.recording() {
		return
	}
	pm.liveTokens.WithLabelValues(runID).Set(float64(count))
}

func (pm *PrometheusMetrics) recording() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
