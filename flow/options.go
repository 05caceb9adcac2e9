package flow

import (
	"time"

	"github.com/tokenflow/tokenflow-go/flow/emit"
)

// Option is a functional option for configuring an Engine.
//
// Functional options provide a clean, extensible API for engine
// configuration:
//   - Chainable: engine, err := New(def, st, WithEmitter(e), WithMetrics(m))
//   - Self-documenting: Option names clearly describe their purpose.
//   - Optional: Only specify the configuration you need.
//
// Example:
//
//	engine, err := flow.New(
//	    def,
//	    st,
//	    flow.WithEmitter(emit.NewLogEmitter(os.Stderr, false)),
//	    flow.WithMetrics(metrics),
//	    flow.WithTaskSink(queue),
//	)
type Option func(*engineConfig) error

// engineConfig collects options before applying them to an Engine. The
// indirection allows validation and composition of options.
type engineConfig struct {
	emitter      emit.Emitter
	metrics      *PrometheusMetrics
	sink         TaskSink
	now          func() time.Time
	timerFactory TimerFactory
}

// WithEmitter sets the trace event emitter.
//
// Default: emit.NullEmitter (events are still appended to the store's
// transactional outbox and retrievable via PendingEvents).
//
// Every decision, state mutation, and dispatch produces one trace event;
// the emitter receives them after the owning run transaction commits.
//
// Example:
//
//	engine, err := flow.New(def, st,
//	    flow.WithEmitter(emit.NewLogEmitter(os.Stderr, false)),
//	)
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		cfg.emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
//
// Metrics cover token transitions, fan-in activations, dispatched tasks,
// decision-apply latency, and live token counts. All metrics are updated
// automatically during coordination.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	metrics := flow.NewPrometheusMetrics(registry)
//	engine, err := flow.New(def, st, flow.WithMetrics(metrics))
//
//	// Expose metrics endpoint
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = metrics
		return nil
	}
}

// WithTaskSink sets the outbound task queue.
//
// Default: none. Without a sink, Dispatch decisions still transition tokens
// and record dispatch events, but no message leaves the process; this is
// useful for tests that feed results directly into ProcessTaskResult.
//
// Task messages are enqueued only after the run transaction that produced
// them commits, so a rolled-back decision never reaches the executor.
//
// Example:
//
//	queue := dispatch.NewInMemoryQueue(64)
//	engine, err := flow.New(def, st, flow.WithTaskSink(queue))
func WithTaskSink(sink TaskSink) Option {
	return func(cfg *engineConfig) error {
		cfg.sink = sink
		return nil
	}
}

// WithClock overrides the engine's time source.
//
// Default: time.Now. Tests inject a fixed or stepped clock to make
// timestamps and last_wins merge ordering deterministic.
func WithClock(now func() time.Time) Option {
	return func(cfg *engineConfig) error {
		cfg.now = now
		return nil
	}
}

// WithTimerFactory overrides how fan-in timeout events are scheduled.
//
// Default: time.AfterFunc. Tests substitute a factory that captures the
// callback and fires it on demand, so timeout escalation is testable
// without sleeping.
func WithTimerFactory(factory TimerFactory) Option {
	return func(cfg *engineConfig) error {
		cfg.timerFactory = factory
		return nil
	}
}
