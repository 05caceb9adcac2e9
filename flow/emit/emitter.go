package emit

// Emitter receives and processes trace events from run coordination.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files, syslog
//   - Distributed tracing: OpenTelemetry, Jaeger, Zipkin
//   - Test capture: BufferedEmitter
//
// Implementations should be:
//   - Non-blocking: avoid slowing down result processing
//   - Thread-safe: may be called concurrently for different runs
//   - Resilient: handle backend failures gracefully (never crash the engine)
type Emitter interface {
	// Emit delivers one trace event to the configured backend.
	//
	// Emit must not panic. Errors should be handled internally; the engine
	// treats emission as best-effort (the durable record is the store's
	// outbox, not the emitter).
	Emit(event Event)
}
