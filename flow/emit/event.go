package emit

import "time"

// Category classifies a trace event by the kind of engine activity that
// produced it.
//
// The three categories together are sufficient to reconstruct the causal
// history of a run:
//   - CategoryDecision: the routing or synchronization engine produced a
//     decision (spawn, activate, complete).
//   - CategoryOperation: a state mutation was applied or rejected (token
//     transition, context write, merge, cancellation).
//   - CategoryDispatch: a task message was built for the external executor.
type Category string

const (
	CategoryDecision  Category = "decision"
	CategoryOperation Category = "operation"
	CategoryDispatch  Category = "dispatch"
)

// Event represents one trace event emitted during run coordination.
//
// Events provide detailed insight into engine behavior:
//   - Token status transitions (including idempotent no-ops)
//   - Routing decisions and fan-out spawns
//   - Fan-in arrivals, activations, and timeouts
//   - Task dispatches to the external executor
//
// Events are appended to the store's transactional outbox as part of the
// run transaction that produced them, and delivered to an Emitter after the
// transaction commits. The Seq field is a per-run monotonic counter owned by
// the run transaction, so the full event sequence of a run has a total order
// regardless of wall-clock resolution.
type Event struct {
	// ID uniquely identifies this event (used by the outbox to mark
	// delivery).
	ID string

	// Category is decision, operation, or dispatch.
	Category Category

	// RunID identifies the workflow run that emitted this event.
	RunID string

	// Seq is the per-run monotonic sequence number.
	Seq int64

	// TokenID identifies the token this event concerns.
	// Empty for run-level events (initialization, completion, cancel).
	TokenID string

	// NodeID identifies the workflow node this event concerns, if any.
	NodeID string

	// Msg is a short machine-oriented description, e.g. "token_dispatched",
	// "fanin_activated", "result_ignored".
	Msg string

	// At is the time the event was recorded.
	At time.Time

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "from", "to": token status transition endpoints
	//   - "fan_in_path": synchronization point identifier
	//   - "sibling_ids": token ids involved in a fan-in activation
	//   - "error": failure details for rejected operations
	Meta map[string]interface{}
}
