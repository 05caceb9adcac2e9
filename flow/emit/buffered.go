package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory.
//
// This emitter captures all events and provides query capabilities for
// run history analysis. Events are organized by runID for efficient
// retrieval and filtering.
//
// Use cases:
//   - Testing and validation (assert on the recorded causal history)
//   - Development and debugging
//   - Post-run analysis
//
// Warning: this emitter stores all events in memory. For long-running
// deployments use the store's outbox (PendingEvents/MarkEventsEmitted)
// as the durable record instead.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter()
//	eng := flow.NewEngine(def, st, flow.WithEmitter(emitter))
//
//	// ... drive the run ...
//
//	history := emitter.History("run-001")
//	transitions := emitter.HistoryWithFilter("run-001", emit.HistoryFilter{Msg: "token_dispatched"})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // runID -> events
}

// HistoryFilter specifies criteria for filtering run history.
//
// All filter fields are optional. When multiple fields are set, they are
// combined with AND logic (all conditions must match).
type HistoryFilter struct {
	Category Category // Filter by category (empty = no filter)
	TokenID  string   // Filter by token ID (empty = no filter)
	NodeID   string   // Filter by node ID (empty = no filter)
	Msg      string   // Filter by message (empty = no filter)
}

// NewBufferedEmitter creates a new BufferedEmitter.
//
// Returns a BufferedEmitter that stores all events in memory and provides
// query capabilities. Safe for concurrent use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// History retrieves all events for a specific runID in emission order.
//
// Returns an empty slice if no events exist for the given runID. The
// returned slice is a copy; mutating it does not affect the buffer.
func (b *BufferedEmitter) History(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[runID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// HistoryWithFilter retrieves events for a runID matching the filter.
func (b *BufferedEmitter) HistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, ev := range b.events[runID] {
		if filter.Category != "" && ev.Category != filter.Category {
			continue
		}
		if filter.TokenID != "" && ev.TokenID != filter.TokenID {
			continue
		}
		if filter.NodeID != "" && ev.NodeID != filter.NodeID {
			continue
		}
		if filter.Msg != "" && ev.Msg != filter.Msg {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Clear removes all buffered events for the given runID.
// Clearing a runID with no events is a no-op.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.events, runID)
}

// ClearAll removes every buffered event.
func (b *BufferedEmitter) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = make(map[string][]Event)
}
