package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tokenflow/tokenflow-go/flow/emit"
	"github.com/tokenflow/tokenflow-go/flow/store"
)

// withTestRun creates a fresh in-memory run and executes fn inside its
// transaction. The store is returned for follow-up transactions.
func withTestRun(t *testing.T, runID string, fn func(tx store.RunTx) error) *store.MemStore {
	t.Helper()
	st := store.NewMemStore()
	rec := store.RunRecord{
		ID:           runID,
		DefinitionID: "test-def",
		Version:      "1",
		Status:       store.RunRunning,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	namespaces := []string{store.NamespaceInput, store.NamespaceState, store.NamespaceOutput}
	if _, err := st.CreateRun(context.Background(), rec, namespaces); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := st.WithRun(context.Background(), runID, fn); err != nil {
		t.Fatalf("WithRun failed: %v", err)
	}
	return st
}

// recordingEmitter captures emitted events for assertions.
type recordingEmitter struct {
	mu     sync.Mutex
	events []emit.Event
}

func (r *recordingEmitter) Emit(event emit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEmitter) all() []emit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]emit.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingEmitter) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := make([]string, len(r.events))
	for i, ev := range r.events {
		msgs[i] = ev.Msg
	}
	return msgs
}

// recordingSink captures enqueued task messages for assertions.
type recordingSink struct {
	mu       sync.Mutex
	messages []TaskMessage
}

func (r *recordingSink) Enqueue(_ context.Context, msg TaskMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingSink) all() []TaskMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TaskMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

func (r *recordingSink) take(t *testing.T) TaskMessage {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		t.Fatal("no task message was enqueued")
	}
	msg := r.messages[0]
	r.messages = r.messages[1:]
	return msg
}

// manualTimer is a timer that never fires on its own; tests trigger the
// callback explicitly through the factory.
type manualTimer struct {
	stopped bool
}

func (m *manualTimer) Stop() bool {
	was := m.stopped
	m.stopped = true
	return !was
}

// manualTimerFactory records scheduled timers so tests can fire or inspect
// them deterministically.
type manualTimerFactory struct {
	mu     sync.Mutex
	timers []*scheduledTimer
}

type scheduledTimer struct {
	timer *manualTimer
	d     time.Duration
	fn    func()
}

func (f *manualTimerFactory) factory(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := &scheduledTimer{timer: &manualTimer{}, d: d, fn: fn}
	f.timers = append(f.timers, st)
	return st.timer
}

// fire runs the callback of the most recently scheduled live timer.
func (f *manualTimerFactory) fire(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	var target *scheduledTimer
	for i := len(f.timers) - 1; i >= 0; i-- {
		if !f.timers[i].timer.stopped {
			target = f.timers[i]
			break
		}
	}
	f.mu.Unlock()
	if target == nil {
		t.Fatal("no live timer to fire")
	}
	target.fn()
}

func (f *manualTimerFactory) scheduled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

func (f *manualTimerFactory) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, st := range f.timers {
		if !st.timer.stopped {
			n++
		}
	}
	return n
}
