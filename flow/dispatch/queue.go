// Package dispatch moves task messages between the coordinator and a local
// executor: a Queue carries outbound work, a Worker drains it, runs the
// registered action, and reports the result back to the engine.
//
// The engine itself never executes node actions; it only needs a
// flow.TaskSink. Both queue implementations here satisfy that interface, so
// a queue can be passed directly to flow.WithTaskSink.
package dispatch

import (
	"context"

	"github.com/tokenflow/tokenflow-go/flow"
)

// Queue is an async task queue. Enqueue is called by the engine after a run
// transaction commits; Dequeue blocks until a message is available or the
// context is cancelled.
type Queue interface {
	Enqueue(ctx context.Context, msg flow.TaskMessage) error
	Dequeue(ctx context.Context) (*flow.TaskMessage, error)

	// Len returns the approximate number of messages queued.
	Len() int
}

// InMemoryQueue is a Queue backed by a buffered channel. Safe for
// concurrent use.
type InMemoryQueue struct {
	ch chan flow.TaskMessage
}

// NewInMemoryQueue creates a queue with the given capacity. For tests and
// single-process deployments a modest capacity (e.g. 1024) is fine.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{ch: make(chan flow.TaskMessage, capacity)}
}

var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, msg flow.TaskMessage) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*flow.TaskMessage, error) {
	select {
	case msg := <-q.ch:
		return &msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *InMemoryQueue) Len() int {
	return len(q.ch)
}
