package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tokenflow/tokenflow-go/flow"
)

// ActionFunc executes one node action against the task's input document and
// returns the result document the engine's output mapping will read.
type ActionFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

// Worker pulls task messages from a Queue and executes them against the
// registered actions, feeding results back into the engine.
//
// One Worker stands in for the external executor of a deployment: it acks
// pickup via MarkExecuting, runs the action, and reports the outcome via
// ProcessTaskResult. Action errors are reported as failure results, never
// as worker errors, so the definition's failure routing decides what
// happens next.
type Worker struct {
	engine *flow.Engine
	queue  Queue

	mu      sync.RWMutex
	actions map[string]ActionFunc
}

// NewWorker creates a Worker draining queue into engine.
func NewWorker(engine *flow.Engine, queue Queue) *Worker {
	return &Worker{
		engine:  engine,
		queue:   queue,
		actions: make(map[string]ActionFunc),
	}
}

// Register binds an action id to its implementation. Registering the same
// id twice replaces the earlier binding.
func (w *Worker) Register(actionID string, fn ActionFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.actions[actionID] = fn
}

func (w *Worker) action(actionID string) (ActionFunc, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	fn, ok := w.actions[actionID]
	return fn, ok
}

// ProcessOne pulls a single message from the queue and executes it.
// Returns (processed, error); processed is false only when no message was
// obtained (context cancelled).
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	msg, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}

	status, err := w.engine.MarkExecuting(ctx, msg.RunID, msg.TokenID)
	if err != nil {
		return true, fmt.Errorf("failed to ack task %s: %w", msg.TaskID, err)
	}
	if status.Terminal() {
		// Stale message for a token that already finished or was
		// cancelled with its run; nothing to execute.
		return true, nil
	}

	result := flow.TaskResult{
		TaskID:  msg.TaskID,
		RunID:   msg.RunID,
		TokenID: msg.TokenID,
	}

	fn, ok := w.action(msg.ActionID)
	if !ok {
		result.Status = flow.ResultFailure
		result.Error = "no action registered for " + msg.ActionID
	} else if output, actionErr := fn(ctx, msg.Input); actionErr != nil {
		result.Status = flow.ResultFailure
		result.Error = actionErr.Error()
	} else {
		result.Status = flow.ResultSuccess
		result.Output = output
	}

	if err := w.engine.ProcessTaskResult(ctx, result); err != nil {
		return true, fmt.Errorf("failed to report task %s: %w", msg.TaskID, err)
	}
	return true, nil
}

// Run drains the queue until the context is cancelled. Processing errors
// are returned immediately; a cancelled context returns nil.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if _, err := w.ProcessOne(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}
