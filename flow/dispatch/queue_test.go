package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/tokenflow/tokenflow-go/flow"
)

func testMessage(i int) flow.TaskMessage {
	return flow.TaskMessage{
		TaskID:         fmt.Sprintf("task-%d", i),
		IdempotencyKey: fmt.Sprintf("key-%d", i),
		RunID:          "run-1",
		TokenID:        fmt.Sprintf("tok-%d", i),
		NodeID:         "worker",
		ActionID:       "fetch",
		ActionKind:     "http",
		Input:          map[string]any{"index": float64(i)},
	}
}

func queueImplementations(t *testing.T) map[string]Queue {
	t.Helper()
	sq, err := NewSQLiteQueue(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Queue{
		"memory": NewInMemoryQueue(16),
		"sqlite": sq,
	}
}

func TestQueue_FIFO(t *testing.T) {
	for name, q := range queueImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				if err := q.Enqueue(ctx, testMessage(i)); err != nil {
					t.Fatalf("Enqueue %d failed: %v", i, err)
				}
			}
			if q.Len() != 3 {
				t.Errorf("expected length 3, got %d", q.Len())
			}

			for i := 0; i < 3; i++ {
				msg, err := q.Dequeue(ctx)
				if err != nil {
					t.Fatalf("Dequeue %d failed: %v", i, err)
				}
				want := fmt.Sprintf("task-%d", i)
				if msg.TaskID != want {
					t.Errorf("position %d: expected %s, got %s", i, want, msg.TaskID)
				}
				if msg.Input["index"] != float64(i) {
					t.Errorf("position %d: input lost, got %v", i, msg.Input)
				}
			}
			if q.Len() != 0 {
				t.Errorf("expected empty queue, got %d", q.Len())
			}
		})
	}
}

func TestQueue_DequeueBlocksUntilCancelled(t *testing.T) {
	for name, q := range queueImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			_, err := q.Dequeue(ctx)
			if err == nil {
				t.Fatal("expected context error from empty queue")
			}
		})
	}
}

func TestQueue_MessageFieldsSurvive(t *testing.T) {
	for name, q := range queueImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			in := flow.TaskMessage{
				TaskID:         "task-9",
				IdempotencyKey: "key-9",
				RunID:          "run-7",
				TokenID:        "tok-3",
				NodeID:         "collect",
				ActionID:       "summarize",
				ActionKind:     "llm",
				Input: map[string]any{
					"results": []any{"a", "b"},
					"limit":   float64(10),
				},
			}
			if err := q.Enqueue(ctx, in); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			out, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("Dequeue failed: %v", err)
			}
			if out.TaskID != in.TaskID || out.IdempotencyKey != in.IdempotencyKey ||
				out.RunID != in.RunID || out.TokenID != in.TokenID ||
				out.NodeID != in.NodeID || out.ActionID != in.ActionID || out.ActionKind != in.ActionKind {
				t.Errorf("message fields mangled: %+v", out)
			}
			results, ok := out.Input["results"].([]any)
			if !ok || len(results) != 2 || results[0] != "a" {
				t.Errorf("input document mangled: %v", out.Input)
			}
		})
	}
}

func TestSQLiteQueue_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	q, err := NewSQLiteQueue(path)
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}
	if err := q.Enqueue(ctx, testMessage(1)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewSQLiteQueue(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if reopened.Len() != 1 {
		t.Fatalf("expected 1 persisted message, got %d", reopened.Len())
	}
	msg, err := reopened.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if msg.TaskID != "task-1" {
		t.Errorf("expected task-1, got %s", msg.TaskID)
	}
}
