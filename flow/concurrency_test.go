package flow

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/tokenflow/tokenflow-go/flow/store"
)

// TestEngine_ConcurrentSiblingResults delivers every sibling's result from
// its own goroutine. The per-run transaction serializes the arrivals, so
// exactly one of them activates the join and the merge still comes out in
// branch index order.
func TestEngine_ConcurrentSiblingResults(t *testing.T) {
	const branches = 8

	def := &Definition{
		ID:            "wide-fetch",
		Version:       "1",
		InitialNodeID: "split",
		Nodes: []NodeDef{
			{ID: "split", ActionID: "plan", ActionKind: "http"},
			{
				ID: "worker", ActionID: "fetch", ActionKind: "http",
				InputMapping:  []Mapping{{From: "branch.item", To: "item"}},
				OutputMapping: []Mapping{{From: "result", To: "branch.result"}},
			},
			{
				ID: "collect", ActionID: "summarize", ActionKind: "http", Terminal: true,
				InputMapping: []Mapping{{From: "state.results", To: "results"}},
			},
		},
		Transitions: []Transition{
			{ID: "per-item", From: "split", To: "worker", Foreach: "input.items"},
			{ID: "join", From: "worker", To: "collect", Sync: &SyncSpec{
				Strategy:     SyncAll,
				SiblingGroup: "per-item",
				Merge: &MergeSpec{
					SourcePath: "result",
					TargetPath: "state.results",
					Strategy:   MergeAppend,
				},
			}},
		},
	}

	h := newHarness(t, def)
	ctx := context.Background()

	items := make([]any, branches)
	for i := range items {
		items[i] = fmt.Sprintf("item-%d", i)
	}
	if err := h.engine.InitializeWorkflow(ctx, "run-1", map[string]any{"items": items}); err != nil {
		t.Fatalf("InitializeWorkflow failed: %v", err)
	}
	h.succeed(t, nil)

	workers := h.sink.all()
	if len(workers) != branches {
		t.Fatalf("expected %d worker dispatches, got %d", branches, len(workers))
	}
	h.sink.messages = nil

	var wg sync.WaitGroup
	errs := make(chan error, branches)
	for _, msg := range workers {
		wg.Add(1)
		go func(msg TaskMessage) {
			defer wg.Done()
			errs <- h.engine.ProcessTaskResult(ctx, TaskResult{
				TaskID: msg.TaskID, RunID: "run-1", TokenID: msg.TokenID,
				Status: ResultSuccess,
				Output: map[string]any{"result": "got-" + msg.Input["item"].(string)},
			})
		}(msg)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent result failed: %v", err)
		}
	}

	// Exactly one sibling proceeded through the join.
	after := h.sink.all()
	if len(after) != 1 {
		t.Fatalf("expected exactly one collect dispatch, got %d", len(after))
	}
	collect := after[0]
	if collect.NodeID != "collect" {
		t.Fatalf("expected collect, got %s", collect.NodeID)
	}

	results, ok := collect.Input["results"].([]any)
	if !ok || len(results) != branches {
		t.Fatalf("expected %d merged results, got %v", branches, collect.Input["results"])
	}
	for i := 0; i < branches; i++ {
		want := fmt.Sprintf("got-item-%d", i)
		if results[i] != want {
			t.Errorf("results[%d] = %v, want %s", i, results[i], want)
		}
	}

	if err := h.engine.ProcessTaskResult(ctx, TaskResult{
		TaskID: collect.TaskID, RunID: "run-1", TokenID: collect.TokenID,
		Status: ResultSuccess,
	}); err != nil {
		t.Fatalf("collect result failed: %v", err)
	}
	if rec := h.run(t, "run-1"); rec.Status != store.RunCompleted {
		t.Errorf("expected run completed, got %s", rec.Status)
	}
}

// TestEngine_IndependentRunsProgressInParallel exercises many runs of the
// same definition at once; per-run serialization must not leak across runs.
func TestEngine_IndependentRunsProgressInParallel(t *testing.T) {
	const runs = 10

	h := newHarness(t, greetingDefinition())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runID := fmt.Sprintf("run-%d", i)
			name := fmt.Sprintf("user-%d", i)
			if err := h.engine.InitializeWorkflow(ctx, runID, map[string]any{"name": name}); err != nil {
				errs <- err
				return
			}
			var msg TaskMessage
			for _, m := range h.sink.all() {
				if m.RunID == runID {
					msg = m
					break
				}
			}
			if msg.TaskID == "" {
				errs <- fmt.Errorf("run %s: no task message", runID)
				return
			}
			errs <- h.engine.ProcessTaskResult(ctx, TaskResult{
				TaskID: msg.TaskID, RunID: runID, TokenID: msg.TokenID,
				Status: ResultSuccess,
				Output: map[string]any{"greeting": "Hello, " + name},
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("parallel run failed: %v", err)
		}
	}

	for i := 0; i < runs; i++ {
		runID := fmt.Sprintf("run-%d", i)
		if rec := h.run(t, runID); rec.Status != store.RunCompleted {
			t.Errorf("run %s: expected completed, got %s", runID, rec.Status)
		}
	}
}
