package flow

import (
	"errors"
	"testing"

	"github.com/tokenflow/tokenflow-go/flow/store"
)

func routeOnce(t *testing.T, def *Definition, tok store.Token, succeeded bool, seed func(tx store.RunTx) error) []Decision {
	t.Helper()
	conds := newConditionSet()
	for i := range def.Transitions {
		if err := conds.compile(def.Transitions[i].Condition); err != nil {
			t.Fatalf("compile failed: %v", err)
		}
	}
	r := &router{def: def, conds: conds}

	var decisions []Decision
	withTestRun(t, "run-route", func(tx store.RunTx) error {
		if seed != nil {
			if err := seed(tx); err != nil {
				return err
			}
		}
		var err error
		decisions, err = r.route(tx, tok, succeeded)
		return err
	})
	return decisions
}

func TestRouter_PriorityAndExclusivity(t *testing.T) {
	def := &Definition{
		ID:            "triage",
		InitialNodeID: "score",
		Nodes:         []NodeDef{{ID: "score"}, {ID: "approve"}, {ID: "review"}, {ID: "audit"}},
		Transitions: []Transition{
			{ID: "to-approve", From: "score", To: "approve", Priority: 1, Condition: "state.score > 0.8"},
			{ID: "to-review", From: "score", To: "review", Priority: 2},
			{ID: "to-audit", From: "score", To: "audit", Priority: 0, Condition: "state.flagged", NonExclusive: true},
		},
	}
	tok := store.Token{ID: "tok-1", RunID: "run-route", NodeID: "score", PathID: "root"}

	t.Run("first exclusive match stops the scan", func(t *testing.T) {
		decisions := routeOnce(t, def, tok, true, func(tx store.RunTx) error {
			return tx.WritePath(store.NamespaceState, "score", 0.9)
		})
		if len(decisions) != 1 {
			t.Fatalf("expected 1 decision, got %d", len(decisions))
		}
		spawn, ok := decisions[0].(Spawn)
		if !ok || spawn.TransitionID != "to-approve" {
			t.Fatalf("expected spawn via to-approve, got %#v", decisions[0])
		}
	})

	t.Run("unconditional transition is the default path", func(t *testing.T) {
		decisions := routeOnce(t, def, tok, true, func(tx store.RunTx) error {
			return tx.WritePath(store.NamespaceState, "score", 0.2)
		})
		if len(decisions) != 1 {
			t.Fatalf("expected 1 decision, got %d", len(decisions))
		}
		if spawn := decisions[0].(Spawn); spawn.TransitionID != "to-review" {
			t.Fatalf("expected spawn via to-review, got %s", spawn.TransitionID)
		}
	})

	t.Run("non-exclusive match co-fires with later match", func(t *testing.T) {
		decisions := routeOnce(t, def, tok, true, func(tx store.RunTx) error {
			if err := tx.WritePath(store.NamespaceState, "score", 0.9); err != nil {
				return err
			}
			return tx.WritePath(store.NamespaceState, "flagged", true)
		})
		if len(decisions) != 2 {
			t.Fatalf("expected 2 decisions, got %d", len(decisions))
		}
		// to-audit has the lowest priority value so it fires first.
		if spawn := decisions[0].(Spawn); spawn.TransitionID != "to-audit" {
			t.Errorf("expected to-audit first, got %s", spawn.TransitionID)
		}
		if spawn := decisions[1].(Spawn); spawn.TransitionID != "to-approve" {
			t.Errorf("expected to-approve second, got %s", spawn.TransitionID)
		}
	})
}

func TestRouter_FailureRouting(t *testing.T) {
	def := &Definition{
		ID:            "retry",
		InitialNodeID: "fetch",
		Nodes:         []NodeDef{{ID: "fetch"}, {ID: "next"}, {ID: "recover"}},
		Transitions: []Transition{
			{ID: "advance", From: "fetch", To: "next"},
			{ID: "rescue", From: "fetch", To: "recover", OnFailure: true},
		},
	}
	tok := store.Token{ID: "tok-1", RunID: "run-route", NodeID: "fetch", PathID: "root"}

	t.Run("failure only matches on_failure transitions", func(t *testing.T) {
		decisions := routeOnce(t, def, tok, false, nil)
		if len(decisions) != 1 {
			t.Fatalf("expected 1 decision, got %d", len(decisions))
		}
		if spawn := decisions[0].(Spawn); spawn.TransitionID != "rescue" {
			t.Fatalf("expected rescue, got %s", spawn.TransitionID)
		}
	})

	t.Run("success skips on_failure transitions", func(t *testing.T) {
		decisions := routeOnce(t, def, tok, true, nil)
		if len(decisions) != 1 {
			t.Fatalf("expected 1 decision, got %d", len(decisions))
		}
		if spawn := decisions[0].(Spawn); spawn.TransitionID != "advance" {
			t.Fatalf("expected advance, got %s", spawn.TransitionID)
		}
	})

	t.Run("unrouted failure yields no decisions", func(t *testing.T) {
		bare := &Definition{
			ID:            "bare",
			InitialNodeID: "fetch",
			Nodes:         []NodeDef{{ID: "fetch"}, {ID: "next"}},
			Transitions:   []Transition{{ID: "advance", From: "fetch", To: "next"}},
		}
		decisions := routeOnce(t, bare, tok, false, nil)
		if len(decisions) != 0 {
			t.Fatalf("expected no decisions, got %d", len(decisions))
		}
	})
}

func TestRouter_TerminalAndDeadEnd(t *testing.T) {
	def := &Definition{
		ID:            "endings",
		InitialNodeID: "finish",
		Nodes: []NodeDef{
			{ID: "finish", Terminal: true},
			{ID: "side"},
			{ID: "next"},
		},
		Transitions: []Transition{
			{ID: "conditional", From: "finish", To: "next", Condition: "state.more"},
			{ID: "side-out", From: "side", To: "next", Condition: "state.more"},
		},
	}

	t.Run("terminal node with no match completes the run", func(t *testing.T) {
		tok := store.Token{ID: "tok-1", RunID: "run-route", NodeID: "finish", PathID: "root"}
		decisions := routeOnce(t, def, tok, true, nil)
		if len(decisions) != 1 {
			t.Fatalf("expected 1 decision, got %d", len(decisions))
		}
		if _, ok := decisions[0].(CompleteRun); !ok {
			t.Fatalf("expected CompleteRun, got %#v", decisions[0])
		}
	})

	t.Run("terminal node with a match routes instead of completing", func(t *testing.T) {
		tok := store.Token{ID: "tok-1", RunID: "run-route", NodeID: "finish", PathID: "root"}
		decisions := routeOnce(t, def, tok, true, func(tx store.RunTx) error {
			return tx.WritePath(store.NamespaceState, "more", true)
		})
		if len(decisions) != 1 {
			t.Fatalf("expected 1 decision, got %d", len(decisions))
		}
		if spawn := decisions[0].(Spawn); spawn.TransitionID != "conditional" {
			t.Fatalf("expected conditional, got %s", spawn.TransitionID)
		}
	})

	t.Run("non-terminal dead end is silent", func(t *testing.T) {
		tok := store.Token{ID: "tok-2", RunID: "run-route", NodeID: "side", PathID: "root"}
		decisions := routeOnce(t, def, tok, true, nil)
		if len(decisions) != 0 {
			t.Fatalf("expected no decisions, got %d", len(decisions))
		}
	})
}

func TestRouter_Foreach(t *testing.T) {
	def := &Definition{
		ID:            "batch",
		InitialNodeID: "split",
		Nodes:         []NodeDef{{ID: "split"}, {ID: "worker"}},
		Transitions: []Transition{
			{ID: "per-item", From: "split", To: "worker", Foreach: "state.items"},
		},
	}
	tok := store.Token{ID: "tok-1", RunID: "run-route", NodeID: "split", PathID: "root"}

	t.Run("one sibling per element", func(t *testing.T) {
		decisions := routeOnce(t, def, tok, true, func(tx store.RunTx) error {
			return tx.WritePath(store.NamespaceState, "items", []any{"a", "b", "c"})
		})
		if len(decisions) != 1 {
			t.Fatalf("expected 1 decision, got %d", len(decisions))
		}
		spawn := decisions[0].(Spawn)
		if spawn.Count != 3 {
			t.Errorf("expected count 3, got %d", spawn.Count)
		}
		if len(spawn.Items) != 3 || spawn.Items[1] != "b" {
			t.Errorf("expected staged items [a b c], got %v", spawn.Items)
		}
	})

	t.Run("empty collection spawns nothing", func(t *testing.T) {
		decisions := routeOnce(t, def, tok, true, func(tx store.RunTx) error {
			return tx.WritePath(store.NamespaceState, "items", []any{})
		})
		if len(decisions) != 0 {
			t.Fatalf("expected no decisions, got %d", len(decisions))
		}
	})

	t.Run("non-collection path is an evaluation error", func(t *testing.T) {
		conds := newConditionSet()
		r := &router{def: def, conds: conds}
		withTestRun(t, "run-route", func(tx store.RunTx) error {
			if err := tx.WritePath(store.NamespaceState, "items", "not-a-list"); err != nil {
				return err
			}
			_, err := r.route(tx, tok, true)
			var engineErr *EngineError
			if !errors.As(err, &engineErr) || engineErr.Code != "CONDITION_EVAL_FAILED" {
				t.Errorf("expected CONDITION_EVAL_FAILED, got %v", err)
			}
			return nil
		})
	})
}

func TestRouter_SpawnCount(t *testing.T) {
	def := &Definition{
		ID:            "replicate",
		InitialNodeID: "split",
		Nodes:         []NodeDef{{ID: "split"}, {ID: "worker"}},
		Transitions: []Transition{
			{ID: "triple", From: "split", To: "worker", SpawnCount: 3},
		},
	}
	tok := store.Token{ID: "tok-1", RunID: "run-route", NodeID: "split", PathID: "root"}

	decisions := routeOnce(t, def, tok, true, nil)
	if len(decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(decisions))
	}
	spawn := decisions[0].(Spawn)
	if spawn.Count != 3 {
		t.Errorf("expected count 3, got %d", spawn.Count)
	}
	if spawn.Items != nil {
		t.Errorf("expected no staged items for spawn_count, got %v", spawn.Items)
	}
}

func TestContextSnapshot(t *testing.T) {
	t.Run("plain token sees three namespaces", func(t *testing.T) {
		withTestRun(t, "run-snap", func(tx store.RunTx) error {
			if err := tx.WritePath(store.NamespaceInput, "name", "alice"); err != nil {
				return err
			}
			tok := store.Token{ID: "tok-1", RunID: "run-snap", PathID: "root"}
			snap, err := contextSnapshot(tx, &tok)
			if err != nil {
				return err
			}
			if _, ok := snap["branch"]; ok {
				t.Error("plain token should not see a branch namespace")
			}
			if v, found := store.GetPath(snap, "input.name"); !found || v != "alice" {
				t.Errorf("expected input.name = alice, got %v", v)
			}
			return nil
		})
	})

	t.Run("fan-out token sees its branch namespace", func(t *testing.T) {
		withTestRun(t, "run-snap", func(tx store.RunTx) error {
			tok := store.Token{
				ID: "tok-1", RunID: "run-snap",
				PathID: "root/fan[1]", FanOutTransitionID: "fan",
				BranchIndex: 1, BranchTotal: 3,
			}
			ns := store.BranchNamespace(tok.PathID)
			if err := tx.CreateNamespace(ns); err != nil {
				return err
			}
			if err := tx.WritePath(ns, "item", "b"); err != nil {
				return err
			}
			snap, err := contextSnapshot(tx, &tok)
			if err != nil {
				return err
			}
			if v, found := store.GetPath(snap, "branch.item"); !found || v != "b" {
				t.Errorf("expected branch.item = b, got %v", v)
			}
			return nil
		})
	})
}
