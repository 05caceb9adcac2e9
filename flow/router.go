package flow

import (
	"fmt"

	"github.com/tokenflow/tokenflow-go/flow/store"
)

// router turns a token whose node execution just finished into the list of
// decisions that advance the run.
//
// Transitions are evaluated in ascending priority order (ties broken by
// transition id) against a context snapshot taken after the node's output
// mapping has been applied, so conditions read freshly written state. Each
// matching non-exclusive transition fires and the scan continues; the first
// matching exclusive transition fires and stops the scan. A transition with
// no condition always matches, guaranteeing a default path exists.
//
// A token that matches nothing is a dead end: its lineage terminates without
// error. Completed terminal nodes with no matching transition emit
// CompleteRun instead.
type router struct {
	def   *Definition
	conds *conditionSet
}

// route computes the decisions for tok. succeeded reflects the task
// outcome; failed executions only match OnFailure transitions, so failure
// is routed as data rather than raised.
func (r *router) route(tx store.RunTx, tok store.Token, succeeded bool) ([]Decision, error) {
	node, err := r.def.Node(tok.NodeID)
	if err != nil {
		return nil, err
	}

	snap, err := contextSnapshot(tx, &tok)
	if err != nil {
		return nil, err
	}

	var decisions []Decision
	for _, tr := range r.def.TransitionsFrom(tok.NodeID) {
		if tr.OnFailure == succeeded {
			continue
		}
		match, err := r.conds.eval(tr.Condition, snap)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}

		spawn, err := r.spawnFor(tok, tr, snap)
		if err != nil {
			return nil, err
		}
		if spawn != nil {
			decisions = append(decisions, *spawn)
		}
		if !tr.NonExclusive {
			break
		}
	}

	if len(decisions) == 0 && succeeded && node.Terminal {
		decisions = append(decisions, CompleteRun{})
	}
	return decisions, nil
}

// spawnFor builds the Spawn decision for one matched transition. A foreach
// transition over an empty collection spawns nothing and returns nil.
func (r *router) spawnFor(tok store.Token, tr *Transition, snap map[string]any) (*Spawn, error) {
	if tr.Foreach != "" {
		v, found := store.GetPath(snap, tr.Foreach)
		if !found {
			return nil, &EngineError{
				Code:    "CONDITION_EVAL_FAILED",
				Message: fmt.Sprintf("transition %s: foreach path %s is not set", tr.ID, tr.Foreach),
			}
		}
		items, ok := v.([]any)
		if !ok {
			return nil, &EngineError{
				Code:    "CONDITION_EVAL_FAILED",
				Message: fmt.Sprintf("transition %s: foreach path %s is not a collection", tr.ID, tr.Foreach),
			}
		}
		if len(items) == 0 {
			return nil, nil
		}
		return &Spawn{ParentID: tok.ID, TransitionID: tr.ID, Count: len(items), Items: items}, nil
	}

	count := tr.SpawnCount
	if count < 1 {
		count = 1
	}
	return &Spawn{ParentID: tok.ID, TransitionID: tr.ID, Count: count}, nil
}

// contextSnapshot assembles the read view conditions and mappings evaluate
// against: the input, state, and output namespaces, plus the token's branch
// namespace under "branch" when the token is part of an in-flight fan-out.
// Dotted paths like "state.results" resolve against this snapshot directly.
func contextSnapshot(tx store.RunTx, tok *store.Token) (map[string]any, error) {
	snap := make(map[string]any, 4)
	for _, ns := range []string{store.NamespaceInput, store.NamespaceState, store.NamespaceOutput} {
		doc, err := tx.Namespace(ns)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot namespace %s: %w", ns, err)
		}
		snap[ns] = doc
	}
	if tok != nil && tok.BranchTotal > 0 {
		doc, err := tx.Namespace(store.BranchNamespace(tok.PathID))
		if err == nil {
			snap["branch"] = doc
		}
	}
	return snap, nil
}
