package flow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tokenflow/tokenflow-go/flow/store"
)

// synchronizer reunites sibling tokens at fan-in points.
//
// Each synchronization point is addressed by its fan-in path: the shared
// path prefix of the sibling group, i.e. a sibling's path id with the
// trailing "[i]" segment removed. One fan-in record exists per
// (run, fan-in path); it is created lazily on first arrival and activated
// exactly once. All of this executes inside the caller's run transaction,
// so concurrent arrivals are serialized and at most one of them observes
// the satisfied condition.
type synchronizer struct{}

// arrivalResult describes what happened to one token arriving at a fan-in.
type arrivalResult struct {
	FanInPath string
	Spec      *SyncSpec

	// Activation is set when this arrival satisfied the strategy.
	Activation *ActivateFanIn
	// Parked is set when the token was put into waiting_for_siblings.
	Parked bool
	// Straggler is set when the fan-in had already activated; the token was
	// completed without re-merging.
	Straggler bool
	// NewRecord is set when this arrival created the fan-in record. The
	// first arrival owns scheduling the timeout escalation.
	NewRecord bool
}

// arrive processes tok reaching the fan-in gate of transition tr. The token
// must be pending.
func (s *synchronizer) arrive(tx store.RunTx, tok store.Token, tr *Transition, now time.Time) (*arrivalResult, error) {
	spec := tr.Sync

	if err := tx.SetArrived(tok.ID, now); err != nil {
		return nil, fmt.Errorf("failed to record arrival of token %s: %w", tok.ID, err)
	}
	tok.ArrivedAt = &now

	fanInPath, ok := fanInPathOf(tok)
	if !ok {
		// Token is not part of a fan-out; the join is trivially satisfied.
		act, err := s.activate(tx, nil, tok, nil, spec, now)
		if err != nil {
			return nil, err
		}
		return &arrivalResult{FanInPath: tok.PathID, Spec: spec, Activation: act}, nil
	}

	rec, err := tx.GetFanIn(fanInPath)
	newRecord := false
	if errors.Is(err, store.ErrNotFound) {
		rec = store.FanInRecord{
			ID:             uuid.NewString(),
			RunID:          tok.RunID,
			NodeID:         tr.To,
			FanInPath:      fanInPath,
			Status:         store.FanInWaiting,
			TransitionID:   tr.ID,
			FirstArrivalAt: now,
		}
		if err := tx.InsertFanIn(rec); err != nil {
			return nil, fmt.Errorf("failed to create fan-in record for %s: %w", fanInPath, err)
		}
		newRecord = true
	} else if err != nil {
		return nil, fmt.Errorf("failed to load fan-in record for %s: %w", fanInPath, err)
	}

	if rec.Status != store.FanInWaiting {
		// The fan-in already resolved; this sibling completes without
		// re-merging, and its staging namespace is discarded.
		if _, _, err := tx.TransitionToken(tok.ID, store.StatusCompleted, store.StatusPending); err != nil {
			return nil, err
		}
		if err := tx.DropNamespace(store.BranchNamespace(tok.PathID)); err != nil {
			return nil, err
		}
		return &arrivalResult{FanInPath: fanInPath, Spec: spec, Straggler: true}, nil
	}

	waiting, err := tx.WaitingAt(fanInPath)
	if err != nil {
		return nil, err
	}
	arrived := len(waiting) + 1

	if arrived < requiredArrivals(spec, tok.BranchTotal) {
		if _, _, err := tx.TransitionToken(tok.ID, store.StatusWaiting, store.StatusPending); err != nil {
			return nil, err
		}
		return &arrivalResult{FanInPath: fanInPath, Spec: spec, Parked: true, NewRecord: newRecord}, nil
	}

	act, err := s.activate(tx, &rec, tok, waiting, spec, now)
	if err != nil {
		return nil, err
	}
	return &arrivalResult{FanInPath: fanInPath, Spec: spec, Activation: act, NewRecord: newRecord}, nil
}

// activate resolves a satisfied fan-in as one atomic unit: merge every
// arrived branch namespace into the shared context, drop the namespaces,
// complete the parked siblings, fold the proceeding token back onto the
// fan-out parent's lineage, and mark the record activated. Any failure
// rolls the whole run transaction back, leaving tokens, record, and branch
// namespaces untouched for a corrected retry.
//
// rec is nil for the degenerate single-token join, which has no record and
// no branch namespaces to merge.
func (s *synchronizer) activate(tx store.RunTx, rec *store.FanInRecord, proceeding store.Token, others []store.Token, spec *SyncSpec, now time.Time) (*ActivateFanIn, error) {
	act := &ActivateFanIn{
		ProceedingTokenID: proceeding.ID,
		Merge:             spec.Merge,
	}
	if rec == nil {
		act.FanInPath = proceeding.PathID
		return act, nil
	}
	act.FanInPath = rec.FanInPath

	arrived := make([]store.Token, 0, len(others)+1)
	arrived = append(arrived, others...)
	arrived = append(arrived, proceeding)
	sort.Slice(arrived, func(i, j int) bool { return arrived[i].BranchIndex < arrived[j].BranchIndex })
	for _, sib := range arrived {
		act.MergedTokenIDs = append(act.MergedTokenIDs, sib.ID)
	}
	for _, sib := range others {
		act.WaitingTokenIDs = append(act.WaitingTokenIDs, sib.ID)
	}

	if spec.Merge != nil {
		if err := s.merge(tx, arrived, spec.Merge); err != nil {
			return nil, err
		}
	}
	for _, sib := range arrived {
		if err := tx.DropNamespace(store.BranchNamespace(sib.PathID)); err != nil {
			return nil, err
		}
	}

	for _, sib := range others {
		if _, _, err := tx.TransitionToken(sib.ID, store.StatusCompleted, store.StatusWaiting); err != nil {
			return nil, err
		}
	}

	if err := s.foldLineage(tx, proceeding, rec.FanInPath, spec); err != nil {
		return nil, err
	}

	updated := *rec
	updated.Status = store.FanInActivated
	updated.ActivatedAt = &now
	if err := tx.UpdateFanIn(updated); err != nil {
		return nil, err
	}
	return act, nil
}

// merge folds the arrived siblings' staged values into the shared context.
//
// append collects one value per arrived sibling into an array at the target
// path, in branch-index order, so the result does not depend on arrival
// order. last_wins writes the value of the sibling that arrived last, ties
// broken by higher branch index. A sibling whose namespace or source path
// is missing fails the merge, and with it the whole fan-in transaction.
func (s *synchronizer) merge(tx store.RunTx, arrived []store.Token, m *MergeSpec) error {
	targetNS, targetPath, err := splitContextPath(m.TargetPath)
	if err != nil {
		return err
	}

	values := make([]any, len(arrived))
	for i, sib := range arrived {
		doc, err := tx.Namespace(store.BranchNamespace(sib.PathID))
		if err != nil {
			return &EngineError{
				Code:    "MERGE_FAILED",
				Message: fmt.Sprintf("branch namespace of token %s is missing: %v", sib.ID, err),
			}
		}
		v, found := store.GetPath(doc, m.SourcePath)
		if !found {
			return &EngineError{
				Code:    "MERGE_FAILED",
				Message: fmt.Sprintf("branch of token %s has no value at %s", sib.ID, m.SourcePath),
			}
		}
		values[i] = v
	}

	switch m.Strategy {
	case MergeAppend:
		var target []any
		if existing, found, err := tx.ReadPath(targetNS, targetPath); err != nil {
			return err
		} else if found {
			if arr, ok := existing.([]any); ok {
				target = append(target, arr...)
			}
		}
		target = append(target, values...)
		return tx.WritePath(targetNS, targetPath, target)

	case MergeLastWins:
		winner := 0
		for i := 1; i < len(arrived); i++ {
			if laterArrival(arrived[i], arrived[winner]) {
				winner = i
			}
		}
		return tx.WritePath(targetNS, targetPath, values[winner])

	default:
		return &EngineError{
			Code:    "MERGE_FAILED",
			Message: fmt.Sprintf("unknown merge strategy %q", m.Strategy),
		}
	}
}

// foldLineage rewrites the proceeding token's lineage back to the fan-out
// parent's: the branch segment of its path id is removed and the parent's
// branch position is restored, so an enclosing fan-in still counts the
// continuation as the right sibling.
func (s *synchronizer) foldLineage(tx store.RunTx, proceeding store.Token, fanInPath string, spec *SyncSpec) error {
	base := strings.TrimSuffix(fanInPath, "/"+spec.SiblingGroup)
	if base == fanInPath {
		return nil
	}

	parent, err := tx.LatestByPath(base)
	if errors.Is(err, store.ErrNotFound) {
		return tx.SetTokenLineage(proceeding.ID, base, "", 0, 0)
	}
	if err != nil {
		return err
	}
	return tx.SetTokenLineage(proceeding.ID, base, parent.FanOutTransitionID, parent.BranchIndex, parent.BranchTotal)
}

// requiredArrivals maps a strategy to the arrival count that satisfies it.
func requiredArrivals(spec *SyncSpec, branchTotal int) int {
	switch spec.Strategy {
	case SyncAny:
		return 1
	case SyncCount:
		if spec.Threshold < branchTotal {
			return spec.Threshold
		}
		return branchTotal
	default: // SyncAll
		return branchTotal
	}
}

// fanInPathOf derives the synchronization point a branch token belongs to:
// its path id with the trailing "[i]" stripped. Tokens outside any fan-out
// have no fan-in path.
func fanInPathOf(tok store.Token) (string, bool) {
	if tok.BranchTotal == 0 {
		return "", false
	}
	idx := strings.LastIndexByte(tok.PathID, '[')
	if idx < 0 {
		return "", false
	}
	return tok.PathID[:idx], true
}

// laterArrival reports whether a arrived after b for last_wins ordering.
func laterArrival(a, b store.Token) bool {
	at, bt := arrivalTime(a), arrivalTime(b)
	if at.Equal(bt) {
		return a.BranchIndex > b.BranchIndex
	}
	return at.After(bt)
}

func arrivalTime(t store.Token) time.Time {
	if t.ArrivedAt == nil {
		return time.Time{}
	}
	return *t.ArrivedAt
}

// splitContextPath splits a dotted "namespace.path" target into its
// namespace and the path within it.
func splitContextPath(full string) (string, string, error) {
	idx := strings.IndexByte(full, '.')
	if idx <= 0 || idx == len(full)-1 {
		return "", "", fmt.Errorf("context path %q must have the form namespace.path", full)
	}
	return full[:idx], full[idx+1:], nil
}
