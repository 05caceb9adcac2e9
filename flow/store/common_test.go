package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tokenflow/tokenflow-go/flow/emit"
	"github.com/tokenflow/tokenflow-go/flow/store"
)

// storeScenarios builds one scenario per Store implementation so the
// contract tests below run identically against every backend. The MySQL
// scenario skips unless TEST_MYSQL_DSN is set.
func storeScenarios(t *testing.T) []struct {
	name      string
	storeFunc func(*testing.T) (store.Store, func())
} {
	t.Helper()
	return []struct {
		name      string
		storeFunc func(*testing.T) (store.Store, func())
	}{
		{
			name: "MemStore",
			storeFunc: func(t *testing.T) (store.Store, func()) {
				return store.NewMemStore(), func() {}
			},
		},
		{
			name: "SQLiteStore",
			storeFunc: func(t *testing.T) (store.Store, func()) {
				tmpDir := t.TempDir()
				dbPath := filepath.Join(tmpDir, "test.db")
				st, err := store.NewSQLiteStore(dbPath)
				if err != nil {
					t.Fatalf("Failed to create SQLiteStore: %v", err)
				}
				return st, func() {
					st.Close()
				}
			},
		},
		{
			name: "MySQLStore",
			storeFunc: func(t *testing.T) (store.Store, func()) {
				dsn := os.Getenv("TEST_MYSQL_DSN")
				if dsn == "" {
					t.Skip("Skipping MySQL test: TEST_MYSQL_DSN not set")
				}
				st, err := store.NewMySQLStore(dsn)
				if err != nil {
					t.Fatalf("Failed to create MySQLStore: %v", err)
				}
				return st, func() {
					st.Close()
				}
			},
		},
	}
}

func newTestRun(runID string) store.RunRecord {
	now := time.Now().UTC()
	return store.RunRecord{
		ID:           runID,
		DefinitionID: "def-1",
		Version:      "1.0.0",
		Status:       store.RunRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func newTestToken(id, runID, nodeID string) store.Token {
	now := time.Now().UTC()
	return store.Token{
		ID:        id,
		RunID:     runID,
		NodeID:    nodeID,
		Status:    store.StatusPending,
		PathID:    "root",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TestRunLifecycleAcrossStores verifies that run creation, duplicate
// rejection, and status updates behave consistently across all Store
// implementations.
func TestRunLifecycleAcrossStores(t *testing.T) {
	for _, scenario := range storeScenarios(t) {
		t.Run(scenario.name, func(t *testing.T) {
			ctx := context.Background()
			st, cleanup := scenario.storeFunc(t)
			defer cleanup()

			runID := "run-lifecycle-" + scenario.name + time.Now().Format("-150405.000")
			run := newTestRun(runID)

			created, err := st.CreateRun(ctx, run, []string{store.NamespaceInput, store.NamespaceState, store.NamespaceOutput})
			if err != nil {
				t.Fatalf("CreateRun failed: %v", err)
			}
			if created != 3 {
				t.Errorf("expected 3 namespaces created, got %d", created)
			}

			// Duplicate run ids must be rejected.
			if _, err := st.CreateRun(ctx, run, nil); !errors.Is(err, store.ErrRunExists) {
				t.Errorf("expected ErrRunExists for duplicate run, got: %v", err)
			}

			got, err := st.GetRun(ctx, runID)
			if err != nil {
				t.Fatalf("GetRun failed: %v", err)
			}
			if got.Status != store.RunRunning {
				t.Errorf("expected status running, got %s", got.Status)
			}
			if got.DefinitionID != "def-1" {
				t.Errorf("DefinitionID mismatch: got=%s, want=def-1", got.DefinitionID)
			}

			err = st.WithRun(ctx, runID, func(tx store.RunTx) error {
				return tx.SetRunStatus(store.RunCompleted, "")
			})
			if err != nil {
				t.Fatalf("WithRun failed: %v", err)
			}

			got, err = st.GetRun(ctx, runID)
			if err != nil {
				t.Fatalf("GetRun after update failed: %v", err)
			}
			if got.Status != store.RunCompleted {
				t.Errorf("expected status completed, got %s", got.Status)
			}

			if _, err := st.GetRun(ctx, "nonexistent-run"); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("expected ErrNotFound for missing run, got: %v", err)
			}

			if err := st.WithRun(ctx, "nonexistent-run", func(tx store.RunTx) error { return nil }); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("expected ErrNotFound for WithRun on missing run, got: %v", err)
			}
		})
	}
}

// TestWithRunRollbackAcrossStores verifies that an error returned from the
// transaction body discards every mutation made inside it.
func TestWithRunRollbackAcrossStores(t *testing.T) {
	for _, scenario := range storeScenarios(t) {
		t.Run(scenario.name, func(t *testing.T) {
			ctx := context.Background()
			st, cleanup := scenario.storeFunc(t)
			defer cleanup()

			runID := "run-rollback-" + scenario.name + time.Now().Format("-150405.000")
			if _, err := st.CreateRun(ctx, newTestRun(runID), []string{store.NamespaceState}); err != nil {
				t.Fatalf("CreateRun failed: %v", err)
			}

			boom := errors.New("boom")
			err := st.WithRun(ctx, runID, func(tx store.RunTx) error {
				if err := tx.InsertToken(newTestToken("tok-rollback", runID, "node-a")); err != nil {
					return err
				}
				if err := tx.WritePath(store.NamespaceState, "x", 1); err != nil {
					return err
				}
				if err := tx.SetRunStatus(store.RunFailed, "should not persist"); err != nil {
					return err
				}
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("expected transaction error to propagate, got: %v", err)
			}

			// None of the mutations may be visible.
			err = st.WithRun(ctx, runID, func(tx store.RunTx) error {
				if _, err := tx.GetToken("tok-rollback"); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("token survived rollback: %v", err)
				}
				if _, found, err := tx.ReadPath(store.NamespaceState, "x"); err != nil {
					t.Errorf("ReadPath failed: %v", err)
				} else if found {
					t.Error("context write survived rollback")
				}
				run, err := tx.Run()
				if err != nil {
					return err
				}
				if run.Status != store.RunRunning {
					t.Errorf("run status survived rollback: %s", run.Status)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("verification transaction failed: %v", err)
			}
		})
	}
}

// TestTokenTransitionsAcrossStores verifies guarded token transitions:
// matching from-statuses update the token, everything else is an idempotent
// no-op that reports the current status.
func TestTokenTransitionsAcrossStores(t *testing.T) {
	for _, scenario := range storeScenarios(t) {
		t.Run(scenario.name, func(t *testing.T) {
			ctx := context.Background()
			st, cleanup := scenario.storeFunc(t)
			defer cleanup()

			runID := "run-transition-" + scenario.name + time.Now().Format("-150405.000")
			if _, err := st.CreateRun(ctx, newTestRun(runID), nil); err != nil {
				t.Fatalf("CreateRun failed: %v", err)
			}

			err := st.WithRun(ctx, runID, func(tx store.RunTx) error {
				if err := tx.InsertToken(newTestToken("tok-1", runID, "node-a")); err != nil {
					return err
				}

				tok, ok, err := tx.TransitionToken("tok-1", store.StatusDispatched, store.StatusPending)
				if err != nil {
					return err
				}
				if !ok || tok.Status != store.StatusDispatched {
					t.Errorf("expected dispatch transition to apply, got ok=%v status=%s", ok, tok.Status)
				}

				// Replayed transition from the old status is a no-op.
				tok, ok, err = tx.TransitionToken("tok-1", store.StatusDispatched, store.StatusPending)
				if err != nil {
					return err
				}
				if ok {
					t.Error("replayed transition should be a no-op")
				}
				if tok.Status != store.StatusDispatched {
					t.Errorf("no-op should report current status, got %s", tok.Status)
				}

				if _, ok, err := tx.TransitionToken("tok-1", store.StatusExecuting, store.StatusDispatched); err != nil || !ok {
					t.Errorf("executing transition failed: ok=%v err=%v", ok, err)
				}
				if _, ok, err := tx.TransitionToken("tok-1", store.StatusCompleted, store.StatusExecuting); err != nil || !ok {
					t.Errorf("completed transition failed: ok=%v err=%v", ok, err)
				}

				// Terminal statuses never revert.
				tok, ok, err = tx.TransitionToken("tok-1", store.StatusFailed, store.StatusCompleted, store.StatusExecuting)
				if err != nil {
					return err
				}
				if ok {
					t.Error("transition out of a terminal status must not apply")
				}
				if tok.Status != store.StatusCompleted {
					t.Errorf("terminal token status changed: %s", tok.Status)
				}

				if _, _, err := tx.TransitionToken("no-such-token", store.StatusDispatched, store.StatusPending); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("expected ErrNotFound for missing token, got: %v", err)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("WithRun failed: %v", err)
			}
		})
	}
}

// TestFanInRecordsAcrossStores verifies lazy fan-in creation, the one-record-
// per-path uniqueness rule, and record updates.
func TestFanInRecordsAcrossStores(t *testing.T) {
	for _, scenario := range storeScenarios(t) {
		t.Run(scenario.name, func(t *testing.T) {
			ctx := context.Background()
			st, cleanup := scenario.storeFunc(t)
			defer cleanup()

			runID := "run-fanin-" + scenario.name + time.Now().Format("-150405.000")
			if _, err := st.CreateRun(ctx, newTestRun(runID), nil); err != nil {
				t.Fatalf("CreateRun failed: %v", err)
			}

			fanInPath := "root/t-split"
			rec := store.FanInRecord{
				ID:             "fi-1",
				RunID:          runID,
				NodeID:         "join",
				FanInPath:      fanInPath,
				Status:         store.FanInWaiting,
				TransitionID:   "t-join",
				FirstArrivalAt: time.Now().UTC(),
			}

			err := st.WithRun(ctx, runID, func(tx store.RunTx) error {
				if _, err := tx.GetFanIn(fanInPath); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("expected ErrNotFound before insert, got: %v", err)
				}
				if err := tx.InsertFanIn(rec); err != nil {
					return err
				}
				dup := rec
				dup.ID = "fi-2"
				if err := tx.InsertFanIn(dup); !errors.Is(err, store.ErrFanInExists) {
					t.Errorf("expected ErrFanInExists for duplicate path, got: %v", err)
				}

				got, err := tx.GetFanIn(fanInPath)
				if err != nil {
					return err
				}
				if got.Status != store.FanInWaiting {
					t.Errorf("expected waiting status, got %s", got.Status)
				}

				now := time.Now().UTC()
				got.Status = store.FanInActivated
				got.ActivatedAt = &now
				if err := tx.UpdateFanIn(got); err != nil {
					return err
				}

				got, err = tx.GetFanIn(fanInPath)
				if err != nil {
					return err
				}
				if got.Status != store.FanInActivated {
					t.Errorf("expected activated status, got %s", got.Status)
				}
				if got.ActivatedAt == nil {
					t.Error("ActivatedAt not persisted")
				}
				return nil
			})
			if err != nil {
				t.Fatalf("WithRun failed: %v", err)
			}
		})
	}
}

// TestContextNamespacesAcrossStores verifies namespace creation, path-scoped
// reads and writes, namespace drops, and listing.
func TestContextNamespacesAcrossStores(t *testing.T) {
	for _, scenario := range storeScenarios(t) {
		t.Run(scenario.name, func(t *testing.T) {
			ctx := context.Background()
			st, cleanup := scenario.storeFunc(t)
			defer cleanup()

			runID := "run-context-" + scenario.name + time.Now().Format("-150405.000")
			if _, err := st.CreateRun(ctx, newTestRun(runID), []string{store.NamespaceInput, store.NamespaceState}); err != nil {
				t.Fatalf("CreateRun failed: %v", err)
			}

			err := st.WithRun(ctx, runID, func(tx store.RunTx) error {
				if err := tx.WritePath(store.NamespaceState, "user.name", "Alice"); err != nil {
					return err
				}
				if err := tx.WritePath(store.NamespaceState, "user.age", 30); err != nil {
					return err
				}
				if err := tx.WritePath(store.NamespaceState, "items", []any{"a", "b"}); err != nil {
					return err
				}

				v, found, err := tx.ReadPath(store.NamespaceState, "user.name")
				if err != nil {
					return err
				}
				if !found || v != "Alice" {
					t.Errorf("ReadPath user.name: got %v found=%v", v, found)
				}

				if _, found, err := tx.ReadPath(store.NamespaceState, "user.missing"); err != nil {
					return err
				} else if found {
					t.Error("missing path reported as found")
				}

				// Reads from an unknown namespace fail loudly.
				if _, _, err := tx.ReadPath("branch:nope", "x"); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("expected ErrNotFound for unknown namespace, got: %v", err)
				}

				branchNS := store.BranchNamespace("root/t-split[0]")
				if err := tx.CreateNamespace(branchNS); err != nil {
					return err
				}
				if err := tx.WritePath(branchNS, "result", 42); err != nil {
					return err
				}

				names, err := tx.Namespaces()
				if err != nil {
					return err
				}
				if len(names) != 3 {
					t.Errorf("expected 3 namespaces, got %v", names)
				}

				if err := tx.DropNamespace(branchNS); err != nil {
					return err
				}
				// Dropping twice is a no-op.
				if err := tx.DropNamespace(branchNS); err != nil {
					return err
				}

				names, err = tx.Namespaces()
				if err != nil {
					return err
				}
				for _, ns := range names {
					if ns == branchNS {
						t.Error("dropped namespace still listed")
					}
				}

				doc, err := tx.Namespace(store.NamespaceState)
				if err != nil {
					return err
				}
				user, ok := doc["user"].(map[string]any)
				if !ok {
					t.Fatalf("expected nested user document, got %T", doc["user"])
				}
				if user["name"] != "Alice" {
					t.Errorf("nested read mismatch: %v", user["name"])
				}
				return nil
			})
			if err != nil {
				t.Fatalf("WithRun failed: %v", err)
			}
		})
	}
}

// TestEventOutboxAcrossStores verifies that events appended inside a run
// transaction become pending after commit, carry per-run monotonic sequence
// numbers, and disappear from the pending set once marked emitted.
func TestEventOutboxAcrossStores(t *testing.T) {
	for _, scenario := range storeScenarios(t) {
		t.Run(scenario.name, func(t *testing.T) {
			ctx := context.Background()
			st, cleanup := scenario.storeFunc(t)
			defer cleanup()

			runID := "run-outbox-" + scenario.name + time.Now().Format("-150405.000")
			if _, err := st.CreateRun(ctx, newTestRun(runID), nil); err != nil {
				t.Fatalf("CreateRun failed: %v", err)
			}

			var seqs []int64
			err := st.WithRun(ctx, runID, func(tx store.RunTx) error {
				for i := 0; i < 3; i++ {
					seq, err := tx.NextSeq()
					if err != nil {
						return err
					}
					seqs = append(seqs, seq)
					ev := emit.Event{
						ID:       fmt.Sprintf("%s-ev-%d", runID, i),
						Category: emit.CategoryOperation,
						RunID:    runID,
						Seq:      seq,
						Msg:      "token_dispatched",
						At:       time.Now().UTC(),
						Meta:     map[string]interface{}{"index": i},
					}
					if err := tx.AppendEvent(ev); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				t.Fatalf("WithRun failed: %v", err)
			}

			for i := 1; i < len(seqs); i++ {
				if seqs[i] != seqs[i-1]+1 {
					t.Errorf("sequence not monotonic: %v", seqs)
				}
			}

			pending, err := st.PendingEvents(ctx, 100)
			if err != nil {
				t.Fatalf("PendingEvents failed: %v", err)
			}
			var mine []emit.Event
			for _, ev := range pending {
				if ev.RunID == runID {
					mine = append(mine, ev)
				}
			}
			if len(mine) != 3 {
				t.Fatalf("expected 3 pending events, got %d", len(mine))
			}
			for i := 1; i < len(mine); i++ {
				if mine[i].Seq < mine[i-1].Seq {
					t.Errorf("pending events out of order: %d before %d", mine[i-1].Seq, mine[i].Seq)
				}
			}
			if mine[0].Msg != "token_dispatched" || mine[0].Category != emit.CategoryOperation {
				t.Errorf("event fields not round-tripped: %+v", mine[0])
			}

			// Mark the first two emitted; only the third stays pending.
			if err := st.MarkEventsEmitted(ctx, []string{mine[0].ID, mine[1].ID}); err != nil {
				t.Fatalf("MarkEventsEmitted failed: %v", err)
			}
			pending, err = st.PendingEvents(ctx, 100)
			if err != nil {
				t.Fatalf("PendingEvents failed: %v", err)
			}
			remaining := 0
			for _, ev := range pending {
				if ev.RunID == runID {
					remaining++
					if ev.ID != mine[2].ID {
						t.Errorf("wrong event remained pending: %s", ev.ID)
					}
				}
			}
			if remaining != 1 {
				t.Errorf("expected 1 remaining pending event, got %d", remaining)
			}
		})
	}
}

// TestWaitingAtAcrossStores verifies that WaitingAt returns only tokens
// parked directly at the requested synchronization point, ordered by branch
// index, and excludes tokens waiting at nested joins beneath it.
func TestWaitingAtAcrossStores(t *testing.T) {
	for _, scenario := range storeScenarios(t) {
		t.Run(scenario.name, func(t *testing.T) {
			ctx := context.Background()
			st, cleanup := scenario.storeFunc(t)
			defer cleanup()

			runID := "run-waiting-" + scenario.name + time.Now().Format("-150405.000")
			if _, err := st.CreateRun(ctx, newTestRun(runID), nil); err != nil {
				t.Fatalf("CreateRun failed: %v", err)
			}

			fanInPath := "root/t-split"
			err := st.WithRun(ctx, runID, func(tx store.RunTx) error {
				// Insert out of branch order to verify sorting.
				for _, idx := range []int{2, 0, 1} {
					tok := newTestToken(fmt.Sprintf("tok-b%d", idx), runID, "work")
					tok.Status = store.StatusWaiting
					tok.PathID = fmt.Sprintf("%s[%d]", fanInPath, idx)
					tok.FanOutTransitionID = "t-split"
					tok.BranchIndex = idx
					tok.BranchTotal = 3
					if err := tx.InsertToken(tok); err != nil {
						return err
					}
				}

				// A token waiting at a nested join below branch 0 must not count.
				nested := newTestToken("tok-nested", runID, "inner")
				nested.Status = store.StatusWaiting
				nested.PathID = fanInPath + "[0]/t-inner[1]"
				nested.BranchIndex = 1
				nested.BranchTotal = 2
				if err := tx.InsertToken(nested); err != nil {
					return err
				}

				// A pending token on a branch path must not count either.
				pending := newTestToken("tok-pending", runID, "work")
				pending.PathID = fanInPath + "[3]"
				pending.BranchIndex = 3
				if err := tx.InsertToken(pending); err != nil {
					return err
				}

				waiting, err := tx.WaitingAt(fanInPath)
				if err != nil {
					return err
				}
				if len(waiting) != 3 {
					t.Fatalf("expected 3 waiting tokens, got %d", len(waiting))
				}
				for i, tok := range waiting {
					if tok.BranchIndex != i {
						t.Errorf("waiting[%d] has branch index %d", i, tok.BranchIndex)
					}
				}
				return nil
			})
			if err != nil {
				t.Fatalf("WithRun failed: %v", err)
			}
		})
	}
}

// TestLiveTokensAcrossStores verifies that LiveTokens reports exactly the
// non-terminal tokens of a run.
func TestLiveTokensAcrossStores(t *testing.T) {
	for _, scenario := range storeScenarios(t) {
		t.Run(scenario.name, func(t *testing.T) {
			ctx := context.Background()
			st, cleanup := scenario.storeFunc(t)
			defer cleanup()

			runID := "run-live-" + scenario.name + time.Now().Format("-150405.000")
			if _, err := st.CreateRun(ctx, newTestRun(runID), nil); err != nil {
				t.Fatalf("CreateRun failed: %v", err)
			}

			err := st.WithRun(ctx, runID, func(tx store.RunTx) error {
				statuses := []store.TokenStatus{
					store.StatusPending,
					store.StatusDispatched,
					store.StatusExecuting,
					store.StatusWaiting,
					store.StatusCompleted,
					store.StatusFailed,
					store.StatusCancelled,
					store.StatusTimedOut,
				}
				for i, status := range statuses {
					tok := newTestToken(fmt.Sprintf("tok-%d", i), runID, "node")
					tok.Status = status
					if err := tx.InsertToken(tok); err != nil {
						return err
					}
				}

				live, err := tx.LiveTokens()
				if err != nil {
					return err
				}
				if len(live) != 4 {
					t.Errorf("expected 4 live tokens, got %d", len(live))
				}
				for _, tok := range live {
					if tok.Status.Terminal() {
						t.Errorf("terminal token %s reported live", tok.ID)
					}
				}
				return nil
			})
			if err != nil {
				t.Fatalf("WithRun failed: %v", err)
			}
		})
	}
}

// TestLineageAcrossStores verifies SetTokenLineage, SetArrived, and
// LatestByPath, which the synchronizer uses to fold an activated join's
// proceeding token back onto its fan-out parent's lineage.
func TestLineageAcrossStores(t *testing.T) {
	for _, scenario := range storeScenarios(t) {
		t.Run(scenario.name, func(t *testing.T) {
			ctx := context.Background()
			st, cleanup := scenario.storeFunc(t)
			defer cleanup()

			runID := "run-lineage-" + scenario.name + time.Now().Format("-150405.000")
			if _, err := st.CreateRun(ctx, newTestRun(runID), nil); err != nil {
				t.Fatalf("CreateRun failed: %v", err)
			}

			err := st.WithRun(ctx, runID, func(tx store.RunTx) error {
				parent := newTestToken("tok-parent", runID, "split")
				parent.Status = store.StatusCompleted
				if err := tx.InsertToken(parent); err != nil {
					return err
				}

				// A later token on the same path wins LatestByPath.
				successor := newTestToken("tok-successor", runID, "join")
				successor.CreatedAt = parent.CreatedAt.Add(time.Millisecond)
				successor.UpdatedAt = successor.CreatedAt
				if err := tx.InsertToken(successor); err != nil {
					return err
				}

				latest, err := tx.LatestByPath("root")
				if err != nil {
					return err
				}
				if latest.ID != "tok-successor" {
					t.Errorf("LatestByPath returned %s, want tok-successor", latest.ID)
				}

				if err := tx.SetTokenLineage("tok-successor", "root", "t-split", 1, 4); err != nil {
					return err
				}
				at := time.Now().UTC()
				if err := tx.SetArrived("tok-successor", at); err != nil {
					return err
				}

				got, err := tx.GetToken("tok-successor")
				if err != nil {
					return err
				}
				if got.FanOutTransitionID != "t-split" || got.BranchIndex != 1 || got.BranchTotal != 4 {
					t.Errorf("lineage not persisted: %+v", got)
				}
				if got.ArrivedAt == nil {
					t.Error("arrival time not persisted")
				}

				if err := tx.SetArrived("no-such-token", at); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("expected ErrNotFound, got: %v", err)
				}
				if _, err := tx.LatestByPath("no/such/path"); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("expected ErrNotFound for unknown path, got: %v", err)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("WithRun failed: %v", err)
			}
		})
	}
}
