package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tokenflow/tokenflow-go/flow/emit"
	"github.com/tokenflow/tokenflow-go/flow/store"
)

// TaskMessage is the outbound unit of work handed to the external executor.
// One message is produced per Dispatch decision and enqueued only after the
// run transaction that produced it commits.
type TaskMessage struct {
	TaskID         string
	IdempotencyKey string
	RunID          string
	TokenID        string
	NodeID         string
	ActionID       string
	ActionKind     string
	// Input is the context snapshot projected through the node's input
	// mapping.
	Input map[string]any
}

// ResultStatus is the executor-reported outcome of one task.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

// TaskResult is the inbound report of one finished task. Delivery may be
// duplicated or out of order; ProcessTaskResult absorbs replays as no-ops.
type TaskResult struct {
	TaskID  string
	RunID   string
	TokenID string
	Status  ResultStatus
	// Output carries the task's result document; the node's output mapping
	// projects it into the context.
	Output map[string]any
	// Error describes the failure when Status is ResultFailure.
	Error string
}

// TaskSink receives outbound task messages. dispatch.Queue implementations
// satisfy this interface.
type TaskSink interface {
	Enqueue(ctx context.Context, msg TaskMessage) error
}

// Engine coordinates workflow runs: it owns the token state machine, the
// routing and synchronization engines, and the context store discipline.
//
// All mutations for one run happen inside a single serialized store
// transaction, so concurrent result deliveries for the same run are
// processed one at a time while different runs proceed in parallel. The
// engine never blocks a token waiting on another: a token that must wait
// for siblings persists as waiting_for_siblings and control returns
// immediately.
//
// Construction validates the definition, compiles every transition
// condition, and compiles the declared JSON Schemas; a malformed definition
// never reaches execution.
type Engine struct {
	def     *Definition
	store   store.Store
	emitter emit.Emitter
	metrics *PrometheusMetrics
	sink    TaskSink
	now     func() time.Time

	router  *router
	sync    *synchronizer
	schemas *schemaSet
	timers  *timerRegistry
}

// New creates an Engine for one workflow definition backed by the given
// store.
func New(def *Definition, st store.Store, opts ...Option) (*Engine, error) {
	if def == nil {
		return nil, &EngineError{Code: "DEFINITION_INVALID", Message: "definition is nil"}
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	cfg := engineConfig{
		emitter: emit.NewNullEmitter(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	conds := newConditionSet()
	for i := range def.Transitions {
		if err := conds.compile(def.Transitions[i].Condition); err != nil {
			return nil, err
		}
	}
	schemas, err := compileSchemas(def)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		def:     def,
		store:   st,
		emitter: cfg.emitter,
		metrics: cfg.metrics,
		sink:    cfg.sink,
		now:     cfg.now,
		router:  &router{def: def, conds: conds},
		sync:    &synchronizer{},
		schemas: schemas,
		timers:  newTimerRegistry(cfg.timerFactory),
	}
	return e, nil
}

// Definition returns the engine's workflow definition.
func (e *Engine) Definition() *Definition {
	return e.def
}

// txOutcome accumulates the side effects of one run transaction that must
// happen only after commit: task messages to enqueue, trace events to
// emit, fan-in timeouts to schedule or cancel.
type txOutcome struct {
	events   []emit.Event
	messages []TaskMessage
	schedule []*arrivalResult
	cancel   []string
	runDone  bool
}

// InitializeWorkflow seeds a new run: creates its context namespaces,
// writes and validates the initial input, creates the root token at the
// initial node, and dispatches it.
func (e *Engine) InitializeWorkflow(ctx context.Context, runID string, input map[string]any) error {
	start := e.now()
	rec := store.RunRecord{
		ID:           runID,
		DefinitionID: e.def.ID,
		Version:      e.def.Version,
		Status:       store.RunRunning,
		CreatedAt:    start,
		UpdatedAt:    start,
	}
	namespaces := []string{store.NamespaceInput, store.NamespaceState, store.NamespaceOutput}
	created, err := e.store.CreateRun(ctx, rec, namespaces)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", runID, err)
	}

	out := &txOutcome{}
	err = e.store.WithRun(ctx, runID, func(tx store.RunTx) error {
		for key, value := range input {
			if err := tx.WritePath(store.NamespaceInput, key, value); err != nil {
				return err
			}
		}
		doc, err := tx.Namespace(store.NamespaceInput)
		if err != nil {
			return err
		}
		if err := e.schemas.check(store.NamespaceInput, doc); err != nil {
			return err
		}

		if err := e.appendEvent(tx, out, emit.CategoryOperation, "", "", "run_initialized", map[string]interface{}{
			"definition_id":      e.def.ID,
			"version":            e.def.Version,
			"namespaces_created": created,
		}); err != nil {
			return err
		}

		root := store.Token{
			ID:        uuid.NewString(),
			RunID:     runID,
			NodeID:    e.def.InitialNodeID,
			Status:    store.StatusPending,
			PathID:    "root",
			CreatedAt: e.now(),
			UpdatedAt: e.now(),
		}
		if err := tx.InsertToken(root); err != nil {
			return err
		}
		if err := e.appendEvent(tx, out, emit.CategoryOperation, root.ID, root.NodeID, "token_created", nil); err != nil {
			return err
		}
		return e.dispatchToken(tx, out, root)
	})
	if err != nil {
		e.emitRejected(runID, "", err)
		return err
	}

	e.finish(ctx, runID, out, "initialize", start)
	return nil
}

// MarkExecuting acknowledges executor pickup of a dispatched token. A token
// not in dispatched is left unchanged and its current status is returned,
// so duplicate acks are harmless.
func (e *Engine) MarkExecuting(ctx context.Context, runID, tokenID string) (store.TokenStatus, error) {
	out := &txOutcome{}
	var status store.TokenStatus
	err := e.store.WithRun(ctx, runID, func(tx store.RunTx) error {
		tok, applied, err := e.transition(tx, out, tokenID, store.StatusExecuting, store.StatusDispatched)
		if err != nil {
			return err
		}
		status = tok.Status
		if !applied {
			return e.appendEvent(tx, out, emit.CategoryOperation, tokenID, tok.NodeID, "ack_ignored", map[string]interface{}{
				"status": string(tok.Status),
			})
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	e.emitAll(out.events)
	return status, nil
}

// ProcessTaskResult reconciles one task result into the run.
//
// The whole delivery is one atomic operation: guard-check the token
// transition, apply the node's output mapping, route the outcome into
// decisions, and apply them. Replayed or out-of-order deliveries fail the
// guard and are recorded as ignored results, leaving all state unchanged.
func (e *Engine) ProcessTaskResult(ctx context.Context, res TaskResult) error {
	start := e.now()
	out := &txOutcome{}
	err := e.store.WithRun(ctx, res.RunID, func(tx store.RunTx) error {
		run, err := tx.Run()
		if err != nil {
			return err
		}
		if run.Status != store.RunRunning {
			return e.appendEvent(tx, out, emit.CategoryOperation, res.TokenID, "", "result_ignored", map[string]interface{}{
				"reason":     "run_terminal",
				"run_status": string(run.Status),
				"task_id":    res.TaskID,
			})
		}

		succeeded := res.Status == ResultSuccess
		to := store.StatusCompleted
		if !succeeded {
			to = store.StatusFailed
		}
		tok, applied, err := e.transition(tx, out, res.TokenID, to, store.StatusDispatched, store.StatusExecuting)
		if err != nil {
			return err
		}
		if !applied {
			return e.appendEvent(tx, out, emit.CategoryOperation, res.TokenID, tok.NodeID, "result_ignored", map[string]interface{}{
				"reason":  "status_guard",
				"status":  string(tok.Status),
				"task_id": res.TaskID,
			})
		}

		if succeeded {
			if err := e.applyOutputMapping(tx, tok, res.Output); err != nil {
				return err
			}
		}

		decisions, err := e.router.route(tx, tok, succeeded)
		if err != nil {
			return err
		}

		if !succeeded && len(decisions) == 0 {
			// Unrouted failure escalates to the run.
			return e.failRun(tx, out, fmt.Sprintf("node %s failed: %s", tok.NodeID, res.Error), tok.ID)
		}

		if err := e.applyDecisions(tx, out, tok, decisions); err != nil {
			return err
		}
		return e.settleRun(tx, out)
	})
	if err != nil {
		e.emitRejected(res.RunID, res.TokenID, err)
		return err
	}

	e.finish(ctx, res.RunID, out, "process_result", start)
	return nil
}

// CancelRun cancels a live run: the run and every non-terminal token move
// to cancelled, and pending fan-in timeouts are dropped. Cancelling a
// terminal run returns ErrRunTerminal.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	start := e.now()
	out := &txOutcome{}
	err := e.store.WithRun(ctx, runID, func(tx store.RunTx) error {
		run, err := tx.Run()
		if err != nil {
			return err
		}
		if run.Status != store.RunRunning {
			return fmt.Errorf("%w: %s", ErrRunTerminal, run.Status)
		}
		if err := tx.SetRunStatus(store.RunCancelled, ""); err != nil {
			return err
		}
		if err := e.cancelLiveTokens(tx, out); err != nil {
			return err
		}
		out.runDone = true
		return e.appendEvent(tx, out, emit.CategoryDecision, "", "", "run_cancelled", nil)
	})
	if err != nil {
		return err
	}

	e.finish(ctx, runID, out, "cancel", start)
	return nil
}

// PendingEvents returns trace events recorded in the store outbox that have
// not been marked emitted, for the surrounding service to persist or
// forward durably.
func (e *Engine) PendingEvents(ctx context.Context, limit int) ([]emit.Event, error) {
	return e.store.PendingEvents(ctx, limit)
}

// MarkEventsEmitted acknowledges durable delivery of outbox events.
func (e *Engine) MarkEventsEmitted(ctx context.Context, eventIDs []string) error {
	return e.store.MarkEventsEmitted(ctx, eventIDs)
}

// FinalContext returns the run's input, state, and output namespaces, for
// the surrounding service to persist once the run is terminal.
func (e *Engine) FinalContext(ctx context.Context, runID string) (map[string]map[string]any, error) {
	result := make(map[string]map[string]any, 3)
	err := e.store.WithRun(ctx, runID, func(tx store.RunTx) error {
		for _, ns := range []string{store.NamespaceInput, store.NamespaceState, store.NamespaceOutput} {
			doc, err := tx.Namespace(ns)
			if err != nil {
				return err
			}
			result[ns] = doc
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ValidateNamespace validates one context namespace against its declared
// JSON Schema. Namespaces without a schema are always valid.
func (e *Engine) ValidateNamespace(ctx context.Context, runID, namespace string) (ValidationResult, error) {
	var result ValidationResult
	err := e.store.WithRun(ctx, runID, func(tx store.RunTx) error {
		doc, err := tx.Namespace(namespace)
		if err != nil {
			return err
		}
		result = e.schemas.validate(namespace, doc)
		return nil
	})
	if err != nil {
		return ValidationResult{}, err
	}
	return result, nil
}

// applyDecisions applies the routing decisions for one completed token.
func (e *Engine) applyDecisions(tx store.RunTx, out *txOutcome, parent store.Token, decisions []Decision) error {
	for _, d := range decisions {
		if out.runDone {
			return nil
		}
		switch dec := d.(type) {
		case Spawn:
			if err := e.applySpawn(tx, out, parent, dec); err != nil {
				return err
			}
		case CompleteRun:
			if err := e.completeRun(tx, out, "terminal_node"); err != nil {
				return err
			}
		case Dispatch:
			tok, err := tx.GetToken(dec.TokenID)
			if err != nil {
				return err
			}
			if err := e.dispatchToken(tx, out, tok); err != nil {
				return err
			}
		case ActivateFanIn:
			// Activations are produced inside applySpawn via the
			// synchronizer; a routed one is a programming error.
			return fmt.Errorf("unexpected standalone fan-in activation for %s", dec.FanInPath)
		default:
			return fmt.Errorf("unknown decision type %T", d)
		}
	}
	return nil
}

// applySpawn creates the successor tokens of one fired transition and moves
// each through the fan-in gate or straight to dispatch.
func (e *Engine) applySpawn(tx store.RunTx, out *txOutcome, parent store.Token, dec Spawn) error {
	tr, err := e.def.Transition(dec.TransitionID)
	if err != nil {
		return err
	}

	if err := e.appendEvent(tx, out, emit.CategoryDecision, parent.ID, parent.NodeID, "transition_fired", map[string]interface{}{
		"transition_id": tr.ID,
		"to":            tr.To,
		"spawn_count":   dec.Count,
		"fan_out":       tr.fanOut(),
	}); err != nil {
		return err
	}

	now := e.now()
	for i := 0; i < dec.Count; i++ {
		tok := store.Token{
			ID:        uuid.NewString(),
			RunID:     parent.RunID,
			NodeID:    tr.To,
			Status:    store.StatusPending,
			ParentID:  parent.ID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if tr.fanOut() {
			tok.PathID = fmt.Sprintf("%s/%s[%d]", parent.PathID, tr.ID, i)
			tok.FanOutTransitionID = tr.ID
			tok.BranchIndex = i
			tok.BranchTotal = dec.Count
			branchNS := store.BranchNamespace(tok.PathID)
			if err := tx.CreateNamespace(branchNS); err != nil {
				return err
			}
			if dec.Items != nil {
				if err := tx.WritePath(branchNS, "item", dec.Items[i]); err != nil {
					return err
				}
			}
		} else {
			// Plain advance: the successor continues the parent's lineage
			// so enclosing fan-ins still see it as the same branch.
			tok.PathID = parent.PathID
			tok.FanOutTransitionID = parent.FanOutTransitionID
			tok.BranchIndex = parent.BranchIndex
			tok.BranchTotal = parent.BranchTotal
		}

		if err := tx.InsertToken(tok); err != nil {
			return err
		}
		if err := e.appendEvent(tx, out, emit.CategoryOperation, tok.ID, tok.NodeID, "token_created", map[string]interface{}{
			"parent_id":    parent.ID,
			"path_id":      tok.PathID,
			"branch_index": tok.BranchIndex,
			"branch_total": tok.BranchTotal,
		}); err != nil {
			return err
		}

		if tr.Sync != nil {
			if err := e.arriveAtFanIn(tx, out, tok, tr); err != nil {
				return err
			}
		} else {
			if err := e.dispatchToken(tx, out, tok); err != nil {
				return err
			}
		}
	}
	return nil
}

// arriveAtFanIn routes one successor token through the synchronizer and
// handles the outcome: parked, straggler, or activation.
func (e *Engine) arriveAtFanIn(tx store.RunTx, out *txOutcome, tok store.Token, tr *Transition) error {
	res, err := e.sync.arrive(tx, tok, tr, e.now())
	if err != nil {
		return err
	}

	switch {
	case res.Parked:
		if err := e.appendEvent(tx, out, emit.CategoryOperation, tok.ID, tok.NodeID, "fanin_waiting", map[string]interface{}{
			"fan_in_path": res.FanInPath,
		}); err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.RecordTransition(string(store.StatusPending), string(store.StatusWaiting))
		}
		if res.NewRecord && res.Spec.TimeoutMS > 0 {
			out.schedule = append(out.schedule, res)
		}

	case res.Straggler:
		if err := e.appendEvent(tx, out, emit.CategoryOperation, tok.ID, tok.NodeID, "fanin_straggler", map[string]interface{}{
			"fan_in_path": res.FanInPath,
		}); err != nil {
			return err
		}

	case res.Activation != nil:
		if err := e.applyActivation(tx, out, res.Activation, res.Spec, "satisfied"); err != nil {
			return err
		}
		out.cancel = append(out.cancel, res.FanInPath)
	}
	return nil
}

// applyActivation records a fan-in activation and dispatches the proceeding
// token. The synchronizer has already merged, dropped branch namespaces,
// completed the parked siblings, and folded the proceeding token's lineage.
func (e *Engine) applyActivation(tx store.RunTx, out *txOutcome, act *ActivateFanIn, spec *SyncSpec, cause string) error {
	if err := e.appendEvent(tx, out, emit.CategoryDecision, act.ProceedingTokenID, "", "fanin_activated", map[string]interface{}{
		"fan_in_path": act.FanInPath,
		"sibling_ids": act.MergedTokenIDs,
		"waiting_ids": act.WaitingTokenIDs,
		"strategy":    string(spec.Strategy),
		"cause":       cause,
	}); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordFanInActivation(string(spec.Strategy), cause)
		for range act.WaitingTokenIDs {
			e.metrics.RecordTransition(string(store.StatusWaiting), string(store.StatusCompleted))
		}
	}

	proceeding, err := tx.GetToken(act.ProceedingTokenID)
	if err != nil {
		return err
	}
	return e.dispatchToken(tx, out, proceeding)
}

// dispatchToken moves a token to dispatched and stages its task message.
// Accepts tokens coming from pending (normal flow) or waiting_for_siblings
// (fan-in proceeding token).
func (e *Engine) dispatchToken(tx store.RunTx, out *txOutcome, tok store.Token) error {
	node, err := e.def.Node(tok.NodeID)
	if err != nil {
		return err
	}

	updated, applied, err := e.transition(tx, out, tok.ID, store.StatusDispatched, store.StatusPending, store.StatusWaiting)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("token %s cannot be dispatched from status %s", tok.ID, updated.Status)
	}

	snap, err := contextSnapshot(tx, &updated)
	if err != nil {
		return err
	}
	input := make(map[string]any)
	for _, m := range node.InputMapping {
		if v, found := store.GetPath(snap, m.From); found {
			store.SetPath(input, m.To, v)
		}
	}

	msg := TaskMessage{
		TaskID:         uuid.NewString(),
		IdempotencyKey: uuid.NewString(),
		RunID:          tok.RunID,
		TokenID:        tok.ID,
		NodeID:         tok.NodeID,
		ActionID:       node.ActionID,
		ActionKind:     node.ActionKind,
		Input:          input,
	}
	out.messages = append(out.messages, msg)

	if e.metrics != nil {
		e.metrics.RecordDispatch(tok.NodeID)
	}
	return e.appendEvent(tx, out, emit.CategoryDispatch, tok.ID, tok.NodeID, "task_dispatched", map[string]interface{}{
		"task_id":         msg.TaskID,
		"idempotency_key": msg.IdempotencyKey,
		"action_id":       node.ActionID,
		"action_kind":     node.ActionKind,
	})
}

// applyOutputMapping projects a successful task result into the context and
// validates every namespace it touched.
func (e *Engine) applyOutputMapping(tx store.RunTx, tok store.Token, output map[string]any) error {
	node, err := e.def.Node(tok.NodeID)
	if err != nil {
		return err
	}
	if len(node.OutputMapping) == 0 {
		return nil
	}

	touched := make(map[string]bool)
	for _, m := range node.OutputMapping {
		v, found := store.GetPath(output, m.From)
		if !found {
			continue
		}
		ns, path, err := splitContextPath(m.To)
		if err != nil {
			return err
		}
		actual, err := resolveNamespace(ns, tok)
		if err != nil {
			return err
		}
		if err := tx.WritePath(actual, path, v); err != nil {
			return err
		}
		touched[ns] = true
	}

	for _, ns := range []string{store.NamespaceState, store.NamespaceOutput} {
		if !touched[ns] {
			continue
		}
		doc, err := tx.Namespace(ns)
		if err != nil {
			return err
		}
		if err := e.schemas.check(ns, doc); err != nil {
			return err
		}
	}
	return nil
}

// completeRun finishes the run successfully: the output namespace becomes
// the result, remaining live tokens are cancelled, and the run record moves
// to completed. First terminal decision wins; later ones are no-ops.
func (e *Engine) completeRun(tx store.RunTx, out *txOutcome, cause string) error {
	run, err := tx.Run()
	if err != nil {
		return err
	}
	if run.Status != store.RunRunning {
		return nil
	}

	output, err := tx.Namespace(store.NamespaceOutput)
	if err != nil {
		return err
	}
	if err := e.schemas.check(store.NamespaceOutput, output); err != nil {
		return e.failRun(tx, out, err.Error(), "")
	}

	if err := e.cancelLiveTokens(tx, out); err != nil {
		return err
	}
	if err := tx.SetRunStatus(store.RunCompleted, ""); err != nil {
		return err
	}
	out.runDone = true
	return e.appendEvent(tx, out, emit.CategoryDecision, "", "", "run_completed", map[string]interface{}{
		"cause":  cause,
		"output": output,
	})
}

// failRun fails the run, naming the originating token for diagnosis, and
// cancels what is still in flight.
func (e *Engine) failRun(tx store.RunTx, out *txOutcome, message, tokenID string) error {
	run, err := tx.Run()
	if err != nil {
		return err
	}
	if run.Status != store.RunRunning {
		return nil
	}

	if err := e.cancelLiveTokens(tx, out); err != nil {
		return err
	}
	if err := tx.SetRunStatus(store.RunFailed, message); err != nil {
		return err
	}
	out.runDone = true
	return e.appendEvent(tx, out, emit.CategoryDecision, tokenID, "", "run_failed", map[string]interface{}{
		"error": message,
	})
}

// settleRun detects dead-end exhaustion: a run whose tokens all reached a
// terminal state without an explicit CompleteRun is complete, with whatever
// the output namespace holds. Dead ends are declared outcomes, not errors.
func (e *Engine) settleRun(tx store.RunTx, out *txOutcome) error {
	if out.runDone {
		return nil
	}
	live, err := tx.LiveTokens()
	if err != nil {
		return err
	}
	if e.metrics != nil {
		run, err := tx.Run()
		if err == nil {
			e.metrics.UpdateLiveTokens(run.ID, len(live))
		}
	}
	if len(live) > 0 {
		return nil
	}
	return e.completeRun(tx, out, "dead_end")
}

// cancelLiveTokens marks every non-terminal token cancelled and discards
// any branch namespace it was staging.
func (e *Engine) cancelLiveTokens(tx store.RunTx, out *txOutcome) error {
	live, err := tx.LiveTokens()
	if err != nil {
		return err
	}
	for _, tok := range live {
		if _, applied, err := e.transition(tx, out, tok.ID, store.StatusCancelled,
			store.StatusPending, store.StatusDispatched, store.StatusExecuting, store.StatusWaiting); err != nil {
			return err
		} else if !applied {
			continue
		}
		if tok.BranchTotal > 0 {
			if err := tx.DropNamespace(store.BranchNamespace(tok.PathID)); err != nil {
				return err
			}
		}
	}
	return nil
}

// transition applies one guarded token transition and records it. A failed
// guard leaves the token untouched and reports its current status.
func (e *Engine) transition(tx store.RunTx, out *txOutcome, tokenID string, to store.TokenStatus, from ...store.TokenStatus) (store.Token, bool, error) {
	prev, err := tx.GetToken(tokenID)
	if err != nil {
		return store.Token{}, false, err
	}
	tok, applied, err := tx.TransitionToken(tokenID, to, from...)
	if err != nil {
		return store.Token{}, false, err
	}
	if !applied {
		return tok, false, nil
	}

	if e.metrics != nil {
		e.metrics.RecordTransition(string(prev.Status), string(to))
	}
	return tok, true, e.appendEvent(tx, out, emit.CategoryOperation, tokenID, tok.NodeID, "token_"+string(to), map[string]interface{}{
		"from": string(prev.Status),
		"to":   string(to),
	})
}

// appendEvent stamps a trace event with the run's next sequence number,
// appends it to the transactional outbox, and stages it for post-commit
// emission.
func (e *Engine) appendEvent(tx store.RunTx, out *txOutcome, category emit.Category, tokenID, nodeID, msg string, meta map[string]interface{}) error {
	seq, err := tx.NextSeq()
	if err != nil {
		return err
	}
	run, err := tx.Run()
	if err != nil {
		return err
	}
	ev := emit.Event{
		ID:       uuid.NewString(),
		Category: category,
		RunID:    run.ID,
		Seq:      seq,
		TokenID:  tokenID,
		NodeID:   nodeID,
		Msg:      msg,
		At:       e.now(),
		Meta:     meta,
	}
	if err := tx.AppendEvent(ev); err != nil {
		return err
	}
	out.events = append(out.events, ev)
	return nil
}

// finish performs the post-commit side effects of one run transaction:
// timer bookkeeping, task enqueueing, event emission, and latency metrics.
func (e *Engine) finish(ctx context.Context, runID string, out *txOutcome, operation string, start time.Time) {
	for _, path := range out.cancel {
		e.timers.cancel(runID, path)
	}
	if out.runDone {
		e.timers.cancelRun(runID)
	} else {
		for _, res := range out.schedule {
			e.scheduleFanInTimeout(runID, res)
		}
	}

	if e.sink != nil && !out.runDone {
		for _, msg := range out.messages {
			if err := e.sink.Enqueue(ctx, msg); err != nil {
				e.emitter.Emit(emit.Event{
					ID:       uuid.NewString(),
					Category: emit.CategoryDispatch,
					RunID:    runID,
					TokenID:  msg.TokenID,
					NodeID:   msg.NodeID,
					Msg:      "enqueue_failed",
					At:       e.now(),
					Meta:     map[string]interface{}{"task_id": msg.TaskID, "error": err.Error()},
				})
			}
		}
	}

	e.emitAll(out.events)
	if e.metrics != nil {
		e.metrics.RecordDecisionLatency(operation, e.now().Sub(start))
	}
}

func (e *Engine) emitAll(events []emit.Event) {
	for _, ev := range events {
		e.emitter.Emit(ev)
	}
}

// emitRejected surfaces a rolled-back operation to the emitter. The outbox
// copy of the transaction's events is gone with the rollback; this
// synthesized event keeps the rejection observable.
func (e *Engine) emitRejected(runID, tokenID string, opErr error) {
	e.emitter.Emit(emit.Event{
		ID:       uuid.NewString(),
		Category: emit.CategoryOperation,
		RunID:    runID,
		TokenID:  tokenID,
		Msg:      "operation_rejected",
		At:       e.now(),
		Meta:     map[string]interface{}{"error": opErr.Error()},
	})
}

// scheduleFanInTimeout arms the timeout escalation of a newly created
// fan-in record.
func (e *Engine) scheduleFanInTimeout(runID string, res *arrivalResult) {
	spec := res.Spec
	fanInPath := res.FanInPath
	d := time.Duration(spec.TimeoutMS) * time.Millisecond
	e.timers.schedule(runID, fanInPath, d, func() {
		e.handleFanInTimeout(runID, fanInPath, spec)
	})
}

// handleFanInTimeout escalates a fan-in whose strategy was not satisfied in
// time. Under TimeoutProceed the fan-in activates with whatever siblings
// arrived (the lowest branch index proceeds); under TimeoutFail the waiting
// siblings time out and the run fails. A fan-in that activated after the
// timer fired but before this ran is left alone.
func (e *Engine) handleFanInTimeout(runID, fanInPath string, spec *SyncSpec) {
	ctx := context.Background()
	start := e.now()
	out := &txOutcome{}
	err := e.store.WithRun(ctx, runID, func(tx store.RunTx) error {
		rec, err := tx.GetFanIn(fanInPath)
		if err != nil {
			return err
		}
		if rec.Status != store.FanInWaiting {
			return nil
		}
		waiting, err := tx.WaitingAt(fanInPath)
		if err != nil {
			return err
		}

		now := e.now()
		if err := e.appendEvent(tx, out, emit.CategoryOperation, "", rec.NodeID, "fanin_timeout", map[string]interface{}{
			"fan_in_path": fanInPath,
			"arrived":     len(waiting),
			"on_timeout":  string(spec.OnTimeout),
		}); err != nil {
			return err
		}

		if spec.OnTimeout == TimeoutProceed && len(waiting) > 0 {
			act, err := e.sync.activate(tx, &rec, waiting[0], waiting[1:], spec, now)
			if err != nil {
				return err
			}
			if err := e.applyActivation(tx, out, act, spec, "timeout"); err != nil {
				return err
			}
			return nil
		}

		// TimeoutFail, or nothing arrived to proceed with.
		rec.Status = store.FanInTimedOut
		if err := tx.UpdateFanIn(rec); err != nil {
			return err
		}
		for _, tok := range waiting {
			if _, _, err := e.transition(tx, out, tok.ID, store.StatusTimedOut, store.StatusWaiting); err != nil {
				return err
			}
		}
		return e.failRun(tx, out, fmt.Sprintf("fan-in %s timed out", fanInPath), "")
	})
	if err != nil {
		e.emitRejected(runID, "", err)
		return
	}

	e.finish(ctx, runID, out, "fanin_timeout", start)
}

// resolveNamespace maps a mapping's target namespace to the actual store
// namespace, resolving "branch" to the token's staging namespace.
func resolveNamespace(ns string, tok store.Token) (string, error) {
	if ns != "branch" {
		return ns, nil
	}
	if tok.BranchTotal == 0 {
		return "", fmt.Errorf("%w: token %s", ErrNoBranchContext, tok.ID)
	}
	return store.BranchNamespace(tok.PathID), nil
}
