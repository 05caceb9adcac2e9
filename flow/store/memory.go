package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tokenflow/tokenflow-go/flow/emit"
)

// MemStore is an in-memory implementation of Store.
//
// It keeps run state in maps and implements run transactions with a per-run
// lock plus copy-on-write: the transaction operates on a deep copy of the
// run's state, which replaces the original only when the callback returns
// nil. A failing callback therefore leaves the run exactly as it was,
// including the event outbox.
//
// Designed for:
//   - Testing and development
//   - Single-process coordinators without durability requirements
//
// For durable deployments use SQLiteStore or MySQLStore.
type MemStore struct {
	mu       sync.Mutex
	runs     map[string]*memRun
	runLocks map[string]*sync.Mutex
	outbox   []outboxEntry
}

type outboxEntry struct {
	event   emit.Event
	emitted bool
}

type memRun struct {
	rec      RunRecord
	seq      int64
	tokens   map[string]Token
	order    []string // token insertion order
	fanins   map[string]FanInRecord // keyed by fan-in path
	contexts map[string]map[string]any
}

// NewMemStore creates a new in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		runs:     make(map[string]*memRun),
		runLocks: make(map[string]*sync.Mutex),
	}
}

// CreateRun records a new run and creates its context namespaces.
func (m *MemStore) CreateRun(_ context.Context, run RunRecord, namespaces []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; exists {
		return 0, ErrRunExists
	}

	r := &memRun{
		rec:      run,
		tokens:   make(map[string]Token),
		fanins:   make(map[string]FanInRecord),
		contexts: make(map[string]map[string]any),
	}
	created := 0
	for _, ns := range namespaces {
		if _, ok := r.contexts[ns]; !ok {
			r.contexts[ns] = make(map[string]any)
			created++
		}
	}
	m.runs[run.ID] = r
	return created, nil
}

// GetRun retrieves a run record.
func (m *MemStore) GetRun(_ context.Context, runID string) (RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID]
	if !ok {
		return RunRecord{}, ErrNotFound
	}
	return r.rec, nil
}

// WithRun executes fn against a serialized, atomic run transaction.
func (m *MemStore) WithRun(ctx context.Context, runID string, fn func(tx RunTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	lock, ok := m.runLocks[runID]
	if !ok {
		lock = &sync.Mutex{}
		m.runLocks[runID] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	r, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	work, err := cloneRun(r)
	if err != nil {
		return fmt.Errorf("failed to clone run state: %w", err)
	}

	tx := &memTx{run: work}
	if err := fn(tx); err != nil {
		// Roll back by discarding the working copy.
		return err
	}

	m.mu.Lock()
	m.runs[runID] = work
	for _, ev := range tx.events {
		m.outbox = append(m.outbox, outboxEntry{event: ev})
	}
	m.mu.Unlock()
	return nil
}

// PendingEvents retrieves outbox events that have not been emitted yet.
func (m *MemStore) PendingEvents(_ context.Context, limit int) ([]emit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []emit.Event
	for _, entry := range m.outbox {
		if entry.emitted {
			continue
		}
		out = append(out, entry.event)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkEventsEmitted marks outbox events as delivered.
func (m *MemStore) MarkEventsEmitted(_ context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		ids[id] = true
	}
	for i := range m.outbox {
		if ids[m.outbox[i].event.ID] {
			m.outbox[i].emitted = true
		}
	}
	return nil
}

// Close releases the store. A MemStore holds no external resources.
func (m *MemStore) Close() error {
	return nil
}

// cloneRun deep-copies one run's state. Context documents are copied via a
// JSON round-trip, which also normalizes values the same way the SQL-backed
// stores do.
func cloneRun(r *memRun) (*memRun, error) {
	out := &memRun{
		rec:      r.rec,
		seq:      r.seq,
		tokens:   make(map[string]Token, len(r.tokens)),
		order:    append([]string(nil), r.order...),
		fanins:   make(map[string]FanInRecord, len(r.fanins)),
		contexts: make(map[string]map[string]any, len(r.contexts)),
	}
	for id, tok := range r.tokens {
		if tok.ArrivedAt != nil {
			at := *tok.ArrivedAt
			tok.ArrivedAt = &at
		}
		out.tokens[id] = tok
	}
	for path, rec := range r.fanins {
		if rec.ActivatedAt != nil {
			at := *rec.ActivatedAt
			rec.ActivatedAt = &at
		}
		out.fanins[path] = rec
	}
	for ns, doc := range r.contexts {
		copied, err := deepCopyDoc(doc)
		if err != nil {
			return nil, fmt.Errorf("namespace %s: %w", ns, err)
		}
		out.contexts[ns] = copied
	}
	return out, nil
}

func deepCopyDoc(doc map[string]any) (map[string]any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	var copied map[string]any
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	if copied == nil {
		copied = make(map[string]any)
	}
	return copied, nil
}

// memTx implements RunTx over a working copy of a memRun.
type memTx struct {
	run    *memRun
	events []emit.Event
}

func (t *memTx) Run() (RunRecord, error) {
	return t.run.rec, nil
}

func (t *memTx) SetRunStatus(status RunStatus, errMsg string) error {
	t.run.rec.Status = status
	t.run.rec.Error = errMsg
	t.run.rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) InsertToken(tok Token) error {
	if _, exists := t.run.tokens[tok.ID]; exists {
		return fmt.Errorf("token %s already exists", tok.ID)
	}
	t.run.tokens[tok.ID] = tok
	t.run.order = append(t.run.order, tok.ID)
	return nil
}

func (t *memTx) GetToken(id string) (Token, error) {
	tok, ok := t.run.tokens[id]
	if !ok {
		return Token{}, ErrNotFound
	}
	return tok, nil
}

func (t *memTx) TransitionToken(id string, to TokenStatus, from ...TokenStatus) (Token, bool, error) {
	tok, ok := t.run.tokens[id]
	if !ok {
		return Token{}, false, ErrNotFound
	}

	match := false
	for _, f := range from {
		if tok.Status == f {
			match = true
			break
		}
	}
	if !match || !CanTransition(tok.Status, to) {
		return tok, false, nil
	}

	tok.Status = to
	tok.UpdatedAt = time.Now().UTC()
	t.run.tokens[id] = tok
	return tok, true, nil
}

func (t *memTx) SetArrived(id string, at time.Time) error {
	tok, ok := t.run.tokens[id]
	if !ok {
		return ErrNotFound
	}
	tok.ArrivedAt = &at
	tok.UpdatedAt = time.Now().UTC()
	t.run.tokens[id] = tok
	return nil
}

func (t *memTx) SetTokenLineage(id, pathID, fanOutTransitionID string, branchIndex, branchTotal int) error {
	tok, ok := t.run.tokens[id]
	if !ok {
		return ErrNotFound
	}
	tok.PathID = pathID
	tok.FanOutTransitionID = fanOutTransitionID
	tok.BranchIndex = branchIndex
	tok.BranchTotal = branchTotal
	tok.UpdatedAt = time.Now().UTC()
	t.run.tokens[id] = tok
	return nil
}

func (t *memTx) LatestByPath(pathID string) (Token, error) {
	var found *Token
	for _, id := range t.run.order {
		tok := t.run.tokens[id]
		if tok.PathID == pathID {
			copied := tok
			found = &copied
		}
	}
	if found == nil {
		return Token{}, ErrNotFound
	}
	return *found, nil
}

func (t *memTx) WaitingAt(fanInPath string) ([]Token, error) {
	var out []Token
	for _, id := range t.run.order {
		tok := t.run.tokens[id]
		if tok.Status == StatusWaiting && IsDirectBranchPath(tok.PathID, fanInPath) {
			out = append(out, tok)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BranchIndex < out[j].BranchIndex })
	return out, nil
}

func (t *memTx) LiveTokens() ([]Token, error) {
	var out []Token
	for _, id := range t.run.order {
		tok := t.run.tokens[id]
		if !tok.Status.Terminal() {
			out = append(out, tok)
		}
	}
	return out, nil
}

func (t *memTx) GetFanIn(fanInPath string) (FanInRecord, error) {
	rec, ok := t.run.fanins[fanInPath]
	if !ok {
		return FanInRecord{}, ErrNotFound
	}
	return rec, nil
}

func (t *memTx) InsertFanIn(rec FanInRecord) error {
	if _, exists := t.run.fanins[rec.FanInPath]; exists {
		return ErrFanInExists
	}
	t.run.fanins[rec.FanInPath] = rec
	return nil
}

func (t *memTx) UpdateFanIn(rec FanInRecord) error {
	for path, existing := range t.run.fanins {
		if existing.ID == rec.ID {
			t.run.fanins[path] = rec
			return nil
		}
	}
	return ErrNotFound
}

func (t *memTx) CreateNamespace(namespace string) error {
	if _, ok := t.run.contexts[namespace]; !ok {
		t.run.contexts[namespace] = make(map[string]any)
	}
	return nil
}

func (t *memTx) DropNamespace(namespace string) error {
	delete(t.run.contexts, namespace)
	return nil
}

func (t *memTx) Namespace(namespace string) (map[string]any, error) {
	doc, ok := t.run.contexts[namespace]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopyDoc(doc)
}

func (t *memTx) ReadPath(namespace, path string) (any, bool, error) {
	doc, ok := t.run.contexts[namespace]
	if !ok {
		return nil, false, ErrNotFound
	}
	v, found := GetPath(doc, path)
	return v, found, nil
}

func (t *memTx) WritePath(namespace, path string, value any) error {
	doc, ok := t.run.contexts[namespace]
	if !ok {
		return ErrNotFound
	}
	SetPath(doc, path, value)
	return nil
}

func (t *memTx) Namespaces() ([]string, error) {
	out := make([]string, 0, len(t.run.contexts))
	for ns := range t.run.contexts {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

func (t *memTx) NextSeq() (int64, error) {
	t.run.seq++
	return t.run.seq, nil
}

func (t *memTx) AppendEvent(ev emit.Event) error {
	if strings.TrimSpace(ev.ID) == "" {
		return fmt.Errorf("event ID is required")
	}
	t.events = append(t.events, ev)
	return nil
}
