// Package store provides durable state for workflow runs: tokens, fan-in
// records, context namespaces, and the transactional event outbox.
//
// All mutations for one run happen inside a RunTx obtained from
// Store.WithRun, which serializes concurrent deliveries per run and applies
// the whole function atomically (commit on nil, roll back on error).
// Different runs proceed fully in parallel.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tokenflow/tokenflow-go/flow/emit"
)

// ErrNotFound is returned when a requested run, token, fan-in record, or
// context path does not exist.
var ErrNotFound = errors.New("not found")

// ErrFanInExists is returned by InsertFanIn when a record for the same
// (run_id, fan_in_path) already exists. The synchronization engine relies on
// this uniqueness to create records lazily without duplicating them under
// concurrent arrivals.
var ErrFanInExists = errors.New("fan-in record already exists")

// ErrRunExists is returned by CreateRun when the run ID is already taken.
var ErrRunExists = errors.New("run already exists")

// TokenStatus is the lifecycle state of a token.
type TokenStatus string

const (
	StatusPending    TokenStatus = "pending"
	StatusDispatched TokenStatus = "dispatched"
	StatusExecuting  TokenStatus = "executing"
	StatusWaiting    TokenStatus = "waiting_for_siblings"
	StatusCompleted  TokenStatus = "completed"
	StatusFailed     TokenStatus = "failed"
	StatusTimedOut   TokenStatus = "timed_out"
	StatusCancelled  TokenStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal tokens are never
// mutated again; the full lineage stays auditable because tokens are only
// marked, never deleted.
func (s TokenStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// validTransitions encodes the forward-only token state machine.
//
//	pending -> dispatched | waiting_for_siblings | completed | cancelled
//	dispatched -> executing | completed | failed | cancelled | timed_out
//	executing -> completed | failed | cancelled | timed_out
//	waiting_for_siblings -> dispatched | completed | timed_out | cancelled
//
// pending -> completed covers late arrivals at an already-activated fan-in;
// waiting_for_siblings -> dispatched covers the proceeding token of a
// partial (timeout) activation.
var validTransitions = map[TokenStatus][]TokenStatus{
	StatusPending:    {StatusDispatched, StatusWaiting, StatusCompleted, StatusCancelled},
	StatusDispatched: {StatusExecuting, StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut},
	StatusExecuting:  {StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut},
	StatusWaiting:    {StatusDispatched, StatusCompleted, StatusTimedOut, StatusCancelled},
}

// CanTransition reports whether the state machine permits moving a token
// from one status to another.
func CanTransition(from, to TokenStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Token is a position in the execution graph for one logical branch of a
// workflow run.
type Token struct {
	// ID uniquely identifies the token.
	ID string

	// RunID is the workflow run this token belongs to.
	RunID string

	// NodeID is the node the token currently occupies.
	NodeID string

	// Status is the token's lifecycle state.
	Status TokenStatus

	// ParentID is the token that spawned this one. Empty for the root token.
	ParentID string

	// PathID is a stable, flat, comparable key shared by a token and all its
	// descendants along one lineage. Fan-in waiting sets are addressed by a
	// prefix of this key, so no parent-pointer walk is ever needed.
	PathID string

	// FanOutTransitionID identifies the transition whose fan-out produced
	// this token and its siblings. Empty outside fan-outs.
	FanOutTransitionID string

	// BranchIndex and BranchTotal give the token's position in its sibling
	// group. Both are 0 when the token is not part of a fan-out.
	BranchIndex int
	BranchTotal int

	CreatedAt time.Time
	UpdatedAt time.Time

	// ArrivedAt is set only when the token reaches a synchronization point.
	// Used for timeout accounting and last_wins merge ordering.
	ArrivedAt *time.Time
}

// FanInStatus is the lifecycle state of a fan-in record.
type FanInStatus string

const (
	FanInWaiting   FanInStatus = "waiting"
	FanInActivated FanInStatus = "activated"
	FanInTimedOut  FanInStatus = "timed_out"
)

// FanInRecord tracks one synchronization point of a run. Created lazily on
// first sibling arrival; unique per (run_id, fan_in_path).
type FanInRecord struct {
	ID             string
	RunID          string
	NodeID         string
	FanInPath      string
	Status         FanInStatus
	TransitionID   string
	FirstArrivalAt time.Time
	ActivatedAt    *time.Time
}

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// RunRecord is the durable identity and status of one workflow run.
type RunRecord struct {
	ID           string
	DefinitionID string
	Version      string
	Status       RunStatus
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Context namespace names. Branch namespaces use BranchNamespace.
const (
	NamespaceInput  = "input"
	NamespaceState  = "state"
	NamespaceOutput = "output"
)

// BranchNamespace returns the staging namespace name for a branch lineage,
// keyed by the branch token's path id so descendants along the branch share
// it.
func BranchNamespace(pathID string) string {
	return "branch:" + pathID
}

// Store provides per-run durable state behind serialized, atomic run
// transactions, plus the cross-run event outbox.
//
// Implementations:
//   - MemStore: in-memory, for testing and single-process use
//   - SQLiteStore: embedded single-file database
//   - MySQLStore: shared relational database
type Store interface {
	// CreateRun records a new run and creates its context namespaces.
	// Returns the number of namespaces created (surfaced in the
	// initialization trace event). Returns ErrRunExists for duplicate IDs.
	CreateRun(ctx context.Context, run RunRecord, namespaces []string) (int, error)

	// GetRun retrieves a run record. Returns ErrNotFound for unknown IDs.
	GetRun(ctx context.Context, runID string) (RunRecord, error)

	// WithRun executes fn against a run transaction. Calls for the same run
	// are serialized; the transaction commits if fn returns nil and rolls
	// back completely (tokens, fan-ins, context, events) if fn errors.
	WithRun(ctx context.Context, runID string, fn func(tx RunTx) error) error

	// PendingEvents retrieves outbox events that have not been emitted yet,
	// ordered by creation, limited for batching.
	PendingEvents(ctx context.Context, limit int) ([]emit.Event, error)

	// MarkEventsEmitted marks outbox events as delivered so PendingEvents
	// does not return them again.
	MarkEventsEmitted(ctx context.Context, eventIDs []string) error

	// Close releases the store's resources.
	Close() error
}

// RunTx is the single-writer view of one run's state inside a transaction.
// It is only valid for the duration of the WithRun callback.
type RunTx interface {
	// Run returns the run record as of this transaction.
	Run() (RunRecord, error)

	// SetRunStatus updates the run's status and error message.
	SetRunStatus(status RunStatus, errMsg string) error

	// InsertToken adds a new token.
	InsertToken(t Token) error

	// GetToken retrieves a token by ID. Returns ErrNotFound if absent.
	GetToken(id string) (Token, error)

	// TransitionToken moves a token to status `to` if its current status is
	// one of `from`. When the source state does not match, the call is an
	// idempotent no-op: it returns the unchanged token and applied=false
	// without error. This is what makes result delivery safe under
	// at-least-once task queues.
	TransitionToken(id string, to TokenStatus, from ...TokenStatus) (tok Token, applied bool, err error)

	// SetArrived records the time a token reached a synchronization point.
	SetArrived(id string, at time.Time) error

	// SetTokenLineage rewrites a token's lineage identity. Used once per
	// fan-in activation to fold the proceeding token back onto the fan-out
	// point's lineage so that enclosing joins address it correctly.
	SetTokenLineage(id, pathID, fanOutTransitionID string, branchIndex, branchTotal int) error

	// LatestByPath returns the most recently created token whose path id
	// equals pathID. Returns ErrNotFound if none exists.
	LatestByPath(pathID string) (Token, error)

	// WaitingAt returns the waiting_for_siblings tokens whose path id starts
	// with the given fan-in path, ordered by branch index.
	WaitingAt(fanInPath string) ([]Token, error)

	// LiveTokens returns all non-terminal tokens of the run.
	LiveTokens() ([]Token, error)

	// GetFanIn retrieves the fan-in record for a fan-in path.
	// Returns ErrNotFound if no sibling has arrived yet.
	GetFanIn(fanInPath string) (FanInRecord, error)

	// InsertFanIn creates a fan-in record. Returns ErrFanInExists if one
	// already exists for the same fan-in path.
	InsertFanIn(rec FanInRecord) error

	// UpdateFanIn replaces the stored record matched by ID.
	UpdateFanIn(rec FanInRecord) error

	// CreateNamespace creates an empty context namespace. Creating an
	// existing namespace is a no-op.
	CreateNamespace(namespace string) error

	// DropNamespace removes a namespace if present. Dropping an absent
	// namespace is a no-op, so concurrent cleanup attempts never fault.
	DropNamespace(namespace string) error

	// Namespace returns a namespace's full document.
	// Returns ErrNotFound for unknown namespaces.
	Namespace(namespace string) (map[string]any, error)

	// ReadPath reads a dotted path within a namespace. The boolean reports
	// whether the path exists.
	ReadPath(namespace, path string) (any, bool, error)

	// WritePath writes a value at a dotted path within a namespace,
	// creating intermediate objects as needed.
	WritePath(namespace, path string, value any) error

	// Namespaces lists the run's namespace names.
	Namespaces() ([]string, error)

	// NextSeq increments and returns the run's monotonic event sequence
	// counter. Owned by the transaction; never process-wide.
	NextSeq() (int64, error)

	// AppendEvent appends a trace event to the transactional outbox. The
	// event becomes visible to PendingEvents only if the surrounding
	// transaction commits.
	AppendEvent(ev emit.Event) error
}
