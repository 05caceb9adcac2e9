package flow

// Decision is an ephemeral instruction produced by the routing or
// synchronization engine describing one required state mutation. Decisions
// are never persisted; they carry no identity beyond the run transaction
// that applies them.
//
// The variant set is closed: Dispatch, Spawn, ActivateFanIn, CompleteRun.
// The applier switches exhaustively over these types, so adding a variant
// is a deliberate API change rather than a runtime surprise.
type Decision interface {
	isDecision()
}

// Dispatch moves a pending token to dispatched and emits a task message for
// the external executor.
type Dispatch struct {
	TokenID string
	NodeID  string
}

// Spawn creates Count successor tokens from a parent via one transition.
// Count == 1 on a non-fan-out transition is a plain advance: the successor
// continues the parent's lineage. Fan-out spawns assign fresh branch
// positions 0..Count-1 under a new shared path segment.
type Spawn struct {
	ParentID     string
	TransitionID string
	Count        int
	// Items holds the foreach collection elements, one per sibling, staged
	// into each sibling's branch namespace. Nil for spawn_count fan-outs
	// and plain advances.
	Items []any
}

// ActivateFanIn resolves a satisfied fan-in point: exactly one token
// proceeds, the other arrived siblings are completed, and every arrived
// branch namespace is merged into the shared context and dropped as one
// atomic unit.
type ActivateFanIn struct {
	FanInPath         string
	ProceedingTokenID string
	MergedTokenIDs    []string
	WaitingTokenIDs   []string
	Merge             *MergeSpec
}

// CompleteRun terminates the run successfully with the current output
// namespace as the run's result.
type CompleteRun struct {
	Output map[string]any
}

func (Dispatch) isDecision()      {}
func (Spawn) isDecision()         {}
func (ActivateFanIn) isDecision() {}
func (CompleteRun) isDecision()   {}
