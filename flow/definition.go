package flow

import (
	"fmt"
	"sort"
)

// SyncStrategy selects when a fan-in point activates.
type SyncStrategy string

const (
	// SyncAll activates once every sibling of the fan-out group has arrived.
	SyncAll SyncStrategy = "all"
	// SyncAny activates on the first arrival.
	SyncAny SyncStrategy = "any"
	// SyncCount activates once Threshold siblings have arrived.
	SyncCount SyncStrategy = "count"
)

// TimeoutPolicy selects what happens when a fan-in times out before its
// strategy is satisfied.
type TimeoutPolicy string

const (
	// TimeoutProceed activates the fan-in with whatever siblings arrived.
	TimeoutProceed TimeoutPolicy = "proceed"
	// TimeoutFail fails the run.
	TimeoutFail TimeoutPolicy = "fail"
)

// MergeStrategy selects how branch-local outputs are combined at a fan-in.
type MergeStrategy string

const (
	// MergeAppend collects each branch's source value into an array at the
	// target path, ordered by branch index. The result is deterministic and
	// independent of arrival order.
	MergeAppend MergeStrategy = "append"
	// MergeLastWins writes the source value of the branch that arrived last
	// (ties broken by higher branch index).
	MergeLastWins MergeStrategy = "last_wins"
)

// MergeSpec describes how a fan-in folds branch namespaces into the shared
// context.
type MergeSpec struct {
	// SourcePath is the dotted path read from each branch namespace.
	SourcePath string
	// TargetPath is the dotted "namespace.path" the merged value is written
	// to, e.g. "state.results".
	TargetPath string
	Strategy   MergeStrategy
}

// SyncSpec declares a transition's synchronization policy. A transition with
// a SyncSpec delivers its successor token to a fan-in gate instead of
// dispatching it immediately.
type SyncSpec struct {
	Strategy SyncStrategy
	// Threshold is the arrival count required under SyncCount.
	Threshold int
	// SiblingGroup names the fan-out transition whose children this fan-in
	// reconciles.
	SiblingGroup string
	// TimeoutMS escalates the fan-in if the strategy is not satisfied within
	// this many milliseconds of the first arrival. Zero disables the timeout.
	TimeoutMS int
	OnTimeout TimeoutPolicy
	Merge     *MergeSpec
}

// Mapping moves one value between a context path and a task payload field.
//
// For input mappings, From is a dotted "namespace.path" into the context
// snapshot (namespaces input, state, output, and branch for fan-out tokens)
// and To is a dotted path within the task input document. For output
// mappings the directions reverse: From addresses the task result document
// and To addresses the context.
type Mapping struct {
	From string
	To   string
}

// NodeDef declares one workflow node. The node's action runs in the external
// executor; the engine only knows the action's identity and how to map data
// in and out of it.
type NodeDef struct {
	ID         string
	ActionID   string
	ActionKind string
	// Terminal marks a node whose completion (with no matching outgoing
	// transition) completes the run.
	Terminal      bool
	InputMapping  []Mapping
	OutputMapping []Mapping
}

// Transition declares one directed edge of the workflow graph.
//
// Transitions from a node are evaluated in ascending Priority order against
// a context snapshot. Priority is a total order across all transitions of a
// node; ties are broken by transition ID so evaluation order is always
// deterministic. The first matching exclusive transition stops the scan;
// matching non-exclusive transitions fire and let the scan continue, which
// is how conditional fan-out and default branches coexist.
type Transition struct {
	ID       string
	From     string
	To       string
	Priority int
	// Condition is an expression over the context snapshot (namespaces
	// input, state, output). Empty means always true, guaranteeing a
	// default path exists.
	Condition string
	// NonExclusive lets this transition co-fire with other matches instead
	// of short-circuiting the priority scan.
	NonExclusive bool
	// OnFailure routes failed node executions. Transitions without it only
	// match successful completions; failure is data, not an exception.
	OnFailure bool
	// SpawnCount > 1 fans out that many sibling tokens.
	SpawnCount int
	// Foreach names a dotted "namespace.path" to a collection; one sibling
	// token is spawned per element, with the element staged at "item" in
	// the sibling's branch namespace.
	Foreach string
	// Sync makes the destination a fan-in point for this transition.
	Sync *SyncSpec
}

// fanOut reports whether this transition spawns sibling tokens.
func (t *Transition) fanOut() bool {
	return t.SpawnCount > 1 || t.Foreach != ""
}

// Definition is a complete, read-only workflow definition. Definitions are
// immutable during execution; the engine never writes to them.
type Definition struct {
	ID            string
	Version       string
	InitialNodeID string
	Nodes         []NodeDef
	Transitions   []Transition

	// Optional JSON Schema sources validating the corresponding context
	// namespaces. Empty means unvalidated.
	InputSchema  string
	StateSchema  string
	OutputSchema string

	nodeIndex map[string]*NodeDef
	outgoing  map[string][]*Transition
}

// Node returns the declared node with the given id.
func (d *Definition) Node(id string) (*NodeDef, error) {
	d.buildIndexes()
	n, ok := d.nodeIndex[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return n, nil
}

// TransitionsFrom returns the outgoing transitions of a node in evaluation
// order: ascending priority, ties broken by transition ID.
func (d *Definition) TransitionsFrom(nodeID string) []*Transition {
	d.buildIndexes()
	return d.outgoing[nodeID]
}

// Transition returns the declared transition with the given id.
func (d *Definition) Transition(id string) (*Transition, error) {
	for i := range d.Transitions {
		if d.Transitions[i].ID == id {
			return &d.Transitions[i], nil
		}
	}
	return nil, fmt.Errorf("transition %s is not declared", id)
}

func (d *Definition) buildIndexes() {
	if d.nodeIndex != nil {
		return
	}
	d.nodeIndex = make(map[string]*NodeDef, len(d.Nodes))
	for i := range d.Nodes {
		d.nodeIndex[d.Nodes[i].ID] = &d.Nodes[i]
	}
	d.outgoing = make(map[string][]*Transition)
	for i := range d.Transitions {
		t := &d.Transitions[i]
		d.outgoing[t.From] = append(d.outgoing[t.From], t)
	}
	for _, ts := range d.outgoing {
		sort.SliceStable(ts, func(i, j int) bool {
			if ts[i].Priority != ts[j].Priority {
				return ts[i].Priority < ts[j].Priority
			}
			return ts[i].ID < ts[j].ID
		})
	}
}

// Validate checks the definition's structure: declared initial node, known
// transition endpoints, unique ids, and well-formed synchronization and
// fan-out configuration. Malformed definitions are rejected here, before
// any run starts, never during execution.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return &EngineError{Code: "DEFINITION_INVALID", Message: "definition has no id"}
	}
	if len(d.Nodes) == 0 {
		return &EngineError{Code: "DEFINITION_INVALID", Message: "definition declares no nodes"}
	}

	nodes := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			return &EngineError{Code: "DEFINITION_INVALID", Message: "node with empty id"}
		}
		if nodes[n.ID] {
			return &EngineError{Code: "DEFINITION_INVALID", Message: "duplicate node id: " + n.ID}
		}
		nodes[n.ID] = true
	}

	if d.InitialNodeID == "" {
		return &EngineError{Code: "DEFINITION_INVALID", Message: "definition has no initial node"}
	}
	if !nodes[d.InitialNodeID] {
		return &EngineError{Code: "DEFINITION_INVALID", Message: "initial node is not declared: " + d.InitialNodeID}
	}

	transitions := make(map[string]bool, len(d.Transitions))
	for i := range d.Transitions {
		t := &d.Transitions[i]
		if t.ID == "" {
			return &EngineError{Code: "DEFINITION_INVALID", Message: "transition with empty id"}
		}
		if transitions[t.ID] {
			return &EngineError{Code: "DEFINITION_INVALID", Message: "duplicate transition id: " + t.ID}
		}
		transitions[t.ID] = true
		if !nodes[t.From] {
			return &EngineError{Code: "DEFINITION_INVALID", Message: fmt.Sprintf("transition %s references unknown source node %s", t.ID, t.From)}
		}
		if !nodes[t.To] {
			return &EngineError{Code: "DEFINITION_INVALID", Message: fmt.Sprintf("transition %s references unknown target node %s", t.ID, t.To)}
		}
		if t.SpawnCount > 1 && t.Foreach != "" {
			return &EngineError{Code: "DEFINITION_INVALID", Message: fmt.Sprintf("transition %s declares both spawn_count and foreach", t.ID)}
		}
		if t.fanOut() && t.Sync != nil {
			return &EngineError{Code: "DEFINITION_INVALID", Message: fmt.Sprintf("transition %s cannot both fan out and synchronize", t.ID)}
		}
		if err := validateSync(t, d.Transitions); err != nil {
			return err
		}
	}
	return nil
}

func validateSync(t *Transition, all []Transition) error {
	s := t.Sync
	if s == nil {
		return nil
	}
	switch s.Strategy {
	case SyncAll, SyncAny:
	case SyncCount:
		if s.Threshold < 1 {
			return &EngineError{Code: "DEFINITION_INVALID", Message: fmt.Sprintf("transition %s: count strategy requires threshold >= 1", t.ID)}
		}
	default:
		return &EngineError{Code: "DEFINITION_INVALID", Message: fmt.Sprintf("transition %s: unknown sync strategy %q", t.ID, s.Strategy)}
	}
	if s.SiblingGroup == "" {
		return &EngineError{Code: "DEFINITION_INVALID", Message: fmt.Sprintf("transition %s: sync requires a sibling group", t.ID)}
	}
	groupDeclared := false
	for i := range all {
		if all[i].ID == s.SiblingGroup {
			groupDeclared = true
			if !all[i].fanOut() {
				return &EngineError{Code: "DEFINITION_INVALID", Message: fmt.Sprintf("transition %s: sibling group %s is not a fan-out transition", t.ID, s.SiblingGroup)}
			}
		}
	}
	if !groupDeclared {
		return &EngineError{Code: "DEFINITION_INVALID", Message: fmt.Sprintf("transition %s: sibling group %s is not declared", t.ID, s.SiblingGroup)}
	}
	if s.TimeoutMS > 0 {
		switch s.OnTimeout {
		case TimeoutProceed, TimeoutFail:
		default:
			return &EngineError{Code: "DEFINITION_INVALID", Message: fmt.Sprintf("transition %s: timeout requires an on_timeout policy", t.ID)}
		}
	}
	if s.Merge != nil {
		switch s.Merge.Strategy {
		case MergeAppend, MergeLastWins:
		default:
			return &EngineError{Code: "DEFINITION_INVALID", Message: fmt.Sprintf("transition %s: unknown merge strategy %q", t.ID, s.Merge.Strategy)}
		}
		if s.Merge.SourcePath == "" || s.Merge.TargetPath == "" {
			return &EngineError{Code: "DEFINITION_INVALID", Message: fmt.Sprintf("transition %s: merge requires source and target paths", t.ID)}
		}
	}
	return nil
}
