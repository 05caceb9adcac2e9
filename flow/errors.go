package flow

import "errors"

// ErrRunTerminal indicates that an operation targeted a run that has already
// reached a terminal status. Late task results against terminal runs are
// ignored rather than failed; this error is reserved for operations that
// genuinely require a live run, such as CancelRun.
var ErrRunTerminal = errors.New("run is already in a terminal state")

// ErrUnknownNode indicates that a token or transition referenced a node id
// that the workflow definition does not declare.
var ErrUnknownNode = errors.New("node is not declared in the workflow definition")

// ErrNoBranchContext indicates that a mapping or merge addressed the branch
// namespace of a token that is not part of an in-flight fan-out.
var ErrNoBranchContext = errors.New("token has no branch context namespace")

// EngineError captures a coordination failure with a machine-readable code.
//
// Codes used by the engine:
//   - DEFINITION_INVALID: the workflow definition failed structural validation
//   - CONDITION_EVAL_FAILED: a transition condition could not be evaluated
//   - SCHEMA_VALIDATION_FAILED: a context namespace violated its JSON Schema
//   - MERGE_FAILED: a fan-in merge referenced a missing branch path
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}
