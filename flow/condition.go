package flow

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// conditionSet compiles and caches transition condition expressions.
//
// Conditions are expr-lang expressions evaluated over the context snapshot,
// e.g. `state.score > 0.5 && input.mode == "strict"`. Programs are compiled
// once per source string and reused across every evaluation in every run;
// definitions are read-only during execution, so the cache never
// invalidates.
type conditionSet struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func newConditionSet() *conditionSet {
	return &conditionSet{programs: make(map[string]*vm.Program)}
}

// compile parses a condition and caches the program. Called for every
// condition at engine construction so malformed expressions are definition
// errors, not execution errors.
func (c *conditionSet) compile(condition string) error {
	if condition == "" {
		return nil
	}

	c.mu.RLock()
	_, ok := c.programs[condition]
	c.mu.RUnlock()
	if ok {
		return nil
	}

	program, err := expr.Compile(condition,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return &EngineError{
			Code:    "DEFINITION_INVALID",
			Message: fmt.Sprintf("condition %q does not compile: %v", condition, err),
		}
	}

	c.mu.Lock()
	c.programs[condition] = program
	c.mu.Unlock()
	return nil
}

// eval runs a condition against the context snapshot. An empty condition is
// always true, guaranteeing default paths exist.
func (c *conditionSet) eval(condition string, snapshot map[string]any) (bool, error) {
	if condition == "" {
		return true, nil
	}

	c.mu.RLock()
	program, ok := c.programs[condition]
	c.mu.RUnlock()
	if !ok {
		if err := c.compile(condition); err != nil {
			return false, err
		}
		c.mu.RLock()
		program = c.programs[condition]
		c.mu.RUnlock()
	}

	out, err := expr.Run(program, snapshot)
	if err != nil {
		return false, &EngineError{
			Code:    "CONDITION_EVAL_FAILED",
			Message: fmt.Sprintf("condition %q: %v", condition, err),
		}
	}
	result, ok := out.(bool)
	if !ok {
		return false, &EngineError{
			Code:    "CONDITION_EVAL_FAILED",
			Message: fmt.Sprintf("condition %q did not yield a boolean", condition),
		}
	}
	return result, nil
}
