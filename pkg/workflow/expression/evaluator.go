package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	wefterrors "github.com/weftworks/weft/pkg/errors"
)

// helperEnv returns the function bindings conditions may call. A fresh map
// per use, because Evaluate merges the step context into it.
func helperEnv() map[string]interface{} {
	return map[string]interface{}{
		"has":      containsFunc,
		"includes": containsFunc,
		"length":   lenFunc,
	}
}

// Evaluator compiles and runs connection conditions. Compiled programs are
// cached by source text: a definition's conditions compile once and run on
// every dispatch of the step.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates an evaluator with an empty program cache.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate runs a condition against the step context and returns its boolean
// result. The empty condition is the unconditional connection and is true.
//
// The context carries the dispatcher's view of the completed step:
//   - input: the payload the step was activated with
//   - output: the step's result (task metadata output)
//   - error: the failure message when routing a failed step, else nil
//
// Example:
//
//	ctx := map[string]interface{}{
//	    "input":  map[string]interface{}{"region": "eu"},
//	    "output": map[string]interface{}{"approved": true},
//	}
//	ok, err := eval.Evaluate(`output.approved == true`, ctx)
func (e *Evaluator) Evaluate(condition string, ctx map[string]interface{}) (bool, error) {
	if condition == "" {
		return true, nil
	}

	program, err := e.compile(condition)
	if err != nil {
		return false, &wefterrors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("failed to compile condition: %s", err.Error()),
			Suggestion: "check the expression syntax and ensure referenced variables exist",
		}
	}

	env := helperEnv()
	for k, v := range ctx {
		env[k] = v
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return false, &wefterrors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("condition evaluation failed: %s", err.Error()),
			Suggestion: "verify that referenced variables exist in the step context",
		}
	}

	ok, isBool := out.(bool)
	if !isBool {
		return false, &wefterrors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("condition must return boolean, got %T (%v)", out, out),
			Suggestion: "use comparison operators (==, !=, <, >) or boolean functions",
		}
	}
	return ok, nil
}

// Check compiles a condition without running it. Definition validation uses
// this to reject bad syntax before a workflow is published.
func (e *Evaluator) Check(condition string) error {
	if condition == "" {
		return nil
	}
	_, err := e.compile(condition)
	return err
}

func (e *Evaluator) compile(condition string) (*vm.Program, error) {
	e.mu.RLock()
	program, hit := e.cache[condition]
	e.mu.RUnlock()
	if hit {
		return program, nil
	}

	program, err := expr.Compile(condition,
		expr.Env(helperEnv()),
		// Step data is merged in at run time.
		expr.AllowUndefinedVariables(),
		// Conditions must produce a boolean.
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[condition] = program
	e.mu.Unlock()
	return program, nil
}

// ClearCache drops every compiled program.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	e.cache = make(map[string]*vm.Program)
	e.mu.Unlock()
}

// CacheSize returns the number of cached programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
