package progress

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/rendis/lifecycle/pkg/schema"
)

// ConditionEngine evaluates runtime DAG edge conditions with CEL.
// Thread-safe: compiled programs are cached and reused across goroutines.
//
// The environment exposes the finished predecessor step:
//   - status: string              (its step status, e.g. "SUCCEEDED")
//   - output: map(string, dyn)    (its task output)
type ConditionEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewConditionEngine creates the CEL environment for edge conditions.
func NewConditionEngine() (*ConditionEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("status", cel.StringType),
		cel.Variable("output", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &ConditionEngine{env: env, cache: make(map[string]cel.Program)}, nil
}

// Evaluate reports whether the edge condition holds. Empty conditions always hold.
func (e *ConditionEngine) Evaluate(expression string, status schema.StepStatus, output map[string]any) (bool, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" || expression == "true" {
		return true, nil
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return false, err
	}
	if output == nil {
		output = map[string]any{}
	}

	out, _, err := prg.Eval(map[string]any{"status": string(status), "output": output})
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeInternal,
			"edge condition %q failed: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeInternal,
			"edge condition %q returned %T, want bool", expression, out.Value())
	}
	return b, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *ConditionEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInternal,
			"edge condition compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInternal,
			"edge condition program error for %q: %s", expression, err.Error()).
			WithCause(err)
	}

	e.cache[expression] = prg
	return prg, nil
}
