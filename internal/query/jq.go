// Package query filters CLI output documents with jq expressions.
package query

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/lifecycle/pkg/schema"
)

// Filter evaluates jq expressions against JSON documents.
// Compiled expressions are cached and safe to reuse across goroutines.
type Filter struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewFilter creates an empty filter.
func NewFilter() *Filter {
	return &Filter{cache: make(map[string]*gojq.Code)}
}

// Apply runs expression over doc and returns every output. doc is first
// round-tripped through encoding/json so structs are seen as jq sees JSON.
func (f *Filter) Apply(ctx context.Context, expression string, doc any) ([]any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	code, err := f.getOrCompile(expression)
	if err != nil {
		return nil, err
	}
	input, err := toJSONValue(doc)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, input)
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}
	return results, nil
}

// ApplyOne is like Apply but collapses a single output to its value and
// several outputs to a slice.
func (f *Filter) ApplyOne(ctx context.Context, expression string, doc any) (any, error) {
	results, err := f.Apply(ctx, expression, doc)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (f *Filter) getOrCompile(expression string) (*gojq.Code, error) {
	f.mu.RLock()
	if code, ok := f.cache[expression]; ok {
		f.mu.RUnlock()
		return code, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if code, ok := f.cache[expression]; ok {
		return code, nil
	}

	q, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	// No $ENV: queries come from the command line and must not read the process environment.
	code, err := gojq.Compile(q, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	f.cache[expression] = code
	return code, nil
}

func toJSONValue(doc any) (any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "document is not JSON encodable").WithCause(err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode document").WithCause(err)
	}
	return v, nil
}
