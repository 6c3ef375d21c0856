// Package jq provides sandboxed jq expression execution for pipeline stages.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// DefaultTimeout is the default execution time for jq expressions (1 second)
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize is the default maximum input size (10MB)
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// paramsVariable exposes stage parameters to expressions as $params.
var paramsVariable = []string{"$params"}

// Executor evaluates jq expressions with timeout and input-size limits.
// Expressions run against a single pipeline item as their input, with the
// stage's parameters bound as $params.
type Executor struct {
	timeout      time.Duration
	maxInputSize int64
}

// NewExecutor creates a jq executor with the given limits. Zero values
// select the defaults.
func NewExecutor(timeout time.Duration, maxInputSize int64) *Executor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize == 0 {
		maxInputSize = DefaultMaxInputSize
	}

	return &Executor{
		timeout:      timeout,
		maxInputSize: maxInputSize,
	}
}

// Execute runs a jq expression against an item with timeout protection.
// params is bound as $params inside the expression; a nil map binds null.
func (e *Executor) Execute(ctx context.Context, expression string, item any, params map[string]any) (any, error) {
	if expression == "" {
		// No expression specified, pass the item through
		return item, nil
	}

	input, err := e.normalizeItem(item)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	code, err := compile(expression)
	if err != nil {
		return nil, err
	}

	resultChan := make(chan any, 1)
	errorChan := make(chan error, 1)

	go func() {
		iter := code.RunWithContext(execCtx, input, paramsValue(params))

		var results []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}

			if err, isErr := v.(error); isErr {
				errorChan <- err
				return
			}

			results = append(results, v)
		}

		// A single result is returned directly, multiple as an array
		switch len(results) {
		case 0:
			resultChan <- nil
		case 1:
			resultChan <- results[0]
		default:
			resultChan <- results
		}
	}()

	select {
	case result := <-resultChan:
		return result, nil
	case err := <-errorChan:
		return nil, err
	case <-execCtx.Done():
		return nil, fmt.Errorf("jq execution timeout after %v", e.timeout)
	}
}

// Validate checks a jq expression by compiling it with the same variable
// bindings Execute uses. Called during pipeline validation to catch syntax
// errors before any item is processed.
func (e *Executor) Validate(expression string) error {
	if expression == "" {
		return nil
	}

	if _, err := compile(expression); err != nil {
		return err
	}
	return nil
}

// compile parses and compiles an expression with $params declared.
func compile(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}

	code, err := gojq.Compile(query, gojq.WithVariables(paramsVariable))
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed: %w", err)
	}

	return code, nil
}

// paramsValue converts a params map into the value bound to $params.
// gojq accepts only JSON-compatible values, so the map is round-tripped
// through encoding/json when it holds anything else.
func paramsValue(params map[string]any) any {
	if params == nil {
		return nil
	}

	data, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// normalizeItem marshals the item once to enforce the size cap and to
// convert it into the JSON-compatible shape gojq requires as input.
func (e *Executor) normalizeItem(item any) (any, error) {
	jsonData, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item: %w", err)
	}

	if int64(len(jsonData)) > e.maxInputSize {
		return nil, fmt.Errorf("item size (%d bytes) exceeds maximum (%d bytes)",
			len(jsonData), e.maxInputSize)
	}

	var out any
	if err := json.Unmarshal(jsonData, &out); err != nil {
		return nil, fmt.Errorf("failed to normalize item: %w", err)
	}
	return out, nil
}
