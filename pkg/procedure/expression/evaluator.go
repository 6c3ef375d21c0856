// Package expression evaluates the {{ }} segments of template strings.
//
// The engine treats the expression grammar as an opaque, swappable
// component: this package wraps expr-lang behind a small Evaluate
// surface, compiles each distinct expression once into a cached
// program, and exposes the filter functions template authors use for
// shaping tool outputs (length, join, compact, to_json, and friends).
// Undefined variables evaluate to nil rather than failing, so
// templates can reference skipped steps and lean on the default
// filter.
package expression

import (
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/procflow/procflow/pkg/errors"
)

// compileOpts registers every filter as a compile-time function. Some
// filter names (join, first, keys, trim, ...) collide with expr
// builtins whose semantics differ, so those builtins are disabled and
// the filter takes the name over.
var compileOpts = buildCompileOpts()

func buildCompileOpts() []expr.Option {
	names := make([]string, 0, len(filterFuncs))
	for name := range filterFuncs {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := []expr.Option{expr.AllowUndefinedVariables()}
	for _, name := range names {
		opts = append(opts, expr.DisableBuiltin(name), expr.Function(name, filterFuncs[name]))
	}
	return opts
}

// Evaluator compiles and runs template expressions with a program cache.
// One Evaluator is shared across all runs of an executor; both the cache
// and evaluation are safe for concurrent use.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates an expression evaluator with an empty program cache.
func New() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate runs a single expression against the supplied variables and
// returns its raw result. The expression text is the inside of one
// {{ }} segment, without the braces. An empty expression yields nil.
func (e *Evaluator) Evaluate(expression string, vars map[string]any) (any, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	if vars == nil {
		vars = map[string]any{}
	}
	result, err := expr.Run(program, vars)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "expression",
			Message: err.Error(),
		}
	}
	return result, nil
}

// EvaluateBool runs an expression and reduces the result to a truth
// value, for condition gates and branch selection.
func (e *Evaluator) EvaluateBool(expression string, vars map[string]any) (bool, error) {
	result, err := e.Evaluate(expression, vars)
	if err != nil {
		return false, err
	}
	return Truthy(result), nil
}

// compile returns the cached program for an expression, compiling and
// caching it on first use.
func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(expression, compileOpts...)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    err.Error(),
			Suggestion: "check the expression syntax inside {{ }}",
		}
	}

	e.mu.Lock()
	e.cache[expression] = program
	e.mu.Unlock()
	return program, nil
}

// ClearCache empties the program cache.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]*vm.Program)
}

// CacheSize returns the number of cached programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// Truthy reduces a value to a truth decision: nil, false, zero numbers,
// empty strings, and empty collections are falsy; everything else is
// truthy.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
