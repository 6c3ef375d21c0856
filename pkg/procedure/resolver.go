package procedure

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/procflow/procflow/pkg/errors"
	"github.com/procflow/procflow/pkg/plan"
	"github.com/procflow/procflow/pkg/procedure/expression"
)

// Evaluator evaluates one template expression against the binding
// environment. The resolver supplies the bindings and propagates
// evaluator failures; the expression grammar itself stays pluggable.
type Evaluator interface {
	Evaluate(expr string, env *Environment) (any, error)
}

// TemplateEvaluator adapts the expression engine to the Evaluator
// interface by flattening the environment into its variable map.
func TemplateEvaluator(engine *expression.Evaluator) Evaluator {
	return &templateEvaluator{engine: engine}
}

type templateEvaluator struct {
	engine *expression.Evaluator
}

func (t *templateEvaluator) Evaluate(expr string, env *Environment) (any, error) {
	return t.engine.Evaluate(expr, env.Snapshot())
}

// Resolver turns plan values into concrete runtime values against an
// environment: literals pass through (with embedded template strings
// rendered), references walk the binding frames, and templates are
// delegated to the evaluator.
type Resolver struct {
	eval Evaluator
}

// NewResolver creates a resolver over the given template evaluator.
func NewResolver(eval Evaluator) *Resolver {
	return &Resolver{eval: eval}
}

// Resolve produces the runtime value of one plan value.
//
// An unbound reference is reported as *errors.ResolveError: a plan
// that passed validation never produces one, so the executor treats it
// as fatal. A reference to a known but skipped step resolves to nil,
// field path and all.
func (r *Resolver) Resolve(v plan.Value, env *Environment) (any, error) {
	switch v.Kind() {
	case plan.ValueRef:
		return r.resolveRef(v.Ref(), env)
	case plan.ValueTemplate:
		return r.renderTemplate(v.Template(), env)
	default:
		return r.resolveLiteral(v.Literal(), env)
	}
}

// ResolveArgs resolves a step's arguments in name order.
func (r *Resolver) ResolveArgs(args map[string]plan.Value, env *Environment) (map[string]any, error) {
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]any, len(args))
	for _, name := range names {
		v, err := r.Resolve(args[name], env)
		if err != nil {
			return nil, fmt.Errorf("arg %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// resolveLiteral passes plain values through, rendering template
// strings embedded in literal containers so legacy inline {{ }} text
// behaves the same at any nesting depth.
func (r *Resolver) resolveLiteral(v any, env *Environment) (any, error) {
	switch t := v.(type) {
	case string:
		if plan.ContainsTemplate(t) {
			return r.renderTemplate(t, env)
		}
		return t, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			rv, err := r.resolveLiteral(t[k], env)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			rv, err := r.resolveLiteral(elem, env)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *Resolver) resolveRef(text string, env *Environment) (any, error) {
	ref, err := plan.ParseReference(text)
	if err != nil {
		return nil, &errors.ResolveError{
			Namespace: text,
			Reason:    err.Error(),
		}
	}

	switch ref.Namespace {
	case plan.NamespaceSteps:
		v, ok := env.Step(ref.Name)
		if !ok {
			return nil, &errors.ResolveError{
				Namespace: ref.Namespace,
				Name:      ref.Name,
				FieldPath: ref.FieldPath,
				Reason:    "step is not bound in this scope",
			}
		}
		if env.Skipped(ref.Name) {
			return nil, nil
		}
		return walkFieldPath(v, ref)

	case plan.NamespaceParams:
		v, ok := env.Param(ref.Name)
		if !ok {
			return nil, &errors.ResolveError{
				Namespace: ref.Namespace,
				Name:      ref.Name,
				FieldPath: ref.FieldPath,
				Reason:    "parameter is not declared",
			}
		}
		return walkFieldPath(v, ref)

	case plan.NamespaceItem:
		v, ok := env.Item()
		if !ok {
			return nil, &errors.ResolveError{
				Namespace: ref.Namespace,
				FieldPath: ref.FieldPath,
				Reason:    "item is only bound inside a foreach branch",
			}
		}
		return walkFieldPath(v, ref)

	case plan.NamespaceItemIndex:
		idx, ok := env.ItemIndex()
		if !ok {
			return nil, &errors.ResolveError{
				Namespace: ref.Namespace,
				Reason:    "item_index is only bound inside a foreach branch",
			}
		}
		return idx, nil

	default:
		return nil, &errors.ResolveError{
			Namespace: ref.Namespace,
			Name:      ref.Name,
			Reason:    "unknown namespace",
		}
	}
}

// fieldSeg is one segment of a parsed field path: a map key or a list
// index.
type fieldSeg struct {
	key     string
	index   int
	isIndex bool
}

// walkFieldPath walks a reference's field path into a resolved value.
// Missing keys and out-of-range indexes resolve to nil rather than
// failing, matching how skipped steps surface; taking a field of a
// non-container value is a step-level error governed by on_error.
func walkFieldPath(v any, ref plan.Reference) (any, error) {
	if ref.FieldPath == "" {
		return v, nil
	}
	segs, err := parseFieldPath(ref.FieldPath)
	if err != nil {
		return nil, &errors.ResolveError{
			Namespace: ref.Namespace,
			Name:      ref.Name,
			FieldPath: ref.FieldPath,
			Reason:    err.Error(),
		}
	}

	for _, seg := range segs {
		if v == nil {
			return nil, nil
		}
		if seg.isIndex {
			list, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("cannot index %T value at %s", v, ref.String())
			}
			if seg.index < 0 || seg.index >= len(list) {
				return nil, nil
			}
			v = list[seg.index]
			continue
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot take field %q of %T value at %s", seg.key, v, ref.String())
		}
		v = obj[seg.key]
	}
	return v, nil
}

func parseFieldPath(path string) ([]fieldSeg, error) {
	var segs []fieldSeg
	i := 0
	for i < len(path) {
		switch {
		case path[i] == '.':
			if i == 0 || i+1 >= len(path) || path[i+1] == '.' || path[i+1] == '[' {
				return nil, fmt.Errorf("malformed field path %q", path)
			}
			i++
		case path[i] == '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("malformed field path %q", path)
			}
			idx, err := strconv.Atoi(path[i+1 : i+end])
			if err != nil {
				return nil, fmt.Errorf("malformed index in field path %q", path)
			}
			segs = append(segs, fieldSeg{index: idx, isIndex: true})
			i += end + 1
		default:
			start := i
			for i < len(path) && path[i] != '.' && path[i] != '[' {
				i++
			}
			segs = append(segs, fieldSeg{key: path[start:i]})
		}
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("malformed field path %q", path)
	}
	return segs, nil
}
