package plan

import (
	"fmt"
	"sort"
)

// refScope tracks which step names are visible at a point in the walk.
// Scopes form a chain: each branch step list gets a child scope, so names
// bound inside a branch disappear when the branch closes and sibling
// parallel branches never see each other.
type refScope struct {
	parent *refScope
	names  map[string]bool
	inEach bool
}

func newRefScope(parent *refScope, inEach bool) *refScope {
	return &refScope{parent: parent, names: map[string]bool{}, inEach: inEach}
}

// bound reports whether a step name is visible from this scope.
func (s *refScope) bound(name string) bool {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.names[name] {
			return true
		}
	}
	return false
}

// itemVisible reports whether item / item_index are in scope, which holds
// inside any foreach each branch, however deeply nested.
func (s *refScope) itemVisible() bool {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.inEach {
			return true
		}
	}
	return false
}

// refWalker validates reference integrity across the step tree and records
// which parameters the plan actually uses.
type refWalker struct {
	params     map[string]bool
	usedParams map[string]bool
	open       map[string]int
	errs       []ValidationError
}

// validateReferences checks every structured reference and every {{ }}
// token embedded in template or plain strings against the lexical scope
// rules: only earlier steps in the same or an enclosing list are visible,
// a step never references itself or an enclosing flow step, parameters
// must be declared, and item / item_index are bound only inside a foreach
// each branch. It returns the set of referenced parameter names for the
// unused-parameter warning.
func validateReferences(p *Plan) (map[string]bool, []ValidationError) {
	w := &refWalker{
		params:     map[string]bool{},
		usedParams: map[string]bool{},
		open:       map[string]int{},
	}
	for _, param := range p.Parameters {
		w.params[param.Name] = true
	}
	w.walkList(p.Steps, "$.steps", newRefScope(nil, false))
	return w.usedParams, w.errs
}

func (w *refWalker) walkList(steps []PlanStep, path string, scope *refScope) {
	for i := range steps {
		step := &steps[i]
		stepPath := fmt.Sprintf("%s[%d]", path, i)
		w.checkStepRefs(step, stepPath, scope)

		if len(step.Branches) > 0 {
			// The flow step's own output is not bound until its branches
			// complete, so branch steps referencing it form a cycle.
			w.open[step.Name]++
			for _, name := range branchNames(step) {
				child := newRefScope(scope, step.Tool == ToolForeach && name == BranchEach)
				w.walkList(step.Branches[name], fmt.Sprintf("%s.branches.%s", stepPath, name), child)
			}
			w.open[step.Name]--
			if w.open[step.Name] == 0 {
				delete(w.open, step.Name)
			}
		}

		scope.names[step.Name] = true
	}
}

func (w *refWalker) checkStepRefs(step *PlanStep, path string, scope *refScope) {
	for _, name := range argNames(step.Args) {
		w.checkValueRefs(step, step.Args[name], fmt.Sprintf("%s.args.%s", path, name), scope)
	}
	if step.Condition != nil {
		w.checkValueRefs(step, *step.Condition, path+".condition", scope)
	}
	if step.Foreach != nil {
		w.checkValueRefs(step, *step.Foreach, path+".foreach", scope)
	}
}

func (w *refWalker) checkValueRefs(step *PlanStep, v Value, path string, scope *refScope) {
	switch v.Kind() {
	case ValueRef:
		ref, err := ParseReference(v.Ref())
		if err != nil {
			w.errs = append(w.errs, ValidationError{
				Code:    CodeInvalidStepReference,
				Path:    path,
				Message: err.Error(),
				Details: map[string]any{"ref": v.Ref()},
			})
			return
		}
		w.checkParsedRef(step, ref, path, scope)
	case ValueTemplate:
		for _, ref := range ScanTemplateRefs(v.Template()) {
			w.checkParsedRef(step, ref, path, scope)
		}
	case ValueLiteral:
		w.scanLiteral(step, v.Literal(), path, scope)
	}
}

// scanLiteral walks nested literal containers looking for inline {{ }}
// template strings so string-embedded references get the same integrity
// checks as structured ones.
func (w *refWalker) scanLiteral(step *PlanStep, v any, path string, scope *refScope) {
	switch val := v.(type) {
	case string:
		if !ContainsTemplate(val) {
			return
		}
		for _, ref := range ScanTemplateRefs(val) {
			w.checkParsedRef(step, ref, path, scope)
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			w.scanLiteral(step, val[k], path+"."+k, scope)
		}
	case []any:
		for i, item := range val {
			w.scanLiteral(step, item, fmt.Sprintf("%s[%d]", path, i), scope)
		}
	}
}

func (w *refWalker) checkParsedRef(step *PlanStep, ref Reference, path string, scope *refScope) {
	switch ref.Namespace {
	case NamespaceSteps:
		if ref.Name == step.Name {
			w.errs = append(w.errs, ValidationError{
				Code:    CodeCircularDependency,
				Path:    path,
				Message: fmt.Sprintf("step %q references itself", ref.Name),
				Details: map[string]any{"step": ref.Name},
			})
			return
		}
		if w.open[ref.Name] > 0 {
			w.errs = append(w.errs, ValidationError{
				Code:    CodeCircularDependency,
				Path:    path,
				Message: fmt.Sprintf("reference to enclosing step %q creates a cycle", ref.Name),
				Details: map[string]any{"step": ref.Name},
			})
			return
		}
		if !scope.bound(ref.Name) {
			w.errs = append(w.errs, ValidationError{
				Code:    CodeInvalidStepReference,
				Path:    path,
				Message: fmt.Sprintf("step %q is not defined before this step", ref.Name),
				Details: map[string]any{"step": ref.Name},
			})
		}
	case NamespaceParams:
		if !w.params[ref.Name] {
			w.errs = append(w.errs, ValidationError{
				Code:    CodeInvalidParamReference,
				Path:    path,
				Message: fmt.Sprintf("parameter %q is not declared", ref.Name),
				Details: map[string]any{"parameter": ref.Name},
			})
			return
		}
		w.usedParams[ref.Name] = true
	case NamespaceItem, NamespaceItemIndex:
		if !scope.itemVisible() {
			w.errs = append(w.errs, ValidationError{
				Code:    CodeInvalidItemReference,
				Path:    path,
				Message: fmt.Sprintf("%s is only bound inside a foreach %s branch", ref.Namespace, BranchEach),
			})
		}
	}
}
