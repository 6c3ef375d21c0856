package procedure

import (
	"fmt"
	"sort"
	"strings"

	"github.com/procflow/procflow/pkg/errors"
	"github.com/procflow/procflow/pkg/plan"
)

// Compile transforms a validated plan into an executable definition.
//
// Compilation is deterministic and side-effect free: it normalizes
// step shapes into the closed variant set, fills in effective on_error
// policies (step policy, then the plan-level one, then skip; the
// run-level default is the plan-level policy or continue), derives a
// slug when the plan omits one, and preserves the branch structure
// exactly, one compiled step per plan step. The result is re-checked
// against the compiled contract before it is returned, so a defect
// here never reaches the store.
//
// Callers must validate the plan first. Compile reports defects on
// unvalidated input as *errors.CompileError, not as user-facing
// validation findings.
func Compile(p *plan.Plan) (*Definition, error) {
	if p == nil {
		return nil, &errors.CompileError{Reason: "nil plan"}
	}

	stepDefault := plan.OnErrorSkip
	if p.OnError != "" {
		stepDefault = p.OnError
	}
	runDefault := p.OnError
	if runDefault == "" {
		runDefault = plan.OnErrorContinue
	}

	steps, err := compileSteps(p.Steps, "$.steps", stepDefault)
	if err != nil {
		return nil, err
	}

	slug := p.Procedure.Slug
	if slug == "" {
		slug = Slugify(p.Procedure.Name)
	}

	def := &Definition{
		Name:        p.Procedure.Name,
		Slug:        slug,
		Description: p.Procedure.Description,
		Tags:        append([]string(nil), p.Procedure.Tags...),
		Parameters:  append([]plan.Parameter(nil), p.Parameters...),
		Steps:       steps,
		Triggers:    append([]plan.Trigger(nil), p.Triggers...),
		OnError:     runDefault,
	}
	if err := def.Check(); err != nil {
		return nil, err
	}
	return def, nil
}

func compileSteps(steps []plan.PlanStep, path string, stepDefault plan.OnErrorPolicy) ([]Step, error) {
	out := make([]Step, len(steps))
	for i := range steps {
		compiled, err := compileStep(&steps[i], fmt.Sprintf("%s[%d]", path, i), stepDefault)
		if err != nil {
			return nil, err
		}
		out[i] = compiled
	}
	return out, nil
}

func compileStep(s *plan.PlanStep, path string, stepDefault plan.OnErrorPolicy) (Step, error) {
	onError := s.OnError
	if onError == "" {
		onError = stepDefault
	}

	switch s.Tool {
	case plan.ToolForeach:
		if s.Foreach == nil {
			return nil, &errors.CompileError{Path: path, Reason: "foreach step has no source"}
		}
		body, err := compileSteps(s.Branches[plan.BranchEach], path+".branches.each", stepDefault)
		if err != nil {
			return nil, err
		}
		return &ForeachStep{
			Name:        s.Name,
			Description: s.Description,
			Source:      *s.Foreach,
			Body:        body,
			Condition:   cloneCondition(s.Condition),
			OnError:     onError,
		}, nil

	case plan.ToolIfBranch:
		if s.Condition == nil {
			return nil, &errors.CompileError{Path: path, Reason: "if_branch step has no condition"}
		}
		then, err := compileSteps(s.Branches[plan.BranchThen], path+".branches.then", stepDefault)
		if err != nil {
			return nil, err
		}
		var elseSteps []Step
		if branch, ok := s.Branches[plan.BranchElse]; ok {
			elseSteps, err = compileSteps(branch, path+".branches.else", stepDefault)
			if err != nil {
				return nil, err
			}
		}
		return &IfStep{
			Name:        s.Name,
			Description: s.Description,
			Condition:   *s.Condition,
			Then:        then,
			Else:        elseSteps,
			OnError:     onError,
		}, nil

	case plan.ToolSwitchBranch:
		if s.Condition == nil {
			return nil, &errors.CompileError{Path: path, Reason: "switch_branch step has no discriminant"}
		}
		labels := make([]string, 0, len(s.Branches))
		for label := range s.Branches {
			if label != plan.BranchDefault {
				labels = append(labels, label)
			}
		}
		sort.Strings(labels)
		cases := make([]SwitchCase, 0, len(labels))
		for _, label := range labels {
			branch, err := compileSteps(s.Branches[label], fmt.Sprintf("%s.branches.%s", path, label), stepDefault)
			if err != nil {
				return nil, err
			}
			cases = append(cases, SwitchCase{Label: label, Steps: branch})
		}
		var deflt []Step
		if branch, ok := s.Branches[plan.BranchDefault]; ok {
			var err error
			deflt, err = compileSteps(branch, path+".branches.default", stepDefault)
			if err != nil {
				return nil, err
			}
		}
		return &SwitchStep{
			Name:         s.Name,
			Description:  s.Description,
			Discriminant: *s.Condition,
			Cases:        cases,
			Default:      deflt,
			OnError:      onError,
		}, nil

	case plan.ToolParallel:
		names := make([]string, 0, len(s.Branches))
		for name := range s.Branches {
			names = append(names, name)
		}
		sort.Strings(names)
		branches := make([]ParallelBranch, 0, len(names))
		for _, name := range names {
			branch, err := compileSteps(s.Branches[name], fmt.Sprintf("%s.branches.%s", path, name), stepDefault)
			if err != nil {
				return nil, err
			}
			branches = append(branches, ParallelBranch{Name: name, Steps: branch})
		}
		return &ParallelStep{
			Name:        s.Name,
			Description: s.Description,
			Branches:    branches,
			Condition:   cloneCondition(s.Condition),
			OnError:     onError,
		}, nil

	default:
		if len(s.Branches) > 0 {
			return nil, &errors.CompileError{
				Path:   path + ".branches",
				Reason: fmt.Sprintf("tool step %q carries branches", s.Name),
			}
		}
		args := make(map[string]plan.Value, len(s.Args))
		for name, v := range s.Args {
			args[name] = v
		}
		return &SimpleStep{
			Name:        s.Name,
			Tool:        s.Tool,
			Description: s.Description,
			Args:        args,
			Condition:   cloneCondition(s.Condition),
			OnError:     onError,
		}, nil
	}
}

func cloneCondition(v *plan.Value) *plan.Value {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Slugify derives a URL-safe slug from a procedure name: lowercase,
// runs of non-alphanumerics collapsed to single hyphens.
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
