// Package procedure compiles validated plans into executable
// definitions and runs them.
//
// A Definition is the compiled, versioned form of a typed plan: a
// closed set of step variants the executor interprets against an
// explicit binding environment. Compilation is total over plans that
// passed validation; any failure it reports is a compiler defect, not
// a user error. The Executor walks a definition's steps in document
// order, resolves references and templates, dispatches tool calls
// through the registry, and applies each step's on_error policy to
// failures.
package procedure

import (
	"encoding/json"
	"fmt"

	"github.com/procflow/procflow/pkg/errors"
	"github.com/procflow/procflow/pkg/plan"
)

// Definition is a compiled procedure. Definitions are immutable once
// stored; an edit produces a new version. Version is assigned by the
// store, not the compiler, and is carried outside the definition
// document.
type Definition struct {
	// Name is the human-readable procedure name
	Name string

	// Slug identifies the procedure, unique per organization
	Slug string

	// Description explains what the procedure does
	Description string

	// Tags label the procedure for discovery
	Tags []string

	// Parameters declares the runtime inputs a run binds at start
	Parameters []plan.Parameter

	// Steps is the executable flow in document order
	Steps []Step

	// Triggers configures how the procedure can be invoked
	Triggers []plan.Trigger

	// OnError is the run-level default applied when the executor has no
	// step policy to consult
	OnError plan.OnErrorPolicy

	// Version is the stored version this definition was loaded as, or
	// zero for a freshly compiled one
	Version int
}

// Step is one compiled execution unit. The closed set of variants is
// SimpleStep, ForeachStep, IfStep, SwitchStep, and ParallelStep; the
// executor interprets them with a type switch.
type Step interface {
	// StepName returns the step's unique name within its step list.
	StepName() string

	// planStep converts the step back to its document form. It also
	// seals the interface to this package's variants.
	planStep() plan.PlanStep
}

// SimpleStep invokes a registered tool with resolved arguments.
type SimpleStep struct {
	Name        string
	Tool        string
	Description string
	Args        map[string]plan.Value

	// Condition gates execution; a falsy result skips the step
	Condition *plan.Value

	OnError plan.OnErrorPolicy
}

// StepName returns the step's name.
func (s *SimpleStep) StepName() string { return s.Name }

func (s *SimpleStep) planStep() plan.PlanStep {
	return plan.PlanStep{
		Name:        s.Name,
		Tool:        s.Tool,
		Description: s.Description,
		Args:        s.Args,
		Condition:   s.Condition,
		OnError:     s.OnError,
	}
}

// ForeachStep iterates its body once per element of a referenced list,
// binding item and item_index for each iteration. Its own bound value
// is the ordered list of iteration results.
type ForeachStep struct {
	Name        string
	Description string

	// Source references the list to iterate
	Source plan.Value

	// Body is the step list run once per element
	Body []Step

	// Condition gates the whole foreach
	Condition *plan.Value

	OnError plan.OnErrorPolicy
}

// StepName returns the step's name.
func (s *ForeachStep) StepName() string { return s.Name }

func (s *ForeachStep) planStep() plan.PlanStep {
	src := s.Source
	return plan.PlanStep{
		Name:        s.Name,
		Tool:        plan.ToolForeach,
		Description: s.Description,
		Foreach:     &src,
		Condition:   s.Condition,
		OnError:     s.OnError,
		Branches: map[string][]plan.PlanStep{
			plan.BranchEach: stepsToPlan(s.Body),
		},
	}
}

// IfStep runs Then when its condition is truthy, otherwise Else when
// present. Its bound value is the executed branch's value, or nil when
// no branch ran.
type IfStep struct {
	Name        string
	Description string

	// Condition selects the branch
	Condition plan.Value

	Then []Step
	Else []Step

	OnError plan.OnErrorPolicy
}

// StepName returns the step's name.
func (s *IfStep) StepName() string { return s.Name }

func (s *IfStep) planStep() plan.PlanStep {
	cond := s.Condition
	branches := map[string][]plan.PlanStep{
		plan.BranchThen: stepsToPlan(s.Then),
	}
	if len(s.Else) > 0 {
		branches[plan.BranchElse] = stepsToPlan(s.Else)
	}
	return plan.PlanStep{
		Name:        s.Name,
		Tool:        plan.ToolIfBranch,
		Description: s.Description,
		Condition:   &cond,
		OnError:     s.OnError,
		Branches:    branches,
	}
}

// SwitchStep runs the case whose label equals its stringified
// discriminant, falling back to Default when no label matches.
type SwitchStep struct {
	Name        string
	Description string

	// Discriminant is evaluated and matched against case labels
	Discriminant plan.Value

	// Cases are ordered by label for deterministic walks
	Cases []SwitchCase

	// Default runs when no case label matches; empty means no-op
	Default []Step

	OnError plan.OnErrorPolicy
}

// SwitchCase is one labeled branch of a switch step.
type SwitchCase struct {
	Label string
	Steps []Step
}

// StepName returns the step's name.
func (s *SwitchStep) StepName() string { return s.Name }

func (s *SwitchStep) planStep() plan.PlanStep {
	disc := s.Discriminant
	branches := make(map[string][]plan.PlanStep, len(s.Cases)+1)
	for _, c := range s.Cases {
		branches[c.Label] = stepsToPlan(c.Steps)
	}
	if len(s.Default) > 0 {
		branches[plan.BranchDefault] = stepsToPlan(s.Default)
	}
	return plan.PlanStep{
		Name:        s.Name,
		Tool:        plan.ToolSwitchBranch,
		Description: s.Description,
		Condition:   &disc,
		OnError:     s.OnError,
		Branches:    branches,
	}
}

// ParallelStep runs two or more branches concurrently, each against an
// isolated child scope, and binds the joined results as a map keyed by
// branch name.
type ParallelStep struct {
	Name        string
	Description string

	// Branches are ordered by name for deterministic walks
	Branches []ParallelBranch

	// Condition gates the whole parallel step
	Condition *plan.Value

	OnError plan.OnErrorPolicy
}

// ParallelBranch is one named branch of a parallel step.
type ParallelBranch struct {
	Name  string
	Steps []Step
}

// StepName returns the step's name.
func (s *ParallelStep) StepName() string { return s.Name }

func (s *ParallelStep) planStep() plan.PlanStep {
	branches := make(map[string][]plan.PlanStep, len(s.Branches))
	for _, br := range s.Branches {
		branches[br.Name] = stepsToPlan(br.Steps)
	}
	return plan.PlanStep{
		Name:        s.Name,
		Tool:        plan.ToolParallel,
		Description: s.Description,
		Condition:   s.Condition,
		OnError:     s.OnError,
		Branches:    branches,
	}
}

func stepsToPlan(steps []Step) []plan.PlanStep {
	out := make([]plan.PlanStep, len(steps))
	for i, s := range steps {
		out[i] = s.planStep()
	}
	return out
}

// definitionDoc is the persisted JSON form of a definition. Steps round
// trip through the same document vocabulary the plan uses, so a stored
// definition stays readable next to the plan it came from.
type definitionDoc struct {
	Name        string             `json:"name"`
	Slug        string             `json:"slug"`
	Description string             `json:"description,omitempty"`
	Tags        []string           `json:"tags,omitempty"`
	Parameters  []plan.Parameter   `json:"parameters,omitempty"`
	Steps       []plan.PlanStep    `json:"steps"`
	Triggers    []plan.Trigger     `json:"triggers,omitempty"`
	OnError     plan.OnErrorPolicy `json:"on_error"`
}

// MarshalJSON encodes the definition document.
func (d Definition) MarshalJSON() ([]byte, error) {
	return json.Marshal(definitionDoc{
		Name:        d.Name,
		Slug:        d.Slug,
		Description: d.Description,
		Tags:        d.Tags,
		Parameters:  d.Parameters,
		Steps:       stepsToPlan(d.Steps),
		Triggers:    d.Triggers,
		OnError:     d.OnError,
	})
}

// UnmarshalJSON decodes a stored definition document. Compiled step
// policies are always explicit in the document, so the step default
// passed here never applies to a well-formed one.
func (d *Definition) UnmarshalJSON(data []byte) error {
	var doc definitionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	steps, err := compileSteps(doc.Steps, "$.steps", plan.OnErrorSkip)
	if err != nil {
		return err
	}
	*d = Definition{
		Name:        doc.Name,
		Slug:        doc.Slug,
		Description: doc.Description,
		Tags:        doc.Tags,
		Parameters:  doc.Parameters,
		Steps:       steps,
		Triggers:    doc.Triggers,
		OnError:     doc.OnError,
	}
	return nil
}

// Check verifies the compiled contract: step names unique per list,
// every policy concrete, every variant structurally complete, and
// parameter names unique. Compile runs it before returning, and stores
// may rerun it on load; a failure indicates a compiler defect.
func (d *Definition) Check() error {
	if d.Name == "" {
		return &errors.CompileError{Path: "$.name", Reason: "definition has no name"}
	}
	if d.Slug == "" {
		return &errors.CompileError{Path: "$.slug", Reason: "definition has no slug"}
	}
	if !plan.ValidOnErrorPolicies[d.OnError] {
		return &errors.CompileError{
			Path:   "$.on_error",
			Reason: fmt.Sprintf("invalid run-level policy %q", d.OnError),
		}
	}
	seen := map[string]bool{}
	for i, p := range d.Parameters {
		if p.Name == "" {
			return &errors.CompileError{
				Path:   fmt.Sprintf("$.parameters[%d].name", i),
				Reason: "parameter has no name",
			}
		}
		if seen[p.Name] {
			return &errors.CompileError{
				Path:   fmt.Sprintf("$.parameters[%d].name", i),
				Reason: fmt.Sprintf("duplicate parameter %q", p.Name),
			}
		}
		seen[p.Name] = true
	}
	if len(d.Steps) == 0 {
		return &errors.CompileError{Path: "$.steps", Reason: "definition has no steps"}
	}
	return checkSteps(d.Steps, "$.steps")
}

func checkSteps(steps []Step, path string) error {
	seen := map[string]bool{}
	for i, s := range steps {
		stepPath := fmt.Sprintf("%s[%d]", path, i)
		name := s.StepName()
		if name == "" {
			return &errors.CompileError{Path: stepPath, Reason: "step has no name"}
		}
		if seen[name] {
			return &errors.CompileError{
				Path:   stepPath,
				Reason: fmt.Sprintf("duplicate step %q", name),
			}
		}
		seen[name] = true
		if err := checkStep(s, stepPath); err != nil {
			return err
		}
	}
	return nil
}

func checkStep(s Step, path string) error {
	switch t := s.(type) {
	case *SimpleStep:
		if t.Tool == "" {
			return &errors.CompileError{Path: path, Reason: "step has no tool"}
		}
		if plan.IsFlowTool(t.Tool) {
			return &errors.CompileError{
				Path:   path,
				Reason: fmt.Sprintf("flow tool %q compiled as a simple step", t.Tool),
			}
		}
		return checkPolicy(t.OnError, path)
	case *ForeachStep:
		if t.Source.Kind() != plan.ValueRef {
			return &errors.CompileError{Path: path + ".foreach", Reason: "foreach source is not a reference"}
		}
		if len(t.Body) == 0 {
			return &errors.CompileError{Path: path + ".branches.each", Reason: "foreach has an empty body"}
		}
		if err := checkPolicy(t.OnError, path); err != nil {
			return err
		}
		return checkSteps(t.Body, path+".branches.each")
	case *IfStep:
		if len(t.Then) == 0 {
			return &errors.CompileError{Path: path + ".branches.then", Reason: "if_branch has an empty then branch"}
		}
		if err := checkPolicy(t.OnError, path); err != nil {
			return err
		}
		if err := checkSteps(t.Then, path+".branches.then"); err != nil {
			return err
		}
		if len(t.Else) > 0 {
			return checkSteps(t.Else, path+".branches.else")
		}
		return nil
	case *SwitchStep:
		if len(t.Cases) == 0 {
			return &errors.CompileError{Path: path + ".branches", Reason: "switch_branch has no cases"}
		}
		labels := map[string]bool{}
		for _, c := range t.Cases {
			casePath := fmt.Sprintf("%s.branches.%s", path, c.Label)
			if c.Label == "" || c.Label == plan.BranchDefault {
				return &errors.CompileError{
					Path:   casePath,
					Reason: fmt.Sprintf("invalid case label %q", c.Label),
				}
			}
			if labels[c.Label] {
				return &errors.CompileError{
					Path:   casePath,
					Reason: fmt.Sprintf("duplicate case label %q", c.Label),
				}
			}
			labels[c.Label] = true
			if len(c.Steps) == 0 {
				return &errors.CompileError{Path: casePath, Reason: "case branch is empty"}
			}
			if err := checkSteps(c.Steps, casePath); err != nil {
				return err
			}
		}
		if err := checkPolicy(t.OnError, path); err != nil {
			return err
		}
		if len(t.Default) > 0 {
			return checkSteps(t.Default, path+".branches.default")
		}
		return nil
	case *ParallelStep:
		if len(t.Branches) < 2 {
			return &errors.CompileError{Path: path + ".branches", Reason: "parallel has fewer than two branches"}
		}
		names := map[string]bool{}
		for _, br := range t.Branches {
			brPath := fmt.Sprintf("%s.branches.%s", path, br.Name)
			if br.Name == "" {
				return &errors.CompileError{Path: path + ".branches", Reason: "parallel branch has no name"}
			}
			if names[br.Name] {
				return &errors.CompileError{
					Path:   brPath,
					Reason: fmt.Sprintf("duplicate branch %q", br.Name),
				}
			}
			names[br.Name] = true
			if len(br.Steps) == 0 {
				return &errors.CompileError{Path: brPath, Reason: "parallel branch is empty"}
			}
			if err := checkSteps(br.Steps, brPath); err != nil {
				return err
			}
		}
		return checkPolicy(t.OnError, path)
	default:
		return &errors.CompileError{
			Path:   path,
			Reason: fmt.Sprintf("unknown step variant %T", s),
		}
	}
}

func checkPolicy(p plan.OnErrorPolicy, path string) error {
	if !plan.ValidOnErrorPolicies[p] {
		return &errors.CompileError{
			Path:   path + ".on_error",
			Reason: fmt.Sprintf("policy %q is not concrete", p),
		}
	}
	return nil
}
