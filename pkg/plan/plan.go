// Package plan defines the typed plan document model and its validator.
//
// A typed plan is the JSON (or YAML) document a plan author produces,
// whether that author is a person in an editor or an AI generator. Step
// arguments carry literal values, structured references such as
// {"ref": "steps.search.results"}, or template strings such as
// {"template": "Summarize: {{ steps.search }}"}. Validation runs five
// layers over the document and reports every finding in one pass so an
// editor can highlight all of them together.
package plan

import (
	"fmt"
	"sort"
)

// OnErrorPolicy controls how a failing step affects the rest of the run.
type OnErrorPolicy string

const (
	// OnErrorFail aborts the run when the step fails.
	OnErrorFail OnErrorPolicy = "fail"

	// OnErrorSkip records the failure and moves on, leaving the step's
	// output unbound. Later references to the step resolve to null.
	OnErrorSkip OnErrorPolicy = "skip"

	// OnErrorContinue records the failure, binds a null placeholder for
	// the step's output, and moves on.
	OnErrorContinue OnErrorPolicy = "continue"
)

// ValidOnErrorPolicies for validation
var ValidOnErrorPolicies = map[OnErrorPolicy]bool{
	OnErrorFail:     true,
	OnErrorSkip:     true,
	OnErrorContinue: true,
}

// Reserved tool names that select flow-control behavior. A step using one
// of these is interpreted by the executor and never dispatched to the
// tool registry.
const (
	// ToolForeach iterates the each branch once per element of a list.
	ToolForeach = "foreach"

	// ToolIfBranch runs the then branch when its condition is truthy,
	// otherwise the else branch when present.
	ToolIfBranch = "if_branch"

	// ToolSwitchBranch runs the branch named by its discriminant value,
	// or the default branch when no name matches.
	ToolSwitchBranch = "switch_branch"

	// ToolParallel runs two or more branches concurrently and joins.
	ToolParallel = "parallel"
)

// Branch names with fixed meaning for flow-control steps.
const (
	BranchEach    = "each"
	BranchThen    = "then"
	BranchElse    = "else"
	BranchDefault = "default"
)

// IsFlowTool reports whether name is a reserved flow-control tool.
func IsFlowTool(name string) bool {
	switch name {
	case ToolForeach, ToolIfBranch, ToolSwitchBranch, ToolParallel:
		return true
	}
	return false
}

// ValidParameterTypes lists the declared types a parameter may use.
var ValidParameterTypes = map[string]bool{
	"string":  true,
	"integer": true,
	"number":  true,
	"boolean": true,
	"array":   true,
	"object":  true,
}

// Plan is a parsed typed plan document. YAML input is normalized through
// a JSON round trip before decoding, so the model carries JSON tags only.
type Plan struct {
	// Procedure names and describes the procedure this plan compiles into
	Procedure ProcedureMeta `json:"procedure"`

	// Parameters declares the runtime inputs a run may bind
	Parameters []Parameter `json:"parameters,omitempty"`

	// Steps is the executable flow in document order
	Steps []PlanStep `json:"steps"`

	// Triggers configures how the compiled procedure can be invoked
	Triggers []Trigger `json:"triggers,omitempty"`

	// OnError is the plan-level default error policy. When omitted the
	// compiler records continue.
	OnError OnErrorPolicy `json:"on_error,omitempty"`
}

// ProcedureMeta carries the identity fields of the procedure a plan
// compiles into.
type ProcedureMeta struct {
	// Name is the human-readable procedure name
	Name string `json:"name"`

	// Description explains what the procedure does
	Description string `json:"description,omitempty"`

	// Slug is the URL-safe identifier, unique per organization. When
	// omitted the compiler derives one from the name.
	Slug string `json:"slug,omitempty"`

	// Tags label the procedure for discovery
	Tags []string `json:"tags,omitempty"`
}

// Parameter declares one runtime input to a procedure. Parameters are
// immutable once a procedure is compiled and are referenced read-only at
// run time via params.<name>.
type Parameter struct {
	// Name is the parameter identifier, unique within a plan
	Name string `json:"name"`

	// Type is the declared type (string, integer, number, boolean,
	// array, object)
	Type string `json:"type"`

	// Required marks the parameter as mandatory at run start
	Required bool `json:"required,omitempty"`

	// Default is the fallback value when the parameter is not supplied
	Default any `json:"default,omitempty"`

	// Description explains what this parameter is for
	Description string `json:"description,omitempty"`
}

// PlanStep is one executable unit in a plan's flow.
//
// A step whose Tool is one of the reserved flow-control names carries
// branches (and, for foreach, a foreach reference) instead of registry
// arguments. Every other step names a registered tool and supplies its
// arguments as Values.
type PlanStep struct {
	// Name is the step identifier, unique within its enclosing step list
	Name string `json:"name"`

	// Tool is the registered tool to invoke, or a reserved flow tool
	Tool string `json:"tool"`

	// Description explains what this step does
	Description string `json:"description,omitempty"`

	// Args maps argument names to literal, reference, or template values
	Args map[string]Value `json:"args,omitempty"`

	// OnError overrides the plan-level error policy for this step
	OnError OnErrorPolicy `json:"on_error,omitempty"`

	// Condition gates execution; a falsy result skips the step
	Condition *Value `json:"condition,omitempty"`

	// Foreach references the list a foreach step iterates
	Foreach *Value `json:"foreach,omitempty"`

	// Branches holds the nested step lists of a flow-control step
	Branches map[string][]PlanStep `json:"branches,omitempty"`
}

// TriggerType selects how a compiled procedure is invoked.
type TriggerType string

const (
	// TriggerCron fires on a cron schedule.
	TriggerCron TriggerType = "cron"

	// TriggerEvent fires when a named platform event occurs.
	TriggerEvent TriggerType = "event"

	// TriggerWebhook fires on an inbound webhook call.
	TriggerWebhook TriggerType = "webhook"
)

// Trigger configures one way a procedure can be invoked. The engine does
// not schedule cron expressions or listen for events itself; it validates
// the configuration and hands the resolved invocation off to the
// triggering layer.
type Trigger struct {
	// Type selects the trigger mechanism
	Type TriggerType `json:"trigger_type"`

	// CronExpression is the schedule for cron triggers
	CronExpression string `json:"cron_expression,omitempty"`

	// EventName is the platform event for event triggers
	EventName string `json:"event_name,omitempty"`

	// EventFilter narrows which event payloads fire the trigger
	EventFilter map[string]any `json:"event_filter,omitempty"`

	// WebhookSecret authenticates inbound webhook calls
	WebhookSecret string `json:"webhook_secret,omitempty"`

	// Params are bound as run parameters when the trigger fires
	Params map[string]any `json:"trigger_params,omitempty"`
}

// branchNames returns a step's branch names in sorted order so walks over
// the plan are deterministic.
func branchNames(step *PlanStep) []string {
	names := make([]string, 0, len(step.Branches))
	for name := range step.Branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// argNames returns argument names in sorted order so walks over the plan
// are deterministic.
func argNames(args map[string]Value) []string {
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// walkPlanSteps visits every step in document order, descending into
// branches, and calls fn with each step's document path.
func walkPlanSteps(steps []PlanStep, path string, fn func(step *PlanStep, path string)) {
	for i := range steps {
		step := &steps[i]
		stepPath := fmt.Sprintf("%s[%d]", path, i)
		fn(step, stepPath)
		for _, name := range branchNames(step) {
			walkPlanSteps(step.Branches[name], fmt.Sprintf("%s.branches.%s", stepPath, name), fn)
		}
	}
}
