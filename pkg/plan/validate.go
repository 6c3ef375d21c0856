package plan

import (
	"encoding/json"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/procflow/procflow/pkg/tool"
)

// Validate runs the full validation stack over a raw plan document and
// reports every finding in one pass. Layers run in order: document
// structure, tool and argument checks, reference-graph integrity,
// side-effect governance, then advisory warnings. A layer that finds
// errors stops the layers below it; within a layer every error is
// collected. Validation is a pure function of the plan, the registry
// catalog, and the governance profile, so it is safe to call repeatedly
// and concurrently.
func Validate(raw []byte, reg tool.Registry, prof *tool.Profile) ValidationResult {
	res := ValidationResult{Errors: []ValidationError{}, Warnings: []ValidationError{}}

	doc, err := decodeDocument(raw)
	if err != nil {
		res.Errors = append(res.Errors, ValidationError{
			Code:    CodeInvalidPlanStructure,
			Path:    "$",
			Message: err.Error(),
		})
		return res
	}
	if errs := validateStructure(doc); len(errs) > 0 {
		res.Errors = append(res.Errors, errs...)
		return res
	}
	p, err := decodePlan(doc)
	if err != nil {
		res.Errors = append(res.Errors, ValidationError{
			Code:    CodeInvalidPlanStructure,
			Path:    "$",
			Message: err.Error(),
		})
		return res
	}

	if errs := validateTools(p, reg); len(errs) > 0 {
		res.Errors = append(res.Errors, errs...)
		return res
	}
	usedParams, errs := validateReferences(p)
	if len(errs) > 0 {
		res.Errors = append(res.Errors, errs...)
		return res
	}
	if errs := validateGovernance(p, reg, prof); len(errs) > 0 {
		res.Errors = append(res.Errors, errs...)
		return res
	}

	res.Warnings = append(res.Warnings, collectWarnings(p, usedParams)...)
	res.Valid = true
	return res
}

// validateTools checks parameter declarations, every step's tool against
// the registry contract, literal arguments against the contract's declared
// types, and trigger configurations. The walk recurses through branches
// so nested steps get the same checks.
func validateTools(p *Plan, reg tool.Registry) []ValidationError {
	var errs []ValidationError

	declared := map[string]bool{}
	for i, param := range p.Parameters {
		path := fmt.Sprintf("$.parameters[%d]", i)
		if declared[param.Name] {
			errs = append(errs, ValidationError{
				Code:    CodeDuplicateParameter,
				Path:    path + ".name",
				Message: fmt.Sprintf("parameter %q is already declared", param.Name),
			})
		}
		declared[param.Name] = true
		if param.Default != nil && !literalMatchesType(param.Default, param.Type) {
			errs = append(errs, ValidationError{
				Code:    CodeInvalidParamType,
				Path:    path + ".default",
				Message: fmt.Sprintf("default value is %s, declared type is %s", literalTypeName(param.Default), param.Type),
			})
		}
	}

	errs = append(errs, validateStepList(p.Steps, "$.steps", reg)...)
	errs = append(errs, validateTriggerList(p.Triggers)...)
	return errs
}

func validateStepList(steps []PlanStep, path string, reg tool.Registry) []ValidationError {
	var errs []ValidationError
	seen := map[string]bool{}
	for i := range steps {
		step := &steps[i]
		stepPath := fmt.Sprintf("%s[%d]", path, i)
		if seen[step.Name] {
			errs = append(errs, ValidationError{
				Code:    CodeDuplicateStepName,
				Path:    stepPath + ".name",
				Message: fmt.Sprintf("step name %q is already used in this step list", step.Name),
			})
		}
		seen[step.Name] = true

		if IsFlowTool(step.Tool) {
			errs = append(errs, validateFlowStep(step, stepPath)...)
		} else {
			errs = append(errs, validateToolStep(step, stepPath, reg)...)
		}

		for _, name := range branchNames(step) {
			errs = append(errs, validateStepList(step.Branches[name], fmt.Sprintf("%s.branches.%s", stepPath, name), reg)...)
		}
	}
	return errs
}

// validateFlowStep enforces the structural contract of the reserved
// flow-control tools.
func validateFlowStep(step *PlanStep, path string) []ValidationError {
	var errs []ValidationError

	if len(step.Args) > 0 {
		errs = append(errs, ValidationError{
			Code:    CodeInvalidFlowStructure,
			Path:    path + ".args",
			Message: fmt.Sprintf("flow-control step %q takes no args", step.Tool),
		})
	}
	if step.Foreach != nil && step.Tool != ToolForeach {
		errs = append(errs, ValidationError{
			Code:    CodeInvalidFlowStructure,
			Path:    path + ".foreach",
			Message: fmt.Sprintf("foreach is only valid on the %s tool", ToolForeach),
		})
	}
	for _, name := range branchNames(step) {
		if len(step.Branches[name]) == 0 {
			errs = append(errs, ValidationError{
				Code:    CodeInvalidFlowStructure,
				Path:    fmt.Sprintf("%s.branches.%s", path, name),
				Message: "branch must contain at least one step",
			})
		}
	}

	switch step.Tool {
	case ToolForeach:
		if step.Foreach == nil {
			errs = append(errs, ValidationError{
				Code:    CodeInvalidFlowStructure,
				Path:    path,
				Message: "foreach step requires a foreach reference",
			})
		} else if step.Foreach.Kind() != ValueRef {
			errs = append(errs, ValidationError{
				Code:    CodeInvalidFlowStructure,
				Path:    path + ".foreach",
				Message: "foreach must be a structured reference to a list",
			})
		}
		if _, ok := step.Branches[BranchEach]; !ok {
			errs = append(errs, ValidationError{
				Code:    CodeInvalidFlowStructure,
				Path:    path + ".branches",
				Message: fmt.Sprintf("foreach step requires an %s branch", BranchEach),
			})
		}
		for _, name := range branchNames(step) {
			if name != BranchEach {
				errs = append(errs, ValidationError{
					Code:    CodeInvalidFlowStructure,
					Path:    fmt.Sprintf("%s.branches.%s", path, name),
					Message: fmt.Sprintf("foreach supports only the %s branch", BranchEach),
				})
			}
		}
	case ToolIfBranch:
		if step.Condition == nil {
			errs = append(errs, ValidationError{
				Code:    CodeInvalidFlowStructure,
				Path:    path,
				Message: "if_branch step requires a condition",
			})
		}
		if _, ok := step.Branches[BranchThen]; !ok {
			errs = append(errs, ValidationError{
				Code:    CodeInvalidFlowStructure,
				Path:    path + ".branches",
				Message: fmt.Sprintf("if_branch step requires a %s branch", BranchThen),
			})
		}
		for _, name := range branchNames(step) {
			if name != BranchThen && name != BranchElse {
				errs = append(errs, ValidationError{
					Code:    CodeInvalidFlowStructure,
					Path:    fmt.Sprintf("%s.branches.%s", path, name),
					Message: fmt.Sprintf("if_branch supports only %s and %s branches", BranchThen, BranchElse),
				})
			}
		}
	case ToolSwitchBranch:
		if step.Condition == nil {
			errs = append(errs, ValidationError{
				Code:    CodeInvalidFlowStructure,
				Path:    path,
				Message: "switch_branch step requires a discriminant condition",
			})
		}
		cases := 0
		for _, name := range branchNames(step) {
			if name != BranchDefault {
				cases++
			}
		}
		if cases == 0 {
			errs = append(errs, ValidationError{
				Code:    CodeInvalidFlowStructure,
				Path:    path + ".branches",
				Message: "switch_branch requires at least one case branch",
			})
		}
	case ToolParallel:
		if len(step.Branches) < 2 {
			errs = append(errs, ValidationError{
				Code:    CodeInvalidFlowStructure,
				Path:    path + ".branches",
				Message: "parallel step requires at least two branches",
			})
		}
	}
	return errs
}

// validateToolStep checks a registry-dispatched step: its tool must be
// registered, required arguments must be present, and literal argument
// values must match the contract's declared types.
func validateToolStep(step *PlanStep, path string, reg tool.Registry) []ValidationError {
	var errs []ValidationError

	if len(step.Branches) > 0 {
		errs = append(errs, ValidationError{
			Code:    CodeInvalidFlowStructure,
			Path:    path + ".branches",
			Message: "branches require a flow-control tool",
		})
	}
	if step.Foreach != nil {
		errs = append(errs, ValidationError{
			Code:    CodeInvalidFlowStructure,
			Path:    path + ".foreach",
			Message: fmt.Sprintf("foreach is only valid on the %s tool", ToolForeach),
		})
	}

	contract, ok := reg.Get(step.Tool)
	if !ok {
		errs = append(errs, ValidationError{
			Code:    CodeUnknownFunction,
			Path:    path + ".tool",
			Message: fmt.Sprintf("tool %q is not registered", step.Tool),
			Details: map[string]any{"tool": step.Tool},
		})
		return errs
	}

	for _, req := range contract.RequiredArgs() {
		if _, ok := step.Args[req]; !ok {
			errs = append(errs, ValidationError{
				Code:    CodeMissingRequiredParam,
				Path:    fmt.Sprintf("%s.args.%s", path, req),
				Message: fmt.Sprintf("tool %q requires argument %q", step.Tool, req),
				Details: map[string]any{"tool": step.Tool, "param": req},
			})
		}
	}

	// References and templates satisfy presence without value checks;
	// only literals are checked against the declared type and enum.
	for _, name := range argNames(step.Args) {
		v := step.Args[name]
		if v.Kind() != ValueLiteral {
			continue
		}
		argSpec := contract.Arg(name)
		if argSpec == nil {
			continue
		}
		lit := v.Literal()
		if lit == nil {
			continue
		}
		argPath := fmt.Sprintf("%s.args.%s", path, name)
		if argSpec.Type != "" && !literalMatchesType(lit, argSpec.Type) {
			errs = append(errs, ValidationError{
				Code:    CodeInvalidParamType,
				Path:    argPath,
				Message: fmt.Sprintf("expected %s, got %s", argSpec.Type, literalTypeName(lit)),
				Details: map[string]any{"tool": step.Tool, "param": name},
			})
			continue
		}
		if len(argSpec.Enum) > 0 && !enumAllows(argSpec.Enum, lit) {
			allowed, _ := json.Marshal(argSpec.Enum)
			errs = append(errs, ValidationError{
				Code:    CodeInvalidParamType,
				Path:    argPath,
				Message: fmt.Sprintf("value must be one of %s", allowed),
				Details: map[string]any{"tool": step.Tool, "param": name},
			})
		}
	}
	return errs
}

// validateTriggerList checks that each trigger carries exactly the fields
// its trigger_type needs.
func validateTriggerList(triggers []Trigger) []ValidationError {
	var errs []ValidationError
	for i := range triggers {
		t := &triggers[i]
		path := fmt.Sprintf("$.triggers[%d]", i)
		switch t.Type {
		case TriggerCron:
			if t.CronExpression == "" {
				errs = append(errs, ValidationError{
					Code:    CodeInvalidTrigger,
					Path:    path + ".cron_expression",
					Message: "cron trigger requires cron_expression",
				})
			} else if _, err := cron.ParseStandard(t.CronExpression); err != nil {
				errs = append(errs, ValidationError{
					Code:    CodeInvalidTrigger,
					Path:    path + ".cron_expression",
					Message: fmt.Sprintf("invalid cron expression: %v", err),
				})
			}
			if t.EventName != "" || t.EventFilter != nil {
				errs = append(errs, ValidationError{
					Code:    CodeInvalidTrigger,
					Path:    path,
					Message: "event fields are not valid on a cron trigger",
				})
			}
			if t.WebhookSecret != "" {
				errs = append(errs, ValidationError{
					Code:    CodeInvalidTrigger,
					Path:    path + ".webhook_secret",
					Message: "webhook_secret is not valid on a cron trigger",
				})
			}
		case TriggerEvent:
			if t.EventName == "" {
				errs = append(errs, ValidationError{
					Code:    CodeInvalidTrigger,
					Path:    path + ".event_name",
					Message: "event trigger requires event_name",
				})
			}
			if t.CronExpression != "" {
				errs = append(errs, ValidationError{
					Code:    CodeInvalidTrigger,
					Path:    path + ".cron_expression",
					Message: "cron_expression is not valid on an event trigger",
				})
			}
			if t.WebhookSecret != "" {
				errs = append(errs, ValidationError{
					Code:    CodeInvalidTrigger,
					Path:    path + ".webhook_secret",
					Message: "webhook_secret is not valid on an event trigger",
				})
			}
		case TriggerWebhook:
			if t.CronExpression != "" || t.EventName != "" || t.EventFilter != nil {
				errs = append(errs, ValidationError{
					Code:    CodeInvalidTrigger,
					Path:    path,
					Message: "cron and event fields are not valid on a webhook trigger",
				})
			}
		default:
			errs = append(errs, ValidationError{
				Code:    CodeInvalidTrigger,
				Path:    path + ".trigger_type",
				Message: fmt.Sprintf("unknown trigger type %q", t.Type),
			})
		}
	}
	return errs
}

// literalMatchesType reports whether a decoded JSON literal fits a
// declared plan type. JSON numbers decode as float64; whole floats count
// as integers.
func literalMatchesType(v any, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch n := v.(type) {
		case float64:
			return n == float64(int64(n))
		case int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}

// literalTypeName names a decoded JSON value's type for error messages.
func literalTypeName(v any) string {
	switch n := v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64:
		if n == float64(int64(n)) {
			return "integer"
		}
		return "number"
	case int, int64, float32:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// enumAllows checks a string literal against a contract's enum values.
// Non-string literals are left to the type check.
func enumAllows(enum []any, v any) bool {
	s, ok := v.(string)
	if !ok {
		return true
	}
	for _, allowed := range enum {
		if as, ok := allowed.(string); ok && as == s {
			return true
		}
	}
	return false
}
