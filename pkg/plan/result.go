package plan

import "fmt"

// Code identifies one class of validation finding. The set is closed:
// editors and API clients switch over these values.
type Code string

// Fatal validation error codes.
const (
	// CodeInvalidPlanStructure is a document that does not match the plan
	// schema or cannot be decoded at all.
	CodeInvalidPlanStructure Code = "invalid_plan_structure"

	// CodeUnknownFunction names a tool the registry does not carry.
	CodeUnknownFunction Code = "unknown_function"

	// CodeMissingRequiredParam omits an argument the tool contract
	// requires.
	CodeMissingRequiredParam Code = "missing_required_param"

	// CodeInvalidParamType is a literal argument or parameter default
	// whose type or enum value does not match its declaration.
	CodeInvalidParamType Code = "invalid_param_type"

	// CodeInvalidFlowStructure violates the structural contract of a
	// flow-control step (missing branches, foreach on a plain step, ...).
	CodeInvalidFlowStructure Code = "invalid_flow_structure"

	// CodeDuplicateStepName reuses a step name within one step list.
	CodeDuplicateStepName Code = "duplicate_step_name"

	// CodeDuplicateParameter declares a parameter name twice.
	CodeDuplicateParameter Code = "duplicate_parameter"

	// CodeInvalidStepReference names a step that is unknown or does not
	// occur before the referencing step.
	CodeInvalidStepReference Code = "invalid_step_reference"

	// CodeInvalidParamReference names an undeclared parameter.
	CodeInvalidParamReference Code = "invalid_param_reference"

	// CodeInvalidItemReference uses item or item_index outside a foreach
	// each branch.
	CodeInvalidItemReference Code = "invalid_item_reference"

	// CodeCircularDependency references the step's own name or an
	// enclosing flow step that has not completed.
	CodeCircularDependency Code = "circular_dependency"

	// CodeToolBlockedByProfile names a tool the governance profile
	// blocks.
	CodeToolBlockedByProfile Code = "tool_blocked_by_profile"

	// CodeMissingSideEffectConfirmation invokes a side-effecting tool
	// without confirm_side_effects: true under a confirmation-required
	// profile.
	CodeMissingSideEffectConfirmation Code = "missing_side_effect_confirmation"

	// CodeInvalidTrigger is a trigger configuration whose fields do not
	// fit its trigger_type.
	CodeInvalidTrigger Code = "invalid_trigger"
)

// Advisory warning codes. Warnings never block compilation.
const (
	// CodeInvalidFacetFilter is a facet_filters argument carrying keys
	// the search index does not know.
	CodeInvalidFacetFilter Code = "invalid_facet_filter"

	// CodeUnusedParameter is a declared parameter nothing references.
	CodeUnusedParameter Code = "unused_parameter"

	// CodeEmbeddedCredential is a literal that looks like a secret.
	CodeEmbeddedCredential Code = "embedded_credential"

	// CodeLegacyTemplateReference is an inline {{ }} reference in a plain
	// string instead of a structured template value.
	CodeLegacyTemplateReference Code = "legacy_template_reference"
)

// ValidationError is one finding from the validator. Path pinpoints the
// offending node in the document ($.steps[2].args.body) so an editor can
// highlight it.
type ValidationError struct {
	Code    Code           `json:"code"`
	Path    string         `json:"path"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s [%s]", e.Path, e.Message, e.Code)
}

// ValidationResult is the outcome of running all validation layers over a
// plan. Errors are fatal; warnings are advisory.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationError `json:"errors"`
	Warnings []ValidationError `json:"warnings"`
}
