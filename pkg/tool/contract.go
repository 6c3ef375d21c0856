package tool

import (
	"fmt"
)

// PayloadProfile controls how much of a tool's output the engine retains
// when persisting step results.
type PayloadProfile string

const (
	// PayloadThin keeps only identifiers and counts.
	PayloadThin PayloadProfile = "thin"

	// PayloadSummary keeps a bounded summary of the output.
	PayloadSummary PayloadProfile = "summary"

	// PayloadFull keeps the complete output.
	PayloadFull PayloadProfile = "full"
)

// ConfirmArg is the argument a step must set to a literal true to invoke a
// side-effecting tool under a confirmation-required governance profile.
const ConfirmArg = "confirm_side_effects"

// Contract describes a tool the engine may invoke.
//
// The engine never inspects tool internals beyond this contract: the input
// schema drives argument validation, the output schema describes the shape
// later steps may reference, and SideEffects gates the tool under
// governance profiles.
type Contract struct {
	// Name is the unique identifier for this tool
	Name string `json:"name"`

	// Description explains what the tool does
	Description string `json:"description,omitempty"`

	// InputSchema defines the accepted arguments
	InputSchema *InputSchema `json:"input_schema,omitempty"`

	// OutputSchema describes the shape of the tool's result
	OutputSchema *OutputSchema `json:"output_schema,omitempty"`

	// SideEffects marks tools with observable external effects
	// (sending mail, writing records, posting to external systems)
	SideEffects bool `json:"side_effects"`

	// PayloadProfile selects how much of the output is retained when
	// a step result is persisted. Defaults to "full" when empty.
	PayloadProfile PayloadProfile `json:"payload_profile,omitempty"`
}

// InputSchema defines a tool's arguments using JSON Schema conventions.
type InputSchema struct {
	// Type is the JSON type (always "object" for tool inputs)
	Type string `json:"type"`

	// Properties defines the accepted arguments
	Properties map[string]*ArgSpec `json:"properties,omitempty"`

	// Required lists the argument names that must be present
	Required []string `json:"required,omitempty"`

	// Description provides human-readable context
	Description string `json:"description,omitempty"`
}

// ArgSpec defines a single argument in an input schema.
type ArgSpec struct {
	// Type is the JSON type of this argument
	Type string `json:"type"`

	// Description explains what this argument represents
	Description string `json:"description,omitempty"`

	// Enum lists allowed values (for validation)
	Enum []any `json:"enum,omitempty"`

	// Default provides a default value if not specified
	Default any `json:"default,omitempty"`

	// Format specifies a format hint (e.g., "uri", "email", "date-time")
	Format string `json:"format,omitempty"`
}

// OutputSchema describes the shape of a tool's result.
type OutputSchema struct {
	// Type is the result shape: "array", "object", or "string"
	Type string `json:"type"`

	// ItemFields lists the fields of each element when Type is "array"
	ItemFields []string `json:"item_fields,omitempty"`

	// Fields lists the top-level fields when Type is "object"
	Fields []string `json:"fields,omitempty"`
}

// Validate checks that a contract is well-formed enough to register.
func (c *Contract) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("contract name cannot be empty")
	}

	switch c.PayloadProfile {
	case "", PayloadThin, PayloadSummary, PayloadFull:
	default:
		return fmt.Errorf("contract %s: unknown payload profile %q", c.Name, c.PayloadProfile)
	}

	if c.OutputSchema != nil {
		switch c.OutputSchema.Type {
		case "array", "object", "string":
		default:
			return fmt.Errorf("contract %s: unknown output type %q", c.Name, c.OutputSchema.Type)
		}
	}

	return nil
}

// RequiredArgs returns the required argument names, nil when the contract
// declares no input schema.
func (c *Contract) RequiredArgs() []string {
	if c.InputSchema == nil {
		return nil
	}
	return c.InputSchema.Required
}

// Arg returns the ArgSpec for a named argument, nil when undeclared.
func (c *Contract) Arg(name string) *ArgSpec {
	if c.InputSchema == nil {
		return nil
	}
	return c.InputSchema.Properties[name]
}

// EffectivePayloadProfile returns the payload profile with the default
// applied.
func (c *Contract) EffectivePayloadProfile() PayloadProfile {
	if c.PayloadProfile == "" {
		return PayloadFull
	}
	return c.PayloadProfile
}
