// Package schemas provides access to embedded JSON schemas.
package schemas

import (
	_ "embed"
)

// Embed the typed-plan JSON Schema into the binary for validation and
// tooling. The schema defines the structure of plan documents and enables
// IDE autocompletion, early validation, and schema-based tools.
//
//go:embed plan.schema.json
var planSchema []byte

// GetPlanSchema returns the embedded plan JSON Schema as raw bytes.
// This schema can be used for validation, IDE integration, or schema export.
func GetPlanSchema() []byte {
	return planSchema
}

// GetPlanSchemaString returns the embedded plan JSON Schema as a string.
// This is a convenience method for use cases that need the schema as a string.
func GetPlanSchemaString() string {
	return string(planSchema)
}
