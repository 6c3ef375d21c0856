package plan

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/procflow/procflow/schemas"
)

var (
	planSchemaOnce sync.Once
	planSchema     *jsonschema.Schema
	planSchemaErr  error
)

// compiledSchema compiles the embedded plan schema exactly once.
func compiledSchema() (*jsonschema.Schema, error) {
	planSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemas.GetPlanSchema()))
		if err != nil {
			planSchemaErr = fmt.Errorf("parse embedded plan schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("plan.schema.json", doc); err != nil {
			planSchemaErr = fmt.Errorf("add plan schema resource: %w", err)
			return
		}
		planSchema, planSchemaErr = compiler.Compile("plan.schema.json")
	})
	return planSchema, planSchemaErr
}

// validateStructure runs the document against the embedded plan schema
// and converts every leaf violation into an invalid_plan_structure error.
func validateStructure(doc any) []ValidationError {
	sch, err := compiledSchema()
	if err != nil {
		return []ValidationError{{
			Code:    CodeInvalidPlanStructure,
			Path:    "$",
			Message: fmt.Sprintf("plan schema unavailable: %v", err),
		}}
	}
	err = sch.Validate(doc)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []ValidationError{{
			Code:    CodeInvalidPlanStructure,
			Path:    "$",
			Message: err.Error(),
		}}
	}
	var errs []ValidationError
	for _, leaf := range flattenSchemaErrors(ve) {
		errs = append(errs, ValidationError{
			Code:    CodeInvalidPlanStructure,
			Path:    jsonPath(leaf.InstanceLocation),
			Message: fmt.Sprintf("%v", leaf.ErrorKind),
		})
	}
	return errs
}

// flattenSchemaErrors walks the cause tree down to the leaf violations,
// which carry the concrete instance locations.
func flattenSchemaErrors(err *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(err.Causes) == 0 {
		return []*jsonschema.ValidationError{err}
	}
	var leaves []*jsonschema.ValidationError
	for _, cause := range err.Causes {
		leaves = append(leaves, flattenSchemaErrors(cause)...)
	}
	return leaves
}

// jsonPath renders an instance location as a $.steps[0].args.body path.
func jsonPath(tokens []string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, tok := range tokens {
		if _, err := strconv.Atoi(tok); err == nil {
			b.WriteString("[")
			b.WriteString(tok)
			b.WriteString("]")
			continue
		}
		b.WriteString(".")
		b.WriteString(tok)
	}
	return b.String()
}
