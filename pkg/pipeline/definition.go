// Package pipeline runs multi-stage batch workflows over collections
// of items. Where a procedure walks a fixed step list once, a pipeline
// pulls a working set through gather, filter, transform, enrich and
// output stages, keeping durable per-item state so an interrupted run
// can resume from its last checkpoint instead of starting over.
package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/procflow/procflow/internal/jq"
	"github.com/procflow/procflow/pkg/plan"
	"github.com/procflow/procflow/pkg/procedure"
	"github.com/procflow/procflow/pkg/tool"
)

// StageType classifies what a stage does to the working set.
type StageType string

const (
	// StageGather produces the initial working set. It must be the
	// first stage and is the only stage that creates item rows.
	StageGather StageType = "gather"

	// StageFilter drops items whose stage result is falsy, marking
	// them skipped.
	StageFilter StageType = "filter"

	// StageTransform replaces each item's working payload with the
	// stage result.
	StageTransform StageType = "transform"

	// StageEnrich merges the stage result into each item's working
	// payload.
	StageEnrich StageType = "enrich"

	// StageOutput exports each item, recording the result as the
	// item's export receipt.
	StageOutput StageType = "output"
)

// stageTypes is the closed set of valid stage types.
var stageTypes = map[StageType]bool{
	StageGather:    true,
	StageFilter:    true,
	StageTransform: true,
	StageEnrich:    true,
	StageOutput:    true,
}

// FunctionJQ selects the built-in jq evaluator instead of a registry
// tool. The expression lives in the stage's params under "expression"
// and sees the stage params as $params.
const FunctionJQ = "jq"

// Gather stage params with reserved meaning.
const (
	// ParamIDField names the field holding each gathered object's
	// identity. Defaults to "id".
	ParamIDField = "id_field"

	// ParamItemType sets the item type for rows the gather stage
	// creates. Defaults to the stage name.
	ParamItemType = "item_type"

	// ParamExpression holds the jq program for FunctionJQ stages.
	ParamExpression = "expression"
)

// Pipeline is a batch workflow definition: an ordered stage list plus
// the checkpoint and error policy that govern a run of it.
type Pipeline struct {
	// Name is the human-readable pipeline name
	Name string `json:"name"`

	// Slug identifies the pipeline in storage and run records,
	// derived from Name when omitted
	Slug string `json:"slug,omitempty"`

	// Description says what the pipeline is for
	Description string `json:"description,omitempty"`

	// Stages execute strictly in declared order
	Stages []Stage `json:"stages"`

	// CheckpointAfterStages names the stages after whose batches the
	// run and touched items are persisted durably
	CheckpointAfterStages []string `json:"checkpoint_after_stages,omitempty"`

	// OnError is the pipeline-level default error policy for stages
	// that do not declare their own. When omitted it is continue.
	OnError plan.OnErrorPolicy `json:"on_error,omitempty"`

	// Version is assigned by the store on save
	Version int `json:"version,omitempty"`
}

// Stage is one step of a pipeline, applied to every active item (or,
// for gather, invoked once to produce the working set).
type Stage struct {
	// Name identifies the stage within the pipeline
	Name string `json:"name"`

	// Type classifies what the stage does to the working set
	Type StageType `json:"type"`

	// Function names the registry tool to invoke, or "jq" for the
	// built-in evaluator
	Function string `json:"function"`

	// Params are passed to the function on every invocation
	Params map[string]any `json:"params,omitempty"`

	// OnError overrides the pipeline-level error policy
	OnError plan.OnErrorPolicy `json:"on_error,omitempty"`

	// BatchSize caps how many items one batch carries, falling back
	// to the executor default when zero
	BatchSize int `json:"batch_size,omitempty"`
}

// policy resolves the effective error policy for a stage: the stage's
// own, else the pipeline-level one, else continue.
func (p *Pipeline) policy(st *Stage) plan.OnErrorPolicy {
	if st.OnError != "" {
		return st.OnError
	}
	if p.OnError != "" {
		return p.OnError
	}
	return plan.OnErrorContinue
}

// checkpointAfter reports whether the run must persist a checkpoint
// after each batch of the named stage.
func (p *Pipeline) checkpointAfter(stage string) bool {
	for _, name := range p.CheckpointAfterStages {
		if name == stage {
			return true
		}
	}
	return false
}

// expression returns the jq program of a FunctionJQ stage, empty when
// absent or not a string.
func (st *Stage) expression() string {
	expr, _ := st.Params[ParamExpression].(string)
	return expr
}

// stringParam reads a string-valued stage param with a fallback.
func (st *Stage) stringParam(key, fallback string) string {
	if v, ok := st.Params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// ParsePipeline decodes a pipeline document from JSON or YAML into the
// typed model and derives the slug when omitted. It checks encoding
// only; run Validate for the full check.
func ParsePipeline(data []byte) (*Pipeline, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty pipeline document")
	}
	var doc any
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	} else {
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
		normalized, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("normalize YAML document: %w", err)
		}
		if err := json.Unmarshal(normalized, &doc); err != nil {
			return nil, fmt.Errorf("normalize YAML document: %w", err)
		}
	}

	buf, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode pipeline document: %w", err)
	}
	var p Pipeline
	if err := json.Unmarshal(buf, &p); err != nil {
		return nil, fmt.Errorf("decode pipeline: %w", err)
	}
	if p.Slug == "" && p.Name != "" {
		p.Slug = procedure.Slugify(p.Name)
	}
	return &p, nil
}

// Validate parses a pipeline document and checks it structurally: a
// gather stage first and only first, unique names, known types and
// policies, resolvable checkpoint names, compilable jq expressions,
// and registered functions when a registry is supplied. The findings
// use the same code and path vocabulary as plan validation so editors
// render both with one formatter.
func Validate(raw []byte, reg tool.Registry) plan.ValidationResult {
	res := plan.ValidationResult{
		Errors:   []plan.ValidationError{},
		Warnings: []plan.ValidationError{},
	}
	p, err := ParsePipeline(raw)
	if err != nil {
		res.Errors = append(res.Errors, plan.ValidationError{
			Code:    plan.CodeInvalidPlanStructure,
			Path:    "$",
			Message: err.Error(),
		})
		return res
	}
	res.Errors = append(res.Errors, validatePipeline(p, reg)...)
	res.Valid = len(res.Errors) == 0
	return res
}

// validatePipeline checks a parsed pipeline. A nil registry skips the
// function-existence check; the executor performs the same structural
// checks before running a definition it did not validate itself.
func validatePipeline(p *Pipeline, reg tool.Registry) []plan.ValidationError {
	var errs []plan.ValidationError

	if p.Name == "" {
		errs = append(errs, plan.ValidationError{
			Code:    plan.CodeInvalidPlanStructure,
			Path:    "$.name",
			Message: "pipeline name is required",
		})
	}
	if len(p.Stages) == 0 {
		errs = append(errs, plan.ValidationError{
			Code:    plan.CodeInvalidPlanStructure,
			Path:    "$.stages",
			Message: "pipeline has no stages",
		})
		return errs
	}

	if p.OnError != "" && !plan.ValidOnErrorPolicies[p.OnError] {
		errs = append(errs, plan.ValidationError{
			Code:    plan.CodeInvalidParamType,
			Path:    "$.on_error",
			Message: fmt.Sprintf("unknown on_error policy %q", p.OnError),
		})
	}

	if p.Stages[0].Type != StageGather {
		errs = append(errs, plan.ValidationError{
			Code:    plan.CodeInvalidFlowStructure,
			Path:    "$.stages[0].type",
			Message: fmt.Sprintf("first stage must be gather, got %q", p.Stages[0].Type),
		})
	}

	jqx := jq.NewExecutor(0, 0)
	seen := map[string]bool{}
	for i := range p.Stages {
		st := &p.Stages[i]
		path := fmt.Sprintf("$.stages[%d]", i)

		if st.Name == "" {
			errs = append(errs, plan.ValidationError{
				Code:    plan.CodeInvalidPlanStructure,
				Path:    path + ".name",
				Message: "stage name is required",
			})
		} else if seen[st.Name] {
			errs = append(errs, plan.ValidationError{
				Code:    plan.CodeDuplicateStepName,
				Path:    path + ".name",
				Message: fmt.Sprintf("duplicate stage name %q", st.Name),
			})
		}
		seen[st.Name] = true

		if !stageTypes[st.Type] {
			errs = append(errs, plan.ValidationError{
				Code:    plan.CodeInvalidFlowStructure,
				Path:    path + ".type",
				Message: fmt.Sprintf("unknown stage type %q", st.Type),
			})
		} else if st.Type == StageGather && i > 0 {
			errs = append(errs, plan.ValidationError{
				Code:    plan.CodeInvalidFlowStructure,
				Path:    path + ".type",
				Message: "gather must be the first stage",
			})
		}

		if st.OnError != "" && !plan.ValidOnErrorPolicies[st.OnError] {
			errs = append(errs, plan.ValidationError{
				Code:    plan.CodeInvalidParamType,
				Path:    path + ".on_error",
				Message: fmt.Sprintf("unknown on_error policy %q", st.OnError),
			})
		}

		if st.BatchSize < 0 {
			errs = append(errs, plan.ValidationError{
				Code:    plan.CodeInvalidParamType,
				Path:    path + ".batch_size",
				Message: "batch_size must be at least 1",
			})
		}

		switch {
		case st.Function == "":
			errs = append(errs, plan.ValidationError{
				Code:    plan.CodeUnknownFunction,
				Path:    path + ".function",
				Message: "stage function is required",
			})
		case st.Function == FunctionJQ:
			expr := st.expression()
			if expr == "" {
				errs = append(errs, plan.ValidationError{
					Code:    plan.CodeMissingRequiredParam,
					Path:    path + ".params." + ParamExpression,
					Message: "jq stages require an expression param",
				})
			} else if err := jqx.Validate(expr); err != nil {
				errs = append(errs, plan.ValidationError{
					Code:    plan.CodeInvalidParamType,
					Path:    path + ".params." + ParamExpression,
					Message: err.Error(),
				})
			}
		case reg != nil:
			if _, ok := reg.Get(st.Function); !ok {
				errs = append(errs, plan.ValidationError{
					Code:    plan.CodeUnknownFunction,
					Path:    path + ".function",
					Message: fmt.Sprintf("function %q is not registered", st.Function),
					Details: map[string]any{"function": st.Function},
				})
			}
		}
	}

	for i, name := range p.CheckpointAfterStages {
		if !seen[name] {
			errs = append(errs, plan.ValidationError{
				Code:    plan.CodeInvalidStepReference,
				Path:    fmt.Sprintf("$.checkpoint_after_stages[%d]", i),
				Message: fmt.Sprintf("checkpoint names unknown stage %q", name),
			})
		}
	}

	return errs
}
