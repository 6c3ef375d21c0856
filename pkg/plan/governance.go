package plan

import (
	"fmt"

	"github.com/procflow/procflow/pkg/tool"
)

// validateGovernance applies the active profile's block-list and
// side-effect confirmation policy to every registry-dispatched step.
// A nil profile imposes no restrictions.
func validateGovernance(p *Plan, reg tool.Registry, prof *tool.Profile) []ValidationError {
	if prof == nil {
		return nil
	}
	var errs []ValidationError
	walkPlanSteps(p.Steps, "$.steps", func(step *PlanStep, path string) {
		if IsFlowTool(step.Tool) {
			return
		}
		if prof.Blocks(step.Tool) {
			errs = append(errs, ValidationError{
				Code:    CodeToolBlockedByProfile,
				Path:    path + ".tool",
				Message: fmt.Sprintf("tool %q is blocked by profile %q", step.Tool, prof.Name),
				Details: map[string]any{"tool": step.Tool, "profile": prof.Name},
			})
			return
		}
		contract, ok := reg.Get(step.Tool)
		if !ok {
			return
		}
		if contract.SideEffects && prof.RequireSideEffectConfirmation && !confirmsSideEffects(step.Args) {
			errs = append(errs, ValidationError{
				Code:    CodeMissingSideEffectConfirmation,
				Path:    fmt.Sprintf("%s.args.%s", path, tool.ConfirmArg),
				Message: fmt.Sprintf("tool %q has side effects; set %s: true to allow it", step.Tool, tool.ConfirmArg),
				Details: map[string]any{"tool": step.Tool, "profile": prof.Name},
			})
		}
	})
	return errs
}

// confirmsSideEffects reports whether args carry a literal
// confirm_side_effects: true. References and templates do not count; the
// confirmation must be explicit in the plan text.
func confirmsSideEffects(args map[string]Value) bool {
	v, ok := args[tool.ConfirmArg]
	if !ok || v.Kind() != ValueLiteral {
		return false
	}
	b, ok := v.Literal().(bool)
	return ok && b
}
