package plan

import (
	"fmt"
	"regexp"
	"sort"
)

// credentialPattern pairs a provider name with a regexp that recognizes
// its secret format.
type credentialPattern struct {
	Name    string
	Pattern *regexp.Regexp
}

// planCredentialPatterns matches well-known credential formats that
// should never be embedded as plan literals.
var planCredentialPatterns = []credentialPattern{
	{
		Name:    "GitHub token",
		Pattern: regexp.MustCompile(`\b(ghp_|gho_|ghu_|ghs_|ghr_)[a-zA-Z0-9]{36,}\b`),
	},
	{
		Name:    "Anthropic API key",
		Pattern: regexp.MustCompile(`\bsk-ant-[a-zA-Z0-9-]{95,}\b`),
	},
	{
		Name:    "OpenAI API key",
		Pattern: regexp.MustCompile(`\bsk-[a-zA-Z0-9]{20,}\b`),
	},
	{
		Name:    "AWS access key",
		Pattern: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	},
	{
		Name:    "Slack token",
		Pattern: regexp.MustCompile(`\b(xoxb-|xoxp-|xoxa-|xoxr-)[0-9]{10,13}-[0-9]{10,13}-[a-zA-Z0-9]{24,}\b`),
	},
}

// knownFacetKeys are the facet dimensions the search tools index. Filters
// on other keys match nothing and almost always indicate a typo.
var knownFacetKeys = map[string]bool{
	"document_type": true,
	"collection":    true,
	"source":        true,
	"author":        true,
	"status":        true,
	"tags":          true,
	"date_range":    true,
	"mime_type":     true,
}

// collectWarnings runs the advisory checks: unused parameters,
// unrecognized facet filters, credential-looking literals, and inline
// {{ }} references living in plain strings. Warnings never block
// compilation.
func collectWarnings(p *Plan, usedParams map[string]bool) []ValidationError {
	var warns []ValidationError

	for i, param := range p.Parameters {
		if !usedParams[param.Name] {
			warns = append(warns, ValidationError{
				Code:    CodeUnusedParameter,
				Path:    fmt.Sprintf("$.parameters[%d].name", i),
				Message: fmt.Sprintf("parameter %q is never referenced", param.Name),
			})
		}
	}

	walkPlanSteps(p.Steps, "$.steps", func(step *PlanStep, path string) {
		for _, name := range argNames(step.Args) {
			v := step.Args[name]
			argPath := fmt.Sprintf("%s.args.%s", path, name)
			switch v.Kind() {
			case ValueLiteral:
				if name == "facet_filters" {
					warns = append(warns, facetFilterWarnings(v.Literal(), argPath)...)
				}
				warns = append(warns, credentialWarnings(v.Literal(), argPath)...)
				warns = append(warns, legacyTemplateWarnings(v.Literal(), argPath)...)
			case ValueTemplate:
				warns = append(warns, credentialWarnings(v.Template(), argPath)...)
			}
		}
		if step.Condition != nil && step.Condition.Kind() == ValueLiteral {
			warns = append(warns, legacyTemplateWarnings(step.Condition.Literal(), path+".condition")...)
		}
	})
	return warns
}

// facetFilterWarnings flags facet_filters keys the search index does not
// know.
func facetFilterWarnings(v any, path string) []ValidationError {
	filters, ok := v.(map[string]any)
	if !ok {
		return []ValidationError{{
			Code:    CodeInvalidFacetFilter,
			Path:    path,
			Message: "facet_filters should be an object mapping facet names to filter values",
		}}
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var warns []ValidationError
	for _, k := range keys {
		if !knownFacetKeys[k] {
			warns = append(warns, ValidationError{
				Code:    CodeInvalidFacetFilter,
				Path:    path + "." + k,
				Message: fmt.Sprintf("unknown facet %q matches no documents", k),
				Details: map[string]any{"facet": k},
			})
		}
	}
	return warns
}

// credentialWarnings walks a literal value and flags strings matching a
// known credential format.
func credentialWarnings(v any, path string) []ValidationError {
	var warns []ValidationError
	var check func(v any, path string)
	check = func(v any, path string) {
		switch val := v.(type) {
		case string:
			for _, p := range planCredentialPatterns {
				if p.Pattern.MatchString(val) {
					warns = append(warns, ValidationError{
						Code:    CodeEmbeddedCredential,
						Path:    path,
						Message: fmt.Sprintf("argument appears to contain a %s; pass secrets through parameters instead", p.Name),
						Details: map[string]any{"pattern": p.Name},
					})
					return
				}
			}
		case map[string]any:
			keys := make([]string, 0, len(val))
			for k := range val {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				check(val[k], path+"."+k)
			}
		case []any:
			for i, item := range val {
				check(item, fmt.Sprintf("%s[%d]", path, i))
			}
		}
	}
	check(v, path)
	return warns
}

// legacyTemplateWarnings flags inline {{ }} references in plain strings.
// They still work and still get integrity checks, but the structured
// template form is the supported encoding.
func legacyTemplateWarnings(v any, path string) []ValidationError {
	var warns []ValidationError
	var check func(v any, path string)
	check = func(v any, path string) {
		switch val := v.(type) {
		case string:
			if ContainsTemplate(val) && len(ScanTemplateRefs(val)) > 0 {
				warns = append(warns, ValidationError{
					Code:    CodeLegacyTemplateReference,
					Path:    path,
					Message: `inline {{ }} reference in a plain string; use {"template": "..."} instead`,
				})
			}
		case map[string]any:
			keys := make([]string, 0, len(val))
			for k := range val {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				check(val[k], path+"."+k)
			}
		case []any:
			for i, item := range val {
				check(item, fmt.Sprintf("%s[%d]", path, i))
			}
		}
	}
	check(v, path)
	return warns
}
