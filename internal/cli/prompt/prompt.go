// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package prompt collects procedure parameters interactively.
//
// The run command uses it to fill required parameters that were not
// supplied on the command line: each missing parameter becomes a typed
// terminal prompt with validation and retry. Non-interactive
// environments get a structured error listing the gaps instead of a
// hung prompt.
package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/procflow/procflow/pkg/plan"
)

// MaxRetries bounds re-prompting after invalid input.
const MaxRetries = 3

// Prompter collects typed values from the user. Implementations are
// SurveyPrompter (terminal) and MockPrompter (tests).
type Prompter interface {
	// PromptString collects a string input
	PromptString(ctx context.Context, name, desc string, def string) (string, error)

	// PromptNumber collects a numeric input
	PromptNumber(ctx context.Context, name, desc string, def float64) (float64, error)

	// PromptBool collects a boolean input
	PromptBool(ctx context.Context, name, desc string, def bool) (bool, error)

	// PromptArray collects an array input (comma-separated or JSON)
	PromptArray(ctx context.Context, name, desc string) ([]any, error)

	// PromptObject collects an object input (JSON)
	PromptObject(ctx context.Context, name, desc string) (map[string]any, error)

	// IsInteractive reports whether prompts can be displayed
	IsInteractive() bool
}

// MissingParamsError reports required parameters that could not be
// prompted for.
type MissingParamsError struct {
	Params []plan.Parameter
}

func (e *MissingParamsError) Error() string {
	var sb strings.Builder
	sb.WriteString("missing required parameters:\n")
	for _, p := range e.Params {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		fmt.Fprintf(&sb, "  - %s (%s)", p.Name, typ)
		if p.Description != "" {
			fmt.Fprintf(&sb, ": %s", p.Description)
		}
		sb.WriteByte('\n')
	}
	sb.WriteString("supply them with --param name=value")
	return sb.String()
}

// Missing lists required parameters with neither a supplied value nor
// a declared default, in declaration order.
func Missing(decls []plan.Parameter, supplied map[string]any) []plan.Parameter {
	var out []plan.Parameter
	for _, p := range decls {
		if !p.Required || p.Default != nil {
			continue
		}
		if _, ok := supplied[p.Name]; ok {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Collect prompts for each missing required parameter and merges the
// answers into a copy of supplied. In non-interactive mode a non-empty
// missing set yields a MissingParamsError instead.
func Collect(ctx context.Context, p Prompter, decls []plan.Parameter, supplied map[string]any) (map[string]any, error) {
	params := make(map[string]any, len(supplied))
	for k, v := range supplied {
		params[k] = v
	}

	missing := Missing(decls, supplied)
	if len(missing) == 0 {
		return params, nil
	}
	if !p.IsInteractive() {
		return nil, &MissingParamsError{Params: missing}
	}

	for i, decl := range missing {
		v, err := collectOne(ctx, p, decl, i+1, len(missing))
		if err != nil {
			return nil, err
		}
		params[decl.Name] = v
	}
	return params, nil
}

// collectOne prompts for a single parameter with retry on invalid
// input. The label carries session progress so multi-parameter runs
// show how much is left.
func collectOne(ctx context.Context, p Prompter, decl plan.Parameter, index, total int) (any, error) {
	label := decl.Name
	if total > 1 {
		label = fmt.Sprintf("[%d/%d] %s", index, total, decl.Name)
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		v, err := promptTyped(ctx, p, label, decl)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no valid value for %q after %d attempts: %w", decl.Name, MaxRetries, lastErr)
}

func promptTyped(ctx context.Context, p Prompter, label string, decl plan.Parameter) (any, error) {
	switch decl.Type {
	case "number":
		return p.PromptNumber(ctx, label, decl.Description, 0)
	case "integer":
		f, err := p.PromptNumber(ctx, label, decl.Description, 0)
		if err != nil {
			return nil, err
		}
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("%v is not an integer", f)
		}
		return int(f), nil
	case "boolean":
		return p.PromptBool(ctx, label, decl.Description, false)
	case "array":
		return p.PromptArray(ctx, label, decl.Description)
	case "object":
		return p.PromptObject(ctx, label, decl.Description)
	default:
		return p.PromptString(ctx, label, decl.Description, "")
	}
}

// Coerce converts raw flag text into the declared parameter type so
// key=value arguments reach the executor correctly typed.
func Coerce(raw, typ string) (any, error) {
	switch typ {
	case "integer":
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", raw)
		}
		return int(n), nil
	case "number":
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", raw)
		}
		return f, nil
	case "boolean":
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "true", "1", "yes", "y":
			return true, nil
		case "false", "0", "no", "n":
			return false, nil
		}
		return nil, fmt.Errorf("%q is not a boolean", raw)
	case "array":
		return ParseArray(raw)
	case "object":
		return ParseObject(raw)
	default:
		return raw, nil
	}
}

// ParseArray accepts a JSON array or a comma-separated list of strings.
func ParseArray(raw string) ([]any, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "[") {
		var out []any
		if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
			return nil, fmt.Errorf("invalid JSON array: %w", err)
		}
		return out, nil
	}
	if trimmed == "" {
		return []any{}, nil
	}
	var out []any
	for _, part := range strings.Split(trimmed, ",") {
		out = append(out, strings.TrimSpace(part))
	}
	return out, nil
}

// ParseObject accepts a JSON object.
func ParseObject(raw string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	return out, nil
}
