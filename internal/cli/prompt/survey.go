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

package prompt

import (
	"context"
	"fmt"
	"strconv"

	"github.com/AlecAivazis/survey/v2"
)

// SurveyPrompter implements Prompter using the survey library for
// interactive terminal prompts with inline validation.
type SurveyPrompter struct {
	interactive bool
}

// NewSurveyPrompter creates a survey-based prompter.
func NewSurveyPrompter(interactive bool) *SurveyPrompter {
	return &SurveyPrompter{interactive: interactive}
}

// promptMessage renders the prompt line for a parameter.
func promptMessage(name, desc string) string {
	if desc == "" {
		return name
	}
	return fmt.Sprintf("%s: %s", name, desc)
}

// stringValidator adapts a Coerce type check into a survey validator.
func stringValidator(typ string) survey.Validator {
	return func(ans interface{}) error {
		if str, ok := ans.(string); ok {
			_, err := Coerce(str, typ)
			return err
		}
		return nil
	}
}

// PromptString collects a string input using survey.Input.
func (sp *SurveyPrompter) PromptString(ctx context.Context, name, desc string, def string) (string, error) {
	if !sp.interactive {
		return "", fmt.Errorf("cannot prompt in non-interactive mode")
	}

	var result string
	input := &survey.Input{
		Message: promptMessage(name, desc),
		Default: def,
	}
	err := survey.AskOne(input, &result)
	return result, err
}

// PromptNumber collects a numeric input using survey.Input with
// validation.
func (sp *SurveyPrompter) PromptNumber(ctx context.Context, name, desc string, def float64) (float64, error) {
	if !sp.interactive {
		return 0, fmt.Errorf("cannot prompt in non-interactive mode")
	}

	defaultStr := ""
	if def != 0 {
		defaultStr = strconv.FormatFloat(def, 'f', -1, 64)
	}

	var input string
	err := survey.AskOne(&survey.Input{
		Message: promptMessage(name, desc),
		Default: defaultStr,
	}, &input, survey.WithValidator(stringValidator("number")))
	if err != nil {
		return 0, err
	}

	v, err := Coerce(input, "number")
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// PromptBool collects a boolean input using survey.Confirm.
func (sp *SurveyPrompter) PromptBool(ctx context.Context, name, desc string, def bool) (bool, error) {
	if !sp.interactive {
		return false, fmt.Errorf("cannot prompt in non-interactive mode")
	}

	var result bool
	confirm := &survey.Confirm{
		Message: promptMessage(name, desc),
		Default: def,
	}
	err := survey.AskOne(confirm, &result)
	return result, err
}

// PromptArray collects an array input using survey.Input with parsing.
func (sp *SurveyPrompter) PromptArray(ctx context.Context, name, desc string) ([]any, error) {
	if !sp.interactive {
		return nil, fmt.Errorf("cannot prompt in non-interactive mode")
	}

	var input string
	err := survey.AskOne(&survey.Input{
		Message: promptMessage(name, desc) + " (comma-separated or JSON array)",
	}, &input, survey.WithValidator(stringValidator("array")))
	if err != nil {
		return nil, err
	}
	return ParseArray(input)
}

// PromptObject collects an object input using survey.Input with JSON
// validation.
func (sp *SurveyPrompter) PromptObject(ctx context.Context, name, desc string) (map[string]any, error) {
	if !sp.interactive {
		return nil, fmt.Errorf("cannot prompt in non-interactive mode")
	}

	var input string
	err := survey.AskOne(&survey.Input{
		Message: promptMessage(name, desc) + " (JSON object)",
	}, &input, survey.WithValidator(stringValidator("object")))
	if err != nil {
		return nil, err
	}
	return ParseObject(input)
}

// IsInteractive reports whether prompts can be displayed.
func (sp *SurveyPrompter) IsInteractive() bool {
	return sp.interactive
}
