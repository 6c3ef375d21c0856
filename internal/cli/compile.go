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

package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/procflow/procflow/pkg/plan"
	"github.com/procflow/procflow/pkg/procedure"
)

func newCompileCommand() *cobra.Command {
	var (
		outputFile  string
		profileName string
	)

	cmd := &cobra.Command{
		Use:   "compile <plan>",
		Short: "Compile a plan into a procedure definition",
		Long: `Compile validates a plan document and lowers it into the executable
procedure definition: flow tools become typed steps, error policies are
resolved, and the procedure slug is derived from its name. The
definition is emitted as JSON, the same form the store persists.`,
		Example: `  # Print the compiled definition
  procflow compile plan.yaml

  # Write it to a file
  procflow compile plan.yaml --output plan.compiled.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd, args[0], outputFile, profileName)
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write the definition to a file instead of stdout")
	cmd.Flags().StringVarP(&profileName, "profile", "p", "", "Governance profile to validate against (default: configured profile)")

	return cmd
}

func runCompile(cmd *cobra.Command, path, outputFile, profileName string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	prof, err := activeProfile(cfg, profileName)
	if err != nil {
		return &ExitError{Code: ExitConfigError, Cause: err}
	}

	registry, cleanup, err := buildRegistry(cmd.Context(), cfg, logger)
	if err != nil {
		return &ExitError{Code: ExitConfigError, Cause: err}
	}
	defer cleanup()

	raw, err := os.ReadFile(path)
	if err != nil {
		return &ExitError{Code: ExitInvalidPlan, Cause: fmt.Errorf("failed to read plan file: %w", err)}
	}

	res := plan.Validate(raw, registry, prof)
	if !res.Valid {
		renderResult(cmd.ErrOrStderr(), newUI(), path, res)
		return &ExitError{Code: ExitInvalidPlan}
	}

	p, err := plan.ParsePlan(raw)
	if err != nil {
		return &ExitError{Code: ExitInvalidPlan, Cause: err}
	}
	def, err := procedure.Compile(p)
	if err != nil {
		return &ExitError{Code: ExitInvalidPlan, Cause: err}
	}

	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode definition: %w", err)
	}
	data = append(data, '\n')

	if outputFile != "" {
		if err := os.WriteFile(outputFile, data, 0o644); err != nil {
			return fmt.Errorf("failed to write definition: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), newUI().ok(fmt.Sprintf("compiled %s -> %s", path, outputFile)))
		return nil
	}

	_, err = cmd.OutOrStdout().Write(data)
	return err
}
