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
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/procflow/procflow/internal/config"
	"github.com/procflow/procflow/internal/watch"
	"github.com/procflow/procflow/pkg/pipeline"
	"github.com/procflow/procflow/pkg/plan"
	"github.com/procflow/procflow/pkg/tool"
)

func newValidateCommand() *cobra.Command {
	var (
		asPipeline  bool
		profileName string
		watchMode   bool
	)

	cmd := &cobra.Command{
		Use:   "validate <plan>",
		Short: "Validate a plan or pipeline document",
		Long: `Validate checks a plan document against all validation layers:
structure (JSON Schema), reference integrity, tool contracts, flow
rules, and the active governance profile. Pipelines get the equivalent
stage-level checks with --pipeline.

Tool contract checks use the configured contract sources (the offline
catalog and any MCP servers); with no sources configured, unknown tools
only degrade contract checks, they do not fail them.

With --watch the command stays running and revalidates whenever the
file changes, which pairs with an editor for fast plan authoring.`,
		Example: `  # Validate a plan with the configured governance profile
  procflow validate plan.yaml

  # Validate against a stricter profile
  procflow validate plan.yaml --profile locked-down

  # Revalidate on every save
  procflow validate plan.yaml --watch

  # Validate a pipeline document
  procflow validate nightly.yaml --pipeline`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args[0], asPipeline, profileName, watchMode)
		},
	}

	cmd.Flags().BoolVar(&asPipeline, "pipeline", false, "Validate as a pipeline document")
	cmd.Flags().StringVarP(&profileName, "profile", "p", "", "Governance profile to validate against (default: configured profile)")
	cmd.Flags().BoolVarP(&watchMode, "watch", "w", false, "Revalidate whenever the file changes")

	return cmd
}

// activeProfile resolves the governance profile for validation. The
// --profile flag overrides the configured default; an empty result
// means no governance checks.
func activeProfile(cfg *config.Config, override string) (*tool.Profile, error) {
	if override == "" {
		return cfg.Governance.Active(), nil
	}
	p, ok := cfg.Governance.Profiles[override]
	if !ok {
		return nil, fmt.Errorf("governance profile %q is not defined", override)
	}
	return &p, nil
}

func runValidate(cmd *cobra.Command, path string, asPipeline bool, profileName string, watchMode bool) error {
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

	check := func() (plan.ValidationResult, error) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return plan.ValidationResult{}, fmt.Errorf("failed to read plan file: %w", err)
		}
		if asPipeline {
			return pipeline.Validate(raw, registry), nil
		}
		return plan.Validate(raw, registry, prof), nil
	}

	if watchMode {
		return watchValidate(cmd, logger, path, check)
	}

	res, err := check()
	if err != nil {
		return &ExitError{Code: ExitInvalidPlan, Cause: err}
	}
	if err := reportResult(cmd, path, res); err != nil {
		return err
	}
	if !res.Valid {
		// The report already printed every finding.
		return &ExitError{Code: ExitInvalidPlan}
	}
	return nil
}

// watchValidate revalidates on every change until the command context
// is cancelled. Findings are reported but never terminate the loop.
func watchValidate(cmd *cobra.Command, logger *slog.Logger, path string, check func() (plan.ValidationResult, error)) error {
	w, err := watch.New(watch.Config{Logger: logger})
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(path); err != nil {
		return err
	}

	u := newUI()
	out := cmd.OutOrStdout()

	validateOnce := func() {
		res, err := check()
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
			return
		}
		if err := reportResult(cmd, path, res); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		}
	}

	validateOnce()
	fmt.Fprintln(out, u.muted("watching for changes (ctrl-c to stop)"))

	ctx := cmd.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case changed := <-w.Events():
			fmt.Fprintf(out, "\n%s\n", u.muted(fmt.Sprintf("%s changed, revalidating", filepath.Base(changed))))
			validateOnce()
		}
	}
}

// reportResult writes the validation findings as JSON or a styled
// report depending on the --json flag.
func reportResult(cmd *cobra.Command, path string, res plan.ValidationResult) error {
	if rootOpts.jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	renderResult(cmd.OutOrStdout(), newUI(), path, res)
	return nil
}

func renderResult(w io.Writer, u *ui, path string, res plan.ValidationResult) {
	switch {
	case res.Valid && len(res.Warnings) == 0:
		fmt.Fprintln(w, u.ok(fmt.Sprintf("%s is valid", path)))
	case res.Valid:
		fmt.Fprintln(w, u.ok(fmt.Sprintf("%s is valid (%s)", path, plural(len(res.Warnings), "warning"))))
	default:
		fmt.Fprintln(w, u.fail(fmt.Sprintf("%s: %s", path, plural(len(res.Errors), "error"))))
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  %s\n", u.fail(e.Error()))
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "  %s\n", u.warn(warn.Error()))
	}
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
