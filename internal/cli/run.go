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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/procflow/procflow/internal/cli/prompt"
	"github.com/procflow/procflow/internal/config"
	"github.com/procflow/procflow/pkg/errors"
	"github.com/procflow/procflow/pkg/plan"
	"github.com/procflow/procflow/pkg/procedure"
)

// Procedures registered through the CLI all live in one organization;
// multi-tenant scoping belongs to embedding services.
const defaultOrg = "default"

// runOptions holds the run command's flag values.
type runOptions struct {
	params        []string
	paramsFile    string
	profile       string
	noInteractive bool
	yes           bool
	output        string
	timeout       time.Duration
	maxParallel   int
}

func newRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <plan-or-slug>",
		Short: "Execute a plan file or a stored procedure",
		Long: `Run validates, compiles, and executes a plan document. When the
argument is not an existing file it is treated as the slug of a
procedure registered with 'procflow procedures register', and the
stored definition runs instead.

Missing required parameters are prompted for interactively; in
non-interactive environments they fail the run with a listing of what
to supply. When the active governance profile requires side-effect
confirmation and the plan does not carry confirm_side_effects, the
command asks before running (--yes skips the prompt).

Runs are recorded in the configured store as they progress, so a
crashed or cancelled run still leaves an inspectable record.`,
		Example: `  # Run a plan file
  procflow run plan.yaml

  # Supply parameters from flags and a file
  procflow run plan.yaml -P collection=articles -P limit=10
  procflow run plan.yaml --params-file params.json

  # Run a registered procedure by slug
  procflow run publish-digest

  # Unattended run that accepts side effects
  procflow run plan.yaml --yes --no-interactive`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args[0], opts)
		},
	}

	fl := cmd.Flags()
	fl.StringArrayVarP(&opts.params, "param", "P", nil, "Run parameter in key=value form (repeatable)")
	fl.StringVar(&opts.paramsFile, "params-file", "", "JSON file with parameters (use '-' for stdin)")
	fl.StringVarP(&opts.profile, "profile", "p", "", "Governance profile (default: configured profile)")
	fl.BoolVar(&opts.noInteractive, "no-interactive", false, "Disable interactive prompts")
	fl.BoolVarP(&opts.yes, "yes", "y", false, "Skip the side-effect confirmation prompt")
	fl.StringVarP(&opts.output, "output", "o", "", "Write the final run record JSON to a file")
	fl.DurationVar(&opts.timeout, "timeout", 0, "Per-tool timeout override")
	fl.IntVar(&opts.maxParallel, "max-parallel", 0, "Parallel branch limit override")

	return cmd
}

func runRun(cmd *cobra.Command, target string, opts runOptions) error {
	ctx := cmd.Context()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	def, err := loadDefinition(ctx, rt, cmd, target, opts)
	if err != nil {
		return err
	}

	supplied, err := parseParams(opts.params, opts.paramsFile, def.Parameters)
	if err != nil {
		return &ExitError{Code: ExitMissingParams, Cause: err}
	}

	interactive := interactiveAllowed(opts.noInteractive)
	params, err := prompt.Collect(ctx, prompt.NewSurveyPrompter(interactive), def.Parameters, supplied)
	if err != nil {
		var missing *prompt.MissingParamsError
		if errors.As(err, &missing) {
			return &ExitError{Code: ExitMissingParams, Cause: err}
		}
		return &ExitError{Code: ExitAborted, Cause: err}
	}

	exec := procedure.NewExecutor(rt.registry).
		WithLogger(rt.logger).
		WithTracer(rt.tracing.Tracer("procflow/cli")).
		WithRecorder(rt.backend)
	if n := opts.maxParallel; n > 0 {
		exec = exec.WithMaxParallel(n)
	} else {
		exec = exec.WithMaxParallel(rt.cfg.Defaults.MaxParallel)
	}
	if d := opts.timeout; d > 0 {
		exec = exec.WithToolTimeout(d)
	} else {
		exec = exec.WithToolTimeout(rt.cfg.Tools.Timeout.Duration())
	}
	if !rootOpts.jsonOut && !rootOpts.quiet {
		exec = exec.WithObserver(newRunProgress(cmd.OutOrStdout()))
	}

	run, runErr := exec.Execute(ctx, def, params)
	if run == nil {
		var ve *errors.ValidationError
		if errors.As(runErr, &ve) && strings.HasPrefix(ve.Field, "params.") {
			return &ExitError{Code: ExitMissingParams, Cause: runErr}
		}
		return &ExitError{Code: ExitRunFailed, Cause: runErr}
	}

	if err := reportRun(cmd, rt.cfg, run, opts.output); err != nil {
		return err
	}
	switch {
	case runErr == nil:
		return nil
	case run.Status == procedure.RunCancelled:
		return &ExitError{Code: ExitAborted}
	default:
		// The summary already showed the failure.
		return &ExitError{Code: ExitRunFailed}
	}
}

// loadDefinition resolves the run target: an existing file is
// validated and compiled, anything slug-shaped is loaded from the
// store.
func loadDefinition(ctx context.Context, rt *runtime, cmd *cobra.Command, target string, opts runOptions) (*procedure.Definition, error) {
	if _, statErr := os.Stat(target); statErr == nil {
		return definitionFromFile(rt, cmd, target, opts)
	}
	if looksLikeSlug(target) {
		rec, err := rt.backend.GetProcedure(ctx, defaultOrg, target)
		if err != nil {
			if errors.IsNotFound(err) {
				return nil, exitf(ExitInvalidPlan, "no plan file or registered procedure %q", target)
			}
			return nil, err
		}
		return rec.Definition, nil
	}
	return nil, exitf(ExitInvalidPlan, "plan file %q does not exist", target)
}

// looksLikeSlug reports whether target could name a stored procedure
// rather than a file: a single path segment with no extension.
func looksLikeSlug(target string) bool {
	return !strings.ContainsAny(target, "/\\") && filepath.Ext(target) == ""
}

// definitionFromFile validates and compiles a plan document, resolving
// side-effect confirmations interactively when the profile demands
// them.
func definitionFromFile(rt *runtime, cmd *cobra.Command, path string, opts runOptions) (*procedure.Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ExitError{Code: ExitInvalidPlan, Cause: fmt.Errorf("failed to read plan file: %w", err)}
	}

	prof, err := activeProfile(rt.cfg, opts.profile)
	if err != nil {
		return nil, &ExitError{Code: ExitConfigError, Cause: err}
	}

	res := plan.Validate(raw, rt.registry, prof)
	res, err = confirmSideEffects(cmd, res, opts)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		renderResult(cmd.ErrOrStderr(), newUI(), path, res)
		return nil, &ExitError{Code: ExitInvalidPlan}
	}
	if !rootOpts.quiet {
		u := newUI()
		for _, warn := range res.Warnings {
			fmt.Fprintln(cmd.ErrOrStderr(), u.warn(warn.Error()))
		}
	}

	p, err := plan.ParsePlan(raw)
	if err != nil {
		return nil, &ExitError{Code: ExitInvalidPlan, Cause: err}
	}
	def, err := procedure.Compile(p)
	if err != nil {
		return nil, &ExitError{Code: ExitInvalidPlan, Cause: err}
	}
	return def, nil
}

// confirmSideEffects resolves missing side-effect confirmations. When
// those are the only findings, --yes or an interactive confirmation
// stands in for the in-plan confirm_side_effects literal. Outside a
// terminal the findings stand and validation fails as usual.
func confirmSideEffects(cmd *cobra.Command, res plan.ValidationResult, opts runOptions) (plan.ValidationResult, error) {
	var confirmable, rest []plan.ValidationError
	for _, e := range res.Errors {
		if e.Code == plan.CodeMissingSideEffectConfirmation {
			confirmable = append(confirmable, e)
		} else {
			rest = append(rest, e)
		}
	}
	if len(confirmable) == 0 || len(rest) > 0 {
		return res, nil
	}

	tools := confirmTools(confirmable)
	if !opts.yes {
		if !interactiveAllowed(opts.noInteractive) {
			return res, nil
		}
		ok, err := confirmForm(tools)
		if err != nil {
			return res, fmt.Errorf("failed to prompt for confirmation: %w", err)
		}
		if !ok {
			return res, &ExitError{Code: ExitAborted, Message: "aborted"}
		}
	}

	if !rootOpts.quiet {
		fmt.Fprintln(cmd.ErrOrStderr(), newUI().warn("side effects confirmed for: "+strings.Join(tools, ", ")))
	}
	res.Errors = rest
	res.Valid = true
	return res, nil
}

// confirmTools extracts the distinct tool names behind confirmation
// findings.
func confirmTools(errs []plan.ValidationError) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range errs {
		name, _ := e.Details["tool"].(string)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// confirmForm shows the side-effect confirmation form.
func confirmForm(tools []string) (bool, error) {
	var proceed bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Run tools with side effects?").
				Description("This plan invokes: " + strings.Join(tools, ", ")).
				Affirmative("Yes, run").
				Negative("No, abort").
				Value(&proceed),
		),
	)
	if err := form.Run(); err != nil {
		return false, err
	}
	return proceed, nil
}

// interactiveAllowed reports whether prompts may be shown: not
// disabled by flag or environment, not in CI, and stdin is a terminal.
func interactiveAllowed(noInteractive bool) bool {
	if noInteractive {
		return false
	}
	if v := os.Getenv("PROCFLOW_NO_INTERACTIVE"); v != "" {
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			return false
		}
	}
	ciVars := []string{
		"CI",
		"GITHUB_ACTIONS",
		"GITLAB_CI",
		"CIRCLECI",
		"TRAVIS",
		"BUILDKITE",
		"DRONE",
		"JENKINS_HOME",
		"TEAMCITY_VERSION",
	}
	for _, v := range ciVars {
		if os.Getenv(v) != "" {
			return false
		}
	}
	return stdinIsTTY()
}

// parseParams merges the params file with --param flags, flags
// winning, and coerces each flag value to its declared type.
func parseParams(paramArgs []string, paramsFile string, decls []plan.Parameter) (map[string]any, error) {
	params := make(map[string]any)
	if paramsFile != "" {
		loaded, err := loadParamsFile(paramsFile)
		if err != nil {
			return nil, err
		}
		params = loaded
	}

	types := make(map[string]string, len(decls))
	for _, d := range decls {
		types[d.Name] = d.Type
	}

	for _, arg := range paramArgs {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("invalid parameter %q (expected key=value)", arg)
		}
		coerced, err := prompt.Coerce(value, types[key])
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", key, err)
		}
		params[key] = coerced
	}
	return params, nil
}

func loadParamsFile(path string) (map[string]any, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read params file: %w", err)
	}

	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("failed to parse params file: %w", err)
	}
	return params, nil
}

// runProgress renders live step progress from executor callbacks. The
// callbacks arrive on executor goroutines, so writes are serialized.
type runProgress struct {
	mu sync.Mutex
	w  io.Writer
	u  *ui
}

func newRunProgress(w io.Writer) *runProgress {
	return &runProgress{w: w, u: newUI()}
}

func (p *runProgress) OnStepStart(run *procedure.Run, step string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s\n", p.u.muted("> "+step))
}

func (p *runProgress) OnStepComplete(run *procedure.Run, outcome procedure.StepOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dur := time.Duration(outcome.DurationMS) * time.Millisecond
	switch outcome.Status {
	case procedure.OutcomeSuccess:
		fmt.Fprintf(p.w, "%s\n", p.u.ok(fmt.Sprintf("%s (%s)", outcome.Step, dur)))
	case procedure.OutcomeSkipped:
		fmt.Fprintf(p.w, "%s\n", p.u.muted(fmt.Sprintf("%s skipped", outcome.Step)))
	default:
		fmt.Fprintf(p.w, "%s\n", p.u.fail(fmt.Sprintf("%s: %s", outcome.Step, outcome.Error)))
	}
}

// reportRun writes the final run summary and the optional record file.
func reportRun(cmd *cobra.Command, cfg *config.Config, run *procedure.Run, outputFile string) error {
	if outputFile != "" {
		data, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode run record: %w", err)
		}
		if err := os.WriteFile(outputFile, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("failed to write run record: %w", err)
		}
	}

	if rootOpts.jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}

	u := newUI()
	out := cmd.OutOrStdout()
	dur := run.Duration().Round(time.Millisecond)
	steps := fmt.Sprintf("%d/%d steps", run.Progress.Completed, run.Progress.Total)

	switch run.Status {
	case procedure.RunCompleted:
		fmt.Fprintln(out, u.ok(fmt.Sprintf("run %s completed in %s (%s)", run.ID, dur, steps)))
	case procedure.RunCancelled:
		fmt.Fprintln(out, u.warn(fmt.Sprintf("run %s cancelled after %s (%s)", run.ID, dur, steps)))
	default:
		where := fmt.Sprintf("step %q", run.FailedStep)
		if run.FailedTool != "" {
			where += fmt.Sprintf(" (tool %s)", run.FailedTool)
		}
		fmt.Fprintln(out, u.fail(fmt.Sprintf("run %s failed at %s: %s", run.ID, where, run.Error)))
		fmt.Fprintln(out, u.muted("  "+steps+" completed"))
	}

	// Only the durable backend survives this process, so only then is
	// the follow-up command worth suggesting.
	if cfg.Store.Backend == config.BackendSQLite && !rootOpts.quiet {
		fmt.Fprintln(out, u.muted(fmt.Sprintf("  procflow runs show %s", run.ID)))
	}
	return nil
}
