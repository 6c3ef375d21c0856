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
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/procflow/procflow/internal/config"
	"github.com/procflow/procflow/internal/store"
	"github.com/procflow/procflow/pkg/errors"
	"github.com/procflow/procflow/pkg/pipeline"
)

// pipelineRunOptions holds flag values shared by run and resume.
type pipelineRunOptions struct {
	params      []string
	paramsFile  string
	concurrency int
	batchSize   int
	output      string
}

func newPipelineCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Execute and inspect item pipelines",
		Long: `Pipelines push a gathered working set of items through filter,
transform, enrich, and output stages, checkpointing item state between
batches. A failed run can be resumed from its last checkpoint with
'procflow pipeline resume'.`,
	}

	cmd.AddCommand(newPipelineRunCommand())
	cmd.AddCommand(newPipelineResumeCommand())
	cmd.AddCommand(newPipelineStatusCommand())
	cmd.AddCommand(newPipelineRunsCommand())
	cmd.AddCommand(newPipelineListCommand())

	return cmd
}

func newPipelineRunCommand() *cobra.Command {
	var opts pipelineRunOptions

	cmd := &cobra.Command{
		Use:   "run <pipeline-file>",
		Short: "Validate, register, and execute a pipeline document",
		Long: `Run validates a pipeline document, stores it as the next version of
its slug, and executes it. Storing before executing means the run row
references a durable definition, so a failed run can be resumed after
this process exits.

Pipelines declare no typed parameters; each --param value is parsed as
JSON when it is JSON and passed through as a string otherwise.`,
		Example: `  # Execute a pipeline
  procflow pipeline run backfill.yaml

  # Supply parameters and tune batching
  procflow pipeline run backfill.yaml -P since=2025-01-01 --batch-size 25

  # Resume after a failure
  procflow pipeline resume 7f3a2c`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipelineRun(cmd, args[0], opts)
		},
	}

	fl := cmd.Flags()
	fl.StringArrayVarP(&opts.params, "param", "P", nil, "Run parameter in key=value form (repeatable)")
	fl.StringVar(&opts.paramsFile, "params-file", "", "JSON file with parameters (use '-' for stdin)")
	fl.IntVar(&opts.concurrency, "concurrency", 0, "Per-batch worker count override")
	fl.IntVar(&opts.batchSize, "batch-size", 0, "Default stage batch size override")
	fl.StringVarP(&opts.output, "output", "o", "", "Write the final run record JSON to a file")

	return cmd
}

func runPipelineRun(cmd *cobra.Command, path string, opts pipelineRunOptions) error {
	ctx := cmd.Context()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	raw, err := os.ReadFile(path)
	if err != nil {
		return &ExitError{Code: ExitInvalidPlan, Cause: fmt.Errorf("failed to read pipeline file: %w", err)}
	}

	res := pipeline.Validate(raw, rt.registry)
	if !res.Valid {
		renderResult(cmd.ErrOrStderr(), newUI(), path, res)
		return &ExitError{Code: ExitInvalidPlan}
	}
	if !rootOpts.quiet {
		u := newUI()
		for _, warn := range res.Warnings {
			fmt.Fprintln(cmd.ErrOrStderr(), u.warn(warn.Error()))
		}
	}

	p, err := pipeline.ParsePipeline(raw)
	if err != nil {
		return &ExitError{Code: ExitInvalidPlan, Cause: err}
	}

	params, err := parseLooseParams(opts.params, opts.paramsFile)
	if err != nil {
		return &ExitError{Code: ExitMissingParams, Cause: err}
	}

	// Store first so the run references a registered version and
	// Resume can reload the definition later.
	if err := rt.backend.SavePipeline(ctx, p); err != nil {
		return fmt.Errorf("failed to store pipeline: %w", err)
	}

	if !rootOpts.jsonOut && !rootOpts.quiet {
		fmt.Fprintln(cmd.OutOrStdout(), newUI().muted(
			fmt.Sprintf("running pipeline %s v%d (%d stages)", p.Slug, p.Version, len(p.Stages))))
	}

	run, runErr := buildPipelineExecutor(rt, opts.concurrency, opts.batchSize).Execute(ctx, p, params)
	if run == nil {
		return &ExitError{Code: ExitInvalidPlan, Cause: runErr}
	}
	return finishPipelineRun(cmd, rt.cfg, run, runErr, opts.output)
}

func newPipelineResumeCommand() *cobra.Command {
	var opts pipelineRunOptions

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a failed pipeline run from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipelineResume(cmd, args[0], opts)
		},
	}

	fl := cmd.Flags()
	fl.IntVar(&opts.concurrency, "concurrency", 0, "Per-batch worker count override")
	fl.IntVar(&opts.batchSize, "batch-size", 0, "Default stage batch size override")
	fl.StringVarP(&opts.output, "output", "o", "", "Write the final run record JSON to a file")

	return cmd
}

func runPipelineResume(cmd *cobra.Command, runID string, opts pipelineRunOptions) error {
	ctx := cmd.Context()
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	run, runErr := buildPipelineExecutor(rt, opts.concurrency, opts.batchSize).Resume(ctx, runID)
	if run == nil {
		if errors.IsNotFound(runErr) {
			return exitf(ExitRunFailed, "pipeline run %q not found", runID)
		}
		return &ExitError{Code: ExitRunFailed, Cause: runErr}
	}
	return finishPipelineRun(cmd, rt.cfg, run, runErr, opts.output)
}

// finishPipelineRun reports the terminal run and maps its status to an
// exit code.
func finishPipelineRun(cmd *cobra.Command, cfg *config.Config, run *pipeline.Run, runErr error, outputFile string) error {
	if err := reportPipelineRun(cmd, cfg, run, outputFile); err != nil {
		return err
	}
	switch {
	case runErr == nil:
		return nil
	case run.Status == pipeline.RunCancelled:
		return &ExitError{Code: ExitAborted}
	default:
		// The summary already showed the failure.
		return &ExitError{Code: ExitRunFailed}
	}
}

// buildPipelineExecutor wires a pipeline executor from the runtime,
// flag overrides taking precedence over configured defaults.
func buildPipelineExecutor(rt *runtime, concurrency, batchSize int) *pipeline.Executor {
	exec := pipeline.NewExecutor(rt.registry, rt.backend).
		WithLogger(rt.logger).
		WithTracer(rt.tracing.Tracer("procflow/cli"))
	if concurrency <= 0 {
		concurrency = rt.cfg.Defaults.PipelineConcurrency
	}
	if concurrency > 0 {
		exec = exec.WithConcurrency(concurrency)
	}
	if batchSize <= 0 {
		batchSize = rt.cfg.Defaults.BatchSize
	}
	if batchSize > 0 {
		exec = exec.WithDefaultBatchSize(batchSize)
	}
	if d := rt.cfg.Tools.Timeout.Duration(); d > 0 {
		exec = exec.WithToolTimeout(d)
	}
	return exec
}

// parseLooseParams merges the params file with --param flags, flags
// winning. Pipeline parameters are untyped, so values are parsed as
// JSON where possible and kept as strings otherwise.
func parseLooseParams(paramArgs []string, paramsFile string) (map[string]any, error) {
	params := make(map[string]any)
	if paramsFile != "" {
		loaded, err := loadParamsFile(paramsFile)
		if err != nil {
			return nil, err
		}
		params = loaded
	}

	for _, arg := range paramArgs {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("invalid parameter %q (expected key=value)", arg)
		}
		params[key] = looseValue(value)
	}
	return params, nil
}

// looseValue interprets a flag value: valid JSON is taken typed, so
// numbers, booleans, arrays and objects pass through, and anything
// else is the literal string.
func looseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// stageProgress renders "current/total" stage progress, counting the
// stage in flight for runs that stopped midway.
func stageProgress(run *pipeline.Run) string {
	switch run.Status {
	case pipeline.RunCompleted:
		return fmt.Sprintf("%d/%d", run.TotalStages, run.TotalStages)
	case pipeline.RunPending:
		return fmt.Sprintf("0/%d", run.TotalStages)
	}
	current := run.CurrentStage + 1
	if current > run.TotalStages {
		current = run.TotalStages
	}
	return fmt.Sprintf("%d/%d", current, run.TotalStages)
}

// reportPipelineRun writes the final run summary and the optional
// record file.
func reportPipelineRun(cmd *cobra.Command, cfg *config.Config, run *pipeline.Run, outputFile string) error {
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
	items := fmt.Sprintf("%d/%d items", run.ProcessedItems, run.TotalItems)
	if run.FailedItems > 0 {
		items += fmt.Sprintf(", %d failed", run.FailedItems)
	}

	switch run.Status {
	case pipeline.RunCompleted:
		fmt.Fprintln(out, u.ok(fmt.Sprintf("pipeline run %s completed in %s (%s)", run.ID, dur, items)))
	case pipeline.RunCancelled:
		fmt.Fprintln(out, u.warn(fmt.Sprintf("pipeline run %s cancelled after %s (%s)", run.ID, dur, items)))
	default:
		fmt.Fprintln(out, u.fail(fmt.Sprintf("pipeline run %s failed at stage %s: %s", run.ID, stageProgress(run), run.Error)))
		fmt.Fprintln(out, u.muted("  "+items))
	}

	// Only the durable backend survives this process, so only then is
	// the follow-up command worth suggesting.
	if cfg.Store.Backend == config.BackendSQLite && !rootOpts.quiet {
		if run.Status == pipeline.RunFailed {
			fmt.Fprintln(out, u.muted(fmt.Sprintf("  procflow pipeline resume %s", run.ID)))
		} else {
			fmt.Fprintln(out, u.muted(fmt.Sprintf("  procflow pipeline status %s", run.ID)))
		}
	}
	return nil
}

func newPipelineStatusCommand() *cobra.Command {
	var showItems bool

	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a pipeline run's stage and item progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			backend, err := openBackend(cfg)
			if err != nil {
				return &ExitError{Code: ExitConfigError, Cause: err}
			}
			defer backend.Close()

			ctx := cmd.Context()
			run, err := backend.GetPipelineRun(ctx, args[0])
			if err != nil {
				if errors.IsNotFound(err) {
					return exitf(ExitRunFailed, "pipeline run %q not found", args[0])
				}
				return err
			}

			var items []*pipeline.ItemState
			if showItems {
				items, err = backend.ListItems(ctx, run.ID)
				if err != nil {
					return err
				}
			}
			return renderPipelineStatus(cmd, backend, run, items, showItems)
		},
	}

	cmd.Flags().BoolVar(&showItems, "items", false, "List per-item state")

	return cmd
}

func renderPipelineStatus(cmd *cobra.Command, backend store.Backend, run *pipeline.Run, items []*pipeline.ItemState, showItems bool) error {
	out := cmd.OutOrStdout()

	if rootOpts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if showItems {
			return enc.Encode(map[string]any{"run": run, "items": items})
		}
		return enc.Encode(run)
	}

	u := newUI()
	fmt.Fprintf(out, "%s  %s\n", u.bold("Run"), run.ID)
	version := ""
	if run.Version > 0 {
		version = fmt.Sprintf(" (v%d)", run.Version)
	}
	fmt.Fprintf(out, "%s  %s%s\n", u.bold("Pipeline"), run.Pipeline, version)
	fmt.Fprintf(out, "%s  %s\n", u.bold("Status"), u.statusLabel(string(run.Status), run.Status == pipeline.RunCompleted))
	if !run.StartedAt.IsZero() {
		fmt.Fprintf(out, "%s  %s\n", u.bold("Started"), run.StartedAt.Local().Format(time.RFC3339))
	}
	if d := run.Duration(); d > 0 {
		fmt.Fprintf(out, "%s  %s\n", u.bold("Duration"), d.Round(time.Millisecond))
	}
	fmt.Fprintf(out, "%s  %s\n", u.bold("Stage"), stageProgress(run))
	fmt.Fprintf(out, "%s  %d/%d processed, %d failed\n", u.bold("Items"), run.ProcessedItems, run.TotalItems, run.FailedItems)
	if run.Error != "" {
		fmt.Fprintf(out, "%s  %s\n", u.bold("Error"), run.Error)
	}

	if len(run.StageResults) > 0 {
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tITEMS\tSUCCEEDED\tFAILED\tSKIPPED\tDURATION")
		for _, name := range stageNames(cmd.Context(), backend, run) {
			sr := run.StageResults[name]
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n",
				name, sr.Items, sr.Succeeded, sr.Failed, sr.Skipped,
				(time.Duration(sr.DurationMS) * time.Millisecond).String())
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if !showItems {
		return nil
	}

	fmt.Fprintln(out)
	if len(items) == 0 {
		fmt.Fprintln(out, "No items recorded.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tID\tSTATUS\tERROR")
	for _, it := range items {
		errMsg := it.ErrorMessage
		if errMsg == "" {
			errMsg = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", it.Type, it.ID, it.Status, errMsg)
	}
	return w.Flush()
}

// stageNames orders StageResults by the stored definition when its
// version still matches the run, falling back to name order.
func stageNames(ctx context.Context, backend store.Backend, run *pipeline.Run) []string {
	if p, err := backend.GetPipeline(ctx, run.Pipeline); err == nil && p.Version == run.Version {
		names := make([]string, 0, len(run.StageResults))
		for _, st := range p.Stages {
			if _, ok := run.StageResults[st.Name]; ok {
				names = append(names, st.Name)
			}
		}
		if len(names) == len(run.StageResults) {
			return names
		}
	}

	names := make([]string, 0, len(run.StageResults))
	for name := range run.StageResults {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newPipelineRunsCommand() *cobra.Command {
	var (
		status   string
		pipeSlug string
		limit    int
		offset   int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded pipeline runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			backend, err := openBackend(cfg)
			if err != nil {
				return &ExitError{Code: ExitConfigError, Cause: err}
			}
			defer backend.Close()

			runs, err := backend.ListPipelineRuns(cmd.Context(), store.PipelineRunFilter{
				Status:   status,
				Pipeline: pipeSlug,
				Limit:    limit,
				Offset:   offset,
			})
			if err != nil {
				return err
			}
			return renderPipelineRunList(cmd, runs)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, completed, failed, cancelled)")
	cmd.Flags().StringVar(&pipeSlug, "pipeline", "", "Filter by pipeline slug")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum runs to list (0 for all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip leading runs")

	return cmd
}

func renderPipelineRunList(cmd *cobra.Command, runs []*pipeline.Run) error {
	out := cmd.OutOrStdout()

	if rootOpts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string][]*pipeline.Run{"runs": runs})
	}

	if len(runs) == 0 {
		fmt.Fprintln(out, "No pipeline runs recorded.")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Run 'procflow pipeline run <file>' to execute a pipeline.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tPIPELINE\tSTATUS\tSTAGE\tITEMS\tSTARTED\tDURATION")
	for _, r := range runs {
		started := "-"
		if !r.StartedAt.IsZero() {
			started = r.StartedAt.Local().Format("2006-01-02 15:04:05")
		}
		duration := "-"
		if d := r.Duration(); d > 0 {
			duration = d.Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			r.ID, r.Pipeline, r.Status, stageProgress(r),
			r.ProcessedItems, r.TotalItems,
			started, duration)
	}
	return w.Flush()
}

func newPipelineListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			backend, err := openBackend(cfg)
			if err != nil {
				return &ExitError{Code: ExitConfigError, Cause: err}
			}
			defer backend.Close()

			pipelines, err := backend.ListPipelines(cmd.Context())
			if err != nil {
				return err
			}
			return renderPipelineList(cmd, pipelines)
		},
	}
	return cmd
}

func renderPipelineList(cmd *cobra.Command, pipelines []*pipeline.Pipeline) error {
	out := cmd.OutOrStdout()

	if rootOpts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string][]*pipeline.Pipeline{"pipelines": pipelines})
	}

	if len(pipelines) == 0 {
		fmt.Fprintln(out, "No pipelines registered.")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Run 'procflow pipeline run <file>' to register and execute one.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLUG\tNAME\tVERSION\tSTAGES\tON ERROR")
	for _, p := range pipelines {
		onError := string(p.OnError)
		if onError == "" {
			onError = "-"
		}
		fmt.Fprintf(w, "%s\t%s\tv%d\t%d\t%s\n",
			p.Slug, p.Name, p.Version, len(p.Stages), onError)
	}
	return w.Flush()
}
