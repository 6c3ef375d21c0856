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
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/procflow/procflow/internal/store"
	"github.com/procflow/procflow/pkg/errors"
	"github.com/procflow/procflow/pkg/procedure"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded procedure runs",
	}
	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())
	return cmd
}

func newRunsListCommand() *cobra.Command {
	var (
		status   string
		procSlug string
		limit    int
		offset   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Example: `  # Recent runs
  procflow runs list --limit 20

  # Failed runs of one procedure
  procflow runs list --procedure publish-digest --status failed`,
		Args: cobra.NoArgs,
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

			runs, err := backend.ListRuns(cmd.Context(), store.RunFilter{
				Status:    status,
				Procedure: procSlug,
				Limit:     limit,
				Offset:    offset,
			})
			if err != nil {
				return err
			}
			return renderRunList(cmd, runs)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, completed, failed, cancelled)")
	cmd.Flags().StringVar(&procSlug, "procedure", "", "Filter by procedure slug")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum runs to list (0 for all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip leading runs")

	return cmd
}

func renderRunList(cmd *cobra.Command, runs []*procedure.Run) error {
	out := cmd.OutOrStdout()

	if rootOpts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string][]*procedure.Run{"runs": runs})
	}

	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Run 'procflow run <plan>' to execute a plan.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tPROCEDURE\tSTATUS\tSTEPS\tSTARTED\tDURATION")
	for _, r := range runs {
		started := "-"
		if !r.StartedAt.IsZero() {
			started = r.StartedAt.Local().Format("2006-01-02 15:04:05")
		}
		duration := "-"
		if d := r.Duration(); d > 0 {
			duration = d.Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			r.ID, r.Procedure, r.Status,
			r.Progress.Completed, r.Progress.Total,
			started, duration)
	}
	return w.Flush()
}

func newRunsShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its step outcomes",
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

			run, err := backend.GetRun(cmd.Context(), args[0])
			if err != nil {
				if errors.IsNotFound(err) {
					return exitf(ExitRunFailed, "run %q not found", args[0])
				}
				return err
			}
			return renderRun(cmd, run)
		},
	}
	return cmd
}

func renderRun(cmd *cobra.Command, run *procedure.Run) error {
	out := cmd.OutOrStdout()

	if rootOpts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}

	u := newUI()
	fmt.Fprintf(out, "%s  %s\n", u.bold("Run"), run.ID)
	version := ""
	if run.Version > 0 {
		version = fmt.Sprintf(" (v%d)", run.Version)
	}
	fmt.Fprintf(out, "%s  %s%s\n", u.bold("Procedure"), run.Procedure, version)
	fmt.Fprintf(out, "%s  %s\n", u.bold("Status"), u.statusLabel(string(run.Status), run.Status == procedure.RunCompleted))
	if !run.StartedAt.IsZero() {
		fmt.Fprintf(out, "%s  %s\n", u.bold("Started"), run.StartedAt.Local().Format(time.RFC3339))
	}
	if d := run.Duration(); d > 0 {
		fmt.Fprintf(out, "%s  %s\n", u.bold("Duration"), d.Round(time.Millisecond))
	}
	fmt.Fprintf(out, "%s  %d/%d\n", u.bold("Steps"), run.Progress.Completed, run.Progress.Total)
	if run.Error != "" {
		fmt.Fprintf(out, "%s  %s\n", u.bold("Error"), run.Error)
	}

	if len(run.Outcomes) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tTOOL\tSTATUS\tDURATION")
	for _, o := range run.Outcomes {
		tool := o.Tool
		if tool == "" {
			tool = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			o.Step, tool, o.Status,
			(time.Duration(o.DurationMS) * time.Millisecond).String())
	}
	return w.Flush()
}
