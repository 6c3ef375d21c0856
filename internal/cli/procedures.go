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
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/procflow/procflow/internal/store"
	"github.com/procflow/procflow/pkg/errors"
)

func newProceduresCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "procedures",
		Aliases: []string{"procs"},
		Short:   "Manage registered procedure definitions",
		Long: `Procedures registers compiled plans in the store so they can be run
by slug. Registering the same slug again stores a new version and
activates it; previous versions stay readable for run records that
reference them.`,
	}
	cmd.AddCommand(newProceduresRegisterCommand())
	cmd.AddCommand(newProceduresListCommand())
	cmd.AddCommand(newProceduresShowCommand())
	return cmd
}

func newProceduresRegisterCommand() *cobra.Command {
	var profileName string

	cmd := &cobra.Command{
		Use:   "register <plan>",
		Short: "Validate, compile, and store a plan",
		Example: `  procflow procedures register plan.yaml
  procflow run <slug-from-register>`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			def, err := definitionFromFile(rt, cmd, args[0], runOptions{profile: profileName, noInteractive: true})
			if err != nil {
				return err
			}

			sourcePath, err := filepath.Abs(args[0])
			if err != nil {
				sourcePath = args[0]
			}
			rec := &store.ProcedureRecord{
				OrganizationID: defaultOrg,
				Name:           def.Name,
				Slug:           def.Slug,
				Definition:     def,
				SourceType:     "file",
				SourcePath:     sourcePath,
			}
			if err := rt.backend.SaveProcedure(ctx, rec); err != nil {
				return fmt.Errorf("failed to store procedure: %w", err)
			}

			if rootOpts.jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rec)
			}
			fmt.Fprintln(cmd.OutOrStdout(), newUI().ok(fmt.Sprintf("registered %s v%d", rec.Slug, rec.Version)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&profileName, "profile", "p", "", "Governance profile (default: configured profile)")

	return cmd
}

func newProceduresListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered procedures",
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

			recs, err := backend.ListProcedures(cmd.Context(), defaultOrg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if rootOpts.jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string][]*store.ProcedureRecord{"procedures": recs})
			}

			if len(recs) == 0 {
				fmt.Fprintln(out, "No procedures registered.")
				fmt.Fprintln(out)
				fmt.Fprintln(out, "Run 'procflow procedures register <plan>' to store one.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SLUG\tNAME\tVERSION\tSTEPS\tUPDATED")
			for _, rec := range recs {
				steps := 0
				if rec.Definition != nil {
					steps = len(rec.Definition.Steps)
				}
				fmt.Fprintf(w, "%s\t%s\tv%d\t%d\t%s\n",
					rec.Slug, rec.Name, rec.Version, steps,
					rec.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	return cmd
}

func newProceduresShowCommand() *cobra.Command {
	var version int

	cmd := &cobra.Command{
		Use:   "show <slug>",
		Short: "Show a registered procedure definition",
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

			var rec *store.ProcedureRecord
			if version > 0 {
				rec, err = backend.GetProcedureVersion(cmd.Context(), defaultOrg, args[0], version)
			} else {
				rec, err = backend.GetProcedure(cmd.Context(), defaultOrg, args[0])
			}
			if err != nil {
				if errors.IsNotFound(err) {
					return exitf(ExitRunFailed, "procedure %q not found", args[0])
				}
				return err
			}

			out := cmd.OutOrStdout()
			if rootOpts.jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rec)
			}

			u := newUI()
			fmt.Fprintf(out, "%s  %s (v%d", u.bold(rec.Name), rec.Slug, rec.Version)
			if rec.IsActive {
				fmt.Fprint(out, ", active")
			}
			fmt.Fprintln(out, ")")
			if rec.SourcePath != "" {
				fmt.Fprintln(out, u.muted("source: "+rec.SourcePath))
			}
			fmt.Fprintln(out, u.muted("updated: "+rec.UpdatedAt.Local().Format(time.RFC3339)))
			fmt.Fprintln(out)

			data, err := json.MarshalIndent(rec.Definition, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode definition: %w", err)
			}
			fmt.Fprintln(out, string(data))
			return nil
		},
	}

	cmd.Flags().IntVar(&version, "version", 0, "Show a specific version instead of the active one")

	return cmd
}
