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
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/procflow/procflow/pkg/tool"
)

func newToolsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the configured tool registry",
		Long: `Tools lists the contracts known to the configured registry: the
contracts catalog file plus any connected MCP servers.`,
	}

	cmd.AddCommand(newToolsListCommand())
	cmd.AddCommand(newToolsShowCommand())

	return cmd
}

func newToolsListCommand() *cobra.Command {
	var profileName string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tool contracts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			return renderToolList(cmd, registry.List(), prof)
		},
	}

	cmd.Flags().StringVarP(&profileName, "profile", "p", "", "Governance profile (default: configured profile)")

	return cmd
}

func renderToolList(cmd *cobra.Command, contracts []tool.Contract, prof *tool.Profile) error {
	out := cmd.OutOrStdout()

	if rootOpts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string][]tool.Contract{"tools": contracts})
	}

	if len(contracts) == 0 {
		fmt.Fprintln(out, "No tools registered.")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Run 'procflow tools list' with a contracts file or MCP servers configured.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if prof != nil {
		fmt.Fprintln(w, "NAME\tSIDE EFFECTS\tPAYLOAD\tBLOCKED\tDESCRIPTION")
	} else {
		fmt.Fprintln(w, "NAME\tSIDE EFFECTS\tPAYLOAD\tDESCRIPTION")
	}
	for _, c := range contracts {
		sideEffects := "-"
		if c.SideEffects {
			sideEffects = "yes"
		}
		payload := string(c.PayloadProfile)
		if payload == "" {
			payload = "-"
		}
		desc := clip(c.Description, 60)
		if desc == "" {
			desc = "-"
		}
		if prof != nil {
			blocked := "-"
			if prof.Blocks(c.Name) {
				blocked = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.Name, sideEffects, payload, blocked, desc)
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Name, sideEffects, payload, desc)
		}
	}
	return w.Flush()
}

func newToolsShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <tool>",
		Short: "Show one tool contract in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			registry, cleanup, err := buildRegistry(cmd.Context(), cfg, logger)
			if err != nil {
				return &ExitError{Code: ExitConfigError, Cause: err}
			}
			defer cleanup()

			contract, ok := registry.Get(args[0])
			if !ok {
				return exitf(ExitRunFailed, "tool %q is not registered", args[0])
			}
			return renderTool(cmd, contract)
		},
	}
	return cmd
}

func renderTool(cmd *cobra.Command, c tool.Contract) error {
	out := cmd.OutOrStdout()

	if rootOpts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(c)
	}

	u := newUI()
	fmt.Fprintf(out, "%s  %s\n", u.bold("Tool"), c.Name)
	if c.Description != "" {
		fmt.Fprintf(out, "%s  %s\n", u.bold("Description"), c.Description)
	}
	sideEffects := "no"
	if c.SideEffects {
		sideEffects = "yes"
	}
	fmt.Fprintf(out, "%s  %s\n", u.bold("Side effects"), sideEffects)
	if c.PayloadProfile != "" {
		fmt.Fprintf(out, "%s  %s\n", u.bold("Payload"), c.PayloadProfile)
	}

	if c.InputSchema != nil && len(c.InputSchema.Properties) > 0 {
		required := make(map[string]bool, len(c.InputSchema.Required))
		for _, name := range c.InputSchema.Required {
			required[name] = true
		}
		names := make([]string, 0, len(c.InputSchema.Properties))
		for name := range c.InputSchema.Properties {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ARGUMENT\tTYPE\tREQUIRED\tDESCRIPTION")
		for _, name := range names {
			arg := c.InputSchema.Properties[name]
			req := "-"
			if required[name] {
				req = "yes"
			}
			desc := arg.Description
			if len(arg.Enum) > 0 {
				opts := make([]string, 0, len(arg.Enum))
				for _, v := range arg.Enum {
					opts = append(opts, fmt.Sprint(v))
				}
				sort.Strings(opts)
				if desc != "" {
					desc += " "
				}
				desc += "(one of: " + strings.Join(opts, ", ") + ")"
			}
			if desc == "" {
				desc = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, arg.Type, req, clip(desc, 70))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if c.OutputSchema != nil {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "%s  %s\n", u.bold("Output"), c.OutputSchema.Type)
		if fields := c.OutputSchema.Fields; len(fields) > 0 {
			fmt.Fprintf(out, "%s  %s\n", u.bold("Fields"), strings.Join(fields, ", "))
		}
		if fields := c.OutputSchema.ItemFields; len(fields) > 0 {
			fmt.Fprintf(out, "%s  %s\n", u.bold("Item fields"), strings.Join(fields, ", "))
		}
	}
	return nil
}

// clip bounds a table cell, cutting at a rune boundary.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
