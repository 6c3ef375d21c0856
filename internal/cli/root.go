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

// Package cli implements the procflow command tree.
//
// The root command carries the global flags (--config, --json, --verbose,
// --quiet); subcommands assemble the engine from configuration: tool
// registries, the run store, tracing, and the procedure and pipeline
// executors.
package cli

import (
	"github.com/spf13/cobra"
)

// rootOptions holds global flag values shared by all subcommands.
type rootOptions struct {
	verbose bool
	quiet   bool
	jsonOut bool
	config  string
}

var rootOpts rootOptions

// Build-time version information, injected via ldflags.
var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

// SetVersion records build-time version information (called from main).
func SetVersion(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
}

// NewRootCommand creates the procflow root command with all
// subcommands attached.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "procflow",
		Short: "Validate and execute tool-orchestration plans",
		Long: `Procflow compiles declarative plan documents into procedures and
executes them against a tool registry, and drives batch pipelines over
item collections with checkpoint and resume.

Plans are YAML or JSON documents validated in layers: structure,
references, tool contracts, flow rules, and governance. Validated plans
compile to procedure definitions the executor runs step by step.

Common commands:
  procflow validate plan.yaml      Check a plan without running it
  procflow run plan.yaml           Execute a plan
  procflow pipeline run batch.yaml Execute a batch pipeline
  procflow runs list               Inspect recorded runs`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	pf := cmd.PersistentFlags()
	pf.BoolVarP(&rootOpts.verbose, "verbose", "v", false, "Enable debug logging")
	pf.BoolVarP(&rootOpts.quiet, "quiet", "q", false, "Only log errors")
	pf.BoolVar(&rootOpts.jsonOut, "json", false, "Output results as JSON")
	pf.StringVar(&rootOpts.config, "config", "", "Config file path (default: ~/.config/procflow/config.yaml)")

	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newCompileCommand())
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newRunsCommand())
	cmd.AddCommand(newProceduresCommand())
	cmd.AddCommand(newPipelineCommand())
	cmd.AddCommand(newToolsCommand())
	cmd.AddCommand(newSchemaCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}
