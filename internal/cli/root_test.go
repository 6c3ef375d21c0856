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

import "testing"

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()

	if cmd.Use != "procflow" {
		t.Errorf("Use = %q, want procflow", cmd.Use)
	}
	if !cmd.SilenceUsage || !cmd.SilenceErrors {
		t.Error("root command must silence cobra's own error handling")
	}

	subs := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		subs[sub.Name()] = true
	}
	for _, want := range []string{
		"validate", "compile", "run", "runs", "procedures",
		"pipeline", "tools", "schema", "version",
	} {
		if !subs[want] {
			t.Errorf("missing subcommand %q (have %v)", want, subs)
		}
	}

	for _, flag := range []string{"verbose", "quiet", "json", "config"} {
		if cmd.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("missing persistent flag %q", flag)
		}
	}
}

func TestSetVersion(t *testing.T) {
	prevVersion, prevCommit, prevDate := buildVersion, buildCommit, buildDate
	t.Cleanup(func() { SetVersion(prevVersion, prevCommit, prevDate) })

	SetVersion("1.2.3", "abc123", "2026-01-02")
	if buildVersion != "1.2.3" || buildCommit != "abc123" || buildDate != "2026-01-02" {
		t.Errorf("SetVersion did not record build info: %s %s %s", buildVersion, buildCommit, buildDate)
	}
}
