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
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/procflow/procflow/pkg/tool"
)

func TestClip(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"this one is definitely too long", 10, "this on..."},
		{"héllo wörld with accents too", 10, "héllo w..."},
	}

	for _, tt := range tests {
		if got := clip(tt.in, tt.max); got != tt.want {
			t.Errorf("clip(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestRenderToolListEmpty(t *testing.T) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	if err := renderToolList(cmd, nil, nil); err != nil {
		t.Fatalf("renderToolList() error = %v", err)
	}
	if !strings.Contains(buf.String(), "No tools registered.") {
		t.Errorf("missing empty state:\n%s", buf.String())
	}
}

func TestRenderToolList(t *testing.T) {
	contracts := []tool.Contract{
		{Name: "publish_asset", SideEffects: true, PayloadProfile: tool.PayloadThin, Description: "Publish an asset"},
		{Name: "search_assets", Description: "Find assets matching a query"},
	}

	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	if err := renderToolList(cmd, contracts, nil); err != nil {
		t.Fatalf("renderToolList() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"NAME", "publish_asset", "yes", "thin", "search_assets"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "BLOCKED") {
		t.Errorf("BLOCKED column without a profile:\n%s", out)
	}
}

func TestRenderToolListWithProfile(t *testing.T) {
	contracts := []tool.Contract{
		{Name: "publish_asset", SideEffects: true},
		{Name: "search_assets"},
	}
	prof := &tool.Profile{Name: "readonly", BlockedTools: []string{"publish_asset"}}

	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	if err := renderToolList(cmd, contracts, prof); err != nil {
		t.Fatalf("renderToolList() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "BLOCKED") {
		t.Fatalf("missing BLOCKED column:\n%s", out)
	}

	var publishRow string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "publish_asset") {
			publishRow = line
		}
	}
	if !strings.Contains(publishRow, "yes") {
		t.Errorf("publish_asset row not marked blocked:\n%s", out)
	}
}
