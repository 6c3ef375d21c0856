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
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/procflow/procflow/pkg/plan"
)

func runDecls() []plan.Parameter {
	return []plan.Parameter{
		{Name: "collection", Type: "string"},
		{Name: "limit", Type: "integer"},
		{Name: "rate", Type: "number"},
		{Name: "dry_run", Type: "boolean"},
		{Name: "tags", Type: "array"},
	}
}

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    map[string]any
		wantErr string
	}{
		{
			name: "typed coercion",
			args: []string{"collection=articles", "limit=10", "rate=0.5", "dry_run=true", "tags=a,b"},
			want: map[string]any{
				"collection": "articles",
				"limit":      10,
				"rate":       0.5,
				"dry_run":    true,
				"tags":       []any{"a", "b"},
			},
		},
		{
			name: "undeclared key stays a string",
			args: []string{"extra=5"},
			want: map[string]any{"extra": "5"},
		},
		{
			name: "value may contain equals",
			args: []string{"collection=a=b"},
			want: map[string]any{"collection": "a=b"},
		},
		{
			name:    "missing equals",
			args:    []string{"limit"},
			wantErr: "expected key=value",
		},
		{
			name:    "uncoercible value",
			args:    []string{"limit=abc"},
			wantErr: `parameter "limit"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseParams(tt.args, "", runDecls())
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("parseParams() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseParams() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseParams() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestParseParamsFileMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.json")
	if err := os.WriteFile(path, []byte(`{"collection":"news","limit":5}`), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := parseParams([]string{"limit=10"}, path, runDecls())
	if err != nil {
		t.Fatalf("parseParams() error = %v", err)
	}

	// The flag wins over the file, and the flag value is coerced to the
	// declared type while untouched file values keep their JSON types.
	want := map[string]any{"collection": "news", "limit": 10}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseParams() = %#v, want %#v", got, want)
	}
}

func TestParseParamsFileMissing(t *testing.T) {
	_, err := parseParams(nil, filepath.Join(t.TempDir(), "nope.json"), nil)
	if err == nil || !strings.Contains(err.Error(), "failed to read params file") {
		t.Fatalf("parseParams() error = %v, want read failure", err)
	}
}

func TestLooksLikeSlug(t *testing.T) {
	tests := []struct {
		target string
		want   bool
	}{
		{"publish-digest", true},
		{"v2", true},
		{"plan.yaml", false},
		{"plans/daily", false},
		{`plans\daily`, false},
		{"./plan", false},
	}

	for _, tt := range tests {
		if got := looksLikeSlug(tt.target); got != tt.want {
			t.Errorf("looksLikeSlug(%q) = %v, want %v", tt.target, got, tt.want)
		}
	}
}

func TestConfirmTools(t *testing.T) {
	errs := []plan.ValidationError{
		{Code: plan.CodeMissingSideEffectConfirmation, Details: map[string]any{"tool": "delete_asset"}},
		{Code: plan.CodeMissingSideEffectConfirmation, Details: map[string]any{"tool": "publish_asset"}},
		{Code: plan.CodeMissingSideEffectConfirmation, Details: map[string]any{"tool": "delete_asset"}},
		{Code: plan.CodeMissingSideEffectConfirmation},
	}

	got := confirmTools(errs)
	want := []string{"delete_asset", "publish_asset"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("confirmTools() = %v, want %v", got, want)
	}
}
