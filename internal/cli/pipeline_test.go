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
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/procflow/procflow/internal/store/memory"
	"github.com/procflow/procflow/pkg/pipeline"
)

func TestParseLooseParams(t *testing.T) {
	got, err := parseLooseParams([]string{
		"since=2025-01-01",
		"limit=25",
		"enabled=true",
		"name=hello",
		`quoted="hello"`,
		`tags=["a","b"]`,
		`filter={"status":"draft"}`,
	}, "")
	if err != nil {
		t.Fatalf("parseLooseParams() error = %v", err)
	}

	want := map[string]any{
		"since":   "2025-01-01",
		"limit":   float64(25),
		"enabled": true,
		"name":    "hello",
		"quoted":  "hello",
		"tags":    []any{"a", "b"},
		"filter":  map[string]any{"status": "draft"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseLooseParams() = %#v, want %#v", got, want)
	}
}

func TestParseLooseParamsBadPair(t *testing.T) {
	_, err := parseLooseParams([]string{"nope"}, "")
	if err == nil || !strings.Contains(err.Error(), "expected key=value") {
		t.Fatalf("parseLooseParams() error = %v, want key=value failure", err)
	}
}

func TestParseLooseParamsFileMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.json")
	if err := os.WriteFile(path, []byte(`{"since":"2024-12-01","limit":5}`), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := parseLooseParams([]string{"limit=25"}, path)
	if err != nil {
		t.Fatalf("parseLooseParams() error = %v", err)
	}
	want := map[string]any{"since": "2024-12-01", "limit": float64(25)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseLooseParams() = %#v, want %#v", got, want)
	}
}

func TestStageProgress(t *testing.T) {
	tests := []struct {
		name string
		run  pipeline.Run
		want string
	}{
		{"pending", pipeline.Run{Status: pipeline.RunPending, TotalStages: 3}, "0/3"},
		{"running counts the stage in flight", pipeline.Run{Status: pipeline.RunRunning, CurrentStage: 1, TotalStages: 3}, "2/3"},
		{"failed mid pipeline", pipeline.Run{Status: pipeline.RunFailed, CurrentStage: 2, TotalStages: 3}, "3/3"},
		{"cancelled at the first stage", pipeline.Run{Status: pipeline.RunCancelled, TotalStages: 3}, "1/3"},
		{"completed", pipeline.Run{Status: pipeline.RunCompleted, CurrentStage: 3, TotalStages: 3}, "3/3"},
		{"clamped past the end", pipeline.Run{Status: pipeline.RunRunning, CurrentStage: 9, TotalStages: 3}, "3/3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stageProgress(&tt.run); got != tt.want {
				t.Errorf("stageProgress() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStageNames(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	defer st.Close()

	p := &pipeline.Pipeline{
		Name: "Backfill",
		Slug: "backfill",
		Stages: []pipeline.Stage{
			{Name: "gather", Type: pipeline.StageGather},
			{Name: "filter", Type: pipeline.StageFilter},
		},
	}
	if err := st.SavePipeline(ctx, p); err != nil {
		t.Fatalf("SavePipeline() error = %v", err)
	}

	results := map[string]pipeline.StageResult{"filter": {}, "gather": {}}

	run := &pipeline.Run{Pipeline: "backfill", Version: p.Version, StageResults: results}
	if got, want := stageNames(ctx, st, run), []string{"gather", "filter"}; !reflect.DeepEqual(got, want) {
		t.Errorf("stageNames() = %v, want definition order %v", got, want)
	}

	// A version mismatch means the stored stages may not match the
	// run's, so names fall back to sorted order.
	stale := &pipeline.Run{Pipeline: "backfill", Version: p.Version + 1, StageResults: results}
	if got, want := stageNames(ctx, st, stale), []string{"filter", "gather"}; !reflect.DeepEqual(got, want) {
		t.Errorf("stageNames() = %v, want name order %v", got, want)
	}
}

func TestRenderPipelineRunListEmpty(t *testing.T) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	if err := renderPipelineRunList(cmd, nil); err != nil {
		t.Fatalf("renderPipelineRunList() error = %v", err)
	}
	if !strings.Contains(buf.String(), "No pipeline runs recorded.") {
		t.Errorf("missing empty state:\n%s", buf.String())
	}
}

func TestRenderPipelineRunList(t *testing.T) {
	started := time.Date(2026, 3, 14, 9, 30, 0, 0, time.Local)
	runs := []*pipeline.Run{{
		ID:             "run-1",
		Pipeline:       "backfill",
		Status:         pipeline.RunCompleted,
		CurrentStage:   2,
		TotalStages:    2,
		ProcessedItems: 8,
		TotalItems:     8,
		StartedAt:      started,
		CompletedAt:    started.Add(2 * time.Second),
	}}

	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	if err := renderPipelineRunList(cmd, runs); err != nil {
		t.Fatalf("renderPipelineRunList() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"RUN ID", "run-1", "backfill", "completed", "2/2", "8/8", "2s"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderPipelineListJSON(t *testing.T) {
	prev := rootOpts.jsonOut
	rootOpts.jsonOut = true
	t.Cleanup(func() { rootOpts.jsonOut = prev })

	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)

	pipelines := []*pipeline.Pipeline{{Name: "Backfill", Slug: "backfill", Version: 2}}
	if err := renderPipelineList(cmd, pipelines); err != nil {
		t.Fatalf("renderPipelineList() error = %v", err)
	}

	var decoded map[string][]*pipeline.Pipeline
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if len(decoded["pipelines"]) != 1 || decoded["pipelines"][0].Slug != "backfill" {
		t.Errorf("decoded = %#v", decoded)
	}
}
