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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/procflow/procflow/internal/store"
	"github.com/procflow/procflow/pkg/errors"
	"github.com/procflow/procflow/pkg/pipeline"
	"github.com/procflow/procflow/pkg/plan"
	"github.com/procflow/procflow/pkg/procedure"
)

// createTestStore creates a SQLite store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(Config{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// compileTestProcedure compiles a small procedure document.
func compileTestProcedure(t *testing.T, name string) *procedure.Definition {
	t.Helper()

	p, err := plan.ParsePlan([]byte(`{
		"name": "` + name + `",
		"steps": [{"name": "fetch", "tool": "http.get", "args": {"url": "https://example.com"}}]
	}`))
	if err != nil {
		t.Fatalf("failed to parse plan: %v", err)
	}
	def, err := procedure.Compile(p)
	if err != nil {
		t.Fatalf("failed to compile: %v", err)
	}
	return def
}

func TestSQLiteStore_ProcedureVersioning(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	def := compileTestProcedure(t, "Weekly Digest")
	first := &store.ProcedureRecord{
		OrganizationID: "org-1",
		Name:           def.Name,
		Slug:           def.Slug,
		Definition:     def,
		SourceType:     "file",
		SourcePath:     "digest.yaml",
	}
	if err := s.SaveProcedure(ctx, first); err != nil {
		t.Fatalf("failed to save procedure: %v", err)
	}
	if first.Version != 1 {
		t.Errorf("expected version 1, got %d", first.Version)
	}
	if first.ID == "" {
		t.Errorf("expected generated id")
	}

	second := &store.ProcedureRecord{
		OrganizationID: "org-1",
		Name:           def.Name,
		Slug:           def.Slug,
		Definition:     def,
	}
	if err := s.SaveProcedure(ctx, second); err != nil {
		t.Fatalf("failed to save second version: %v", err)
	}
	if second.Version != 2 {
		t.Errorf("expected version 2, got %d", second.Version)
	}

	// The active record is the latest version.
	active, err := s.GetProcedure(ctx, "org-1", "weekly-digest")
	if err != nil {
		t.Fatalf("failed to get procedure: %v", err)
	}
	if active.Version != 2 {
		t.Errorf("expected active version 2, got %d", active.Version)
	}
	if !active.IsActive {
		t.Errorf("expected active record")
	}
	if active.Definition.Version != 2 {
		t.Errorf("expected definition stamped with version 2, got %d", active.Definition.Version)
	}
	if len(active.Definition.Steps) != 1 {
		t.Fatalf("expected 1 step after round trip, got %d", len(active.Definition.Steps))
	}
	if active.Definition.Steps[0].StepName() != "fetch" {
		t.Errorf("expected step fetch, got %s", active.Definition.Steps[0].StepName())
	}

	// Old versions stay readable, marked inactive.
	v1, err := s.GetProcedureVersion(ctx, "org-1", "weekly-digest", 1)
	if err != nil {
		t.Fatalf("failed to get version 1: %v", err)
	}
	if v1.IsActive {
		t.Errorf("expected version 1 to be inactive")
	}
	if v1.SourcePath != "digest.yaml" {
		t.Errorf("expected source path digest.yaml, got %s", v1.SourcePath)
	}
}

func TestSQLiteStore_ListProcedures(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"Zeta Flow", "Alpha Flow"} {
		def := compileTestProcedure(t, name)
		rec := &store.ProcedureRecord{OrganizationID: "org-1", Name: name, Slug: def.Slug, Definition: def}
		if err := s.SaveProcedure(ctx, rec); err != nil {
			t.Fatalf("failed to save procedure: %v", err)
		}
	}
	other := compileTestProcedure(t, "Other Org Flow")
	if err := s.SaveProcedure(ctx, &store.ProcedureRecord{
		OrganizationID: "org-2", Name: other.Name, Slug: other.Slug, Definition: other,
	}); err != nil {
		t.Fatalf("failed to save procedure: %v", err)
	}

	recs, err := s.ListProcedures(ctx, "org-1")
	if err != nil {
		t.Fatalf("failed to list procedures: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 procedures, got %d", len(recs))
	}
	if recs[0].Slug != "alpha-flow" || recs[1].Slug != "zeta-flow" {
		t.Errorf("expected slug order [alpha-flow zeta-flow], got [%s %s]", recs[0].Slug, recs[1].Slug)
	}
}

func TestSQLiteStore_SaveRun(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	run := &procedure.Run{
		ID:        "run-1",
		Procedure: "weekly-digest",
		Version:   2,
		Status:    procedure.RunRunning,
		Params:    map[string]any{"channel": "#digest"},
		Progress:  procedure.Progress{Completed: 1, Total: 3},
		CreatedAt: time.Now(),
		StartedAt: time.Now(),
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}

	// Saving again rewrites the same row.
	run.Status = procedure.RunCompleted
	run.Progress.Completed = 3
	run.CompletedAt = time.Now()
	run.Outcomes = []procedure.StepOutcome{
		{Step: "fetch", Tool: "http.get", Status: procedure.OutcomeSuccess, DurationMS: 42},
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("failed to update run: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != procedure.RunCompleted {
		t.Errorf("expected status completed, got %s", got.Status)
	}
	if got.Progress.Completed != 3 || got.Progress.Total != 3 {
		t.Errorf("expected progress 3/3, got %d/%d", got.Progress.Completed, got.Progress.Total)
	}
	if got.Params["channel"] != "#digest" {
		t.Errorf("expected params to round trip, got %v", got.Params)
	}
	if len(got.Outcomes) != 1 || got.Outcomes[0].Step != "fetch" {
		t.Errorf("expected fetch outcome, got %v", got.Outcomes)
	}
	if got.CompletedAt.IsZero() {
		t.Errorf("expected completed_at to round trip")
	}
}

func TestSQLiteStore_ListRuns(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	runs := []*procedure.Run{
		{ID: "run-1", Procedure: "alpha", Status: procedure.RunCompleted, CreatedAt: base},
		{ID: "run-2", Procedure: "beta", Status: procedure.RunFailed, CreatedAt: base.Add(time.Minute)},
		{ID: "run-3", Procedure: "alpha", Status: procedure.RunCompleted, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, run := range runs {
		if err := s.SaveRun(ctx, run); err != nil {
			t.Fatalf("failed to save run: %v", err)
		}
	}

	all, err := s.ListRuns(ctx, store.RunFilter{})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(all))
	}
	if all[0].ID != "run-3" {
		t.Errorf("expected newest first, got %s", all[0].ID)
	}

	alpha, err := s.ListRuns(ctx, store.RunFilter{Procedure: "alpha"})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(alpha) != 2 {
		t.Errorf("expected 2 alpha runs, got %d", len(alpha))
	}

	failed, err := s.ListRuns(ctx, store.RunFilter{Status: "failed"})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "run-2" {
		t.Errorf("expected run-2 only, got %v", failed)
	}

	paged, err := s.ListRuns(ctx, store.RunFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(paged) != 1 || paged[0].ID != "run-2" {
		t.Errorf("expected page [run-2], got %v", paged)
	}
}

func TestSQLiteStore_PipelineVersioning(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	p := &pipeline.Pipeline{
		Name: "Stale Content Sweep",
		Slug: "stale-content-sweep",
		Stages: []pipeline.Stage{
			{Name: "collect", Type: pipeline.StageGather, Function: "jq", Params: map[string]any{"expression": "[]"}},
		},
	}
	if err := s.SavePipeline(ctx, p); err != nil {
		t.Fatalf("failed to save pipeline: %v", err)
	}
	if p.Version != 1 {
		t.Errorf("expected version 1, got %d", p.Version)
	}

	p.Description = "second revision"
	if err := s.SavePipeline(ctx, p); err != nil {
		t.Fatalf("failed to save second version: %v", err)
	}
	if p.Version != 2 {
		t.Errorf("expected version 2, got %d", p.Version)
	}

	got, err := s.GetPipeline(ctx, "stale-content-sweep")
	if err != nil {
		t.Fatalf("failed to get pipeline: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("expected latest version 2, got %d", got.Version)
	}
	if got.Description != "second revision" {
		t.Errorf("expected second revision, got %q", got.Description)
	}
	if len(got.Stages) != 1 || got.Stages[0].Name != "collect" {
		t.Errorf("expected stages to round trip, got %v", got.Stages)
	}

	all, err := s.ListPipelines(ctx)
	if err != nil {
		t.Fatalf("failed to list pipelines: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected one pipeline per slug, got %d", len(all))
	}
}

func TestSQLiteStore_PipelineRunLifecycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	run := &pipeline.Run{
		ID:           "prun-1",
		Pipeline:     "stale-content-sweep",
		Version:      1,
		Status:       pipeline.RunPending,
		Params:       map[string]any{"cutoff": "90d"},
		TotalStages:  3,
		StageResults: map[string]pipeline.StageResult{},
		CreatedAt:    time.Now(),
	}
	if err := s.CreatePipelineRun(ctx, run); err != nil {
		t.Fatalf("failed to create pipeline run: %v", err)
	}

	run.Status = pipeline.RunRunning
	run.CurrentStage = 1
	run.TotalItems = 10
	run.ProcessedItems = 4
	run.StageResults["collect"] = pipeline.StageResult{Items: 10, Succeeded: 10, DurationMS: 12}
	run.CheckpointData = map[string]any{"stage": "collect", "processed": 10}
	run.StartedAt = time.Now()
	if err := s.UpdatePipelineRun(ctx, run); err != nil {
		t.Fatalf("failed to update pipeline run: %v", err)
	}

	got, err := s.GetPipelineRun(ctx, "prun-1")
	if err != nil {
		t.Fatalf("failed to get pipeline run: %v", err)
	}
	if got.Status != pipeline.RunRunning {
		t.Errorf("expected status running, got %s", got.Status)
	}
	if got.CurrentStage != 1 || got.TotalItems != 10 || got.ProcessedItems != 4 {
		t.Errorf("unexpected progress: stage=%d total=%d processed=%d",
			got.CurrentStage, got.TotalItems, got.ProcessedItems)
	}
	if got.StageResults["collect"].Succeeded != 10 {
		t.Errorf("expected stage results to round trip, got %v", got.StageResults)
	}
	if got.CheckpointData["stage"] != "collect" {
		t.Errorf("expected checkpoint data to round trip, got %v", got.CheckpointData)
	}
	if got.Params["cutoff"] != "90d" {
		t.Errorf("expected params to round trip, got %v", got.Params)
	}

	missing := &pipeline.Run{ID: "no-such-run", Pipeline: "x", Status: pipeline.RunRunning, CreatedAt: time.Now()}
	err = s.UpdatePipelineRun(ctx, missing)
	var nf *errors.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError updating a missing run, got %v", err)
	}
}

func TestSQLiteStore_ListPipelineRuns(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	runs := []*pipeline.Run{
		{ID: "prun-1", Pipeline: "sweep", Status: pipeline.RunCompleted, CreatedAt: base},
		{ID: "prun-2", Pipeline: "sync", Status: pipeline.RunFailed, CreatedAt: base.Add(time.Minute)},
		{ID: "prun-3", Pipeline: "sweep", Status: pipeline.RunRunning, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, run := range runs {
		if err := s.CreatePipelineRun(ctx, run); err != nil {
			t.Fatalf("failed to create pipeline run: %v", err)
		}
	}

	all, err := s.ListPipelineRuns(ctx, store.PipelineRunFilter{})
	if err != nil {
		t.Fatalf("failed to list pipeline runs: %v", err)
	}
	if len(all) != 3 || all[0].ID != "prun-3" {
		t.Errorf("expected 3 runs newest first, got %v", all)
	}

	sweep, err := s.ListPipelineRuns(ctx, store.PipelineRunFilter{Pipeline: "sweep"})
	if err != nil {
		t.Fatalf("failed to list pipeline runs: %v", err)
	}
	if len(sweep) != 2 {
		t.Errorf("expected 2 sweep runs, got %d", len(sweep))
	}

	failed, err := s.ListPipelineRuns(ctx, store.PipelineRunFilter{Status: "failed"})
	if err != nil {
		t.Fatalf("failed to list pipeline runs: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "prun-2" {
		t.Errorf("expected prun-2 only, got %v", failed)
	}
}

func TestSQLiteStore_Checkpoint(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	now := time.Now()
	run := &pipeline.Run{
		ID:           "prun-ckpt",
		Pipeline:     "sweep",
		Status:       pipeline.RunRunning,
		StageResults: map[string]pipeline.StageResult{},
		CreatedAt:    now,
	}
	items := []*pipeline.ItemState{
		{
			RunID: "prun-ckpt", Type: "document", ID: "doc-2",
			Status: pipeline.ItemPending, Data: map[string]any{"title": "two"},
			StageStatus: map[string]string{"collect": "completed"},
			CreatedAt:   now, UpdatedAt: now,
		},
		{
			RunID: "prun-ckpt", Type: "document", ID: "doc-1",
			Status: pipeline.ItemPending, Data: map[string]any{"title": "one"},
			StageStatus: map[string]string{"collect": "completed"},
			CreatedAt:   now, UpdatedAt: now,
		},
	}

	// One call persists the run and its items together. The run row did
	// not exist yet, so the checkpoint creates it.
	if err := s.Checkpoint(ctx, run, items); err != nil {
		t.Fatalf("failed to checkpoint: %v", err)
	}

	listed, err := s.ListItems(ctx, "prun-ckpt")
	if err != nil {
		t.Fatalf("failed to list items: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 items, got %d", len(listed))
	}
	// Gather order is insertion order, not id order.
	if listed[0].ID != "doc-2" || listed[1].ID != "doc-1" {
		t.Errorf("expected insertion order [doc-2 doc-1], got [%s %s]", listed[0].ID, listed[1].ID)
	}
	if listed[0].Data.(map[string]any)["title"] != "two" {
		t.Errorf("expected item data to round trip, got %v", listed[0].Data)
	}
	if listed[0].StageStatus["collect"] != "completed" {
		t.Errorf("expected stage status to round trip, got %v", listed[0].StageStatus)
	}

	// A later checkpoint rewrites touched items in place.
	items[0].Status = pipeline.ItemCompleted
	items[0].StageStatus["verify"] = "completed"
	run.ProcessedItems = 2
	if err := s.Checkpoint(ctx, run, items[:1]); err != nil {
		t.Fatalf("failed to re-checkpoint: %v", err)
	}

	listed, err = s.ListItems(ctx, "prun-ckpt")
	if err != nil {
		t.Fatalf("failed to list items: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 items after upsert, got %d", len(listed))
	}
	if listed[0].ID != "doc-2" || listed[0].Status != pipeline.ItemCompleted {
		t.Errorf("expected doc-2 completed in place, got %s %s", listed[0].ID, listed[0].Status)
	}

	got, err := s.GetPipelineRun(ctx, "prun-ckpt")
	if err != nil {
		t.Fatalf("failed to get pipeline run: %v", err)
	}
	if got.ProcessedItems != 2 {
		t.Errorf("expected processed items 2, got %d", got.ProcessedItems)
	}

	completed, err := s.CountItems(ctx, "prun-ckpt", pipeline.ItemCompleted)
	if err != nil {
		t.Fatalf("failed to count items: %v", err)
	}
	if completed != 1 {
		t.Errorf("expected 1 completed item, got %d", completed)
	}
	total, err := s.CountItems(ctx, "prun-ckpt", "")
	if err != nil {
		t.Fatalf("failed to count items: %v", err)
	}
	if total != 2 {
		t.Errorf("expected 2 items total, got %d", total)
	}
}

func TestSQLiteStore_UpdateItem(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	now := time.Now()
	run := &pipeline.Run{ID: "prun-items", Pipeline: "sweep", Status: pipeline.RunRunning, CreatedAt: now}
	if err := s.CreatePipelineRun(ctx, run); err != nil {
		t.Fatalf("failed to create pipeline run: %v", err)
	}

	item := &pipeline.ItemState{
		RunID: "prun-items", Type: "document", ID: "doc-1",
		Status: pipeline.ItemPending, Data: "payload",
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.UpsertItems(ctx, []*pipeline.ItemState{item}); err != nil {
		t.Fatalf("failed to upsert items: %v", err)
	}

	item.Status = pipeline.ItemFailed
	item.ErrorMessage = "timeout talking to archive"
	if err := s.UpdateItem(ctx, item); err != nil {
		t.Fatalf("failed to update item: %v", err)
	}

	listed, err := s.ListItems(ctx, "prun-items")
	if err != nil {
		t.Fatalf("failed to list items: %v", err)
	}
	if len(listed) != 1 || listed[0].Status != pipeline.ItemFailed {
		t.Fatalf("expected one failed item, got %v", listed)
	}
	if listed[0].ErrorMessage != "timeout talking to archive" {
		t.Errorf("expected error message to round trip, got %q", listed[0].ErrorMessage)
	}

	missing := &pipeline.ItemState{RunID: "prun-items", Type: "document", ID: "no-such"}
	err = s.UpdateItem(ctx, missing)
	var nf *errors.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError updating a missing item, got %v", err)
	}
}

func TestSQLiteStore_NotFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var nf *errors.NotFoundError
	if _, err := s.GetProcedure(ctx, "org-1", "nope"); !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError for procedure, got %v", err)
	}
	if _, err := s.GetProcedureVersion(ctx, "org-1", "nope", 3); !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError for procedure version, got %v", err)
	}
	if _, err := s.GetRun(ctx, "nope"); !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError for run, got %v", err)
	}
	if _, err := s.GetPipeline(ctx, "nope"); !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError for pipeline, got %v", err)
	}
	if _, err := s.GetPipelineRun(ctx, "nope"); !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError for pipeline run, got %v", err)
	}
}

func TestSQLiteStore_Persistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist.db")
	cfg := Config{Path: dbPath, WAL: true}

	s1, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	now := time.Now()
	run := &pipeline.Run{
		ID: "persist-run", Pipeline: "sweep", Status: pipeline.RunFailed,
		CurrentStage: 1, TotalItems: 2, CreatedAt: now,
		StageResults: map[string]pipeline.StageResult{"collect": {Items: 2, Succeeded: 2}},
	}
	items := []*pipeline.ItemState{
		{RunID: "persist-run", Type: "document", ID: "doc-1", Status: pipeline.ItemPending,
			Data: map[string]any{"n": "one"}, CreatedAt: now, UpdatedAt: now},
		{RunID: "persist-run", Type: "document", ID: "doc-2", Status: pipeline.ItemFailed,
			ErrorMessage: "boom", CreatedAt: now, UpdatedAt: now},
	}
	if err := s1.Checkpoint(ctx, run, items); err != nil {
		t.Fatalf("failed to checkpoint: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	// Reopen and verify the run survived with enough state to resume.
	s2, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetPipelineRun(ctx, "persist-run")
	if err != nil {
		t.Fatalf("failed to get persisted run: %v", err)
	}
	if got.Status != pipeline.RunFailed || got.CurrentStage != 1 {
		t.Errorf("expected failed run at stage 1, got %s at %d", got.Status, got.CurrentStage)
	}

	listed, err := s2.ListItems(ctx, "persist-run")
	if err != nil {
		t.Fatalf("failed to list persisted items: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 persisted items, got %d", len(listed))
	}
	if listed[1].ErrorMessage != "boom" {
		t.Errorf("expected failure message to persist, got %q", listed[1].ErrorMessage)
	}
}
