package memory

import (
	"context"
	"testing"
	"time"

	"github.com/procflow/procflow/internal/store"
	"github.com/procflow/procflow/pkg/errors"
	"github.com/procflow/procflow/pkg/pipeline"
	"github.com/procflow/procflow/pkg/plan"
	"github.com/procflow/procflow/pkg/procedure"
)

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

func TestMemoryStore_ProcedureVersioning(t *testing.T) {
	s := New()
	ctx := context.Background()

	def := compileTestProcedure(t, "Weekly Digest")
	first := &store.ProcedureRecord{
		OrganizationID: "org-1",
		Name:           def.Name,
		Slug:           def.Slug,
		Definition:     def,
	}
	if err := s.SaveProcedure(ctx, first); err != nil {
		t.Fatalf("failed to save procedure: %v", err)
	}
	if first.Version != 1 || !first.IsActive {
		t.Errorf("expected active version 1, got version %d active %v", first.Version, first.IsActive)
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

	active, err := s.GetProcedure(ctx, "org-1", "weekly-digest")
	if err != nil {
		t.Fatalf("failed to get procedure: %v", err)
	}
	if active.Version != 2 || active.Definition.Version != 2 {
		t.Errorf("expected active version 2, got record %d definition %d",
			active.Version, active.Definition.Version)
	}

	v1, err := s.GetProcedureVersion(ctx, "org-1", "weekly-digest", 1)
	if err != nil {
		t.Fatalf("failed to get version 1: %v", err)
	}
	if v1.IsActive {
		t.Errorf("expected version 1 to be inactive")
	}
	if len(v1.Definition.Steps) != 1 || v1.Definition.Steps[0].StepName() != "fetch" {
		t.Errorf("expected compiled steps to survive storage, got %v", v1.Definition.Steps)
	}

	var nf *errors.NotFoundError
	if _, err := s.GetProcedure(ctx, "org-2", "weekly-digest"); !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError across organizations, got %v", err)
	}
}

func TestMemoryStore_ListProcedures(t *testing.T) {
	s := New()
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

func TestMemoryStore_RunIsolation(t *testing.T) {
	s := New()
	ctx := context.Background()

	run := &procedure.Run{
		ID:        "run-1",
		Procedure: "weekly-digest",
		Status:    procedure.RunRunning,
		Params:    map[string]any{"channel": "#digest"},
		CreatedAt: time.Now(),
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}

	// Mutating the caller's run after save must not leak into the store.
	run.Status = procedure.RunFailed
	run.Params["channel"] = "#mutated"

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != procedure.RunRunning {
		t.Errorf("expected stored status running, got %s", got.Status)
	}
	if got.Params["channel"] != "#digest" {
		t.Errorf("expected stored params untouched, got %v", got.Params)
	}

	// Mutating the returned copy must not change the store either.
	got.Status = procedure.RunCancelled
	again, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if again.Status != procedure.RunRunning {
		t.Errorf("expected stored status running after reader mutation, got %s", again.Status)
	}
}

func TestMemoryStore_ListRuns(t *testing.T) {
	s := New()
	ctx := context.Background()

	runs := []*procedure.Run{
		{ID: "run-1", Procedure: "alpha", Status: procedure.RunCompleted, CreatedAt: time.Now()},
		{ID: "run-2", Procedure: "beta", Status: procedure.RunFailed, CreatedAt: time.Now()},
		{ID: "run-3", Procedure: "alpha", Status: procedure.RunCompleted, CreatedAt: time.Now()},
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
	if len(all) != 3 || all[0].ID != "run-3" {
		t.Errorf("expected 3 runs newest first, got %v", all)
	}

	alpha, err := s.ListRuns(ctx, store.RunFilter{Procedure: "alpha"})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(alpha) != 2 {
		t.Errorf("expected 2 alpha runs, got %d", len(alpha))
	}

	paged, err := s.ListRuns(ctx, store.RunFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(paged) != 1 || paged[0].ID != "run-2" {
		t.Errorf("expected page [run-2], got %v", paged)
	}
}

func TestMemoryStore_PipelineVersioning(t *testing.T) {
	s := New()
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
	if got.Version != 2 || got.Description != "second revision" {
		t.Errorf("expected latest version, got %d %q", got.Version, got.Description)
	}

	all, err := s.ListPipelines(ctx)
	if err != nil {
		t.Fatalf("failed to list pipelines: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected one pipeline per slug, got %d", len(all))
	}
}

func TestMemoryStore_PipelineRunLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	run := &pipeline.Run{
		ID:           "prun-1",
		Pipeline:     "sweep",
		Status:       pipeline.RunPending,
		StageResults: map[string]pipeline.StageResult{},
		CreatedAt:    time.Now(),
	}
	if err := s.CreatePipelineRun(ctx, run); err != nil {
		t.Fatalf("failed to create pipeline run: %v", err)
	}
	if err := s.CreatePipelineRun(ctx, run); err == nil {
		t.Errorf("expected error creating a duplicate run")
	}

	run.Status = pipeline.RunRunning
	run.StageResults["collect"] = pipeline.StageResult{Items: 5, Succeeded: 5}
	if err := s.UpdatePipelineRun(ctx, run); err != nil {
		t.Fatalf("failed to update pipeline run: %v", err)
	}

	got, err := s.GetPipelineRun(ctx, "prun-1")
	if err != nil {
		t.Fatalf("failed to get pipeline run: %v", err)
	}
	if got.Status != pipeline.RunRunning || got.StageResults["collect"].Items != 5 {
		t.Errorf("expected updated run, got %s %v", got.Status, got.StageResults)
	}

	var nf *errors.NotFoundError
	err = s.UpdatePipelineRun(ctx, &pipeline.Run{ID: "no-such", Pipeline: "x", CreatedAt: time.Now()})
	if !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError updating a missing run, got %v", err)
	}
}

func TestMemoryStore_CheckpointAndItems(t *testing.T) {
	s := New()
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
		{RunID: "prun-ckpt", Type: "document", ID: "doc-2", Status: pipeline.ItemPending,
			Data: map[string]any{"title": "two"}, CreatedAt: now, UpdatedAt: now},
		{RunID: "prun-ckpt", Type: "document", ID: "doc-1", Status: pipeline.ItemPending,
			Data: map[string]any{"title": "one"}, CreatedAt: now, UpdatedAt: now},
	}

	// A checkpoint creates the run row as needed and keeps gather order.
	if err := s.Checkpoint(ctx, run, items); err != nil {
		t.Fatalf("failed to checkpoint: %v", err)
	}

	listed, err := s.ListItems(ctx, "prun-ckpt")
	if err != nil {
		t.Fatalf("failed to list items: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != "doc-2" || listed[1].ID != "doc-1" {
		t.Fatalf("expected insertion order [doc-2 doc-1], got %v", listed)
	}

	// Re-checkpointing a touched item replaces it in place.
	items[0].Status = pipeline.ItemCompleted
	if err := s.Checkpoint(ctx, run, items[:1]); err != nil {
		t.Fatalf("failed to re-checkpoint: %v", err)
	}
	listed, err = s.ListItems(ctx, "prun-ckpt")
	if err != nil {
		t.Fatalf("failed to list items: %v", err)
	}
	if len(listed) != 2 || listed[0].Status != pipeline.ItemCompleted {
		t.Errorf("expected doc-2 completed in place, got %v", listed)
	}

	// The checkpoint stored copies, not the caller's pointers.
	items[1].Data.(map[string]any)["title"] = "mutated"
	listed, err = s.ListItems(ctx, "prun-ckpt")
	if err != nil {
		t.Fatalf("failed to list items: %v", err)
	}
	if listed[1].Data.(map[string]any)["title"] != "one" {
		t.Errorf("expected stored item data untouched, got %v", listed[1].Data)
	}

	if _, err := s.GetPipelineRun(ctx, "prun-ckpt"); err != nil {
		t.Errorf("expected checkpoint to create the run, got %v", err)
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

func TestMemoryStore_UpdateItem(t *testing.T) {
	s := New()
	ctx := context.Background()

	now := time.Now()
	item := &pipeline.ItemState{
		RunID: "prun-items", Type: "document", ID: "doc-1",
		Status: pipeline.ItemPending, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.UpsertItems(ctx, []*pipeline.ItemState{item}); err != nil {
		t.Fatalf("failed to upsert items: %v", err)
	}

	item.Status = pipeline.ItemSkipped
	if err := s.UpdateItem(ctx, item); err != nil {
		t.Fatalf("failed to update item: %v", err)
	}

	listed, err := s.ListItems(ctx, "prun-items")
	if err != nil {
		t.Fatalf("failed to list items: %v", err)
	}
	if len(listed) != 1 || listed[0].Status != pipeline.ItemSkipped {
		t.Errorf("expected one skipped item, got %v", listed)
	}

	var nf *errors.NotFoundError
	err = s.UpdateItem(ctx, &pipeline.ItemState{RunID: "prun-items", Type: "document", ID: "no-such"})
	if !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError updating a missing item, got %v", err)
	}
}
