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

// Package store persists procedure definitions, runs, pipelines and
// pipeline item state.
//
// # Interface Hierarchy
//
// The package uses interface segregation so consumers depend on what
// they use:
//
//   - ProcedureStore: versioned definition storage
//   - RunStore: procedure run records
//   - PipelineStore: pipeline definitions, runs and checkpoints
//   - ItemStore: per-item pipeline state
//
// The Backend interface composes all of these plus io.Closer. The
// memory and sqlite backends implement Backend; they also satisfy the
// narrow consumer interfaces the executors declare for themselves
// (procedure.RunRecorder, pipeline.Store).
package store

import (
	"context"
	"io"
	"time"

	"github.com/procflow/procflow/pkg/pipeline"
	"github.com/procflow/procflow/pkg/procedure"
)

// ProcedureRecord is a stored procedure definition version. Saving
// under an existing (organization, slug) allocates the next version,
// activates it, and deactivates the previous one; old versions stay
// readable so past runs can name the definition they executed.
type ProcedureRecord struct {
	// ID uniquely identifies this stored version
	ID string `json:"id"`

	// OrganizationID scopes the procedure
	OrganizationID string `json:"organization_id"`

	// Name is the human-readable procedure name
	Name string `json:"name"`

	// Slug identifies the procedure within its organization
	Slug string `json:"slug"`

	// Definition is the compiled procedure
	Definition *procedure.Definition `json:"definition"`

	// Version is assigned on save, starting at 1
	Version int `json:"version"`

	// IsActive marks the version new runs execute
	IsActive bool `json:"is_active"`

	// SourceType says where the definition came from (file, api)
	SourceType string `json:"source_type,omitempty"`

	// SourcePath is the origin path for file-sourced definitions
	SourcePath string `json:"source_path,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	// Status keeps only runs in this state, all when empty
	Status string

	// Procedure keeps only runs of this slug, all when empty
	Procedure string

	// Limit caps the result count, unlimited when zero
	Limit int

	// Offset skips leading results
	Offset int
}

// PipelineRunFilter narrows ListPipelineRuns.
type PipelineRunFilter struct {
	Status   string
	Pipeline string
	Limit    int
	Offset   int
}

// ProcedureStore stores versioned procedure definitions.
type ProcedureStore interface {
	// SaveProcedure stores a definition as the next version of its
	// (organization, slug), activating it and deactivating the
	// previous version. The record's ID, Version and IsActive fields
	// are filled in.
	SaveProcedure(ctx context.Context, rec *ProcedureRecord) error

	// GetProcedure loads the active version.
	GetProcedure(ctx context.Context, org, slug string) (*ProcedureRecord, error)

	// GetProcedureVersion loads a specific version.
	GetProcedureVersion(ctx context.Context, org, slug string, version int) (*ProcedureRecord, error)

	// ListProcedures lists the active version of every procedure in
	// an organization, ordered by slug.
	ListProcedures(ctx context.Context, org string) ([]*ProcedureRecord, error)
}

// RunStore stores procedure run records. SaveRun is an upsert so it
// doubles as the executor's run recorder.
type RunStore interface {
	// SaveRun inserts or rewrites a run record.
	SaveRun(ctx context.Context, run *procedure.Run) error

	// GetRun loads a run by id.
	GetRun(ctx context.Context, id string) (*procedure.Run, error)

	// ListRuns lists runs newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*procedure.Run, error)
}

// PipelineStore stores pipeline definitions and their runs.
type PipelineStore interface {
	// SavePipeline stores a definition as the next version of its
	// slug, activating it. The pipeline's Version field is filled in.
	SavePipeline(ctx context.Context, p *pipeline.Pipeline) error

	// GetPipeline loads the active version for a slug.
	GetPipeline(ctx context.Context, slug string) (*pipeline.Pipeline, error)

	// ListPipelines lists the active version of every pipeline,
	// ordered by slug.
	ListPipelines(ctx context.Context) ([]*pipeline.Pipeline, error)

	// CreatePipelineRun inserts a new run row.
	CreatePipelineRun(ctx context.Context, run *pipeline.Run) error

	// UpdatePipelineRun rewrites an existing run row.
	UpdatePipelineRun(ctx context.Context, run *pipeline.Run) error

	// GetPipelineRun loads a run by id.
	GetPipelineRun(ctx context.Context, id string) (*pipeline.Run, error)

	// ListPipelineRuns lists runs newest first.
	ListPipelineRuns(ctx context.Context, filter PipelineRunFilter) ([]*pipeline.Run, error)

	// Checkpoint persists a run and the touched items in one
	// transaction. Either everything lands or the previous durable
	// state stays intact.
	Checkpoint(ctx context.Context, run *pipeline.Run, items []*pipeline.ItemState) error
}

// ItemStore stores per-item pipeline state.
type ItemStore interface {
	// UpsertItems inserts or rewrites item rows.
	UpsertItems(ctx context.Context, items []*pipeline.ItemState) error

	// UpdateItem rewrites one existing item row.
	UpdateItem(ctx context.Context, item *pipeline.ItemState) error

	// ListItems loads a run's items in gather order.
	ListItems(ctx context.Context, runID string) ([]*pipeline.ItemState, error)

	// CountItems counts a run's items, optionally by status.
	CountItems(ctx context.Context, runID string, status pipeline.ItemStatus) (int, error)
}

// Backend is the full storage surface.
type Backend interface {
	ProcedureStore
	RunStore
	PipelineStore
	ItemStore
	io.Closer
}
