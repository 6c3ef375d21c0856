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

// Package sqlite provides a SQLite storage backend for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/procflow/procflow/internal/store"
	"github.com/procflow/procflow/pkg/errors"
	"github.com/procflow/procflow/pkg/pipeline"
	"github.com/procflow/procflow/pkg/procedure"
)

// Compile-time interface assertions, including the narrow consumer
// interfaces the executors declare.
var (
	_ store.Backend         = (*Store)(nil)
	_ procedure.RunRecorder = (*Store)(nil)
	_ pipeline.Store        = (*Store)(nil)
)

// Store is a SQLite storage backend.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a SQLite backend, configuring pragmas and running
// migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so one connection carries them all
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS procedures (
			id TEXT NOT NULL,
			organization_id TEXT NOT NULL,
			name TEXT NOT NULL,
			slug TEXT NOT NULL,
			definition TEXT NOT NULL,
			version INTEGER NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			source_type TEXT,
			source_path TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (organization_id, slug, version)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_procedures_id ON procedures(id)`,
		`CREATE INDEX IF NOT EXISTS idx_procedures_active ON procedures(organization_id, slug, is_active)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			procedure TEXT NOT NULL,
			version INTEGER DEFAULT 0,
			status TEXT NOT NULL,
			params TEXT,
			outcomes TEXT,
			current_step TEXT,
			progress_completed INTEGER DEFAULT 0,
			progress_total INTEGER DEFAULT 0,
			error TEXT,
			failed_step TEXT,
			failed_tool TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_procedure ON runs(procedure)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS pipelines (
			slug TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			definition TEXT NOT NULL,
			version INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (slug, version)
		)`,
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			id TEXT PRIMARY KEY,
			pipeline TEXT NOT NULL,
			version INTEGER DEFAULT 0,
			status TEXT NOT NULL,
			params TEXT,
			current_stage INTEGER DEFAULT 0,
			total_stages INTEGER DEFAULT 0,
			stage_results TEXT,
			total_items INTEGER DEFAULT 0,
			processed_items INTEGER DEFAULT 0,
			failed_items INTEGER DEFAULT 0,
			checkpoint_data TEXT,
			error TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_status ON pipeline_runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_pipeline ON pipeline_runs(pipeline)`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_created_at ON pipeline_runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS pipeline_items (
			run_id TEXT NOT NULL,
			item_type TEXT NOT NULL,
			item_id TEXT NOT NULL,
			status TEXT NOT NULL,
			stage_status TEXT,
			stage_data TEXT,
			data TEXT,
			error_message TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (run_id, item_type, item_id),
			FOREIGN KEY (run_id) REFERENCES pipeline_runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_items_run_id ON pipeline_items(run_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows so Get and List
// share one scan path.
type rowScanner interface {
	Scan(dest ...any) error
}

// SaveProcedure stores the next version of a procedure, activating it
// and deactivating the previous version in one transaction.
func (s *Store) SaveProcedure(ctx context.Context, rec *store.ProcedureRecord) error {
	if rec == nil || rec.Definition == nil {
		return &errors.ValidationError{Field: "definition", Message: "procedure record has no definition"}
	}
	if rec.Slug == "" {
		return &errors.ValidationError{Field: "slug", Message: "procedure record has no slug"}
	}

	defJSON, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxVersion int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM procedures WHERE organization_id = ? AND slug = ?`,
		rec.OrganizationID, rec.Slug,
	).Scan(&maxVersion)
	if err != nil {
		return fmt.Errorf("failed to read current version: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE procedures SET is_active = 0 WHERE organization_id = ? AND slug = ? AND is_active = 1`,
		rec.OrganizationID, rec.Slug,
	); err != nil {
		return fmt.Errorf("failed to deactivate previous version: %w", err)
	}

	rec.Version = maxVersion + 1
	rec.IsActive = true
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO procedures (id, organization_id, name, slug, definition, version, is_active,
			source_type, source_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`,
		rec.ID, rec.OrganizationID, rec.Name, rec.Slug, string(defJSON), rec.Version,
		nullString(rec.SourceType), nullString(rec.SourcePath),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("failed to insert procedure: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

const procedureColumns = `id, organization_id, name, slug, definition, version, is_active,
	source_type, source_path, created_at, updated_at`

// scanProcedure reads one procedure row.
func scanProcedure(sc rowScanner) (*store.ProcedureRecord, error) {
	var rec store.ProcedureRecord
	var defJSON string
	var isActive int
	var sourceType, sourcePath, createdAt, updatedAt sql.NullString

	err := sc.Scan(
		&rec.ID, &rec.OrganizationID, &rec.Name, &rec.Slug, &defJSON, &rec.Version, &isActive,
		&sourceType, &sourcePath, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	var def procedure.Definition
	if err := json.Unmarshal([]byte(defJSON), &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}
	def.Version = rec.Version
	rec.Definition = &def
	rec.IsActive = isActive == 1
	rec.SourceType = sourceType.String
	rec.SourcePath = sourcePath.String
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

// GetProcedure loads the active version.
func (s *Store) GetProcedure(ctx context.Context, org, slug string) (*store.ProcedureRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+procedureColumns+` FROM procedures
		WHERE organization_id = ? AND slug = ? AND is_active = 1
		ORDER BY version DESC LIMIT 1`,
		org, slug,
	)
	rec, err := scanProcedure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "procedure", ID: org + "/" + slug}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get procedure: %w", err)
	}
	return rec, nil
}

// GetProcedureVersion loads a specific version.
func (s *Store) GetProcedureVersion(ctx context.Context, org, slug string, version int) (*store.ProcedureRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+procedureColumns+` FROM procedures
		WHERE organization_id = ? AND slug = ? AND version = ?`,
		org, slug, version,
	)
	rec, err := scanProcedure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errors.NotFoundError{
			Resource: "procedure",
			ID:       fmt.Sprintf("%s/%s@%d", org, slug, version),
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get procedure version: %w", err)
	}
	return rec, nil
}

// ListProcedures lists active versions in an organization by slug.
func (s *Store) ListProcedures(ctx context.Context, org string) ([]*store.ProcedureRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+procedureColumns+` FROM procedures
		WHERE organization_id = ? AND is_active = 1
		ORDER BY slug ASC`,
		org,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list procedures: %w", err)
	}
	defer rows.Close()

	var recs []*store.ProcedureRecord
	for rows.Next() {
		rec, err := scanProcedure(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan procedure: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SaveRun inserts or rewrites a procedure run record.
func (s *Store) SaveRun(ctx context.Context, run *procedure.Run) error {
	if run == nil || run.ID == "" {
		return &errors.ValidationError{Field: "run", Message: "run has no id"}
	}

	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	outcomesJSON, err := json.Marshal(run.Outcomes)
	if err != nil {
		return fmt.Errorf("failed to marshal outcomes: %w", err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, procedure, version, status, params, outcomes, current_step,
			progress_completed, progress_total, error, failed_step, failed_tool,
			created_at, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			params = excluded.params,
			outcomes = excluded.outcomes,
			current_step = excluded.current_step,
			progress_completed = excluded.progress_completed,
			progress_total = excluded.progress_total,
			error = excluded.error,
			failed_step = excluded.failed_step,
			failed_tool = excluded.failed_tool,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`,
		run.ID, run.Procedure, run.Version, string(run.Status),
		string(paramsJSON), string(outcomesJSON), nullString(run.CurrentStep),
		run.Progress.Completed, run.Progress.Total,
		nullString(run.Error), nullString(run.FailedStep), nullString(run.FailedTool),
		run.CreatedAt.Format(time.RFC3339Nano), formatTime(run.StartedAt), formatTime(run.CompletedAt),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

const runColumns = `id, procedure, version, status, params, outcomes, current_step,
	progress_completed, progress_total, error, failed_step, failed_tool,
	created_at, started_at, completed_at`

// scanRun reads one procedure run row.
func scanRun(sc rowScanner) (*procedure.Run, error) {
	var run procedure.Run
	var status string
	var paramsJSON, outcomesJSON sql.NullString
	var currentStep, errorStr, failedStep, failedTool sql.NullString
	var createdAt, startedAt, completedAt sql.NullString

	err := sc.Scan(
		&run.ID, &run.Procedure, &run.Version, &status, &paramsJSON, &outcomesJSON, &currentStep,
		&run.Progress.Completed, &run.Progress.Total, &errorStr, &failedStep, &failedTool,
		&createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = procedure.RunStatus(status)
	run.CurrentStep = currentStep.String
	run.Error = errorStr.String
	run.FailedStep = failedStep.String
	run.FailedTool = failedTool.String
	if paramsJSON.Valid && paramsJSON.String != "" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &run.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
	}
	if outcomesJSON.Valid && outcomesJSON.String != "" {
		if err := json.Unmarshal([]byte(outcomesJSON.String), &run.Outcomes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outcomes: %w", err)
		}
	}
	run.CreatedAt = parseTime(createdAt)
	run.StartedAt = parseTime(startedAt)
	run.CompletedAt = parseTime(completedAt)
	return &run, nil
}

// GetRun loads a procedure run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*procedure.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists procedure runs newest first.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*procedure.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Procedure != "" {
		query += " AND procedure = ?"
		args = append(args, filter.Procedure)
	}
	query += " ORDER BY created_at DESC"
	query, args = appendPage(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*procedure.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SavePipeline stores the next version of a pipeline definition.
func (s *Store) SavePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	if p == nil || p.Slug == "" {
		return &errors.ValidationError{Field: "slug", Message: "pipeline has no slug"}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxVersion int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM pipelines WHERE slug = ?`, p.Slug,
	).Scan(&maxVersion)
	if err != nil {
		return fmt.Errorf("failed to read current version: %w", err)
	}
	p.Version = maxVersion + 1

	defJSON, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pipelines (slug, name, description, definition, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.Slug, p.Name, nullString(p.Description), string(defJSON), p.Version,
		time.Now().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("failed to insert pipeline: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// scanPipeline reads one pipeline definition row.
func scanPipeline(sc rowScanner) (*pipeline.Pipeline, error) {
	var defJSON string
	var version int
	if err := sc.Scan(&defJSON, &version); err != nil {
		return nil, err
	}
	var p pipeline.Pipeline
	if err := json.Unmarshal([]byte(defJSON), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pipeline: %w", err)
	}
	p.Version = version
	return &p, nil
}

// GetPipeline loads the latest version for a slug.
func (s *Store) GetPipeline(ctx context.Context, slug string) (*pipeline.Pipeline, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT definition, version FROM pipelines WHERE slug = ? ORDER BY version DESC LIMIT 1`,
		slug,
	)
	p, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "pipeline", ID: slug}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}
	return p, nil
}

// ListPipelines lists the latest version of every pipeline by slug.
func (s *Store) ListPipelines(ctx context.Context) ([]*pipeline.Pipeline, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT definition, version FROM pipelines p
		WHERE version = (SELECT MAX(version) FROM pipelines WHERE slug = p.slug)
		ORDER BY slug ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []*pipeline.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline: %w", err)
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

// CreatePipelineRun inserts a new pipeline run.
func (s *Store) CreatePipelineRun(ctx context.Context, run *pipeline.Run) error {
	if run == nil || run.ID == "" {
		return &errors.ValidationError{Field: "run", Message: "run has no id"}
	}
	return s.writePipelineRun(ctx, s.db, run, false)
}

// UpdatePipelineRun rewrites an existing pipeline run.
func (s *Store) UpdatePipelineRun(ctx context.Context, run *pipeline.Run) error {
	paramsJSON, resultsJSON, checkpointJSON, err := marshalPipelineRun(run)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET
			pipeline = ?, version = ?, status = ?, params = ?,
			current_stage = ?, total_stages = ?, stage_results = ?,
			total_items = ?, processed_items = ?, failed_items = ?,
			checkpoint_data = ?, error = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		run.Pipeline, run.Version, string(run.Status), paramsJSON,
		run.CurrentStage, run.TotalStages, resultsJSON,
		run.TotalItems, run.ProcessedItems, run.FailedItems,
		checkpointJSON, nullString(run.Error),
		formatTime(run.StartedAt), formatTime(run.CompletedAt),
		time.Now().Format(time.RFC3339Nano),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update pipeline run: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &errors.NotFoundError{Resource: "pipeline run", ID: run.ID}
	}
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// marshalPipelineRun encodes the run's JSON columns.
func marshalPipelineRun(run *pipeline.Run) (params, results, checkpoint string, err error) {
	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal params: %w", err)
	}
	resultsJSON, err := json.Marshal(run.StageResults)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal stage results: %w", err)
	}
	checkpointJSON, err := json.Marshal(run.CheckpointData)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal checkpoint data: %w", err)
	}
	return string(paramsJSON), string(resultsJSON), string(checkpointJSON), nil
}

// writePipelineRun inserts a run row, upserting when asked. Checkpoint
// uses the upsert form inside its transaction.
func (s *Store) writePipelineRun(ctx context.Context, db execer, run *pipeline.Run, upsert bool) error {
	paramsJSON, resultsJSON, checkpointJSON, err := marshalPipelineRun(run)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO pipeline_runs (id, pipeline, version, status, params,
			current_stage, total_stages, stage_results,
			total_items, processed_items, failed_items,
			checkpoint_data, error, created_at, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if upsert {
		query += `
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			params = excluded.params,
			current_stage = excluded.current_stage,
			total_stages = excluded.total_stages,
			stage_results = excluded.stage_results,
			total_items = excluded.total_items,
			processed_items = excluded.processed_items,
			failed_items = excluded.failed_items,
			checkpoint_data = excluded.checkpoint_data,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`
	}

	_, err = db.ExecContext(ctx, query,
		run.ID, run.Pipeline, run.Version, string(run.Status), paramsJSON,
		run.CurrentStage, run.TotalStages, resultsJSON,
		run.TotalItems, run.ProcessedItems, run.FailedItems,
		checkpointJSON, nullString(run.Error),
		run.CreatedAt.Format(time.RFC3339Nano),
		formatTime(run.StartedAt), formatTime(run.CompletedAt),
		time.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to write pipeline run: %w", err)
	}
	return nil
}

const pipelineRunColumns = `id, pipeline, version, status, params,
	current_stage, total_stages, stage_results,
	total_items, processed_items, failed_items,
	checkpoint_data, error, created_at, started_at, completed_at`

// scanPipelineRun reads one pipeline run row.
func scanPipelineRun(sc rowScanner) (*pipeline.Run, error) {
	var run pipeline.Run
	var status string
	var paramsJSON, resultsJSON, checkpointJSON sql.NullString
	var errorStr, createdAt, startedAt, completedAt sql.NullString

	err := sc.Scan(
		&run.ID, &run.Pipeline, &run.Version, &status, &paramsJSON,
		&run.CurrentStage, &run.TotalStages, &resultsJSON,
		&run.TotalItems, &run.ProcessedItems, &run.FailedItems,
		&checkpointJSON, &errorStr, &createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = pipeline.RunStatus(status)
	run.Error = errorStr.String
	if paramsJSON.Valid && paramsJSON.String != "" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &run.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
	}
	if resultsJSON.Valid && resultsJSON.String != "" {
		if err := json.Unmarshal([]byte(resultsJSON.String), &run.StageResults); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stage results: %w", err)
		}
	}
	if checkpointJSON.Valid && checkpointJSON.String != "" {
		if err := json.Unmarshal([]byte(checkpointJSON.String), &run.CheckpointData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint data: %w", err)
		}
	}
	if run.StageResults == nil {
		run.StageResults = map[string]pipeline.StageResult{}
	}
	run.CreatedAt = parseTime(createdAt)
	run.StartedAt = parseTime(startedAt)
	run.CompletedAt = parseTime(completedAt)
	return &run, nil
}

// GetPipelineRun loads a pipeline run by id.
func (s *Store) GetPipelineRun(ctx context.Context, id string) (*pipeline.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pipelineRunColumns+` FROM pipeline_runs WHERE id = ?`, id)
	run, err := scanPipelineRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "pipeline run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline run: %w", err)
	}
	return run, nil
}

// ListPipelineRuns lists pipeline runs newest first.
func (s *Store) ListPipelineRuns(ctx context.Context, filter store.PipelineRunFilter) ([]*pipeline.Run, error) {
	query := `SELECT ` + pipelineRunColumns + ` FROM pipeline_runs WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Pipeline != "" {
		query += " AND pipeline = ?"
		args = append(args, filter.Pipeline)
	}
	query += " ORDER BY created_at DESC"
	query, args = appendPage(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipeline runs: %w", err)
	}
	defer rows.Close()

	var runs []*pipeline.Run
	for rows.Next() {
		run, err := scanPipelineRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Checkpoint persists a run and the touched items in one transaction.
// A failure rolls everything back, leaving the previous durable state
// for a later resume.
func (s *Store) Checkpoint(ctx context.Context, run *pipeline.Run, items []*pipeline.ItemState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.writePipelineRun(ctx, tx, run, true); err != nil {
		return err
	}
	for _, it := range items {
		if err := upsertItem(ctx, tx, it); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// upsertItem writes one item row.
func upsertItem(ctx context.Context, db execer, it *pipeline.ItemState) error {
	stageStatusJSON, err := json.Marshal(it.StageStatus)
	if err != nil {
		return fmt.Errorf("failed to marshal stage status: %w", err)
	}
	stageDataJSON, err := json.Marshal(it.StageData)
	if err != nil {
		return fmt.Errorf("failed to marshal stage data: %w", err)
	}
	dataJSON, err := json.Marshal(it.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal item data: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO pipeline_items (run_id, item_type, item_id, status,
			stage_status, stage_data, data, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, item_type, item_id) DO UPDATE SET
			status = excluded.status,
			stage_status = excluded.stage_status,
			stage_data = excluded.stage_data,
			data = excluded.data,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at`,
		it.RunID, it.Type, it.ID, string(it.Status),
		string(stageStatusJSON), string(stageDataJSON), string(dataJSON),
		nullString(it.ErrorMessage),
		it.CreatedAt.Format(time.RFC3339Nano), it.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to write item %s: %w", it.Key(), err)
	}
	return nil
}

// UpsertItems inserts or rewrites item rows in one transaction.
func (s *Store) UpsertItems(ctx context.Context, items []*pipeline.ItemState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, it := range items {
		if err := upsertItem(ctx, tx, it); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// UpdateItem rewrites one existing item row.
func (s *Store) UpdateItem(ctx context.Context, item *pipeline.ItemState) error {
	stageStatusJSON, err := json.Marshal(item.StageStatus)
	if err != nil {
		return fmt.Errorf("failed to marshal stage status: %w", err)
	}
	stageDataJSON, err := json.Marshal(item.StageData)
	if err != nil {
		return fmt.Errorf("failed to marshal stage data: %w", err)
	}
	dataJSON, err := json.Marshal(item.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal item data: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_items SET status = ?, stage_status = ?, stage_data = ?,
			data = ?, error_message = ?, updated_at = ?
		WHERE run_id = ? AND item_type = ? AND item_id = ?`,
		string(item.Status), string(stageStatusJSON), string(stageDataJSON),
		string(dataJSON), nullString(item.ErrorMessage),
		time.Now().Format(time.RFC3339Nano),
		item.RunID, item.Type, item.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &errors.NotFoundError{Resource: "pipeline item", ID: item.Key()}
	}
	return nil
}

// ListItems loads a run's items in gather order.
func (s *Store) ListItems(ctx context.Context, runID string) ([]*pipeline.ItemState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, item_type, item_id, status, stage_status, stage_data,
			data, error_message, created_at, updated_at
		FROM pipeline_items WHERE run_id = ? ORDER BY rowid ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []*pipeline.ItemState
	for rows.Next() {
		var it pipeline.ItemState
		var status string
		var stageStatusJSON, stageDataJSON, dataJSON sql.NullString
		var errorMessage, createdAt, updatedAt sql.NullString

		err := rows.Scan(
			&it.RunID, &it.Type, &it.ID, &status, &stageStatusJSON, &stageDataJSON,
			&dataJSON, &errorMessage, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}

		it.Status = pipeline.ItemStatus(status)
		it.ErrorMessage = errorMessage.String
		if stageStatusJSON.Valid && stageStatusJSON.String != "" {
			if err := json.Unmarshal([]byte(stageStatusJSON.String), &it.StageStatus); err != nil {
				return nil, fmt.Errorf("failed to unmarshal stage status: %w", err)
			}
		}
		if stageDataJSON.Valid && stageDataJSON.String != "" {
			if err := json.Unmarshal([]byte(stageDataJSON.String), &it.StageData); err != nil {
				return nil, fmt.Errorf("failed to unmarshal stage data: %w", err)
			}
		}
		if dataJSON.Valid && dataJSON.String != "" {
			if err := json.Unmarshal([]byte(dataJSON.String), &it.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal item data: %w", err)
			}
		}
		it.CreatedAt = parseTime(createdAt)
		it.UpdatedAt = parseTime(updatedAt)
		items = append(items, &it)
	}
	return items, rows.Err()
}

// CountItems counts a run's items, optionally by status.
func (s *Store) CountItems(ctx context.Context, runID string, status pipeline.ItemStatus) (int, error) {
	query := `SELECT COUNT(*) FROM pipeline_items WHERE run_id = ?`
	args := []any{runID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// appendPage adds LIMIT and OFFSET clauses. SQLite rejects a bare
// OFFSET, so an unbounded page carries LIMIT -1.
func appendPage(query string, args []any, limit, offset int) (string, []any) {
	if limit <= 0 && offset <= 0 {
		return query, args
	}
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	return query, append(args, limit, offset)
}

// formatTime converts a time to RFC3339 or NULL when zero.
func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

// parseTime reads an RFC3339 column, zero when NULL.
func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s.String)
	return t
}

// nullString returns NULL for empty strings.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
