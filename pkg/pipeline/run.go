package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus is a pipeline run's lifecycle state.
type RunStatus string

const (
	// RunPending means the run is created but not yet executing.
	RunPending RunStatus = "pending"

	// RunRunning means the executor is working through the stages.
	RunRunning RunStatus = "running"

	// RunCompleted means every stage finished.
	RunCompleted RunStatus = "completed"

	// RunFailed means the run aborted. Failed runs keep their item
	// state and may be resumed.
	RunFailed RunStatus = "failed"

	// RunCancelled means cancellation arrived at a batch boundary.
	RunCancelled RunStatus = "cancelled"
)

// runTransitions is the closed set of legal status changes. A failed
// run may re-enter running through Resume.
var runTransitions = map[RunStatus]map[RunStatus]bool{
	RunPending: {
		RunRunning:   true,
		RunCancelled: true,
	},
	RunRunning: {
		RunCompleted: true,
		RunFailed:    true,
		RunCancelled: true,
	},
	RunFailed: {
		RunRunning: true,
	},
}

// IsTerminal reports whether the run is finished. A failed run is
// terminal for reporting even though Resume can revive it.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// StageResult summarizes one stage's pass over the working set. On a
// resumed run the counts accumulate across attempts, so the final
// numbers match an uninterrupted run.
type StageResult struct {
	// Items counts the items due when the stage first started
	Items int `json:"items"`

	// Succeeded counts items that completed the stage
	Succeeded int `json:"succeeded"`

	// Failed counts items that errored in the stage
	Failed int `json:"failed"`

	// Skipped counts items the stage filtered out or skipped
	Skipped int `json:"skipped"`

	// DurationMS is wall-clock time spent in the stage
	DurationMS int64 `json:"duration_ms"`
}

// Run is one execution of a pipeline. The executor mutates it between
// batch boundaries and persists it at checkpoints; a run row has a
// single writer at a time, which is the caller's scheduling problem.
type Run struct {
	// ID uniquely identifies the run
	ID string `json:"id"`

	// Pipeline is the slug of the executed definition
	Pipeline string `json:"pipeline"`

	// Version is the definition version the run executed
	Version int `json:"version,omitempty"`

	// Status is the lifecycle state
	Status RunStatus `json:"status"`

	// Params are the bound run parameters, visible to every stage
	// beneath its own params. Persisted so Resume sees the same
	// bindings.
	Params map[string]any `json:"params,omitempty"`

	// CurrentStage indexes the stage being executed, zero-based. It
	// is not advanced past a failed checkpoint, so a resumed run
	// restarts at the right stage.
	CurrentStage int `json:"current_stage"`

	// TotalStages is the stage count of the definition
	TotalStages int `json:"total_stages"`

	// StageResults summarizes each finished or in-progress stage by
	// name
	StageResults map[string]StageResult `json:"stage_results,omitempty"`

	// TotalItems counts the rows the gather stage created
	TotalItems int `json:"total_items"`

	// ProcessedItems counts items already through the current stage
	ProcessedItems int `json:"processed_items"`

	// FailedItems counts items that failed anywhere in the run
	FailedItems int `json:"failed_items"`

	// CheckpointData is the resumption cursor written at each
	// checkpoint
	CheckpointData map[string]any `json:"checkpoint_data,omitempty"`

	// Error is the terminal failure message for failed and cancelled
	// runs
	Error string `json:"error,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// NewRun creates a pending run for a pipeline with its parameters
// bound.
func NewRun(p *Pipeline, params map[string]any) *Run {
	return &Run{
		ID:           uuid.New().String(),
		Pipeline:     p.Slug,
		Version:      p.Version,
		Status:       RunPending,
		Params:       params,
		TotalStages:  len(p.Stages),
		StageResults: map[string]StageResult{},
		CreatedAt:    time.Now(),
	}
}

// transition moves the run to a new status, stamping timestamps. An
// illegal transition is an executor defect and is returned as an error
// rather than applied.
func (r *Run) transition(to RunStatus) error {
	if !runTransitions[r.Status][to] {
		return fmt.Errorf("illegal run transition %s to %s", r.Status, to)
	}
	r.Status = to
	now := time.Now()
	switch {
	case to == RunRunning:
		if r.StartedAt.IsZero() {
			r.StartedAt = now
		}
		r.CompletedAt = time.Time{}
	case to.IsTerminal():
		r.CompletedAt = now
	}
	return nil
}

// Duration returns the run's wall-clock duration, zero until it
// starts.
func (r *Run) Duration() time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	end := r.CompletedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(r.StartedAt)
}

// ItemStatus is a pipeline item's overall state.
type ItemStatus string

const (
	// ItemPending means the item is gathered but not yet touched by a
	// later stage.
	ItemPending ItemStatus = "pending"

	// ItemProcessing means at least one stage has worked on the item
	// and the run is not finished with it.
	ItemProcessing ItemStatus = "processing"

	// ItemCompleted means the item passed every stage.
	ItemCompleted ItemStatus = "completed"

	// ItemFailed means a stage errored on the item and its policy
	// recorded the failure.
	ItemFailed ItemStatus = "failed"

	// ItemSkipped means a filter dropped the item or a skip policy
	// tolerated its failure.
	ItemSkipped ItemStatus = "skipped"
)

// Per-stage statuses recorded in ItemState.StageStatus.
const (
	stageCompleted = "completed"
	stageFailed    = "failed"
	stageSkipped   = "skipped"
)

// ItemState is the durable record of one item's journey through a
// run, keyed by (run, item type, item id). Rows are created only by
// the gather stage and never deleted while the run exists.
type ItemState struct {
	// RunID ties the item to its pipeline run
	RunID string `json:"run_id"`

	// Type groups items, defaulting to the gather stage's name
	Type string `json:"item_type"`

	// ID is the item's identity within its type
	ID string `json:"item_id"`

	// Status is the overall state
	Status ItemStatus `json:"status"`

	// StageStatus records the outcome of each stage that has touched
	// the item
	StageStatus map[string]string `json:"stage_status,omitempty"`

	// StageData holds per-stage payloads worth keeping: enrich deltas
	// and output receipts
	StageData map[string]any `json:"stage_data,omitempty"`

	// Data is the working payload stages read and rewrite
	Data any `json:"data,omitempty"`

	// ErrorMessage is the most recent stage error for failed and
	// policy-skipped items
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key identifies the item within its run.
func (it *ItemState) Key() string {
	return it.Type + "/" + it.ID
}

// active reports whether the item is still in the working set.
func (it *ItemState) active() bool {
	return it.Status == ItemPending || it.Status == ItemProcessing
}

// setStage records a stage outcome without changing the overall
// status.
func (it *ItemState) setStage(stage, status string) {
	if it.StageStatus == nil {
		it.StageStatus = map[string]string{}
	}
	it.StageStatus[stage] = status
	it.UpdatedAt = time.Now()
}

// setStageData stores a stage payload on the item.
func (it *ItemState) setStageData(stage string, v any) {
	if it.StageData == nil {
		it.StageData = map[string]any{}
	}
	it.StageData[stage] = v
}

// fail marks the item failed at a stage with the causing error.
func (it *ItemState) fail(stage string, err error) {
	it.setStage(stage, stageFailed)
	it.Status = ItemFailed
	it.ErrorMessage = err.Error()
}

// skip drops the item from the working set at a stage.
func (it *ItemState) skip(stage string) {
	it.setStage(stage, stageSkipped)
	it.Status = ItemSkipped
}
