package procedure

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus is a procedure run's lifecycle state.
type RunStatus string

const (
	// RunPending means the run is created but not yet executing.
	RunPending RunStatus = "pending"

	// RunRunning means the executor is walking the step list.
	RunRunning RunStatus = "running"

	// RunCompleted means every top-level step took its turn.
	RunCompleted RunStatus = "completed"

	// RunFailed means a fail-policy step errored or an internal error
	// escalated.
	RunFailed RunStatus = "failed"

	// RunCancelled means cancellation arrived at a step boundary.
	RunCancelled RunStatus = "cancelled"
)

// runTransitions is the closed set of legal status changes.
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
}

// IsTerminal reports whether no further transition is possible.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Progress counts how many top-level steps the run has moved past.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Run is one execution of a compiled procedure. The executor mutates
// it between step boundaries and hands it to the recorder after every
// transition and step completion; concurrent runs of the same
// procedure never share a Run.
type Run struct {
	// ID uniquely identifies the run
	ID string `json:"id"`

	// Procedure is the slug of the executed definition
	Procedure string `json:"procedure"`

	// Version is the definition version the run executed
	Version int `json:"version,omitempty"`

	// Status is the lifecycle state
	Status RunStatus `json:"status"`

	// Params are the bound run parameters, defaults applied
	Params map[string]any `json:"params,omitempty"`

	// Outcomes records each top-level step's turn in document order
	Outcomes []StepOutcome `json:"outcomes,omitempty"`

	// CurrentStep is the top-level step being executed, empty once the
	// run is terminal
	CurrentStep string `json:"current_step,omitempty"`

	// Progress counts top-level steps moved past
	Progress Progress `json:"progress"`

	// Error is the terminal failure message for failed and cancelled
	// runs
	Error string `json:"error,omitempty"`

	// FailedStep names the step whose failure ended the run, at any
	// nesting depth
	FailedStep string `json:"failed_step,omitempty"`

	// FailedTool names the tool behind the terminal failure
	FailedTool string `json:"failed_tool,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// NewRun creates a pending run for a definition with its parameters
// already bound.
func NewRun(def *Definition, params map[string]any) *Run {
	return &Run{
		ID:        uuid.New().String(),
		Procedure: def.Slug,
		Version:   def.Version,
		Status:    RunPending,
		Params:    params,
		Progress:  Progress{Total: len(def.Steps)},
		CreatedAt: time.Now(),
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
		r.StartedAt = now
	case to.IsTerminal():
		r.CompletedAt = now
		r.CurrentStep = ""
	}
	return nil
}

// CompletedSteps lists the names of top-level steps that succeeded, in
// document order, for partial-result inspection on failed runs.
func (r *Run) CompletedSteps() []string {
	var names []string
	for _, o := range r.Outcomes {
		if o.Status == OutcomeSuccess {
			names = append(names, o.Step)
		}
	}
	return names
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
