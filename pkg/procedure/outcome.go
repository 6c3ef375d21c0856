package procedure

import "time"

// OutcomeStatus classifies how a step's turn ended.
type OutcomeStatus string

const (
	// OutcomeSuccess means the step ran and bound its output.
	OutcomeSuccess OutcomeStatus = "success"

	// OutcomeSkipped means a condition gate was falsy or a skip policy
	// applied; the step bound nothing.
	OutcomeSkipped OutcomeStatus = "skipped"

	// OutcomeFailed means the step errored. Whether the run survives is
	// the on_error policy's call, recorded separately.
	OutcomeFailed OutcomeStatus = "failed"
)

// StepOutcome is the recorded result of one step's turn. Failures are
// explicit values consumed by the executor's policy handling, never
// panics or control-flow errors crossing step boundaries.
//
// Value holds the payload-profile bounded copy kept for inspection;
// the full output is bound into the run environment separately and
// does not travel with the outcome.
type StepOutcome struct {
	// Step is the step name
	Step string `json:"step"`

	// Tool is the invoked tool, empty for flow-control steps
	Tool string `json:"tool,omitempty"`

	// Status classifies the turn
	Status OutcomeStatus `json:"status"`

	// Value is the bounded output copy kept with the run record
	Value any `json:"value,omitempty"`

	// Error is the failure message when Status is failed
	Error string `json:"error,omitempty"`

	// StartedAt is when the step's turn began
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the step's turn ended
	CompletedAt time.Time `json:"completed_at"`

	// DurationMS is the turn's wall-clock duration in milliseconds
	DurationMS int64 `json:"duration_ms"`

	// cause carries the failure for policy decisions; output carries
	// the full value for environment binding
	cause  error
	output any
}

// Cause returns the failure behind a failed outcome, nil otherwise.
func (o *StepOutcome) Cause() error { return o.cause }

// finish stamps the outcome's end time and duration.
func (o *StepOutcome) finish() {
	o.CompletedAt = time.Now()
	o.DurationMS = o.CompletedAt.Sub(o.StartedAt).Milliseconds()
}
