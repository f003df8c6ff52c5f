package schedule

import (
	"time"
)

// Trigger says what started an execution
type Trigger string

const (
	TriggerTick   Trigger = "tick"
	TriggerManual Trigger = "manual"
)

// Execution status constants
const (
	ExecutionStatusRunning   = "running"
	ExecutionStatusCompleted = "completed"
	ExecutionStatusFailed    = "failed"    // fatal: the pipeline aborted
	ExecutionStatusCancelled = "cancelled" // stopped before every record was dispatched
)

// Record error kinds
const (
	RecordErrorAction    = "action"
	RecordErrorTimeout   = "timeout"
	RecordErrorMalformed = "malformed_output"
	RecordErrorUpdate    = "update"
)

// Execution is one run of a schedule. Created as running, finished once,
// never changed afterwards.
type Execution struct {
	ID          string       `json:"id"`
	ScheduleID  string       `json:"scheduleId"`
	Trigger     Trigger      `json:"trigger"`
	Status      string       `json:"status"`
	StartedAt   time.Time    `json:"startedAt"`
	FinishedAt  *time.Time   `json:"finishedAt,omitempty"`
	DurationMs  *int64       `json:"durationMs,omitempty"`
	StepResults []StepResult `json:"stepResults"`
	Error       string       `json:"error,omitempty"`
}

// StepResult is the per-step outcome of a run
type StepResult struct {
	StepOrder          int           `json:"stepOrder"`
	StepID             string        `json:"stepId,omitempty"`
	ActionID           string        `json:"actionId"`
	MatchedRecordCount int           `json:"matchedRecordCount"`
	Succeeded          int           `json:"succeeded"`
	Failed             int           `json:"failed"`
	Skipped            int           `json:"skipped,omitempty"`
	Errors             []RecordError `json:"errors"`
}

// RecordError explains why one record failed
type RecordError struct {
	RecordID string `json:"recordId"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}

// Totals sums the per-step counters
func (e *Execution) Totals() (matched, succeeded, failed, skipped int) {
	for _, r := range e.StepResults {
		matched += r.MatchedRecordCount
		succeeded += r.Succeeded
		failed += r.Failed
		skipped += r.Skipped
	}
	return
}
