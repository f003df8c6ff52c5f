// Package schedule runs query-driven step pipelines once or on a recurring interval.
//
// A Schedule owns an ordered list of Steps. Each step selects records of one
// model with a query and runs one action per matched record. The Ticker finds
// due schedules, claims them so no schedule runs twice at once, runs the
// Pipeline and records an Execution.
package schedule

import (
	"encoding/json"
	"time"

	"github.com/teranos/loom/pulse/query"
)

// Mode is the temporal mode of a schedule
type Mode string

const (
	ModeOnce      Mode = "once"
	ModeRecurring Mode = "recurring"
)

// Status is a schedule's lifecycle state
type Status string

const (
	StatusDraft     Status = "draft"     // not yet persisted
	StatusActive    Status = "active"    // eligible to run
	StatusPaused    Status = "paused"    // recurring only, excluded from dispatch
	StatusCompleted Status = "completed" // once schedules after a successful run
	StatusDeleted   Status = "deleted"   // soft deleted
)

// DefaultName is used when a schedule is saved without a name
const DefaultName = "Untitled schedule"

// CopySuffix is appended to the name of a duplicated schedule
const CopySuffix = " (Copy)"

// Step is one (model, query, action) triple of a schedule
type Step struct {
	ID       string      `json:"id,omitempty"`
	ModelID  string      `json:"modelId"`
	Query    query.Query `json:"query"`
	ActionID string      `json:"actionId"`
	Order    int         `json:"order"`
}

// Schedule is the persisted unit combining a name, a mode and a step pipeline
type Schedule struct {
	ID              string
	AgentID         string
	Name            string
	Mode            Mode
	IntervalMinutes int
	Steps           []Step
	Status          Status
	NextRunAt       *time.Time
	LastRunAt       *time.Time
	LastExecutionID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Interval returns the recurrence interval, zero for once schedules
func (s *Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// IntervalHours returns the interval in (possibly fractional) hours
func (s *Schedule) IntervalHours() float64 {
	return float64(s.IntervalMinutes) / 60
}

// Runnable reports whether the schedule may still be executed
func (s *Schedule) Runnable() bool {
	return s.Status == StatusActive || s.Status == StatusPaused
}

// Clone returns a deep copy. Changing the copy's steps or queries never
// affects s.
func (s *Schedule) Clone() *Schedule {
	c := *s
	c.Steps = make([]Step, len(s.Steps))
	for i, st := range s.Steps {
		st.Query = st.Query.Clone()
		c.Steps[i] = st
	}
	if s.NextRunAt != nil {
		t := *s.NextRunAt
		c.NextRunAt = &t
	}
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		c.LastRunAt = &t
	}
	return &c
}

type scheduleJSON struct {
	ID              string     `json:"id,omitempty"`
	AgentID         string     `json:"agentId"`
	Name            string     `json:"name"`
	Mode            Mode       `json:"mode"`
	IntervalMinutes int        `json:"intervalMinutes,omitempty"`
	IntervalHours   float64    `json:"intervalHours,omitempty"`
	Steps           []Step     `json:"steps"`
	Status          Status     `json:"status"`
	NextRunAt       *time.Time `json:"nextRunAt,omitempty"`
	LastRunAt       *time.Time `json:"lastRunAt,omitempty"`
	LastExecutionID string     `json:"lastExecutionId,omitempty"`
	CreatedAt       *time.Time `json:"createdAt,omitempty"`
	UpdatedAt       *time.Time `json:"updatedAt,omitempty"`
}

// MarshalJSON renders the API shape, including intervalHours for callers
// that still think in hours
func (s Schedule) MarshalJSON() ([]byte, error) {
	out := scheduleJSON{
		ID:              s.ID,
		AgentID:         s.AgentID,
		Name:            s.Name,
		Mode:            s.Mode,
		IntervalMinutes: s.IntervalMinutes,
		IntervalHours:   s.IntervalHours(),
		Steps:           s.Steps,
		Status:          s.Status,
		NextRunAt:       s.NextRunAt,
		LastRunAt:       s.LastRunAt,
		LastExecutionID: s.LastExecutionID,
	}
	if out.Steps == nil {
		out.Steps = []Step{}
	}
	if !s.CreatedAt.IsZero() {
		out.CreatedAt = &s.CreatedAt
	}
	if !s.UpdatedAt.IsZero() {
		out.UpdatedAt = &s.UpdatedAt
	}
	return json.Marshal(out)
}
