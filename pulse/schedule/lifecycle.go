package schedule

import (
	"sort"
	"time"

	"github.com/teranos/loom/errors"
)

// Renumber returns steps stably sorted by Order with orders rewritten to 0..n-1
func Renumber(steps []Step) []Step {
	out := append([]Step(nil), steps...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	for i := range out {
		out[i].Order = i
	}
	return out
}

// AddStep appends step after the existing steps and renumbers
func (s *Schedule) AddStep(step Step) {
	step.Order = len(s.Steps)
	s.Steps = Renumber(append(Renumber(s.Steps), step))
}

// RemoveStep removes the step at position order and renumbers the rest
func (s *Schedule) RemoveStep(order int) error {
	steps := Renumber(s.Steps)
	if order < 0 || order >= len(steps) {
		return errors.NewNotFoundError("schedule has no step %d", order)
	}
	s.Steps = Renumber(append(steps[:order], steps[order+1:]...))
	return nil
}

// Activate moves a draft to active and computes its first run:
// now+interval for recurring schedules, now for once schedules.
func (s *Schedule) Activate(now time.Time) error {
	if s.Status != StatusDraft && s.Status != "" {
		return errors.NewInvalidTransitionError("cannot activate a %s schedule", s.Status)
	}
	s.Status = StatusActive
	next := s.firstRun(now)
	s.NextRunAt = &next
	return nil
}

func (s *Schedule) firstRun(now time.Time) time.Time {
	if s.Mode == ModeRecurring {
		return now.Add(s.Interval())
	}
	return now
}

// Toggle flips a recurring schedule between active and paused. Resuming
// moves a next run that already passed to now+interval.
func (s *Schedule) Toggle(now time.Time) error {
	if s.Mode != ModeRecurring {
		return errors.NewInvalidTransitionError("only recurring schedules can be paused")
	}
	switch s.Status {
	case StatusActive:
		s.Status = StatusPaused
	case StatusPaused:
		s.Status = StatusActive
		if s.NextRunAt == nil || !s.NextRunAt.After(now) {
			next := now.Add(s.Interval())
			s.NextRunAt = &next
		}
	default:
		return errors.NewInvalidTransitionError("cannot toggle a %s schedule", s.Status)
	}
	return nil
}

// Duplicate returns a new draft with the same mode, interval and a deep
// copy of the steps. IDs, run times and history are not carried over.
func (s *Schedule) Duplicate() *Schedule {
	c := s.Clone()
	c.ID = ""
	c.Name = s.Name + CopySuffix
	c.Status = StatusDraft
	c.NextRunAt = nil
	c.LastRunAt = nil
	c.LastExecutionID = ""
	c.CreatedAt = time.Time{}
	c.UpdatedAt = time.Time{}
	for i := range c.Steps {
		c.Steps[i].ID = ""
	}
	return c
}

// RunOutcome is how a run changes the schedule that was run
type RunOutcome struct {
	Status    Status
	NextRunAt *time.Time
}

// Outcome computes the schedule's state after a run that started at runTime.
// Recurring schedules always advance to runTime+interval. Once schedules
// complete when the pipeline finished; otherwise they stay put with no next
// run, so only a manual run retries them.
func (s *Schedule) Outcome(runTime time.Time, finished bool) RunOutcome {
	if s.Mode == ModeRecurring {
		next := runTime.Add(s.Interval())
		return RunOutcome{Status: s.Status, NextRunAt: &next}
	}
	if finished {
		return RunOutcome{Status: StatusCompleted}
	}
	return RunOutcome{Status: s.Status}
}
