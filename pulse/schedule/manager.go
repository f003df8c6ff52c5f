package schedule

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
)

// Checker checks steps against models and actions. *Pipeline implements it.
type Checker interface {
	Check(ctx context.Context, steps []Step) error
}

// Manager applies the schedule state machine on top of the store. Every
// write is validated first; a rejected write leaves the stored schedule
// untouched.
type Manager struct {
	store   *Store
	checker Checker
	log     *zap.SugaredLogger
	now     func() time.Time
}

// NewManager creates a manager. checker may be nil, in which case model and
// action references are only checked when a schedule runs.
func NewManager(store *Store, checker Checker, log *zap.SugaredLogger) *Manager {
	return &Manager{store: store, checker: checker, log: logger.AddPulseSymbol(log), now: time.Now}
}

func (m *Manager) validate(ctx context.Context, s *Schedule) error {
	s.Normalize()
	if err := s.Validate(); err != nil {
		return err
	}
	if m.checker != nil && len(s.Steps) > 0 {
		if err := m.checker.Check(ctx, s.Steps); err != nil {
			return err
		}
	}
	return nil
}

// Create validates a draft, activates it and stores it. The caller's value
// is not modified.
func (m *Manager) Create(ctx context.Context, draft *Schedule) (*Schedule, error) {
	s := draft.Clone()
	if s.Status == "" {
		s.Status = StatusDraft
	}
	if s.Status != StatusDraft {
		return nil, errors.NewInvalidTransitionError("only drafts can be created, got a %s schedule", s.Status)
	}
	s.ID = ""
	if err := m.validate(ctx, s); err != nil {
		return nil, err
	}
	if err := s.Activate(m.now().UTC()); err != nil {
		return nil, err
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, err
	}

	m.log.Infow("Schedule created",
		logger.FieldScheduleID, s.ID,
		logger.FieldAgentID, s.AgentID,
		"mode", s.Mode,
		"steps", len(s.Steps),
		"next_run_at", s.NextRunAt)
	return s, nil
}

// Get returns a schedule, including deleted ones
func (m *Manager) Get(ctx context.Context, id string) (*Schedule, error) {
	return m.store.Get(ctx, id)
}

// List returns the non-deleted schedules of an agent, or of everyone when agentID is blank
func (m *Manager) List(ctx context.Context, agentID string) ([]*Schedule, error) {
	return m.store.List(ctx, agentID)
}

// Update edits an active or paused schedule. Status is kept. A change of
// mode or interval reschedules the next run from now.
func (m *Manager) Update(ctx context.Context, id string, patch Patch) (*Schedule, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.Runnable() {
		return nil, errors.NewInvalidTransitionError("cannot edit a %s schedule", s.Status)
	}

	prevMode, prevInterval := s.Mode, s.IntervalMinutes
	if err := patch.Apply(s); err != nil {
		return nil, err
	}
	if err := m.validate(ctx, s); err != nil {
		return nil, err
	}
	if s.Mode != prevMode || s.IntervalMinutes != prevInterval {
		next := s.firstRun(m.now().UTC())
		s.NextRunAt = &next
	}
	if err := m.store.Update(ctx, s); err != nil {
		return nil, err
	}

	m.log.Infow("Schedule updated", logger.FieldScheduleID, s.ID, "steps", len(s.Steps))
	return s, nil
}

// Toggle pauses an active recurring schedule or resumes a paused one
func (m *Manager) Toggle(ctx context.Context, id string) (*Schedule, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Toggle(m.now().UTC()); err != nil {
		return nil, err
	}
	if err := m.store.SetStatus(ctx, s.ID, s.Status, s.NextRunAt); err != nil {
		return nil, err
	}

	m.log.Infow("Schedule toggled", logger.FieldScheduleID, s.ID, logger.FieldStatus, s.Status)
	return m.store.Get(ctx, id)
}

// Delete soft-deletes a schedule. Execution history stays.
func (m *Manager) Delete(ctx context.Context, id string) error {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Status == StatusDeleted {
		return errors.NewInvalidTransitionError("schedule %s is already deleted", id)
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.log.Infow("Schedule deleted", logger.FieldScheduleID, id)
	return nil
}

// Duplicate returns an unsaved draft copy of a schedule
func (m *Manager) Duplicate(ctx context.Context, id string) (*Schedule, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == StatusDeleted {
		return nil, errors.NewInvalidTransitionError("cannot duplicate a deleted schedule")
	}
	return s.Duplicate(), nil
}

// DuplicateAndSave duplicates a schedule and stores the copy as a new active schedule
func (m *Manager) DuplicateAndSave(ctx context.Context, id string) (*Schedule, error) {
	draft, err := m.Duplicate(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Create(ctx, draft)
}
