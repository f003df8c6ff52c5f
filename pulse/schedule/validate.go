package schedule

import (
	"strings"

	"github.com/teranos/loom/errors"
)

// Normalize fills defaults and renumbers steps densely. It never fails.
func (s *Schedule) Normalize() {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		s.Name = DefaultName
	}
	s.Steps = Renumber(s.Steps)
}

// Validate checks the parts of a schedule that do not depend on models or
// actions. Failures are validation errors and nothing should be written.
func (s *Schedule) Validate() error {
	switch s.Mode {
	case ModeRecurring:
		if s.IntervalMinutes <= 0 {
			return errors.NewValidationError("recurring schedules need a positive interval")
		}
	case ModeOnce:
		if s.IntervalMinutes != 0 {
			return errors.NewValidationError("once schedules take no interval")
		}
	default:
		return errors.NewValidationError("mode must be %q or %q, got %q", ModeOnce, ModeRecurring, s.Mode)
	}

	seen := make(map[string]bool, len(s.Steps))
	for i, st := range s.Steps {
		if st.ModelID == "" {
			return errors.NewValidationError("step %d: modelId is required", i)
		}
		if st.ActionID == "" {
			return errors.NewValidationError("step %d: actionId is required", i)
		}
		if st.ID != "" {
			if seen[st.ID] {
				return errors.NewValidationError("step %d: id %s is used twice", i, st.ID)
			}
			seen[st.ID] = true
		}
		if err := st.Query.CheckShape(); err != nil {
			return errors.Wrapf(err, "step %d", i)
		}
	}
	return nil
}
