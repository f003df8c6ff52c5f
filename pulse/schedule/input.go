package schedule

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/pulse/query"
)

// StepInput is a step as submitted by API, CLI and file callers
type StepInput struct {
	ID       string      `json:"id,omitempty" yaml:"id,omitempty"`
	ModelID  string      `json:"modelId" yaml:"modelId"`
	Query    query.Query `json:"query" yaml:"query"`
	ActionID string      `json:"actionId" yaml:"actionId"`
	Order    int         `json:"order" yaml:"order"`
}

// Input is the create shape of a schedule.
// IntervalHours may be a number or a numeric string; IntervalMinutes wins when both are set.
type Input struct {
	AgentID         string      `json:"agentId" yaml:"agentId"`
	Name            string      `json:"name" yaml:"name"`
	Mode            Mode        `json:"mode" yaml:"mode"`
	IntervalHours   interface{} `json:"intervalHours,omitempty" yaml:"intervalHours,omitempty"`
	IntervalMinutes *int        `json:"intervalMinutes,omitempty" yaml:"intervalMinutes,omitempty"`
	Steps           []StepInput `json:"steps" yaml:"steps"`
}

// Patch is the edit shape. Nil fields are left unchanged; a non-nil Steps
// replaces the whole step list.
type Patch struct {
	Name            *string      `json:"name,omitempty"`
	Mode            *Mode        `json:"mode,omitempty"`
	IntervalHours   interface{}  `json:"intervalHours,omitempty"`
	IntervalMinutes *int         `json:"intervalMinutes,omitempty"`
	Steps           *[]StepInput `json:"steps,omitempty"`
}

// Draft converts the input into an unsaved schedule
func (in Input) Draft() (*Schedule, error) {
	minutes, err := intervalFrom(in.IntervalHours, in.IntervalMinutes)
	if err != nil {
		return nil, err
	}
	mode := in.Mode
	if mode == "" {
		mode = ModeRecurring
		if minutes == 0 {
			mode = ModeOnce
		}
	}
	return &Schedule{
		AgentID:         strings.TrimSpace(in.AgentID),
		Name:            in.Name,
		Mode:            mode,
		IntervalMinutes: minutes,
		Steps:           stepsFrom(in.Steps),
		Status:          StatusDraft,
	}, nil
}

// Apply writes the patch onto s. It does not validate the result.
func (p Patch) Apply(s *Schedule) error {
	if p.Name != nil {
		s.Name = *p.Name
	}
	if p.Mode != nil {
		s.Mode = *p.Mode
		if s.Mode == ModeOnce {
			s.IntervalMinutes = 0
		}
	}
	if p.IntervalHours != nil || p.IntervalMinutes != nil {
		minutes, err := intervalFrom(p.IntervalHours, p.IntervalMinutes)
		if err != nil {
			return err
		}
		s.IntervalMinutes = minutes
	}
	if p.Steps != nil {
		s.Steps = stepsFrom(*p.Steps)
	}
	return nil
}

func stepsFrom(in []StepInput) []Step {
	steps := make([]Step, len(in))
	for i, st := range in {
		steps[i] = Step{
			ID:       st.ID,
			ModelID:  strings.TrimSpace(st.ModelID),
			Query:    st.Query.Clone(),
			ActionID: strings.TrimSpace(st.ActionID),
			Order:    st.Order,
		}
	}
	return steps
}

func intervalFrom(hours interface{}, minutes *int) (int, error) {
	if minutes != nil {
		if *minutes < 0 {
			return 0, errors.NewValidationError("intervalMinutes must not be negative, got %d", *minutes)
		}
		return *minutes, nil
	}
	return ParseIntervalHours(hours)
}

// ParseIntervalHours converts an hours value (number or numeric string) to
// whole minutes, rounding to the nearest minute. Nil and "" mean no interval.
// A positive value under one minute is rejected.
func ParseIntervalHours(raw interface{}) (int, error) {
	var h float64
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case float64:
		h = v
	case float32:
		h = float64(v)
	case int:
		h = float64(v)
	case int64:
		h = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, errors.NewValidationError("intervalHours %q is not a number", v.String())
		}
		h = f
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, errors.NewValidationError("intervalHours %q is not a number", v)
		}
		h = f
	default:
		return 0, errors.NewValidationError("intervalHours must be a number, got %T", raw)
	}

	if math.IsNaN(h) || math.IsInf(h, 0) || h < 0 {
		return 0, errors.NewValidationError("intervalHours must be a positive number, got %v", raw)
	}
	if h == 0 {
		return 0, nil
	}
	minutes := int(math.Round(h * 60))
	if minutes < 1 {
		return 0, errors.WithHint(
			errors.NewValidationError("intervalHours %v is shorter than one minute", raw),
			"the smallest supported interval is one minute (about 0.0167 hours)")
	}
	return minutes, nil
}
