package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/pulse/query"
)

func strPtr(s string) *string { return &s }

func TestManagerCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register("analyze", []string{"analysis"}, succeed(nil))

	draft := &Schedule{AgentID: "agent-1", Name: "  ", Mode: ModeRecurring, IntervalMinutes: 90,
		Steps: []Step{f.step("analyze", statusIs("New"))}}
	s, err := f.manager.Create(ctx, draft)
	require.NoError(t, err)

	assert.Equal(t, DefaultName, s.Name)
	assert.Equal(t, StatusActive, s.Status)
	assert.True(t, base.Add(90*time.Minute).Equal(*s.NextRunAt))
	assert.Empty(t, draft.ID, "the caller's draft is left alone")
	assert.Equal(t, StatusDraft, draft.Status)

	stored, err := f.manager.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Name, stored.Name)
	assert.Equal(t, "agent-1", stored.AgentID)
	require.Len(t, stored.Steps, 1)

	list, err := f.manager.List(ctx, "agent-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestManagerCreateWithoutSteps(t *testing.T) {
	f := newFixture(t)
	s, err := f.manager.Create(context.Background(), &Schedule{Name: "later", Mode: ModeOnce})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s.Status)
	assert.Empty(t, s.Steps)
}

func TestManagerCreateRejects(t *testing.T) {
	f := newFixture(t)
	f.register("analyze", []string{"analysis"}, succeed(nil))

	tests := []struct {
		name  string
		draft *Schedule
		check func(error) bool
	}{
		{"recurring without interval", &Schedule{Name: "x", Mode: ModeRecurring,
			Steps: []Step{f.step("analyze", query.MatchAll())}}, errors.IsValidation},
		{"step without action", &Schedule{Name: "x", Mode: ModeOnce,
			Steps: []Step{{ModelID: f.tickets.ID}}}, errors.IsValidation},
		{"in without a list", &Schedule{Name: "x", Mode: ModeOnce,
			Steps: []Step{f.step("analyze", query.NewStructured(query.And,
				query.Filter{Field: "status", Operator: query.In, Value: "New"}))}}, errors.IsValidation},
		{"unknown operator", &Schedule{Name: "x", Mode: ModeOnce,
			Steps: []Step{f.step("analyze", query.NewStructured(query.And,
				query.Filter{Field: "subject", Operator: "fuzzy_match", Value: "x"}))}}, errors.IsConfiguration},
		{"unknown action", &Schedule{Name: "x", Mode: ModeOnce,
			Steps: []Step{f.step("missing", query.MatchAll())}}, errors.IsConfiguration},
		{"not a draft", &Schedule{Name: "x", Mode: ModeOnce, Status: StatusActive}, errors.IsInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.Create(context.Background(), tt.draft)
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}

	all, err := f.manager.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, all, "rejected schedules are never written")
}

func TestManagerUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register("analyze", []string{"analysis"}, succeed(nil))
	f.register("draft", []string{"content"}, succeed(nil))
	s := f.create(t, &Schedule{Name: "x", Mode: ModeRecurring, IntervalMinutes: 60,
		Steps: []Step{f.step("analyze", query.MatchAll())}})

	f.clock.Set(base.Add(10 * time.Minute))
	updated, err := f.manager.Update(ctx, s.ID, Patch{Name: strPtr("renamed")})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.True(t, s.NextRunAt.Equal(*updated.NextRunAt), "a rename keeps the schedule's cadence")

	steps := []StepInput{
		{ModelID: f.tickets.ID, ActionID: "draft", Query: query.MatchAll(), Order: 1},
		{ModelID: f.tickets.ID, ActionID: "analyze", Query: query.MatchAll(), Order: 0},
	}
	updated, err = f.manager.Update(ctx, s.ID, Patch{IntervalHours: 2, Steps: &steps})
	require.NoError(t, err)
	assert.Equal(t, 120, updated.IntervalMinutes)
	assert.True(t, base.Add(10*time.Minute+2*time.Hour).Equal(*updated.NextRunAt), "new interval counts from now")
	assert.Equal(t, []string{"analyze", "draft"}, actionIDs(updated.Steps))

	stored, err := f.manager.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"analyze", "draft"}, actionIDs(stored.Steps))
	assert.Equal(t, StatusActive, stored.Status)

	bad := []StepInput{{ModelID: f.tickets.ID, ActionID: "nope", Query: query.MatchAll()}}
	_, err = f.manager.Update(ctx, s.ID, Patch{Steps: &bad})
	assert.True(t, errors.IsConfiguration(err))

	stored, err = f.manager.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Steps, 2, "a rejected edit leaves the stored schedule untouched")
}

func TestManagerUpdateToOnce(t *testing.T) {
	f := newFixture(t)
	f.register("analyze", []string{"analysis"}, succeed(nil))
	s := f.create(t, &Schedule{Name: "x", Mode: ModeRecurring, IntervalMinutes: 60,
		Steps: []Step{f.step("analyze", query.MatchAll())}})

	once := ModeOnce
	updated, err := f.manager.Update(context.Background(), s.ID, Patch{Mode: &once})
	require.NoError(t, err)
	assert.Zero(t, updated.IntervalMinutes)
	assert.True(t, base.Equal(*updated.NextRunAt))
}

func TestManagerUpdateRejectsFinished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, &Schedule{Name: "x", Mode: ModeOnce})
	require.NoError(t, f.store.SetStatus(ctx, s.ID, StatusCompleted, nil))

	_, err := f.manager.Update(ctx, s.ID, Patch{Name: strPtr("y")})
	assert.True(t, errors.IsInvalidTransition(err))

	_, err = f.manager.Update(ctx, "missing", Patch{})
	assert.True(t, errors.IsNotFound(err))
}

func TestManagerToggle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, &Schedule{Name: "x", Mode: ModeRecurring, IntervalMinutes: 60})

	paused, err := f.manager.Toggle(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)

	f.clock.Set(base.Add(3 * time.Hour))
	resumed, err := f.manager.Toggle(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, resumed.Status)
	assert.True(t, base.Add(4*time.Hour).Equal(*resumed.NextRunAt), "a missed run is pushed past now")

	once := f.create(t, &Schedule{Name: "y", Mode: ModeOnce})
	_, err = f.manager.Toggle(ctx, once.ID)
	assert.True(t, errors.IsInvalidTransition(err))
}

func TestManagerDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, &Schedule{Name: "x", Mode: ModeOnce})

	require.NoError(t, f.manager.Delete(ctx, s.ID))
	assert.True(t, errors.IsInvalidTransition(f.manager.Delete(ctx, s.ID)))
	assert.True(t, errors.IsNotFound(f.manager.Delete(ctx, "missing")))

	_, err := f.manager.Toggle(ctx, s.ID)
	assert.True(t, errors.IsInvalidTransition(err))
}

func TestManagerDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register("analyze", []string{"analysis"}, succeed(nil))
	s := f.create(t, &Schedule{AgentID: "agent-1", Name: "Triage", Mode: ModeRecurring, IntervalMinutes: 60,
		Steps: []Step{f.step("analyze", statusIs("New"))}})

	draft, err := f.manager.Duplicate(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "Triage"+CopySuffix, draft.Name)
	assert.Equal(t, StatusDraft, draft.Status)
	assert.Empty(t, draft.ID)

	all, err := f.manager.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1, "Duplicate does not save")

	saved, err := f.manager.DuplicateAndSave(ctx, s.ID)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, saved.ID)
	assert.Equal(t, StatusActive, saved.Status)
	assert.Equal(t, "agent-1", saved.AgentID)
	require.Len(t, saved.Steps, 1)
	assert.NotEqual(t, s.Steps[0].ID, saved.Steps[0].ID)

	require.NoError(t, f.manager.Delete(ctx, s.ID))
	_, err = f.manager.Duplicate(ctx, s.ID)
	assert.True(t, errors.IsInvalidTransition(err))
}
