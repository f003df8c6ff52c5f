package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/pulse/action"
	"github.com/teranos/loom/pulse/query"
	"github.com/teranos/loom/record"
)

func (f *fixture) reload(t *testing.T, rec *record.Record) *record.Record {
	t.Helper()
	got, err := f.records.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	return got
}

func succeed(outputs action.Outputs) func(context.Context, record.Record) (action.Outputs, error) {
	return func(context.Context, record.Record) (action.Outputs, error) { return outputs, nil }
}

func TestPipelineUpdatesMatchedRecordsOnly(t *testing.T) {
	f := newFixture(t)
	var fresh, resolved []*record.Record
	for i := 0; i < 3; i++ {
		fresh = append(fresh, f.addTicket(t, map[string]interface{}{"subject": "printer", "status": "New"}))
	}
	for i := 0; i < 2; i++ {
		resolved = append(resolved, f.addTicket(t, map[string]interface{}{"subject": "done", "status": "Resolved"}))
	}
	calls := f.register("analyze", []string{"analysis"}, succeed(action.Outputs{"analysis": "triaged"}))

	results, err := f.pipeline.Run(context.Background(), []Step{f.step("analyze", statusIs("New"))})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, 3, results[0].MatchedRecordCount)
	assert.Equal(t, 3, results[0].Succeeded)
	assert.Zero(t, results[0].Failed)
	assert.Empty(t, results[0].Errors)

	for _, rec := range fresh {
		assert.Equal(t, "triaged", f.reload(t, rec).Get("analysis").String())
	}
	for _, rec := range resolved {
		assert.True(t, f.reload(t, rec).Get("analysis").IsNull())
	}
}

func TestPipelineLaterStepSeesEarlierWrites(t *testing.T) {
	f := newFixture(t)
	a := f.addTicket(t, map[string]interface{}{"subject": "a", "status": "New"})
	b := f.addTicket(t, map[string]interface{}{"subject": "b", "status": "Open"})

	f.register("draft", []string{"content"}, succeed(action.Outputs{"content": "Drafted reply"}))
	publishCalls := f.register("publish", []string{"published"}, succeed(action.Outputs{"published": true}))

	hasContent := query.NewStructured(query.And, query.Filter{Field: "content", Operator: query.IsNotEmpty})
	draft := f.step("draft", statusIs("New"))
	publish := f.step("publish", hasContent)
	publish.Order = 1

	results, err := f.pipeline.Run(context.Background(), []Step{publish, draft})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "draft", results[0].ActionID, "steps run in order")
	assert.Equal(t, 1, results[1].MatchedRecordCount)
	assert.Equal(t, int64(1), publishCalls.Load())

	assert.True(t, f.reload(t, a).Get("published").Truth())
	assert.True(t, f.reload(t, b).Get("published").IsNull())
}

func TestPipelineFreeTextStep(t *testing.T) {
	f := newFixture(t)
	hit := f.addTicket(t, map[string]interface{}{"subject": "Printer on fire", "status": "New"})
	f.addTicket(t, map[string]interface{}{"subject": "Password reset", "status": "New"})
	f.register("analyze", []string{"analysis"}, succeed(action.Outputs{"analysis": "hot"}))

	results, err := f.pipeline.Run(context.Background(), []Step{f.step("analyze", query.NewFreeText(`"on fire"`))})
	require.NoError(t, err)
	assert.Equal(t, 1, results[0].MatchedRecordCount)
	assert.Equal(t, "hot", f.reload(t, hit).Get("analysis").String())
}

func TestPipelineUnknownOperatorFailsBeforeAnyWork(t *testing.T) {
	f := newFixture(t)
	rec := f.addTicket(t, map[string]interface{}{"subject": "a", "status": "New"})
	first := f.register("analyze", []string{"analysis"}, succeed(action.Outputs{"analysis": "x"}))
	second := f.register("draft", []string{"content"}, succeed(action.Outputs{"content": "x"}))

	fuzzy := query.NewStructured(query.And, query.Filter{Field: "subject", Operator: "fuzzy_match", Value: "prnter"})
	ok := f.step("analyze", statusIs("New"))
	bad := f.step("draft", fuzzy)
	bad.Order = 1

	results, err := f.pipeline.Run(context.Background(), []Step{ok, bad})
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
	assert.Contains(t, err.Error(), "fuzzy_match")
	assert.Nil(t, results)
	assert.Zero(t, first.Load(), "no step runs when a later one is broken")
	assert.Zero(t, second.Load())
	assert.True(t, f.reload(t, rec).Get("analysis").IsNull())
}

func TestPipelineConfigurationErrors(t *testing.T) {
	f := newFixture(t)
	f.register("analyze", []string{"analysis"}, succeed(nil))
	f.actions.Register(action.HandlerFunc{
		Def: action.Definition{ID: "bill", ModelName: "Invoice", OutputFields: []string{"total"}},
		Fn:  func(context.Context, record.Record) (action.Outputs, error) { return nil, nil },
	})

	tests := []struct {
		name  string
		steps []Step
	}{
		{"no steps", nil},
		{"unknown model", []Step{{ModelID: "nope", ActionID: "analyze"}}},
		{"unknown action", []Step{f.step("nope", query.MatchAll())}},
		{"action for another model", []Step{f.step("bill", query.MatchAll())}},
		{"unknown field", []Step{f.step("analyze", query.NewStructured(query.And,
			query.Filter{Field: "priority", Operator: query.Equals, Value: "high"}))}},
		{"ordering on text", []Step{f.step("analyze", query.NewStructured(query.And,
			query.Filter{Field: "subject", Operator: query.GreaterThan, Value: "abc"}))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.pipeline.Check(context.Background(), tt.steps)
			require.Error(t, err)
			assert.True(t, errors.IsConfiguration(err), "got %v", err)
		})
	}
}

func TestPipelineIsolatesRecordFailures(t *testing.T) {
	f := newFixture(t)
	good1 := f.addTicket(t, map[string]interface{}{"subject": "fine", "status": "New"})
	bad := f.addTicket(t, map[string]interface{}{"subject": "boom", "status": "New"})
	good2 := f.addTicket(t, map[string]interface{}{"subject": "fine", "status": "New"})

	f.register("analyze", []string{"analysis"}, func(_ context.Context, rec record.Record) (action.Outputs, error) {
		if rec.Get("subject").String() == "boom" {
			return nil, errors.New("model overloaded")
		}
		return action.Outputs{"analysis": "ok"}, nil
	})
	nextCalls := f.register("draft", []string{"content"}, succeed(action.Outputs{"content": "reply"}))
	next := f.step("draft", statusIs("New"))
	next.Order = 1

	results, err := f.pipeline.Run(context.Background(), []Step{f.step("analyze", statusIs("New")), next})
	require.NoError(t, err)
	require.Len(t, results, 2)

	first := results[0]
	assert.Equal(t, 3, first.MatchedRecordCount)
	assert.Equal(t, 2, first.Succeeded)
	assert.Equal(t, 1, first.Failed)
	require.Len(t, first.Errors, 1)
	assert.Equal(t, bad.ID, first.Errors[0].RecordID)
	assert.Equal(t, RecordErrorAction, first.Errors[0].Kind)
	assert.Contains(t, first.Errors[0].Message, "model overloaded")

	assert.Equal(t, int64(3), nextCalls.Load(), "the next step still runs")
	assert.Equal(t, 3, results[1].Succeeded)

	assert.Equal(t, "ok", f.reload(t, good1).Get("analysis").String())
	assert.Equal(t, "ok", f.reload(t, good2).Get("analysis").String())
	assert.True(t, f.reload(t, bad).Get("analysis").IsNull())
}

func TestPipelineRecordErrorKinds(t *testing.T) {
	tests := []struct {
		name    string
		outputs []string
		fn      func(context.Context, record.Record) (action.Outputs, error)
		kind    string
	}{
		{"undeclared output", []string{"analysis"}, succeed(action.Outputs{"analysis": "x", "secret": "y"}), RecordErrorMalformed},
		{"rejected by model", []string{"status"}, succeed(action.Outputs{"status": "Escalated"}), RecordErrorUpdate},
		{"panic", []string{"analysis"}, func(context.Context, record.Record) (action.Outputs, error) {
			panic("nil map")
		}, RecordErrorAction},
		{"timeout", []string{"analysis"}, func(ctx context.Context, _ record.Record) (action.Outputs, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, RecordErrorTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.pipeline.ApplyConfig(PipelineConfig{Workers: 2, ActionTimeout: 50 * time.Millisecond})
			rec := f.addTicket(t, map[string]interface{}{"subject": "a", "status": "New"})
			f.register("act", tt.outputs, tt.fn)

			results, err := f.pipeline.Run(context.Background(), []Step{f.step("act", query.MatchAll())})
			require.NoError(t, err)
			require.Len(t, results[0].Errors, 1)
			assert.Equal(t, tt.kind, results[0].Errors[0].Kind)
			assert.Equal(t, rec.ID, results[0].Errors[0].RecordID)

			after := f.reload(t, rec)
			assert.Equal(t, "New", after.Get("status").String(), "a failed record is left untouched")
			assert.True(t, after.Get("analysis").IsNull())
		})
	}
}

func TestPipelineEmptyOutputsSucceedWithoutWrite(t *testing.T) {
	f := newFixture(t)
	rec := f.reload(t, f.addTicket(t, map[string]interface{}{"subject": "a", "status": "New"}))
	f.register("noop", []string{"analysis"}, succeed(action.Outputs{}))

	results, err := f.pipeline.Run(context.Background(), []Step{f.step("noop", query.MatchAll())})
	require.NoError(t, err)
	assert.Equal(t, 1, results[0].Succeeded)
	assert.True(t, rec.UpdatedAt.Equal(f.reload(t, rec).UpdatedAt))
}

func TestPipelineCancellationSkipsUndispatchedRecords(t *testing.T) {
	f := newFixture(t)
	f.pipeline.ApplyConfig(PipelineConfig{Workers: 1, ActionTimeout: time.Second})
	for i := 0; i < 4; i++ {
		f.addTicket(t, map[string]interface{}{"subject": "a", "status": "New"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once atomic.Bool
	calls := f.register("analyze", []string{"analysis"}, func(ictx context.Context, _ record.Record) (action.Outputs, error) {
		if once.CompareAndSwap(false, true) {
			cancel()
		}
		// in-flight work is not cut short by the run being cancelled
		if ictx.Err() != nil {
			return nil, ictx.Err()
		}
		return action.Outputs{"analysis": "done"}, nil
	})
	nextCalls := f.register("draft", []string{"content"}, succeed(nil))
	next := f.step("draft", query.MatchAll())
	next.Order = 1

	results, err := f.pipeline.Run(ctx, []Step{f.step("analyze", query.MatchAll()), next})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, 1, results[0].Succeeded)
	assert.Equal(t, 3, results[0].Skipped)
	assert.Equal(t, 4, results[0].MatchedRecordCount)
	assert.Zero(t, nextCalls.Load())
}

func TestPipelineApplyConfig(t *testing.T) {
	f := newFixture(t)
	f.pipeline.ApplyConfig(PipelineConfig{Workers: -1, ActionsPerMinute: 600})
	cfg := f.pipeline.Config()
	assert.Equal(t, DefaultPipelineConfig().Workers, cfg.Workers)
	assert.Equal(t, DefaultPipelineConfig().ActionTimeout, cfg.ActionTimeout)
	assert.Equal(t, 600, cfg.ActionsPerMinute)
}
