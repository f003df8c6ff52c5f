package schedule

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	loomtest "github.com/teranos/loom/internal/testing"
	"github.com/teranos/loom/pulse/action"
	"github.com/teranos/loom/pulse/query"
	"github.com/teranos/loom/record"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// fakeClock is a settable clock shared by manager and ticker
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fixture struct {
	db       *sql.DB
	records  *record.SQLiteStore
	actions  *action.Registry
	pipeline *Pipeline
	store    *Store
	execs    *ExecutionStore
	ticker   *Ticker
	manager  *Manager
	clock    *fakeClock
	tickets  *record.Model
	events   *recordingBroadcaster
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	conn := loomtest.CreateTestDB(t)
	log := zap.NewNop().Sugar()

	recs := record.NewSQLiteStore(conn)
	tickets := &record.Model{Name: "SupportTicket", Fields: []record.FieldDefinition{
		{Name: "subject", Type: record.FieldText},
		{Name: "status", Type: record.FieldSelect, Options: []string{"New", "Open", "Resolved"}},
		{Name: "analysis", Type: record.FieldTextarea},
		{Name: "content", Type: record.FieldTextarea},
		{Name: "published", Type: record.FieldBoolean},
	}}
	require.NoError(t, recs.CreateModel(ctx, tickets))

	reg := action.NewRegistry()
	pipeline := NewPipeline(recs, recs, reg, reg, PipelineConfig{Workers: 4, ActionTimeout: 2 * time.Second}, log)
	store := NewStore(conn)
	execs := NewExecutionStore(conn)
	events := &recordingBroadcaster{}
	clock := &fakeClock{t: base}

	ticker := NewTicker(store, execs, pipeline, events, TickerConfig{Lease: 15 * time.Minute}, log)
	ticker.now = clock.Now
	t.Cleanup(ticker.Stop)

	manager := NewManager(store, pipeline, log)
	manager.now = clock.Now
	store.now = clock.Now

	return &fixture{
		db: conn, records: recs, actions: reg, pipeline: pipeline, store: store,
		execs: execs, ticker: ticker, manager: manager, clock: clock, tickets: tickets, events: events,
	}
}

func (f *fixture) addTicket(t *testing.T, fields map[string]interface{}) *record.Record {
	t.Helper()
	rec, err := f.records.CreateRecord(context.Background(), f.tickets.ID, fields)
	require.NoError(t, err)
	return rec
}

// register adds an action on SupportTicket records and returns its call counter
func (f *fixture) register(id string, outputs []string, fn func(ctx context.Context, rec record.Record) (action.Outputs, error)) *atomic.Int64 {
	calls := &atomic.Int64{}
	f.actions.Register(action.HandlerFunc{
		Def: action.Definition{ID: id, Name: id, ModelName: f.tickets.Name, OutputFields: outputs},
		Fn: func(ctx context.Context, rec record.Record) (action.Outputs, error) {
			calls.Add(1)
			return fn(ctx, rec)
		},
	})
	return calls
}

func (f *fixture) step(actionID string, q query.Query) Step {
	return Step{ModelID: f.tickets.ID, ActionID: actionID, Query: q}
}

func statusIs(v string) query.Query {
	return query.NewStructured(query.And, query.Filter{Field: "status", Operator: query.Equals, Value: v})
}

func (f *fixture) create(t *testing.T, s *Schedule) *Schedule {
	t.Helper()
	saved, err := f.manager.Create(context.Background(), s)
	require.NoError(t, err)
	return saved
}

type recordingBroadcaster struct {
	mu       sync.Mutex
	started  []string
	finished []string
}

func (b *recordingBroadcaster) BroadcastExecutionStarted(exec *Execution) {
	b.mu.Lock()
	b.started = append(b.started, exec.ID)
	b.mu.Unlock()
}

func (b *recordingBroadcaster) BroadcastExecutionFinished(exec *Execution) {
	b.mu.Lock()
	b.finished = append(b.finished, exec.Status)
	b.mu.Unlock()
}

func (b *recordingBroadcaster) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.started), len(b.finished)
}
