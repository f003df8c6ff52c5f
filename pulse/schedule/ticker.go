package schedule

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/loom/am"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
)

// ExecutionBroadcaster receives execution lifecycle events.
// Defined here so the schedule package does not depend on the server.
type ExecutionBroadcaster interface {
	BroadcastExecutionStarted(exec *Execution)
	BroadcastExecutionFinished(exec *Execution)
}

// TickerConfig contains configuration for the dispatcher
type TickerConfig struct {
	Interval time.Duration // how often Tick runs; 0 disables the loop
	Lease    time.Duration // how long a claim holds before others may take over
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{Interval: time.Minute, Lease: 15 * time.Minute}
}

// TickerConfigFrom reads the pulse section of the configuration
func TickerConfigFrom(p am.PulseConfig) TickerConfig {
	return TickerConfig{
		Interval: time.Duration(p.TickerIntervalSeconds) * time.Second,
		Lease:    time.Duration(p.LeaseSeconds) * time.Second,
	}
}

// Stats is a snapshot of dispatcher activity
type Stats struct {
	Running           bool          `json:"running"`
	Interval          string        `json:"interval"`
	LastTickAt        *time.Time    `json:"lastTickAt,omitempty"`
	TicksSinceStart   int64         `json:"ticksSinceStart"`
	InFlight          int           `json:"inFlight"`
	ExecutionsStarted int64         `json:"executionsStarted"`
	ExecutionsFailed  int64         `json:"executionsFailed"`
	NextScheduleID    string        `json:"nextScheduleId,omitempty"`
	NextRunAt         *time.Time    `json:"nextRunAt,omitempty"`
	System            SystemMetrics `json:"system"`
}

// Ticker finds due schedules and runs them. Tick and RunNow share one claim
// path, so a schedule never runs twice at the same time, whether the second
// trigger comes from this process or another one on the same database.
type Ticker struct {
	store       *Store
	executions  *ExecutionStore
	pipeline    *Pipeline
	broadcaster ExecutionBroadcaster
	owner       string
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	reset  chan time.Duration

	logger   *zap.SugaredLogger
	pulseLog *zap.SugaredLogger

	mu                sync.Mutex
	cfg               TickerConfig
	started           bool
	inFlight          map[string]struct{}
	lastTickAt        time.Time
	ticksSinceStart   int64
	executionsStarted int64
	executionsFailed  int64
}

// NewTicker creates a dispatcher. broadcaster may be nil.
func NewTicker(store *Store, executions *ExecutionStore, pipeline *Pipeline, broadcaster ExecutionBroadcaster, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	return NewTickerWithContext(context.Background(), store, executions, pipeline, broadcaster, cfg, log)
}

// NewTickerWithContext creates a dispatcher whose loop and runs stop with ctx
func NewTickerWithContext(ctx context.Context, store *Store, executions *ExecutionStore, pipeline *Pipeline, broadcaster ExecutionBroadcaster, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	tickerCtx, cancel := context.WithCancel(ctx)
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultTickerConfig().Lease
	}
	return &Ticker{
		store:       store,
		executions:  executions,
		pipeline:    pipeline,
		broadcaster: broadcaster,
		owner:       leaseOwner(),
		now:         time.Now,
		ctx:         tickerCtx,
		cancel:      cancel,
		reset:       make(chan time.Duration, 1),
		logger:      log,
		pulseLog:    logger.AddPulseSymbol(log),
		cfg:         cfg,
		inFlight:    make(map[string]struct{}),
	}
}

func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "loom"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Start begins the tick loop. Executions left running by a previous process
// whose lease has long expired are marked cancelled first.
func (t *Ticker) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	cfg := t.cfg
	t.mu.Unlock()

	now := t.now()
	if n, err := t.executions.AbandonStale(t.ctx, now.Add(-cfg.Lease), now); err != nil {
		t.pulseLog.Warnw("Failed to clean up stale executions", logger.FieldError, err)
	} else if n > 0 {
		t.pulseLog.Infow("Marked stale executions cancelled", logger.FieldCount, n)
	}

	t.wg.Add(1)
	go t.run(cfg.Interval)
	if cfg.Interval > 0 {
		t.pulseLog.Infow("Pulse ticker started", "interval", cfg.Interval, "owner", t.owner)
	} else {
		t.pulseLog.Infow("Pulse ticker idle, schedules only run on demand", "owner", t.owner)
	}
}

// Stop cancels the loop and in-flight runs, then waits for them
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Pulse ticker stopped")
}

// ApplyConfig changes interval and lease on a running ticker
func (t *Ticker) ApplyConfig(cfg TickerConfig) {
	t.mu.Lock()
	if cfg.Lease <= 0 {
		cfg.Lease = t.cfg.Lease
	}
	changed := cfg.Interval != t.cfg.Interval
	t.cfg = cfg
	t.mu.Unlock()

	if changed {
		select {
		case t.reset <- cfg.Interval:
		default:
			// a pending reset will read the latest config anyway
		}
		t.pulseLog.Infow("Pulse ticker interval changed", "interval", cfg.Interval)
	}
}

func (t *Ticker) run(interval time.Duration) {
	defer t.wg.Done()

	var ticker *time.Ticker
	var tickC <-chan time.Time
	arm := func(d time.Duration) {
		if ticker != nil {
			ticker.Stop()
			ticker, tickC = nil, nil
		}
		if d > 0 {
			ticker = time.NewTicker(d)
			tickC = ticker.C
		}
	}
	arm(interval)
	defer arm(0)

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.reset:
			t.mu.Lock()
			d := t.cfg.Interval
			t.mu.Unlock()
			arm(d)
		case tickTime := <-tickC:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.ticksSinceStart++
			ticks := t.ticksSinceStart
			t.mu.Unlock()

			if err := t.Tick(t.ctx, tickTime); err != nil && t.ctx.Err() == nil {
				t.pulseLog.Warnw("Pulse tick error", logger.FieldError, err, "tick", ticks)
			}
		}
	}
}

// Tick runs every active schedule due at now. Each schedule is isolated:
// failures are logged and the next schedule still runs. Only a failure to
// list due schedules is returned.
func (t *Ticker) Tick(ctx context.Context, now time.Time) error {
	due, err := t.store.ListDue(ctx, now)
	if err != nil {
		return errors.Wrap(err, "failed to list due schedules")
	}
	if len(due) == 0 {
		return nil
	}
	t.pulseLog.Debugw("Due schedules", logger.FieldCount, len(due))

	for _, s := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		exec, err := t.execute(ctx, s, TriggerTick, now, s.NextRunAt)
		switch {
		case errors.IsConflict(err), errors.IsInvalidTransition(err):
			t.pulseLog.Debugw("Schedule picked up elsewhere", logger.FieldScheduleID, s.ID)
		case err != nil:
			t.pulseLog.Errorw("Scheduled run failed",
				logger.FieldScheduleID, s.ID,
				logger.FieldError, err)
		case exec.Status == ExecutionStatusFailed:
			t.pulseLog.Warnw("Scheduled run aborted",
				logger.FieldScheduleID, s.ID,
				logger.FieldExecutionID, exec.ID,
				logger.FieldError, exec.Error)
		}
	}
	return nil
}

// RunNow runs a schedule immediately regardless of due time or mode and
// returns its execution. A fatal pipeline failure is reported in the
// execution, not as an error. Cancelling ctx stops dispatching new records.
func (t *Ticker) RunNow(ctx context.Context, id string) (*Execution, error) {
	s, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.Runnable() {
		return nil, errors.NewInvalidTransitionError("cannot run a %s schedule", s.Status)
	}
	return t.execute(ctx, s, TriggerManual, t.now().UTC(), nil)
}

func (t *Ticker) lock(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.inFlight[id]; busy {
		return false
	}
	t.inFlight[id] = struct{}{}
	return true
}

func (t *Ticker) unlock(id string) {
	t.mu.Lock()
	delete(t.inFlight, id)
	t.mu.Unlock()
}

// execute claims s, runs its pipeline and records the outcome
func (t *Ticker) execute(ctx context.Context, s *Schedule, trigger Trigger, runTime time.Time, expectNext *time.Time) (*Execution, error) {
	if !t.lock(s.ID) {
		return nil, errors.NewConcurrencyConflict(s.ID)
	}
	defer t.unlock(s.ID)

	t.mu.Lock()
	lease := t.cfg.Lease
	t.mu.Unlock()

	claimNow := t.now().UTC()
	ok, err := t.store.Claim(ctx, s.ID, t.owner, claimNow, claimNow.Add(lease), expectNext)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, t.claimFailure(ctx, s.ID)
	}

	// the row may have changed between listing and claiming
	if fresh, err := t.store.Get(ctx, s.ID); err == nil {
		s = fresh
	}

	// bookkeeping must land even if the run itself was cancelled
	persistCtx := context.WithoutCancel(ctx)
	log := t.pulseLog.With(logger.FieldScheduleID, s.ID, logger.FieldTrigger, trigger)

	exec := &Execution{ScheduleID: s.ID, Trigger: trigger, StartedAt: t.now().UTC()}
	if err := t.executions.Create(persistCtx, exec); err != nil {
		_ = t.store.Release(persistCtx, s.ID, t.owner)
		return nil, err
	}
	t.mu.Lock()
	t.executionsStarted++
	t.mu.Unlock()

	log = log.With(logger.FieldExecutionID, exec.ID)
	log.Infow("Schedule run started", "name", s.Name, "steps", len(s.Steps))
	if t.broadcaster != nil {
		t.broadcaster.BroadcastExecutionStarted(exec)
	}

	results, runErr := t.pipeline.Run(ctx, s.Steps)

	finished := t.now().UTC()
	duration := finished.Sub(exec.StartedAt).Milliseconds()
	exec.FinishedAt = &finished
	exec.DurationMs = &duration
	exec.StepResults = results
	switch {
	case runErr == nil:
		exec.Status = ExecutionStatusCompleted
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		exec.Status = ExecutionStatusCancelled
		exec.Error = "run cancelled before every record was dispatched"
	default:
		exec.Status = ExecutionStatusFailed
		exec.Error = runErr.Error()
		t.mu.Lock()
		t.executionsFailed++
		t.mu.Unlock()
	}

	outcome := s.Outcome(runTime, runErr == nil)
	if err := t.store.FinishRun(persistCtx, s.ID, t.owner, runTime, exec.ID, outcome); err != nil {
		log.Errorw("Failed to record run on schedule", logger.FieldError, err)
	}
	if err := t.executions.Finish(persistCtx, exec); err != nil {
		log.Errorw("Failed to finish execution record", logger.FieldError, err)
	}
	if t.broadcaster != nil {
		t.broadcaster.BroadcastExecutionFinished(exec)
	}

	matched, succeeded, failed, skipped := exec.Totals()
	fields := []interface{}{
		logger.FieldStatus, exec.Status,
		logger.FieldDurationMS, duration,
		"matched", matched,
		"succeeded", succeeded,
		"failed", failed,
		"skipped", skipped,
		"next_run_at", outcome.NextRunAt,
	}
	if runErr != nil {
		log.Warnw("Schedule run ended early", append(fields, logger.FieldError, runErr)...)
	} else {
		log.Infow("Schedule run finished", fields...)
	}
	return exec, nil
}

// claimFailure explains why a claim was refused
func (t *Ticker) claimFailure(ctx context.Context, id string) error {
	s, err := t.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !s.Runnable() {
		return errors.NewInvalidTransitionError("cannot run a %s schedule", s.Status)
	}
	return errors.NewConcurrencyConflict(id)
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats(ctx context.Context) Stats {
	t.mu.Lock()
	st := Stats{
		Running:           t.started && t.ctx.Err() == nil,
		Interval:          t.cfg.Interval.String(),
		TicksSinceStart:   t.ticksSinceStart,
		InFlight:          len(t.inFlight),
		ExecutionsStarted: t.executionsStarted,
		ExecutionsFailed:  t.executionsFailed,
	}
	if !t.lastTickAt.IsZero() {
		last := t.lastTickAt
		st.LastTickAt = &last
	}
	t.mu.Unlock()

	if next, err := t.store.NextDue(ctx); err != nil {
		t.pulseLog.Warnw("Failed to get next scheduled run", logger.FieldError, err)
	} else if next != nil {
		st.NextScheduleID = next.ID
		st.NextRunAt = next.NextRunAt
	}
	st.System = readSystemMetrics()
	return st
}
