package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/teranos/loom/am"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/pulse/action"
	"github.com/teranos/loom/pulse/query"
	"github.com/teranos/loom/record"
)

// PipelineConfig bounds how a step fans out over its records
type PipelineConfig struct {
	Workers          int           // concurrent action invocations per step
	ActionTimeout    time.Duration // upper bound for one invocation
	ActionsPerMinute int           // node-wide cap, 0 = unlimited
}

// DefaultPipelineConfig returns sensible defaults
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{Workers: 4, ActionTimeout: 2 * time.Minute}
}

// PipelineConfigFrom reads the pulse section of the configuration
func PipelineConfigFrom(p am.PulseConfig) PipelineConfig {
	return PipelineConfig{
		Workers:          p.RecordWorkers,
		ActionTimeout:    time.Duration(p.ActionTimeoutSeconds) * time.Second,
		ActionsPerMinute: p.ActionsPerMinute,
	}
}

func (c PipelineConfig) normalized() PipelineConfig {
	d := DefaultPipelineConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = d.ActionTimeout
	}
	if c.ActionsPerMinute < 0 {
		c.ActionsPerMinute = 0
	}
	return c
}

// Pipeline runs a schedule's steps in order. Within a step every matched
// record gets its own action invocation; one record failing never stops the
// others or the next step.
type Pipeline struct {
	models    record.ModelResolver
	records   record.Store
	actions   action.Executor
	resolver  action.Resolver
	evaluator *query.Evaluator
	log       *zap.SugaredLogger

	mu      sync.RWMutex
	cfg     PipelineConfig
	limiter *rate.Limiter
}

// NewPipeline creates a pipeline. actions and resolver are usually the same
// *action.Registry.
func NewPipeline(models record.ModelResolver, records record.Store, actions action.Executor, resolver action.Resolver, cfg PipelineConfig, log *zap.SugaredLogger) *Pipeline {
	p := &Pipeline{
		models:    models,
		records:   records,
		actions:   actions,
		resolver:  resolver,
		evaluator: query.NewEvaluator(records),
		log:       logger.AddPulseSymbol(log),
	}
	p.ApplyConfig(cfg)
	return p
}

// ApplyConfig swaps worker, timeout and rate settings. Steps already
// running keep the settings they started with.
func (p *Pipeline) ApplyConfig(cfg PipelineConfig) {
	cfg = cfg.normalized()
	var limiter *rate.Limiter
	if cfg.ActionsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.ActionsPerMinute)), 1)
	}
	p.mu.Lock()
	p.cfg = cfg
	p.limiter = limiter
	p.mu.Unlock()
}

// Config returns the settings in effect
func (p *Pipeline) Config() PipelineConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *Pipeline) settings() (PipelineConfig, *rate.Limiter) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg, p.limiter
}

type preparedStep struct {
	step  Step
	model *record.Model
	def   action.Definition
}

// Check resolves and checks every step the way a run would, without running
// anything. Any problem is a configuration error.
func (p *Pipeline) Check(ctx context.Context, steps []Step) error {
	_, err := p.prepare(ctx, steps)
	return err
}

// prepare resolves and checks every step before anything runs: the model
// exists, the action exists and targets that model, and every filter fits
// the model.
func (p *Pipeline) prepare(ctx context.Context, steps []Step) ([]preparedStep, error) {
	if len(steps) == 0 {
		return nil, errors.NewConfigurationError("schedule has no steps to run")
	}

	ordered := append([]Step(nil), steps...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	models := make(map[string]*record.Model)
	prepared := make([]preparedStep, 0, len(ordered))
	for _, st := range ordered {
		m, ok := models[st.ModelID]
		if !ok {
			var err error
			m, err = p.models.GetModel(ctx, st.ModelID)
			if errors.IsNotFound(err) {
				return nil, errors.NewConfigurationError("step %d: model %s does not exist", st.Order, st.ModelID)
			}
			if err != nil {
				return nil, errors.Wrapf(err, "step %d: failed to resolve model %s", st.Order, st.ModelID)
			}
			models[st.ModelID] = m
		}

		def, ok := p.resolver.Lookup(st.ActionID)
		if !ok {
			return nil, errors.NewConfigurationError("step %d: action %s does not exist", st.Order, st.ActionID)
		}
		if def.ModelName != m.Name {
			return nil, errors.NewConfigurationError("step %d: action %s works on %s records, not %s",
				st.Order, def.ID, def.ModelName, m.Name)
		}
		if err := st.Query.Validate(m); err != nil {
			return nil, errors.Wrapf(err, "step %d", st.Order)
		}
		prepared = append(prepared, preparedStep{step: st, model: m, def: def})
	}
	return prepared, nil
}

// Run prepares the steps, then runs them one after another. A configuration
// error returns before any record is touched. On cancellation it returns
// the results so far along with the context error.
func (p *Pipeline) Run(ctx context.Context, steps []Step) ([]StepResult, error) {
	prepared, err := p.prepare(ctx, steps)
	if err != nil {
		return nil, err
	}

	results := make([]StepResult, 0, len(prepared))
	for _, ps := range prepared {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := p.runStep(ctx, ps)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (p *Pipeline) runStep(ctx context.Context, ps preparedStep) (StepResult, error) {
	res := StepResult{
		StepOrder: ps.step.Order,
		StepID:    ps.step.ID,
		ActionID:  ps.def.ID,
		Errors:    []RecordError{},
	}

	// snapshot taken here, so writes by earlier steps are visible
	recs, err := p.evaluator.Select(ctx, ps.model.ID, ps.step.Query)
	if err != nil {
		return res, errors.Wrapf(err, "step %d: failed to select records", ps.step.Order)
	}
	res.MatchedRecordCount = len(recs)

	cfg, limiter := p.settings()
	log := p.log.With(logger.FieldStepOrder, ps.step.Order, logger.FieldActionID, ps.def.ID)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(cfg.Workers)

	dispatched := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		rec := rec
		dispatched++
		g.Go(func() error {
			skip := ctx.Err() != nil
			if !skip && limiter != nil {
				skip = limiter.Wait(ctx) != nil
			}
			if skip {
				mu.Lock()
				res.Skipped++
				mu.Unlock()
				return nil
			}
			recErr := p.invoke(ctx, ps, rec, cfg.ActionTimeout)

			mu.Lock()
			defer mu.Unlock()
			if recErr != nil {
				res.Failed++
				res.Errors = append(res.Errors, *recErr)
				log.Warnw("Record action failed",
					logger.FieldRecordID, rec.ID,
					"kind", recErr.Kind,
					logger.FieldError, recErr.Message)
				return nil
			}
			res.Succeeded++
			return nil
		})
	}
	_ = g.Wait()
	res.Skipped += len(recs) - dispatched

	sort.Slice(res.Errors, func(i, j int) bool { return res.Errors[i].RecordID < res.Errors[j].RecordID })

	log.Infow("Step finished",
		"matched", res.MatchedRecordCount,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"skipped", res.Skipped)

	if res.Skipped > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}
	return res, nil
}

type invocation struct {
	out action.Outputs
	err error
}

// invoke runs one action and writes its outputs back. In-flight invocations
// outlive cancellation of ctx and are bounded by timeout instead.
func (p *Pipeline) invoke(ctx context.Context, ps preparedStep, rec record.Record, timeout time.Duration) *RecordError {
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invocation{err: errors.Newf("action panicked: %v", r)}
			}
		}()
		out, err := p.actions.Execute(ictx, ps.def.ID, rec)
		done <- invocation{out: out, err: err}
	}()

	var inv invocation
	select {
	case inv = <-done:
	case <-ictx.Done():
		return &RecordError{RecordID: rec.ID, Kind: RecordErrorTimeout,
			Message: fmt.Sprintf("action %s timed out after %s", ps.def.ID, timeout)}
	}

	if inv.err != nil {
		if errors.Is(inv.err, context.DeadlineExceeded) {
			return &RecordError{RecordID: rec.ID, Kind: RecordErrorTimeout, Message: inv.err.Error()}
		}
		return &RecordError{RecordID: rec.ID, Kind: RecordErrorAction, Message: errors.AsRecordActionError(inv.err).Error()}
	}

	for name := range inv.out {
		if !ps.def.Declares(name) {
			return &RecordError{RecordID: rec.ID, Kind: RecordErrorMalformed,
				Message: fmt.Sprintf("action %s returned undeclared output %q", ps.def.ID, name)}
		}
	}
	if len(inv.out) == 0 {
		return nil
	}

	if _, err := p.records.UpdateRecord(ictx, rec.ID, map[string]interface{}(inv.out)); err != nil {
		return &RecordError{RecordID: rec.ID, Kind: RecordErrorUpdate, Message: err.Error()}
	}
	return nil
}
