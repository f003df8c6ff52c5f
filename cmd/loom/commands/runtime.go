package commands

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/loom/am"
	"github.com/teranos/loom/db"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/pulse/action"
	"github.com/teranos/loom/pulse/schedule"
	"github.com/teranos/loom/record"
)

// resolveDatabasePath falls back to database.path from am, then loom.db
func resolveDatabasePath(dbPath string) (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	path, err := am.GetDatabasePath()
	if err != nil {
		return "", errors.Wrap(err, "failed to get database path")
	}
	if path == "" {
		path = "loom.db"
	}
	return path, nil
}

// openDatabase opens and migrates the database at dbPath
func openDatabase(dbPath string) (*sql.DB, error) {
	dbPath, err := resolveDatabasePath(dbPath)
	if err != nil {
		return nil, err
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}

// services is everything a long-running command wires together
type services struct {
	cfg        *am.Config
	db         *sql.DB
	records    *record.SQLiteStore
	actions    *action.Registry
	pipeline   *schedule.Pipeline
	store      *schedule.Store
	executions *schedule.ExecutionStore
	manager    *schedule.Manager
	ticker     *schedule.Ticker
	log        *zap.SugaredLogger
}

// buildServices loads configuration, opens the database and builds the
// scheduler. broadcaster may be nil.
func buildServices(ctx context.Context, dbPath string, broadcaster schedule.ExecutionBroadcaster) (*services, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	database, err := openDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	actions, err := action.FromConfig(cfg.Actions, actionTimeout(cfg))
	if err != nil {
		database.Close()
		return nil, errors.Wrap(err, "failed to build actions")
	}

	log := logger.Logger
	records := record.NewSQLiteStore(database)
	pipeline := schedule.NewPipeline(records, records, actions, actions, schedule.PipelineConfigFrom(cfg.Pulse), log)
	store := schedule.NewStore(database)
	executions := schedule.NewExecutionStore(database)

	return &services{
		cfg:        cfg,
		db:         database,
		records:    records,
		actions:    actions,
		pipeline:   pipeline,
		store:      store,
		executions: executions,
		manager:    schedule.NewManager(store, pipeline, log),
		ticker:     schedule.NewTickerWithContext(ctx, store, executions, pipeline, broadcaster, schedule.TickerConfigFrom(cfg.Pulse), log),
		log:        log,
	}, nil
}

func actionTimeout(cfg *am.Config) time.Duration {
	return time.Duration(cfg.Pulse.ActionTimeoutSeconds) * time.Second
}

// Close stops the ticker and closes the database
func (s *services) Close() {
	s.ticker.Stop()
	s.db.Close()
}

// applyConfig pushes a reloaded configuration into the running scheduler.
// A broken action list keeps the previous actions.
func (s *services) applyConfig(cfg *am.Config) error {
	s.pipeline.ApplyConfig(schedule.PipelineConfigFrom(cfg.Pulse))
	s.ticker.ApplyConfig(schedule.TickerConfigFrom(cfg.Pulse))

	actions, err := action.FromConfig(cfg.Actions, actionTimeout(cfg))
	if err != nil {
		return errors.Wrap(err, "keeping previous actions")
	}
	s.actions.Replace(actions)
	s.cfg = cfg

	logger.AddAMSymbol(s.log).Infow("Configuration reloaded",
		"ticker_interval_seconds", cfg.Pulse.TickerIntervalSeconds,
		"record_workers", cfg.Pulse.RecordWorkers,
		"actions", len(actions.Names()))
	return nil
}

// watchConfig hot-reloads the active config file. Returns a stop function;
// without a config file on disk there is nothing to watch.
func (s *services) watchConfig() func() {
	path := am.ActiveConfigPath()
	if path == "" {
		return func() {}
	}
	watcher, err := am.NewConfigWatcher(path)
	if err != nil {
		s.log.Warnw("Config hot reload disabled", "path", path, logger.FieldError, err)
		return func() {}
	}
	watcher.OnReload(s.applyConfig)
	watcher.Start()
	am.SetGlobalWatcher(watcher)
	logger.AddAMSymbol(s.log).Infow("Watching configuration", "path", path)

	return func() {
		if err := watcher.Stop(); err != nil {
			s.log.Warnw("Failed to stop config watcher", logger.FieldError, err)
		}
	}
}
