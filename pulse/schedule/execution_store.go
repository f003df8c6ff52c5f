package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/loom/db"
	"github.com/teranos/loom/errors"
)

// ExecutionStore keeps the append-only run log
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(conn *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: conn}
}

const executionColumns = `id, schedule_id, trigger_kind, status, started_at,
	finished_at, duration_ms, step_results, error_message`

// Create inserts a running execution. A blank ID gets a new UUID.
func (s *ExecutionStore) Create(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	exec.Status = ExecutionStatusRunning
	if exec.StepResults == nil {
		exec.StepResults = []StepResult{}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_executions (id, schedule_id, trigger_kind, status, started_at, step_results)
		VALUES (?, ?, ?, ?, ?, '[]')`,
		exec.ID, exec.ScheduleID, string(exec.Trigger), exec.Status, db.FormatTime(exec.StartedAt))
	if err != nil {
		return errors.Wrapf(err, "failed to create execution for schedule %s", exec.ScheduleID)
	}
	return nil
}

// Finish writes the final status and results. Only a running execution can
// be finished, so a finished entry is never rewritten.
func (s *ExecutionStore) Finish(ctx context.Context, exec *Execution) error {
	if exec.Status == ExecutionStatusRunning || exec.Status == "" {
		return errors.Newf("execution %s must finish with a final status", exec.ID)
	}
	if exec.FinishedAt == nil {
		return errors.Newf("execution %s has no finish time", exec.ID)
	}
	results := exec.StepResults
	if results == nil {
		results = []StepResult{}
	}
	data, err := json.Marshal(results)
	if err != nil {
		return errors.Wrap(err, "failed to encode step results")
	}

	var errMsg sql.NullString
	if exec.Error != "" {
		errMsg = sql.NullString{String: exec.Error, Valid: true}
	}
	var duration sql.NullInt64
	if exec.DurationMs != nil {
		duration = sql.NullInt64{Int64: *exec.DurationMs, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule_executions
		SET status = ?, finished_at = ?, duration_ms = ?, step_results = ?, error_message = ?
		WHERE id = ? AND status = ?`,
		exec.Status, db.FormatTime(*exec.FinishedAt), duration, string(data), errMsg,
		exec.ID, ExecutionStatusRunning)
	if err != nil {
		return errors.Wrapf(err, "failed to finish execution %s", exec.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n == 0 {
		return errors.NewInvalidTransitionError("execution %s is not running", exec.ID)
	}
	return nil
}

// Get retrieves an execution by ID
func (s *ExecutionStore) Get(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM schedule_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("execution %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get execution %s", id)
	}
	return exec, nil
}

// ListBySchedule returns a schedule's executions, newest first, and the total count
func (s *ExecutionStore) ListBySchedule(ctx context.Context, scheduleID string, limit, offset int) ([]*Execution, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schedule_executions WHERE schedule_id = ?`, scheduleID).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count executions")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM schedule_executions
		WHERE schedule_id = ?
		ORDER BY started_at DESC, id
		LIMIT ? OFFSET ?`, scheduleID, limit, offset)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	executions := []*Execution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan execution")
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "error iterating executions")
	}
	return executions, total, nil
}

// PurgeBySchedule deletes a schedule's finished executions and returns how many went.
// Running executions are kept.
func (s *ExecutionStore) PurgeBySchedule(ctx context.Context, scheduleID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM schedule_executions WHERE schedule_id = ? AND status != ?`,
		scheduleID, ExecutionStatusRunning)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to purge executions of schedule %s", scheduleID)
	}
	return res.RowsAffected()
}

// CleanupOlderThan deletes finished executions that started before cutoff
func (s *ExecutionStore) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM schedule_executions WHERE started_at < ? AND status != ?`,
		db.FormatTime(cutoff), ExecutionStatusRunning)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up old executions")
	}
	return res.RowsAffected()
}

// AbandonStale marks executions still running since before cutoff as
// cancelled. Those were left behind by a process that stopped mid-run.
func (s *ExecutionStore) AbandonStale(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule_executions
		SET status = ?, finished_at = ?, error_message = ?
		WHERE status = ? AND started_at < ?`,
		ExecutionStatusCancelled, db.FormatTime(now), "abandoned: process stopped during the run",
		ExecutionStatusRunning, db.FormatTime(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "failed to abandon stale executions")
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(sc rowScanner) (*Execution, error) {
	var exec Execution
	var trigger, started, results string
	var finished, errMsg sql.NullString
	var duration sql.NullInt64

	if err := sc.Scan(&exec.ID, &exec.ScheduleID, &trigger, &exec.Status, &started,
		&finished, &duration, &results, &errMsg); err != nil {
		return nil, err
	}
	exec.Trigger = Trigger(trigger)

	var err error
	if exec.StartedAt, err = db.ParseTime(started); err != nil {
		return nil, err
	}
	if exec.FinishedAt, err = db.ParseNullTime(finished); err != nil {
		return nil, err
	}
	if duration.Valid {
		d := duration.Int64
		exec.DurationMs = &d
	}
	if errMsg.Valid {
		exec.Error = errMsg.String
	}
	if err := json.Unmarshal([]byte(results), &exec.StepResults); err != nil {
		return nil, errors.Wrapf(err, "invalid step results for execution %s", exec.ID)
	}
	if exec.StepResults == nil {
		exec.StepResults = []StepResult{}
	}
	return &exec, nil
}
