package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/loom/db"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/pulse/query"
)

// dueBatchLimit caps how many schedules one tick picks up
const dueBatchLimit = 100

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Store persists schedules and their steps. A schedule row and its step rows
// are always written in one transaction.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new schedule store
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn, now: time.Now}
}

// DB returns the underlying connection
func (s *Store) DB() *sql.DB { return s.db }

const scheduleColumns = `id, agent_id, name, mode, interval_minutes, status,
	next_run_at, last_run_at, last_execution_id, created_at, updated_at`

// Create inserts s and its steps. Blank schedule and step IDs are assigned;
// steps are renumbered densely first.
func (s *Store) Create(ctx context.Context, sch *Schedule) error {
	if sch.Status == StatusDraft || sch.Status == "" {
		return errors.NewValidationError("schedule must be activated before it is stored")
	}
	if sch.ID == "" {
		sch.ID = uuid.NewString()
	}
	now := s.now().UTC()
	sch.CreatedAt, sch.UpdatedAt = now, now
	sch.Steps = Renumber(sch.Steps)

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO schedules (id, agent_id, name, mode, interval_minutes, status,
				next_run_at, last_run_at, last_execution_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sch.ID, sch.AgentID, sch.Name, string(sch.Mode), sch.IntervalMinutes, string(sch.Status),
			db.NullTime(sch.NextRunAt), db.NullTime(sch.LastRunAt), nullString(sch.LastExecutionID),
			db.FormatTime(now), db.FormatTime(now))
		if err != nil {
			return errors.Wrapf(err, "failed to create schedule %s", sch.Name)
		}
		return writeSteps(ctx, tx, sch)
	})
}

// Update rewrites the schedule row and replaces its steps. Run bookkeeping
// (last run, lease) is owned by the ticker and left alone.
func (s *Store) Update(ctx context.Context, sch *Schedule) error {
	now := s.now().UTC()
	sch.Steps = Renumber(sch.Steps)

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE schedules
			SET name = ?, mode = ?, interval_minutes = ?, status = ?, next_run_at = ?, updated_at = ?
			WHERE id = ? AND status != ?`,
			sch.Name, string(sch.Mode), sch.IntervalMinutes, string(sch.Status),
			db.NullTime(sch.NextRunAt), db.FormatTime(now),
			sch.ID, string(StatusDeleted))
		if err != nil {
			return errors.Wrapf(err, "failed to update schedule %s", sch.ID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.NewNotFoundError("schedule %s not found", sch.ID)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schedule_steps WHERE schedule_id = ?`, sch.ID); err != nil {
			return errors.Wrapf(err, "failed to clear steps of schedule %s", sch.ID)
		}
		return writeSteps(ctx, tx, sch)
	})
	if err != nil {
		return err
	}
	sch.UpdatedAt = now
	return nil
}

func writeSteps(ctx context.Context, tx *sql.Tx, sch *Schedule) error {
	for i := range sch.Steps {
		st := &sch.Steps[i]
		if st.ID == "" {
			st.ID = uuid.NewString()
		}
		q, err := json.Marshal(st.Query)
		if err != nil {
			return errors.Wrapf(err, "failed to encode query of step %d", st.Order)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schedule_steps (id, schedule_id, step_order, model_id, action_id, query)
			VALUES (?, ?, ?, ?, ?, ?)`,
			st.ID, sch.ID, st.Order, st.ModelID, st.ActionID, string(q)); err != nil {
			if db.IsUniqueViolation(err) {
				return errors.NewValidationError("step id %s already belongs to another schedule", st.ID)
			}
			return errors.Wrapf(err, "failed to write step %d of schedule %s", st.Order, sch.ID)
		}
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.WithDetailf(err, "rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// Get retrieves a schedule with its steps. Deleted schedules are returned
// too; callers check Status.
func (s *Store) Get(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sch, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("schedule %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get schedule %s", id)
	}
	if sch.Steps, err = loadSteps(ctx, s.db, sch.ID); err != nil {
		return nil, err
	}
	return sch, nil
}

// List returns non-deleted schedules, oldest first. A blank agentID lists all agents.
func (s *Store) List(ctx context.Context, agentID string) ([]*Schedule, error) {
	where := `WHERE status != ?`
	args := []interface{}{string(StatusDeleted)}
	if agentID != "" {
		where += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	return s.selectSchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules `+where+` ORDER BY created_at, id`, args...)
}

// ListDue returns active schedules whose next run is at or before now and
// that nobody holds a live lease on, oldest due first
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*Schedule, error) {
	ts := db.FormatTime(now)
	return s.selectSchedules(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		  AND (lease_until IS NULL OR lease_until < ?)
		ORDER BY next_run_at, id
		LIMIT ?`, string(StatusActive), ts, ts, dueBatchLimit)
}

// NextDue returns the active schedule that runs soonest, or nil
func (s *Store) NextDue(ctx context.Context) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE status = ? AND next_run_at IS NOT NULL
		ORDER BY next_run_at, id
		LIMIT 1`, string(StatusActive))
	sch, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get next scheduled run")
	}
	return sch, nil
}

// selectSchedules reads all rows before loading steps, so no result set is
// held open while the step queries run
func (s *Store) selectSchedules(ctx context.Context, q string, args ...interface{}) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedules")
	}
	schedules := []*Schedule{}
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan schedule")
		}
		schedules = append(schedules, sch)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, errors.Wrap(err, "error iterating schedules")
	}

	for _, sch := range schedules {
		if sch.Steps, err = loadSteps(ctx, s.db, sch.ID); err != nil {
			return nil, err
		}
	}
	return schedules, nil
}

// SetStatus changes status and next run of a non-deleted schedule
func (s *Store) SetStatus(ctx context.Context, id string, status Status, nextRunAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET status = ?, next_run_at = ?, updated_at = ?
		WHERE id = ? AND status != ?`,
		string(status), db.NullTime(nextRunAt), db.FormatTime(s.now()),
		id, string(StatusDeleted))
	if err != nil {
		return errors.Wrapf(err, "failed to set status of schedule %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("schedule %s not found", id)
	}
	return nil
}

// Delete soft-deletes a schedule. Its steps and executions stay.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET status = ?, next_run_at = NULL, updated_at = ?
		WHERE id = ? AND status != ?`,
		string(StatusDeleted), db.FormatTime(s.now()), id, string(StatusDeleted))
	if err != nil {
		return errors.Wrapf(err, "failed to delete schedule %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("schedule %s not found", id)
	}
	return nil
}

// Claim takes the execution lease on a runnable schedule until leaseUntil.
// With expectNextRunAt set, the claim also requires an active schedule whose
// next_run_at still equals it, so two dispatchers cannot both fire the same
// due run. Returns false when someone else got there first.
func (s *Store) Claim(ctx context.Context, id, owner string, now, leaseUntil time.Time, expectNextRunAt *time.Time) (bool, error) {
	q := `
		UPDATE schedules SET lease_owner = ?, lease_until = ?
		WHERE id = ? AND (lease_until IS NULL OR lease_until < ?)`
	args := []interface{}{owner, db.FormatTime(leaseUntil), id, db.FormatTime(now)}
	if expectNextRunAt != nil {
		q += ` AND status = ? AND next_run_at = ?`
		args = append(args, string(StatusActive), db.FormatTime(*expectNextRunAt))
	} else {
		q += ` AND status IN (?, ?)`
		args = append(args, string(StatusActive), string(StatusPaused))
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim schedule %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to check rows affected")
	}
	return n == 1, nil
}

// Release drops owner's lease without touching anything else
func (s *Store) Release(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET lease_owner = NULL, lease_until = NULL
		WHERE id = ? AND lease_owner = ?`, id, owner)
	if err != nil {
		return errors.Wrapf(err, "failed to release schedule %s", id)
	}
	return nil
}

// FinishRun records a run's outcome and drops owner's lease in one write.
// A once schedule only moves to completed from active or paused, so
// completion happens at most once.
func (s *Store) FinishRun(ctx context.Context, id, owner string, runTime time.Time, executionID string, out RunOutcome) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET status = ?, next_run_at = ?, last_run_at = ?, last_execution_id = ?,
		    lease_owner = NULL, lease_until = NULL, updated_at = ?
		WHERE id = ? AND lease_owner = ? AND status IN (?, ?)`,
		string(out.Status), db.NullTime(out.NextRunAt), db.FormatTime(runTime), executionID,
		db.FormatTime(s.now()), id, owner, string(StatusActive), string(StatusPaused))
	if err != nil {
		return errors.Wrapf(err, "failed to record run of schedule %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// deleted mid-run or the lease expired and moved on
		if relErr := s.Release(ctx, id, owner); relErr != nil {
			return relErr
		}
		return errors.NewConcurrencyConflict(id)
	}
	return nil
}

func scanSchedule(sc rowScanner) (*Schedule, error) {
	var sch Schedule
	var mode, status, created, updated string
	var next, last, lastExec sql.NullString

	if err := sc.Scan(&sch.ID, &sch.AgentID, &sch.Name, &mode, &sch.IntervalMinutes, &status,
		&next, &last, &lastExec, &created, &updated); err != nil {
		return nil, err
	}
	sch.Mode = Mode(mode)
	sch.Status = Status(status)
	sch.LastExecutionID = lastExec.String

	var err error
	if sch.NextRunAt, err = db.ParseNullTime(next); err != nil {
		return nil, err
	}
	if sch.LastRunAt, err = db.ParseNullTime(last); err != nil {
		return nil, err
	}
	if sch.CreatedAt, err = db.ParseTime(created); err != nil {
		return nil, err
	}
	if sch.UpdatedAt, err = db.ParseTime(updated); err != nil {
		return nil, err
	}
	return &sch, nil
}

func loadSteps(ctx context.Context, q querier, scheduleID string) ([]Step, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, step_order, model_id, action_id, query
		FROM schedule_steps
		WHERE schedule_id = ?
		ORDER BY step_order`, scheduleID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load steps of schedule %s", scheduleID)
	}
	defer rows.Close()

	steps := []Step{}
	for rows.Next() {
		var st Step
		var raw string
		if err := rows.Scan(&st.ID, &st.Order, &st.ModelID, &st.ActionID, &raw); err != nil {
			return nil, errors.Wrap(err, "failed to scan step")
		}
		if strings.TrimSpace(raw) == "" {
			st.Query = query.MatchAll()
		} else if err := json.Unmarshal([]byte(raw), &st.Query); err != nil {
			return nil, errors.Wrapf(err, "invalid query on step %s", st.ID)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
