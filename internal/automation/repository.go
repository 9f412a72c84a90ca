package automation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/futurefish/aquacore/internal/command"
	"github.com/futurefish/aquacore/internal/infrastructure/database"
)

// Store opens repositories on the shared database, either directly or
// inside an immediate transaction.
type Store struct {
	db *database.DB
}

// NewStore wraps db.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Repo returns a repository running each statement on its own.
func (s *Store) Repo() *SQLiteRepository {
	return NewSQLiteRepository(s.db)
}

// InTx runs fn in one BEGIN IMMEDIATE transaction. fn must only use the
// repository it is given: the pool holds a single connection.
func (s *Store) InTx(ctx context.Context, fn func(repo *SQLiteRepository) error) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return fn(NewSQLiteRepository(tx))
	})
}

// priorityOrder sorts rows highest priority first.
const priorityOrder = `CASE priority
		WHEN 'MANUAL_COMMAND' THEN 0
		WHEN 'EMERGENCY_WATER' THEN 1
		WHEN 'SCHEDULED' THEN 2
		ELSE 3 END`

const executionColumns = `id, pond_id, kind, action, priority, status, origin, parameters,
	success, error_code, error_detail, scheduled_at, started_at, completed_at,
	threshold_id, schedule_id, requested_by, attempts, created_at, updated_at`

const scheduleColumns = `id, pond_id, name, action, parameters, time_of_day, weekdays,
	priority, enabled, next_run_at, last_run_at, created_at, updated_at`

// SQLiteRepository persists executions and schedules. State-changing
// methods are compare-and-set and report false when the row was not in
// the expected state.
type SQLiteRepository struct {
	db database.Querier
}

// NewSQLiteRepository creates a repository. db may be a *sql.Tx.
func NewSQLiteRepository(db database.Querier) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// CreateExecution inserts a new execution.
func (r *SQLiteRepository) CreateExecution(ctx context.Context, e *Execution) error {
	params, err := command.EncodeParams(e.Params)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO automation_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PondID, string(e.Kind), string(e.Action), string(e.Priority), string(e.Status),
		string(e.Origin), string(params), database.NullableBool(e.Success), e.ErrorCode, e.ErrorDetail,
		database.FormatTime(e.ScheduledAt), database.NullableTime(e.StartedAt), database.NullableTime(e.CompletedAt),
		e.ThresholdID, e.ScheduleID, e.RequestedBy, int64(e.Attempts),
		database.FormatTime(e.CreatedAt), database.FormatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// GetExecution returns the execution with id or ErrExecutionNotFound.
func (r *SQLiteRepository) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM automation_executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns a pond's executions, newest first.
func (r *SQLiteRepository) ListExecutions(ctx context.Context, pondID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.queryExecutions(ctx, `WHERE pond_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, pondID, limit)
}

// ListActive returns the EXECUTING executions of a pond: its conflict scope.
func (r *SQLiteRepository) ListActive(ctx context.Context, pondID string) ([]Execution, error) {
	return r.queryExecutions(ctx, `WHERE pond_id = ? AND status = 'EXECUTING' ORDER BY started_at, id`, pondID)
}

// ListDueDeferred returns PENDING executions due at now, highest priority
// first.
func (r *SQLiteRepository) ListDueDeferred(ctx context.Context, now time.Time, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryExecutions(ctx, `WHERE status = 'PENDING' AND scheduled_at <= ?
		ORDER BY `+priorityOrder+`, scheduled_at, id LIMIT ?`, database.FormatTime(now), limit)
}

// ListExecuting returns EXECUTING executions started before cutoff.
func (r *SQLiteRepository) ListExecuting(ctx context.Context, cutoff time.Time, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryExecutions(ctx, `WHERE status = 'EXECUTING' AND started_at <= ?
		ORDER BY started_at, id LIMIT ?`, database.FormatTime(cutoff), limit)
}

// Start moves a PENDING execution to EXECUTING.
func (r *SQLiteRepository) Start(ctx context.Context, id string, at time.Time) (bool, error) {
	ts := database.FormatTime(at)
	return r.exec(ctx, "starting execution", `
		UPDATE automation_executions SET status = 'EXECUTING', started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'PENDING'`, ts, ts, id)
}

// Defer pushes a PENDING execution to until and counts the attempt.
func (r *SQLiteRepository) Defer(ctx context.Context, id string, until, at time.Time) (bool, error) {
	return r.exec(ctx, "deferring execution", `
		UPDATE automation_executions SET scheduled_at = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = 'PENDING'`, database.FormatTime(until), database.FormatTime(at), id)
}

// Outcome is a terminal transition for an execution.
type Outcome struct {
	Status      Status
	Success     bool
	ErrorCode   string
	ErrorDetail string
	At          time.Time
}

// Finish records a terminal outcome on a PENDING or EXECUTING execution.
func (r *SQLiteRepository) Finish(ctx context.Context, id string, o Outcome) (bool, error) {
	if !o.Status.IsTerminal() {
		return false, fmt.Errorf("finish with non-terminal status %s", o.Status)
	}
	ts := database.FormatTime(o.At)
	return r.exec(ctx, "finishing execution", `
		UPDATE automation_executions
		SET status = ?, success = ?, error_code = ?, error_detail = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('PENDING', 'EXECUTING')`,
		string(o.Status), database.BoolToInt(o.Success), o.ErrorCode, o.ErrorDetail, ts, ts, id)
}

// Cancel cancels an execution that has not started.
func (r *SQLiteRepository) Cancel(ctx context.Context, id, detail string, at time.Time) (bool, error) {
	ts := database.FormatTime(at)
	return r.exec(ctx, "cancelling execution", `
		UPDATE automation_executions
		SET status = 'CANCELLED', success = 0, error_code = ?, error_detail = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'PENDING'`,
		CodeCancelled, detail, ts, ts, id)
}

// CreateSchedule inserts a schedule.
func (r *SQLiteRepository) CreateSchedule(ctx context.Context, s *Schedule) error {
	params, err := command.EncodeParams(s.Params)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO automation_schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.PondID, s.Name, string(s.Action), string(params), s.TimeOfDay, int64(s.Weekdays),
		string(s.Priority), database.BoolToInt(s.Enabled),
		database.NullableTime(s.NextRunAt), database.NullableTime(s.LastRunAt),
		database.FormatTime(s.CreatedAt), database.FormatTime(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting schedule: %w", err)
	}
	return nil
}

// GetSchedule returns the schedule with id or ErrScheduleNotFound.
func (r *SQLiteRepository) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM automation_schedules WHERE id = ?`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying schedule: %w", err)
	}
	return s, nil
}

// ListSchedules returns a pond's schedules ordered by time of day.
func (r *SQLiteRepository) ListSchedules(ctx context.Context, pondID string) ([]Schedule, error) {
	return r.querySchedules(ctx, `WHERE pond_id = ? ORDER BY time_of_day, id`, pondID)
}

// ListDueSchedules returns enabled schedules whose next run is at or before now.
func (r *SQLiteRepository) ListDueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	return r.querySchedules(ctx, `WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY `+priorityOrder+`, next_run_at, id`, database.FormatTime(now))
}

// AdvanceSchedule moves next_run_at from expected to next, recording the
// run. Exactly one process wins each firing.
func (r *SQLiteRepository) AdvanceSchedule(ctx context.Context, id string, expected, ranAt, next time.Time) (bool, error) {
	ts := database.FormatTime(ranAt)
	return r.exec(ctx, "advancing schedule", `
		UPDATE automation_schedules SET next_run_at = ?, last_run_at = ?, updated_at = ?
		WHERE id = ? AND next_run_at = ?`,
		database.FormatTime(next), ts, ts, id, database.FormatTime(expected))
}

// SetScheduleEnabled toggles a schedule, setting its next run.
func (r *SQLiteRepository) SetScheduleEnabled(ctx context.Context, id string, enabled bool, next *time.Time, at time.Time) error {
	ok, err := r.exec(ctx, "updating schedule", `
		UPDATE automation_schedules SET enabled = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		database.BoolToInt(enabled), database.NullableTime(next), database.FormatTime(at), id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrScheduleNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule.
func (r *SQLiteRepository) DeleteSchedule(ctx context.Context, id string) error {
	ok, err := r.exec(ctx, "deleting schedule", `DELETE FROM automation_schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrScheduleNotFound
	}
	return nil
}

func (r *SQLiteRepository) exec(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: checking rows affected: %w", op, err)
	}
	return n == 1, nil
}

func (r *SQLiteRepository) queryExecutions(ctx context.Context, where string, args ...any) ([]Execution, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+executionColumns+` FROM automation_executions `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var execs []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		execs = append(execs, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating executions: %w", err)
	}
	return execs, nil
}

func (r *SQLiteRepository) querySchedules(ctx context.Context, where string, args ...any) ([]Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM automation_schedules `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying schedules: %w", err)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning schedule: %w", err)
		}
		schedules = append(schedules, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating schedules: %w", err)
	}
	return schedules, nil
}

func scanExecution(row database.RowScanner) (*Execution, error) {
	var (
		e                      Execution
		kind, action, priority string
		status, origin, params string
		success                sql.NullInt64
		scheduledAt            string
		startedAt, completedAt sql.NullString
		attempts               int64
		createdAt, updatedAt   string
	)
	err := row.Scan(&e.ID, &e.PondID, &kind, &action, &priority, &status, &origin, &params,
		&success, &e.ErrorCode, &e.ErrorDetail, &scheduledAt, &startedAt, &completedAt,
		&e.ThresholdID, &e.ScheduleID, &e.RequestedBy, &attempts, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.Kind, e.Action, e.Priority = Kind(kind), command.Kind(action), Priority(priority)
	e.Status, e.Origin = Status(status), Origin(origin)
	e.Success = database.ScanNullableBool(success)
	e.Attempts = int(attempts)

	if e.Params, err = command.LoadParams(e.Action, []byte(params)); err != nil {
		return nil, err
	}
	if e.ScheduledAt, err = database.ParseTime(scheduledAt); err != nil {
		return nil, err
	}
	if e.StartedAt, err = database.ScanNullableTime(startedAt); err != nil {
		return nil, err
	}
	if e.CompletedAt, err = database.ScanNullableTime(completedAt); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanSchedule(row database.RowScanner) (*Schedule, error) {
	var (
		s                    Schedule
		action, params       string
		weekdays, enabled    int64
		priority             string
		nextRunAt, lastRunAt sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&s.ID, &s.PondID, &s.Name, &action, &params, &s.TimeOfDay, &weekdays,
		&priority, &enabled, &nextRunAt, &lastRunAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.Action, s.Priority = command.Kind(action), Priority(priority)
	s.Weekdays = Weekdays(weekdays)
	s.Enabled = enabled != 0

	if s.Params, err = command.LoadParams(s.Action, []byte(params)); err != nil {
		return nil, err
	}
	if s.NextRunAt, err = database.ScanNullableTime(nextRunAt); err != nil {
		return nil, err
	}
	if s.LastRunAt, err = database.ScanNullableTime(lastRunAt); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}
