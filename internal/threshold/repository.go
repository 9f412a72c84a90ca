package threshold

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/futurefish/aquacore/internal/automation"
	"github.com/futurefish/aquacore/internal/command"
	"github.com/futurefish/aquacore/internal/infrastructure/database"
)

const thresholdColumns = `id, pond_id, parameter, upper_bound, lower_bound, action, action_parameters,
	priority, alert_level, violation_timeout, max_violations, active, created_at, updated_at`

const violationColumns = `pond_id, parameter, count, first_at, last_at, last_value,
	last_execution_id, last_outcome, updated_at`

// SQLiteRepository persists thresholds and violation streaks.
type SQLiteRepository struct {
	db database.Querier
}

// NewSQLiteRepository creates a repository. db may be a *sql.Tx.
func NewSQLiteRepository(db database.Querier) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Get returns a threshold by ID.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Threshold, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+thresholdColumns+` FROM sensor_thresholds WHERE id = ?`, id)
	return r.scanOne(row)
}

// GetActive returns the active threshold for a pond parameter.
func (r *SQLiteRepository) GetActive(ctx context.Context, pondID string, p Parameter) (*Threshold, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+thresholdColumns+` FROM sensor_thresholds
		WHERE pond_id = ? AND parameter = ? AND active = 1`, pondID, string(p))
	return r.scanOne(row)
}

// GetByParameter returns a pond's threshold for p whether active or not.
func (r *SQLiteRepository) GetByParameter(ctx context.Context, pondID string, p Parameter) (*Threshold, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+thresholdColumns+` FROM sensor_thresholds
		WHERE pond_id = ? AND parameter = ?`, pondID, string(p))
	return r.scanOne(row)
}

// ListByPond returns a pond's thresholds ordered by parameter.
func (r *SQLiteRepository) ListByPond(ctx context.Context, pondID string) ([]Threshold, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+thresholdColumns+` FROM sensor_thresholds
		WHERE pond_id = ? ORDER BY parameter`, pondID)
	if err != nil {
		return nil, fmt.Errorf("querying thresholds: %w", err)
	}
	defer rows.Close()

	var out []Threshold
	for rows.Next() {
		t, err := scanThreshold(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning threshold: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating thresholds: %w", err)
	}
	return out, nil
}

// Insert stores a new threshold.
func (r *SQLiteRepository) Insert(ctx context.Context, t *Threshold) error {
	params, err := encodeActionParams(t)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sensor_thresholds (`+thresholdColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.PondID, string(t.Parameter), t.Upper, t.Lower, string(t.Action), string(params),
		string(t.Priority), string(t.AlertLevel), int64(t.ViolationTimeout), int64(t.MaxViolations),
		database.BoolToInt(t.Active), database.FormatTime(t.CreatedAt), database.FormatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting threshold: %w", err)
	}
	return nil
}

// Update rewrites every mutable field of a threshold.
func (r *SQLiteRepository) Update(ctx context.Context, t *Threshold) error {
	params, err := encodeActionParams(t)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE sensor_thresholds SET upper_bound = ?, lower_bound = ?, action = ?, action_parameters = ?,
			priority = ?, alert_level = ?, violation_timeout = ?, max_violations = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		t.Upper, t.Lower, string(t.Action), string(params), string(t.Priority), string(t.AlertLevel),
		int64(t.ViolationTimeout), int64(t.MaxViolations), database.BoolToInt(t.Active),
		database.FormatTime(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("updating threshold: %w", err)
	}
	return requireOneRow(res)
}

// Delete removes a threshold and its violation streak.
func (r *SQLiteRepository) Delete(ctx context.Context, t *Threshold) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sensor_thresholds WHERE id = ?`, t.ID)
	if err != nil {
		return fmt.Errorf("deleting threshold: %w", err)
	}
	if err := requireOneRow(res); err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `DELETE FROM threshold_violations WHERE pond_id = ? AND parameter = ?`,
		t.PondID, string(t.Parameter))
	if err != nil {
		return fmt.Errorf("deleting violation state: %w", err)
	}
	return nil
}

// GetViolation returns the streak of a pond parameter, or a zero streak.
func (r *SQLiteRepository) GetViolation(ctx context.Context, pondID string, p Parameter) (*Violation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+violationColumns+` FROM threshold_violations
		WHERE pond_id = ? AND parameter = ?`, pondID, string(p))
	v, err := scanViolation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return &Violation{PondID: pondID, Parameter: p}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying violation: %w", err)
	}
	return v, nil
}

// SaveViolation upserts a streak.
func (r *SQLiteRepository) SaveViolation(ctx context.Context, v *Violation) error {
	var lastValue any
	if v.LastValue != nil {
		lastValue = *v.LastValue
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO threshold_violations (`+violationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pond_id, parameter) DO UPDATE SET
			count = excluded.count, first_at = excluded.first_at, last_at = excluded.last_at,
			last_value = excluded.last_value, last_execution_id = excluded.last_execution_id,
			last_outcome = excluded.last_outcome, updated_at = excluded.updated_at`,
		v.PondID, string(v.Parameter), int64(v.Count), database.NullableTime(v.FirstAt),
		database.NullableTime(v.LastAt), lastValue, v.LastExecutionID, v.LastOutcome,
		database.FormatTime(v.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving violation: %w", err)
	}
	return nil
}

// CloseExecution records the outcome of the execution a streak triggered
// and clears the streak. It reports false when the streak has since
// triggered a different execution.
func (r *SQLiteRepository) CloseExecution(ctx context.Context, pondID string, p Parameter, executionID, outcome string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE threshold_violations SET count = 0, first_at = NULL, last_outcome = ?, updated_at = ?
		WHERE pond_id = ? AND parameter = ? AND last_execution_id = ?`,
		outcome, database.FormatTime(at), pondID, string(p), executionID)
	if err != nil {
		return false, fmt.Errorf("closing violation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("closing violation: %w", err)
	}
	return n == 1, nil
}

// RecordTrigger notes the execution (or alert) a streak just triggered.
func (r *SQLiteRepository) RecordTrigger(ctx context.Context, pondID string, p Parameter, executionID, outcome string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE threshold_violations SET last_execution_id = ?, last_outcome = ?, updated_at = ?
		WHERE pond_id = ? AND parameter = ?`,
		executionID, outcome, database.FormatTime(at), pondID, string(p))
	if err != nil {
		return fmt.Errorf("recording trigger: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) scanOne(row *sql.Row) (*Threshold, error) {
	t, err := scanThreshold(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrThresholdNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying threshold: %w", err)
	}
	return t, nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrThresholdNotFound
	}
	return nil
}

func encodeActionParams(t *Threshold) ([]byte, error) {
	if t.Alerts() {
		return []byte(`{}`), nil
	}
	return command.EncodeParams(t.ActionParams)
}

func scanThreshold(row database.RowScanner) (*Threshold, error) {
	var (
		t                         Threshold
		parameter, action, params string
		priority, alertLevel      string
		timeout, maxViol, active  int64
		createdAt, updatedAt      string
	)
	err := row.Scan(&t.ID, &t.PondID, &parameter, &t.Upper, &t.Lower, &action, &params,
		&priority, &alertLevel, &timeout, &maxViol, &active, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Parameter, t.Action = Parameter(parameter), command.Kind(action)
	t.Priority, t.AlertLevel = automation.Priority(priority), AlertLevel(alertLevel)
	t.ViolationTimeout, t.MaxViolations = int(timeout), int(maxViol)
	t.Active = active != 0

	if !t.Alerts() {
		if t.ActionParams, err = command.LoadParams(t.Action, []byte(params)); err != nil {
			return nil, err
		}
	}
	if t.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanViolation(row database.RowScanner) (*Violation, error) {
	var (
		v               Violation
		parameter       string
		count           int64
		firstAt, lastAt sql.NullString
		lastValue       sql.NullFloat64
		updatedAt       string
	)
	err := row.Scan(&v.PondID, &parameter, &count, &firstAt, &lastAt, &lastValue,
		&v.LastExecutionID, &v.LastOutcome, &updatedAt)
	if err != nil {
		return nil, err
	}
	v.Parameter, v.Count = Parameter(parameter), int(count)
	if lastValue.Valid {
		val := lastValue.Float64
		v.LastValue = &val
	}
	if v.FirstAt, err = database.ScanNullableTime(firstAt); err != nil {
		return nil, err
	}
	if v.LastAt, err = database.ScanNullableTime(lastAt); err != nil {
		return nil, err
	}
	if v.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &v, nil
}
