package command

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/futurefish/aquacore/internal/infrastructure/database"
)

// Repository persists commands. Every mutating method is a compare-and-set:
// it reports false, with no error, when the row was not in the expected state.
type Repository interface {
	Insert(ctx context.Context, cmd *Command) error
	Get(ctx context.Context, id string) (*Command, error)
	ListByExecution(ctx context.Context, executionID string) ([]Command, error)
	ListByPond(ctx context.Context, pondID string, limit int) ([]Command, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Command, error)

	MarkSent(ctx context.Context, id string, sentAt, deadline time.Time) (bool, error)
	Retry(ctx context.Context, id string, from Status, retryCount int, sentAt, deadline time.Time) (bool, error)
	RevertToPending(ctx context.Context, id string, retryCount int) (bool, error)
	Acknowledge(ctx context.Context, id string, at time.Time, message string) (bool, error)
	Finish(ctx context.Context, id string, t Terminal) (bool, error)

	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Terminal describes a transition into COMPLETED, FAILED or TIMEOUT.
type Terminal struct {
	Status          Status
	At              time.Time
	Message         string
	ErrorCode       string
	ErrorDetail     string
	ExecutionTimeMS *int64

	// From lists the statuses the row may currently be in.
	From []Status
	// Acknowledge fills acknowledged_at with At when it is still empty.
	Acknowledge bool
	// RetryCount, when set, must match the stored retry_count.
	RetryCount *int
	// Expired requires deadline_at <= At.
	Expired bool
}

const commandColumns = `id, device_id, pond_id, pond_position, kind, parameters, status,
	timeout_seconds, max_retries, retry_count, sent_at, acknowledged_at, completed_at,
	deadline_at, success, result_message, error_code, error_detail, execution_time_ms,
	execution_id, created_at, updated_at`

// SQLiteRepository implements Repository on the shared SQLite store.
type SQLiteRepository struct {
	db database.Querier
}

// NewSQLiteRepository creates a repository. db may be a *sql.Tx.
func NewSQLiteRepository(db database.Querier) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Insert stores a new command.
func (r *SQLiteRepository) Insert(ctx context.Context, c *Command) error {
	params, err := encodeParams(c.Params)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO device_commands (`+commandColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DeviceID, c.PondID, int64(c.PondPosition), string(c.Kind), string(params), string(c.Status),
		int64(c.TimeoutSeconds), int64(c.MaxRetries), int64(c.RetryCount),
		database.NullableTime(c.SentAt), database.NullableTime(c.AcknowledgedAt),
		database.NullableTime(c.CompletedAt), database.NullableTime(c.DeadlineAt),
		database.NullableBool(c.Success), c.ResultMessage, c.ErrorCode, c.ErrorDetail,
		nullableInt64(c.ExecutionTimeMS), c.ExecutionID,
		database.FormatTime(c.CreatedAt), database.FormatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}
	return nil
}

// Get returns the command with id or ErrNotFound.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Command, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM device_commands WHERE id = ?`, id)
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying command: %w", err)
	}
	return c, nil
}

// ListByExecution returns an execution's commands in creation order.
func (r *SQLiteRepository) ListByExecution(ctx context.Context, executionID string) ([]Command, error) {
	return r.query(ctx, `SELECT `+commandColumns+` FROM device_commands
		WHERE execution_id = ? ORDER BY created_at, rowid`, executionID)
}

// ListByPond returns a pond's most recent commands, newest first.
func (r *SQLiteRepository) ListByPond(ctx context.Context, pondID string, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.query(ctx, `SELECT `+commandColumns+` FROM device_commands
		WHERE pond_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, pondID, limit)
}

// ListExpired returns non-terminal commands whose deadline has passed.
func (r *SQLiteRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, `SELECT `+commandColumns+` FROM device_commands
		WHERE status IN ('PENDING', 'SENT', 'ACKNOWLEDGED')
		  AND deadline_at IS NOT NULL AND deadline_at <= ?
		ORDER BY deadline_at LIMIT ?`, database.FormatTime(now), limit)
}

// MarkSent moves a fresh PENDING command to SENT and arms its deadline.
func (r *SQLiteRepository) MarkSent(ctx context.Context, id string, sentAt, deadline time.Time) (bool, error) {
	return r.exec(ctx, "marking command sent", `
		UPDATE device_commands
		SET status = 'SENT', sent_at = ?, deadline_at = ?, updated_at = ?
		WHERE id = ? AND status = 'PENDING' AND retry_count = 0 AND sent_at IS NULL`,
		database.FormatTime(sentAt), database.FormatTime(deadline), database.FormatTime(sentAt), id)
}

// Retry re-arms a command for another attempt under the same ID.
func (r *SQLiteRepository) Retry(ctx context.Context, id string, from Status, retryCount int, sentAt, deadline time.Time) (bool, error) {
	return r.exec(ctx, "retrying command", `
		UPDATE device_commands
		SET status = 'SENT', retry_count = retry_count + 1, sent_at = ?,
		    acknowledged_at = NULL, deadline_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND retry_count = ?`,
		database.FormatTime(sentAt), database.FormatTime(deadline), database.FormatTime(sentAt),
		id, string(from), int64(retryCount))
}

// RevertToPending undoes MarkSent or Retry when the bridge refused the
// payload. The deadline stays armed so the watchdog picks the command up.
func (r *SQLiteRepository) RevertToPending(ctx context.Context, id string, retryCount int) (bool, error) {
	return r.exec(ctx, "reverting command", `
		UPDATE device_commands
		SET status = 'PENDING', sent_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'SENT' AND retry_count = ?`,
		database.FormatTime(time.Now()), id, int64(retryCount))
}

// Acknowledge records the first successful ack. PENDING is accepted because
// a command reverted after a failed retry may still be acked for an earlier
// delivery.
func (r *SQLiteRepository) Acknowledge(ctx context.Context, id string, at time.Time, message string) (bool, error) {
	ts := database.FormatTime(at)
	return r.exec(ctx, "acknowledging command", `
		UPDATE device_commands
		SET status = 'ACKNOWLEDGED', acknowledged_at = ?, sent_at = COALESCE(sent_at, ?),
		    result_message = ?, updated_at = ?
		WHERE id = ? AND status IN ('PENDING', 'SENT')`,
		ts, ts, message, ts, id)
}

// Finish applies a terminal transition guarded by t.
func (r *SQLiteRepository) Finish(ctx context.Context, id string, t Terminal) (bool, error) {
	if !t.Status.IsTerminal() {
		return false, fmt.Errorf("finishing command: %s is not terminal", t.Status)
	}
	if len(t.From) == 0 {
		return false, errors.New("finishing command: no source statuses")
	}

	ts := database.FormatTime(t.At)
	ackExpr := "acknowledged_at"
	if t.Acknowledge {
		ackExpr = "COALESCE(acknowledged_at, ?)"
	}
	success := t.Status == StatusCompleted

	var b strings.Builder
	args := make([]any, 0, 16)
	b.WriteString(`UPDATE device_commands SET status = ?, success = ?, completed_at = ?,
		acknowledged_at = ` + ackExpr + `, deadline_at = NULL,
		result_message = COALESCE(NULLIF(?, ''), result_message),
		error_code = ?, error_detail = ?, execution_time_ms = ?, updated_at = ?
		WHERE id = ? AND status IN (`)
	args = append(args, string(t.Status), database.BoolToInt(success), ts)
	if t.Acknowledge {
		args = append(args, ts)
	}
	args = append(args, t.Message, t.ErrorCode, t.ErrorDetail, nullableInt64(t.ExecutionTimeMS), ts, id)
	for i, s := range t.From {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("?")
		args = append(args, string(s))
	}
	b.WriteString(")")
	if t.RetryCount != nil {
		b.WriteString(" AND retry_count = ?")
		args = append(args, int64(*t.RetryCount))
	}
	if t.Expired {
		b.WriteString(" AND deadline_at IS NOT NULL AND deadline_at <= ?")
		args = append(args, ts)
	}

	return r.exec(ctx, "finishing command", b.String(), args...)
}

// PurgeTerminalBefore deletes terminal commands completed before cutoff.
func (r *SQLiteRepository) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM device_commands
		WHERE status IN ('COMPLETED', 'FAILED', 'TIMEOUT') AND completed_at < ?`,
		database.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging commands: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purging commands: %w", err)
	}
	return n, nil
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

func (r *SQLiteRepository) query(ctx context.Context, query string, args ...any) ([]Command, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var cmds []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		cmds = append(cmds, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}
	return cmds, nil
}

func scanCommand(row database.RowScanner) (*Command, error) {
	var (
		c                                  Command
		kind, params, status               string
		position, timeout, maxRet, retries int64
		sentAt, ackAt, completedAt, deadAt sql.NullString
		success, execMS                    sql.NullInt64
		createdAt, updatedAt               string
	)
	err := row.Scan(
		&c.ID, &c.DeviceID, &c.PondID, &position, &kind, &params, &status,
		&timeout, &maxRet, &retries, &sentAt, &ackAt, &completedAt,
		&deadAt, &success, &c.ResultMessage, &c.ErrorCode, &c.ErrorDetail, &execMS,
		&c.ExecutionID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.PondPosition = int(position)
	c.Kind = Kind(kind)
	c.Status = Status(status)
	c.TimeoutSeconds = int(timeout)
	c.MaxRetries = int(maxRet)
	c.RetryCount = int(retries)
	c.Success = database.ScanNullableBool(success)
	if execMS.Valid {
		ms := execMS.Int64
		c.ExecutionTimeMS = &ms
	}

	if c.Params, err = decodeParams(c.Kind, []byte(params), false); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{
		{&c.SentAt, sentAt}, {&c.AcknowledgedAt, ackAt}, {&c.CompletedAt, completedAt}, {&c.DeadlineAt, deadAt},
	} {
		if *f.dst, err = database.ScanNullableTime(f.src); err != nil {
			return nil, err
		}
	}
	if c.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
