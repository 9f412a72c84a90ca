// Package audit records who changed what through the API: submitted
// commands, cancelled executions, schedule and threshold edits and device
// registrations.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/futurefish/aquacore/internal/infrastructure/database"
)

// Action names.
const (
	ActionCommandSubmit   = "command.submit"
	ActionExecutionCancel = "execution.cancel"
	ActionScheduleCreate  = "schedule.create"
	ActionScheduleUpdate  = "schedule.update"
	ActionScheduleDelete  = "schedule.delete"
	ActionThresholdSave   = "threshold.save"
	ActionThresholdDelete = "threshold.delete"
	ActionDeviceRegister  = "device.register"
	ActionDeviceRename    = "device.rename"
	ActionDeviceDelete    = "device.delete"
)

// Entity types.
const (
	EntityExecution = "execution"
	EntitySchedule  = "schedule"
	EntityThreshold = "threshold"
	EntityDevice    = "device"
)

// SourceAPI marks entries written by the HTTP API.
const SourceAPI = "api"

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Entry is one audit trail row.
type Entry struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	PondID     string         `json:"pond_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Source     string         `json:"source"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Filter selects entries. Empty fields match everything.
type Filter struct {
	Action     string
	EntityType string
	EntityID   string
	PondID     string
	UserID     string
	Limit      int // default 50, max 200
	Offset     int
}

// ListResult is one page of entries.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository stores audit entries.
type Repository interface {
	Create(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter) (*ListResult, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SQLiteRepository keeps entries in the audit_logs table.
type SQLiteRepository struct {
	db database.Querier
}

// NewSQLiteRepository creates a repository.
func NewSQLiteRepository(db database.Querier) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts e, filling ID, Source and CreatedAt when empty.
func (r *SQLiteRepository) Create(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Source == "" {
		e.Source = SourceAPI
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var details any
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshalling audit details: %w", err)
		}
		details = string(b)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, action, entity_type, entity_id, pond_id, user_id, source, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Action, e.EntityType, e.EntityID, e.PondID, e.UserID, e.Source, details,
		database.FormatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// List returns entries matching f, newest first.
func (r *SQLiteRepository) List(ctx context.Context, f Filter) (*ListResult, error) {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var (
		conds []string
		args  []any
	)
	for _, c := range []struct {
		column, value string
	}{
		{"action", f.Action},
		{"entity_type", f.EntityType},
		{"entity_id", f.EntityID},
		{"pond_id", f.PondID},
		{"user_id", f.UserID},
	} {
		if c.value != "" {
			conds = append(conds, c.column+" = ?")
			args = append(args, c.value)
		}
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	//nolint:gosec // where holds fixed column names and ? placeholders only
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_logs "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit entries: %w", err)
	}

	//nolint:gosec // where holds fixed column names and ? placeholders only
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, action, entity_type, entity_id, pond_id, user_id, source, details, created_at
		FROM audit_logs `+where+`
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e         Entry
			details   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.EntityType, &e.EntityID, &e.PondID,
			&e.UserID, &e.Source, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if details.Valid && details.String != "" {
			// A malformed blob leaves Details empty rather than failing the page.
			_ = json.Unmarshal([]byte(details.String), &e.Details) //nolint:errcheck
		}
		if e.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	return &ListResult{Entries: entries, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// PurgeBefore deletes entries older than cutoff.
func (r *SQLiteRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM audit_logs WHERE created_at < ?", database.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging audit entries: %w", err)
	}
	return res.RowsAffected()
}
