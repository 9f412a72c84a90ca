package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/futurefish/aquacore/internal/infrastructure/database"
)

// Log directions.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// LogEntry is one relayed message as stored in bridge_messages.
type LogEntry struct {
	ID          int64     `json:"id"`
	Direction   string    `json:"direction"`
	DeviceID    string    `json:"device_id"`
	Topic       string    `json:"topic"`
	MessageType string    `json:"message_type"`
	Payload     string    `json:"payload"`
	SizeBytes   int       `json:"size_bytes"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	LatencyMS   float64   `json:"latency_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// MessageLog records relayed traffic.
type MessageLog interface {
	Record(ctx context.Context, entry LogEntry) error
}

// SQLiteMessageLog stores LogEntry rows in the shared database.
type SQLiteMessageLog struct {
	db database.Querier
}

// NewSQLiteMessageLog creates a message log backed by db.
func NewSQLiteMessageLog(db database.Querier) *SQLiteMessageLog {
	return &SQLiteMessageLog{db: db}
}

// Record inserts entry. CreatedAt defaults to now.
func (l *SQLiteMessageLog) Record(ctx context.Context, e LogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO bridge_messages (
			direction, device_id, topic, message_type, payload, size_bytes,
			success, error, latency_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Direction, e.DeviceID, e.Topic, e.MessageType, e.Payload, e.SizeBytes,
		database.BoolToInt(e.Success), e.Error, e.LatencyMS, database.FormatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("recording bridge message: %w", err)
	}
	return nil
}

// ListByDevice returns the most recent entries for a device, newest first.
func (l *SQLiteMessageLog) ListByDevice(ctx context.Context, deviceID string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, direction, device_id, topic, message_type, payload, size_bytes,
		       success, error, latency_ms, created_at
		FROM bridge_messages
		WHERE device_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing bridge messages: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var (
			e         LogEntry
			success   int
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Direction, &e.DeviceID, &e.Topic, &e.MessageType, &e.Payload,
			&e.SizeBytes, &success, &e.Error, &e.LatencyMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning bridge message: %w", err)
		}
		e.Success = success != 0
		if e.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bridge messages: %w", err)
	}
	return entries, nil
}

// PurgeBefore deletes entries older than cutoff and returns how many went.
func (l *SQLiteMessageLog) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		"DELETE FROM bridge_messages WHERE created_at < ?", database.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging bridge messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purging bridge messages: %w", err)
	}
	return n, nil
}
