package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/futurefish/aquacore/internal/infrastructure/database"
)

// Repository persists devices and their ponds.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Device, error)
	List(ctx context.Context) ([]Device, error)
	GetPond(ctx context.Context, id string) (*Pond, error)
	Create(ctx context.Context, device *Device) error
	Rename(ctx context.Context, id, name string) error
	Delete(ctx context.Context, id string) error
}

// txRunner is implemented by *database.DB. When the repository is backed by
// one, Create inserts the device and its ponds atomically.
type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db database.Querier
}

// NewSQLiteRepository creates a new SQLite device repository.
func NewSQLiteRepository(db database.Querier) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetByID retrieves a device and its ponds.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	var (
		d                    Device
		createdAt, updatedAt string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id, created_at, updated_at FROM devices WHERE id = ?`, id,
	).Scan(&d.ID, &d.Name, &d.OwnerID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}
	if d.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}

	ponds, err := r.queryPonds(ctx, `WHERE device_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	d.Ponds = ponds
	return &d, nil
}

// List retrieves all devices with their ponds, ordered by ID.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, owner_id, created_at, updated_at FROM devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	index := make(map[string]int)
	for rows.Next() {
		var (
			d                    Device
			createdAt, updatedAt string
		)
		if err := rows.Scan(&d.ID, &d.Name, &d.OwnerID, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		if d.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, err
		}
		if d.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
			return nil, err
		}
		index[d.ID] = len(devices)
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	rows.Close()

	ponds, err := r.queryPonds(ctx, `ORDER BY device_id, position`)
	if err != nil {
		return nil, err
	}
	for _, p := range ponds {
		if i, ok := index[p.DeviceID]; ok {
			devices[i].Ponds = append(devices[i].Ponds, p)
		}
	}
	return devices, nil
}

// GetPond retrieves a single pond by ID.
func (r *SQLiteRepository) GetPond(ctx context.Context, id string) (*Pond, error) {
	ponds, err := r.queryPonds(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(ponds) == 0 {
		return nil, ErrPondNotFound
	}
	return &ponds[0], nil
}

// Create inserts a device and its ponds. Pond owner defaults to the device
// owner.
func (r *SQLiteRepository) Create(ctx context.Context, device *Device) error {
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now
	for i := range device.Ponds {
		p := &device.Ponds[i]
		p.DeviceID = device.ID
		if p.OwnerID == "" {
			p.OwnerID = device.OwnerID
		}
		p.CreatedAt = device.CreatedAt
		p.UpdatedAt = now
	}

	if tx, ok := r.db.(txRunner); ok {
		return tx.WithTx(ctx, func(tx *sql.Tx) error {
			return insertDevice(ctx, tx, device)
		})
	}
	return insertDevice(ctx, r.db, device)
}

func insertDevice(ctx context.Context, q database.Querier, d *Device) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO devices (id, name, owner_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.OwnerID, database.FormatTime(d.CreatedAt), database.FormatTime(d.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	for _, p := range d.Ponds {
		_, err := q.ExecContext(ctx, `
			INSERT INTO ponds (id, device_id, position, name, owner_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.DeviceID, int64(p.Position), p.Name, p.OwnerID,
			database.FormatTime(p.CreatedAt), database.FormatTime(p.UpdatedAt))
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%w: pond %s or position %d already registered", ErrInvalidPond, p.ID, p.Position)
			}
			return fmt.Errorf("inserting pond: %w", err)
		}
	}
	return nil
}

// Rename changes a device's display name.
func (r *SQLiteRepository) Rename(ctx context.Context, id, name string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET name = ?, updated_at = ? WHERE id = ?`,
		name, database.FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("renaming device: %w", err)
	}
	return requireOneRow(result, ErrDeviceNotFound)
}

// Delete removes a device; its ponds cascade.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return requireOneRow(result, ErrDeviceNotFound)
}

func (r *SQLiteRepository) queryPonds(ctx context.Context, where string, args ...any) ([]Pond, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, position, name, owner_id, created_at, updated_at FROM ponds `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying ponds: %w", err)
	}
	defer rows.Close()

	var ponds []Pond
	for rows.Next() {
		p, err := scanPond(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pond: %w", err)
		}
		ponds = append(ponds, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ponds: %w", err)
	}
	return ponds, nil
}

func scanPond(row database.RowScanner) (*Pond, error) {
	var (
		p                    Pond
		position             int64
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &p.DeviceID, &position, &p.Name, &p.OwnerID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Position = int(position)

	var err error
	if p.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func requireOneRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// isUniqueConstraintError reports whether err is a SQLite unique or primary
// key violation.
func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
