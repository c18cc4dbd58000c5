package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectColumns = `id, user_id, device_name, last_active, created_at`

func scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	if err := row.Scan(&d.ID, &d.UserID, &d.DeviceName, &d.LastActive, &d.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan device: %w", err)
	}
	return &d, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed device repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// GetByID returns the device matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Device, error) {
	d, err := scanDevice(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM devices WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query device by id: %w", err)
	}
	return d, nil
}

// ListByUser returns every device registered to a user, most recently active first.
func (r *PGRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*Device, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM devices WHERE user_id = $1 ORDER BY last_active DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query devices by user: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return devices, nil
}

// InsertTx inserts a brand new device inside an AuthFlow-owned transaction
// (RegisterComplete and RecoveryComplete, which create a device from
// scratch rather than reusing an existing id).
func InsertTx(ctx context.Context, tx pgx.Tx, id, userID uuid.UUID, deviceName string) (*Device, error) {
	if id == uuid.Nil {
		id = uuid.New()
	}
	d, err := scanDevice(tx.QueryRow(ctx,
		`INSERT INTO devices (id, user_id, device_name, last_active)
		 VALUES ($1, $2, $3, now())
		 RETURNING `+selectColumns,
		id, userID, deviceName,
	))
	if err != nil {
		return nil, fmt.Errorf("insert device: %w", err)
	}
	return d, nil
}

// UpsertTx inserts a device for (user_id, id) or, if that id already exists
// and belongs to the same user, updates its name and last_active. LoginVerify
// uses this so returning devices don't accumulate duplicate rows. If id
// already belongs to a different user, ErrOwnedByOtherUser is returned and
// no row is modified — the conditional ON CONFLICT ... WHERE clause below
// suppresses the update and RETURNING yields nothing in that case.
func UpsertTx(ctx context.Context, tx pgx.Tx, id, userID uuid.UUID, deviceName string) (*Device, error) {
	if id == uuid.Nil {
		id = uuid.New()
	}
	row := tx.QueryRow(ctx,
		`INSERT INTO devices (id, user_id, device_name, last_active)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE SET
		     device_name = EXCLUDED.device_name,
		     last_active = now()
		 WHERE devices.user_id = EXCLUDED.user_id
		 RETURNING `+selectColumns, id, userID, deviceName)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOwnedByOtherUser
		}
		return nil, fmt.Errorf("upsert device: %w", err)
	}
	return d, nil
}

// TouchTx updates last_active for a device inside a transaction, used by
// the refresh-token rotation step.
func TouchTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	tag, err := tx.Exec(ctx, `UPDATE devices SET last_active = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAllByUserTx removes every device owned by a user inside a
// transaction — RecoveryComplete's full identity reset.
func DeleteAllByUserTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	if _, err := tx.Exec(ctx, `DELETE FROM devices WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete devices by user: %w", err)
	}
	return nil
}
