// Package prekeybundle stores the opaque, base64-wrapped PreKeyBundle
// JSON blobs devices publish at registration and recovery time, so peers
// can fetch them to bootstrap a session. This is the relational side of
// bundle publication; the device's own private key material lives only in
// its local signalproto/keystore store, never here.
package prekeybundle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a device has no published bundle.
var ErrNotFound = errors.New("pre-key bundle not found")

// Record is a published bundle as stored: opaque bytes keyed by device.
type Record struct {
	DeviceID  uuid.UUID
	Bundle    []byte
	CreatedAt time.Time
}

// Repository defines read access to published bundles.
type Repository interface {
	GetByDevice(ctx context.Context, deviceID uuid.UUID) (*Record, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed bundle repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

func scan(row pgx.Row) (*Record, error) {
	var r Record
	if err := row.Scan(&r.DeviceID, &r.Bundle, &r.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan pre-key bundle: %w", err)
	}
	return &r, nil
}

// GetByDevice returns the bundle currently published for a device.
func (r *PGRepository) GetByDevice(ctx context.Context, deviceID uuid.UUID) (*Record, error) {
	rec, err := scan(r.db.QueryRow(ctx,
		`SELECT device_id, bundle, created_at FROM pre_key_bundles WHERE device_id = $1`, deviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query pre-key bundle: %w", err)
	}
	return rec, nil
}

// InsertTx publishes a device's bundle inside an AuthFlow-owned transaction.
func InsertTx(ctx context.Context, tx pgx.Tx, deviceID uuid.UUID, bundle []byte) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO pre_key_bundles (device_id, bundle) VALUES ($1, $2)`, deviceID, bundle)
	if err != nil {
		return fmt.Errorf("insert pre-key bundle: %w", err)
	}
	return nil
}

// ReplaceTx republishes a device's bundle, overwriting any prior row —
// used when a returning device logs in again with a fresh bundle.
func ReplaceTx(ctx context.Context, tx pgx.Tx, deviceID uuid.UUID, bundle []byte) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO pre_key_bundles (device_id, bundle) VALUES ($1, $2)
		 ON CONFLICT (device_id) DO UPDATE SET bundle = EXCLUDED.bundle, created_at = now()`,
		deviceID, bundle)
	if err != nil {
		return fmt.Errorf("replace pre-key bundle: %w", err)
	}
	return nil
}
