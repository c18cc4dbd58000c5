// Package device manages the per-(user, installation) device records
// AuthFlow creates and touches during registration and login.
package device

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the device package.
var (
	ErrNotFound         = errors.New("device not found")
	ErrOwnedByOtherUser = errors.New("device id already belongs to a different user")
)

// Device is one row per (user, installation) — the unit AuthFlow scopes
// pre-key bundles, refresh-token families, and gateway connections to.
type Device struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	DeviceName string
	LastActive time.Time
	CreatedAt  time.Time
}

// Repository defines read access to devices outside of AuthFlow's own
// transactions, which write devices directly via UpsertTx/InsertTx.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Device, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*Device, error)
}
