// Package guild manages guild records: creation (seeding the built-in
// roles and the #general channel in the same transaction), rename,
// soft-delete, and restore within the recovery window.
package guild

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// RestoreWindow is how long a soft-deleted guild can still be restored.
const RestoreWindow = 7 * 24 * time.Hour

// Sentinel errors for the guild package.
var (
	ErrNotFound             = errors.New("guild not found")
	ErrNameLength           = errors.New("name must be between 1 and 100 characters")
	ErrNotDeleted           = errors.New("guild is not deleted")
	ErrRestoreWindowExpired = errors.New("restore window expired")
)

// Guild holds the fields read from the database.
type Guild struct {
	ID        uuid.UUID
	Name      string
	OwnerID   uuid.UUID
	DeletedAt *time.Time
	CreatedAt time.Time
}

// ValidateName checks that a name is between 1 and 100 characters (runes) after trimming whitespace and returns the
// trimmed result.
func ValidateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// Repository defines the data-access contract for guild operations.
type Repository interface {
	// Create inserts the guild and, in the same transaction, its three
	// built-in roles, the creator's membership, and a #general channel, so
	// a guild is never observable without at least one channel.
	Create(ctx context.Context, name string, ownerID uuid.UUID) (*Guild, error)

	GetByID(ctx context.Context, id uuid.UUID) (*Guild, error)

	// GetIncludingDeleted also returns soft-deleted guilds, for the
	// restore path's ownership check.
	GetIncludingDeleted(ctx context.Context, id uuid.UUID) (*Guild, error)

	ListForUser(ctx context.Context, userID uuid.UUID) ([]Guild, error)
	Rename(ctx context.Context, id uuid.UUID, name string) (*Guild, error)

	// SoftDelete stamps deleted_at. The row and its channels and messages
	// stay in place until the restore window has passed.
	SoftDelete(ctx context.Context, id uuid.UUID) error

	// Restore clears deleted_at if the guild was soft-deleted less than
	// RestoreWindow ago, returning ErrRestoreWindowExpired otherwise.
	Restore(ctx context.Context, id uuid.UUID) (*Guild, error)
}
