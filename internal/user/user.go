package user

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Sentinel errors for the user package.
var (
	ErrNotFound          = errors.New("user not found")
	ErrAlreadyExists     = errors.New("email already registered")
	ErrDisplayNameLength = errors.New("display name must be between 1 and 64 Unicode characters")
	ErrInvalidEmail      = errors.New("email must contain exactly one '@' with a '.' after it")
)

// User holds the core identity fields read from the database. Unlike the
// password-based system this is adapted from, there is no credential
// hash here: identity is proven by an Ed25519 signature over a
// server-issued challenge, so PublicKey is itself the credential.
type User struct {
	ID                 uuid.UUID
	Email              string
	DisplayName        string
	PublicKey          []byte
	PublicKeyChangedAt *time.Time
	AvatarKey          *string
	AvatarThumbnailKey *string
	CreatedAt          time.Time
}

// CreateParams groups the inputs for registering a new user.
type CreateParams struct {
	Email       string
	DisplayName string
	PublicKey   []byte
}

// NormalizeEmail lowercases and trims an email address before lookup or
// storage, so "Alice@Example.com" and "alice@example.com" are the same
// account.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks the minimal shape this system's registration flow
// requires: exactly one '@', and a '.' somewhere after it.
func ValidateEmail(email string) error {
	at := strings.IndexByte(email, '@')
	if at < 0 || strings.IndexByte(email[at+1:], '@') >= 0 {
		return ErrInvalidEmail
	}
	if !strings.Contains(email[at+1:], ".") {
		return ErrInvalidEmail
	}
	return nil
}

// NormalizeDisplayName trims surrounding whitespace.
func NormalizeDisplayName(name string) string {
	return strings.TrimSpace(name)
}

// ValidateDisplayName checks the display name is 1..=64 Unicode scalars
// with no control characters.
func ValidateDisplayName(name string) error {
	n := utf8.RuneCountInString(name)
	if n < 1 || n > 64 {
		return ErrDisplayNameLength
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return ErrDisplayNameLength
		}
	}
	return nil
}

// Repository defines the data-access contract for user operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByPublicKey(ctx context.Context, publicKey []byte) (*User, error)
	UpdateDisplayName(ctx context.Context, id uuid.UUID, displayName string) (*User, error)
	UpdatePublicKey(ctx context.Context, id uuid.UUID, publicKey []byte) error

	// UpdateAvatarKey records the storage key of a freshly uploaded
	// avatar; SetAvatarThumbnailKey records the generated thumbnail's key
	// once the background worker has produced it.
	UpdateAvatarKey(ctx context.Context, id uuid.UUID, avatarKey string) (*User, error)
	SetAvatarThumbnailKey(ctx context.Context, id uuid.UUID, thumbnailKey string) error
}
