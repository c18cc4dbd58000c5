// Package invite manages guild invite codes: short base62 codes with
// optional expiry and use caps, redeemed to join a guild.
package invite

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CodeLength is the length of a generated invite code.
const CodeLength = 8

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Sentinel errors for the invite package.
var (
	ErrNotFound       = errors.New("invite not found")
	ErrExpired        = errors.New("invite has expired")
	ErrMaxUsesReached = errors.New("invite has no uses remaining")
	ErrInvalidMaxUses = errors.New("max uses must be positive")
	ErrInvalidExpiry  = errors.New("expiry must be in the future")
)

// Invite holds the fields read from the database.
type Invite struct {
	Code      string
	GuildID   uuid.UUID
	InviterID uuid.UUID
	MaxUses   *int
	UseCount  int
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// CreateParams groups the inputs for creating an invite. Nil MaxUses means
// unlimited; nil ExpiresAt means the invite never expires.
type CreateParams struct {
	MaxUses   *int
	ExpiresAt *time.Time
}

// Validate checks the optional limits on a new invite.
func (p CreateParams) Validate(now time.Time) error {
	if p.MaxUses != nil && *p.MaxUses < 1 {
		return ErrInvalidMaxUses
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return ErrInvalidExpiry
	}
	return nil
}

// GenerateCode returns a fresh random base62 code. Collisions are left to
// the caller: the codes table's primary key rejects a duplicate and the
// caller retries with a new code.
func GenerateCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate invite code: %w", err)
	}
	code := make([]byte, CodeLength)
	for i, b := range buf {
		code[i] = base62Alphabet[int(b)%len(base62Alphabet)]
	}
	return string(code), nil
}

// Usable reports whether the invite can still be redeemed at now.
func (i *Invite) Usable(now time.Time) error {
	if i.ExpiresAt != nil && !i.ExpiresAt.After(now) {
		return ErrExpired
	}
	if i.MaxUses != nil && i.UseCount >= *i.MaxUses {
		return ErrMaxUsesReached
	}
	return nil
}

// Repository defines the data-access contract for invite operations.
type Repository interface {
	Create(ctx context.Context, guildID, inviterID uuid.UUID, params CreateParams) (*Invite, error)
	GetByCode(ctx context.Context, code string) (*Invite, error)
	ListByGuild(ctx context.Context, guildID uuid.UUID) ([]Invite, error)
	Delete(ctx context.Context, guildID uuid.UUID, code string) error

	// Redeem consumes one use of the invite and adds userID to its guild,
	// atomically: the invite row is locked so two racing redemptions of a
	// one-use invite cannot both succeed. Returns the guild joined.
	Redeem(ctx context.Context, code string, userID uuid.UUID) (guildID uuid.UUID, err error)
}
