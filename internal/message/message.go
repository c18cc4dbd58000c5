// Package message stores the encrypted messages exchanged in guild channels
// and DM channels. The server never sees plaintext: every row carries
// ciphertext and a nonce produced by the Signal-protocol layer on the
// sending device, and a soft-deleted row has both zeroed in place.
package message

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the message package.
var (
	ErrNotFound        = errors.New("message not found")
	ErrEmptyCiphertext = errors.New("encrypted content must not be empty")
	ErrEmptyNonce      = errors.New("nonce must not be empty")
	ErrNotAuthor       = errors.New("you can only modify your own messages")
	ErrAlreadyDeleted  = errors.New("message has already been deleted")
	ErrAmbiguousScope  = errors.New("message must belong to exactly one of a channel or a DM channel")
)

// Pagination defaults for keyset cursor history queries.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Message holds the fields read from the database. Exactly one of ChannelID
// and DMChannelID is non-nil, mirroring the table's CHECK constraint.
type Message struct {
	ID               uuid.UUID
	ChannelID        *uuid.UUID
	DMChannelID      *uuid.UUID
	SenderID         uuid.UUID
	EncryptedContent []byte
	Nonce            []byte
	EditedAt         *time.Time
	Deleted          bool
	CreatedAt        time.Time
}

// CreateParams groups the inputs for creating a new message. Exactly one of
// ChannelID and DMChannelID must be set.
type CreateParams struct {
	ChannelID        *uuid.UUID
	DMChannelID      *uuid.UUID
	SenderID         uuid.UUID
	EncryptedContent []byte
	Nonce            []byte
}

// ValidateCiphertext checks that the encrypted content and nonce are both
// non-empty. The server cannot validate plaintext shape, only that the
// wire pair is present.
func ValidateCiphertext(encryptedContent, nonce []byte) error {
	if len(encryptedContent) == 0 {
		return ErrEmptyCiphertext
	}
	if len(nonce) == 0 {
		return ErrEmptyNonce
	}
	return nil
}

// ClampLimit constrains a requested page size to [1, MaxLimit], defaulting to
// DefaultLimit when the input is zero or negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Repository defines the data-access contract for message operations. List
// methods accept a decoded cursor and fetch one row more than limit
// internally to compute hasMore without a second round trip; callers get at
// most limit rows.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Message, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)
	ListByChannel(ctx context.Context, channelID uuid.UUID, cursor *Cursor, limit int) (msgs []Message, hasMore bool, err error)
	ListByDMChannel(ctx context.Context, dmChannelID uuid.UUID, cursor *Cursor, limit int) (msgs []Message, hasMore bool, err error)

	// UpdateContent overwrites a message's ciphertext and nonce. channelID
	// and dmChannelID (exactly one non-nil) and senderID must all match the
	// stored row, mirroring the "edit your own message in this channel"
	// ownership check done at the fan-out layer.
	UpdateContent(ctx context.Context, id uuid.UUID, channelID, dmChannelID *uuid.UUID, senderID uuid.UUID, encryptedContent, nonce []byte) (*Message, error)

	// SoftDeleteOwned deletes a message owned by senderID, zeroing its
	// ciphertext and nonce in the same statement. Returns false (not an
	// error) if no matching non-deleted row exists, so the caller can fall
	// back to SoftDeleteAny for privileged deletes.
	SoftDeleteOwned(ctx context.Context, id uuid.UUID, channelID, dmChannelID *uuid.UUID, senderID uuid.UUID) (bool, error)

	// SoftDeleteAny deletes a message regardless of sender, for actors
	// holding a manage-messages permission.
	SoftDeleteAny(ctx context.Context, id uuid.UUID, channelID, dmChannelID *uuid.UUID) (bool, error)

	// ListSince returns non-deleted channel messages strictly after marker,
	// oldest first, capped at limit. A nil marker returns no rows: replay
	// only ever resumes from a previously recorded position, it never
	// backfills the whole channel.
	ListSince(ctx context.Context, channelID uuid.UUID, marker *Cursor, limit int) ([]Message, error)
}
