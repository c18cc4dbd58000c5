// Package attachment stores metadata for encrypted file uploads. The blob
// itself is client-side encrypted before upload and stored opaquely in the
// object store; the row carries the client-asserted name and MIME type and
// the wrapped blob key peers need to decrypt it. The server validates
// only syntax — it cannot inspect ciphertext.
package attachment

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Validation bounds for client-supplied metadata.
const (
	MaxFileNameLength = 255
	MaxMimeTypeLength = 127
	MaxBlobKeyLength  = 4096
)

// mimeGrammar is the type/subtype shape a client-asserted MIME type must
// have. Parameters are not accepted.
var mimeGrammar = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9!#$&^_.+-]*/[a-zA-Z0-9][a-zA-Z0-9!#$&^_.+-]*$`)

// Sentinel errors for the attachment package.
var (
	ErrNotFound        = errors.New("file not found")
	ErrEmptyFileName   = errors.New("file name must not be empty after sanitization")
	ErrFileNameLength  = errors.New("file name must be 255 characters or fewer")
	ErrInvalidMimeType = errors.New("mime type must be a type/subtype pair")
	ErrBlobKeyTooLarge = errors.New("encrypted blob key must be 4096 bytes or fewer")
)

// File holds the fields read from the database. Exactly one of ChannelID
// and DMChannelID is non-nil, mirroring the table's CHECK constraint; the
// storage key's prefix encodes the same scope and is what download
// authorization is derived from.
type File struct {
	ID               uuid.UUID
	ChannelID        *uuid.UUID
	DMChannelID      *uuid.UUID
	UploaderID       uuid.UUID
	FileName         string
	MimeType         string
	SizeBytes        int64
	EncryptedBlobKey []byte
	StorageKey       string
	CreatedAt        time.Time
}

// CreateParams groups the inputs for inserting a file record after its
// blob has been written to the object store.
type CreateParams struct {
	ChannelID        *uuid.UUID
	DMChannelID      *uuid.UUID
	UploaderID       uuid.UUID
	FileName         string
	MimeType         string
	SizeBytes        int64
	EncryptedBlobKey []byte
	StorageKey       string
}

// SanitizeFileName strips control characters, path separators, and double
// quotes from a client-supplied name, then validates the result is
// non-empty and within length. The sanitized name is also what
// Content-Disposition serves on download.
func SanitizeFileName(name string) (string, error) {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsControl(r) || r == '/' || r == '\\' || r == '"' {
			continue
		}
		b.WriteRune(r)
	}
	sanitized := strings.TrimSpace(b.String())
	if sanitized == "" {
		return "", ErrEmptyFileName
	}
	if utf8.RuneCountInString(sanitized) > MaxFileNameLength {
		return "", ErrFileNameLength
	}
	return sanitized, nil
}

// ValidateMimeType checks a client-asserted MIME type is a plain
// type/subtype pair with no parameters or control characters.
func ValidateMimeType(mimeType string) error {
	if len(mimeType) == 0 || len(mimeType) > MaxMimeTypeLength {
		return ErrInvalidMimeType
	}
	if !mimeGrammar.MatchString(mimeType) {
		return ErrInvalidMimeType
	}
	return nil
}

// ValidateBlobKey bounds the wrapped per-file key blob.
func ValidateBlobKey(blobKey []byte) error {
	if len(blobKey) > MaxBlobKeyLength {
		return ErrBlobKeyTooLarge
	}
	return nil
}

// StorageKeyFor builds the object-store key for a new upload:
// guilds/<guild>/<channel>/<uuid> for guild channels,
// dm/<dm_channel>/<uuid> for DM channels.
func StorageKeyFor(guildID uuid.UUID, channelID, dmChannelID *uuid.UUID, fileID uuid.UUID) string {
	if dmChannelID != nil {
		return "dm/" + dmChannelID.String() + "/" + fileID.String()
	}
	return "guilds/" + guildID.String() + "/" + channelID.String() + "/" + fileID.String()
}

// Repository defines the data-access contract for file metadata.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*File, error)
	GetByID(ctx context.Context, id uuid.UUID) (*File, error)
	ListByChannel(ctx context.Context, channelID uuid.UUID) ([]File, error)
	ListByDMChannel(ctx context.Context, dmChannelID uuid.UUID) ([]File, error)

	// Delete removes the metadata row and returns the storage key so the
	// caller can delete the blob.
	Delete(ctx context.Context, id uuid.UUID) (storageKey string, err error)
}
