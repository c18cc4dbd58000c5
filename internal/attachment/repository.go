package attachment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = `id, channel_id, dm_channel_id, uploader_id, file_name, mime_type,
size_bytes, encrypted_blob_key, storage_key, created_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed file repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

func scanFile(row pgx.Row) (*File, error) {
	var f File
	err := row.Scan(
		&f.ID, &f.ChannelID, &f.DMChannelID, &f.UploaderID, &f.FileName, &f.MimeType,
		&f.SizeBytes, &f.EncryptedBlobKey, &f.StorageKey, &f.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// Create inserts a file metadata row. The blob must already be in the
// object store; on failure the caller best-effort deletes it.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*File, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO files (channel_id, dm_channel_id, uploader_id, file_name, mime_type, size_bytes, encrypted_blob_key, storage_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+selectColumns,
		params.ChannelID, params.DMChannelID, params.UploaderID, params.FileName,
		params.MimeType, params.SizeBytes, params.EncryptedBlobKey, params.StorageKey,
	)
	f, err := scanFile(row)
	if err != nil {
		return nil, fmt.Errorf("insert file: %w", err)
	}
	return f, nil
}

// GetByID returns a single file record by ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*File, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM files WHERE id = $1", id,
	)
	f, err := scanFile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query file by id: %w", err)
	}
	return f, nil
}

// ListByChannel returns a guild channel's files, newest first.
func (r *PGRepository) ListByChannel(ctx context.Context, channelID uuid.UUID) ([]File, error) {
	return r.list(ctx, "channel_id", channelID)
}

// ListByDMChannel is the DM-channel equivalent of ListByChannel.
func (r *PGRepository) ListByDMChannel(ctx context.Context, dmChannelID uuid.UUID) ([]File, error) {
	return r.list(ctx, "dm_channel_id", dmChannelID)
}

func (r *PGRepository) list(ctx context.Context, scopeColumn string, scopeID uuid.UUID) ([]File, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+selectColumns+" FROM files WHERE "+scopeColumn+" = $1 ORDER BY created_at DESC",
		scopeID,
	)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return files, nil
}

// Delete removes a file's metadata row and returns its storage key so the
// caller can remove the blob.
func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) (string, error) {
	var storageKey string
	err := r.db.QueryRow(ctx,
		"DELETE FROM files WHERE id = $1 RETURNING storage_key", id,
	).Scan(&storageKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("delete file: %w", err)
	}
	return storageKey, nil
}
