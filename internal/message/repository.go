package message

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = `id, channel_id, dm_channel_id, sender_id, encrypted_content, nonce, edited_at, deleted, created_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed message repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

func scanMessage(row pgx.Row) (*Message, error) {
	var msg Message
	if err := row.Scan(
		&msg.ID, &msg.ChannelID, &msg.DMChannelID, &msg.SenderID,
		&msg.EncryptedContent, &msg.Nonce, &msg.EditedAt, &msg.Deleted, &msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Create inserts a new message and returns it.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Message, error) {
	if (params.ChannelID == nil) == (params.DMChannelID == nil) {
		return nil, ErrAmbiguousScope
	}
	row := r.db.QueryRow(ctx, fmt.Sprintf(
		`INSERT INTO messages (channel_id, dm_channel_id, sender_id, encrypted_content, nonce)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING %s`, selectColumns),
		params.ChannelID, params.DMChannelID, params.SenderID, params.EncryptedContent, params.Nonce,
	)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// GetByID returns a single non-deleted message by ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(
		"SELECT %s FROM messages WHERE id = $1 AND deleted = false", selectColumns), id,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query message by id: %w", err)
	}
	return msg, nil
}

// ListByChannel returns non-deleted messages in a guild channel ordered
// newest first, over-fetching by one row to report has_more.
func (r *PGRepository) ListByChannel(ctx context.Context, channelID uuid.UUID, cursor *Cursor, limit int) ([]Message, bool, error) {
	return r.list(ctx, "channel_id", channelID, cursor, limit)
}

// ListByDMChannel is the DM-channel equivalent of ListByChannel.
func (r *PGRepository) ListByDMChannel(ctx context.Context, dmChannelID uuid.UUID, cursor *Cursor, limit int) ([]Message, bool, error) {
	return r.list(ctx, "dm_channel_id", dmChannelID, cursor, limit)
}

func (r *PGRepository) list(ctx context.Context, scopeColumn string, scopeID uuid.UUID, cursor *Cursor, limit int) ([]Message, bool, error) {
	fetch := limit + 1

	var rows pgx.Rows
	var err error
	if cursor != nil {
		rows, err = r.db.Query(ctx, fmt.Sprintf(
			`SELECT %s FROM messages
			 WHERE %s = $1 AND deleted = false AND (created_at, id) < ($2, $3)
			 ORDER BY created_at DESC, id DESC
			 LIMIT $4`, selectColumns, scopeColumn),
			scopeID, cursor.CreatedAt, cursor.ID, fetch,
		)
	} else {
		rows, err = r.db.Query(ctx, fmt.Sprintf(
			`SELECT %s FROM messages
			 WHERE %s = $1 AND deleted = false
			 ORDER BY created_at DESC, id DESC
			 LIMIT $2`, selectColumns, scopeColumn),
			scopeID, fetch,
		)
	}
	if err != nil {
		return nil, false, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, false, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate messages: %w", err)
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	return messages, hasMore, nil
}

// UpdateContent overwrites a message's ciphertext and nonce, stamping
// edited_at. The WHERE clause uses IS NOT DISTINCT FROM so exactly one of
// channelID/dmChannelID may be supplied (the other nil) and still match a
// NULL column.
func (r *PGRepository) UpdateContent(ctx context.Context, id uuid.UUID, channelID, dmChannelID *uuid.UUID, senderID uuid.UUID, encryptedContent, nonce []byte) (*Message, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(
		`UPDATE messages SET encrypted_content = $1, nonce = $2, edited_at = NOW()
		 WHERE id = $3 AND channel_id IS NOT DISTINCT FROM $4 AND dm_channel_id IS NOT DISTINCT FROM $5
		   AND sender_id = $6 AND deleted = false
		 RETURNING %s`, selectColumns),
		encryptedContent, nonce, id, channelID, dmChannelID, senderID,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update message: %w", err)
	}
	return msg, nil
}

// SoftDeleteOwned soft-deletes a message only if senderID owns it, zeroing
// the ciphertext and nonce in the same statement (crypto erasure).
func (r *PGRepository) SoftDeleteOwned(ctx context.Context, id uuid.UUID, channelID, dmChannelID *uuid.UUID, senderID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE messages SET deleted = true, encrypted_content = '', nonce = ''
		 WHERE id = $1 AND channel_id IS NOT DISTINCT FROM $2 AND dm_channel_id IS NOT DISTINCT FROM $3
		   AND sender_id = $4 AND deleted = false`,
		id, channelID, dmChannelID, senderID,
	)
	if err != nil {
		return false, fmt.Errorf("soft delete owned message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SoftDeleteAny soft-deletes a message regardless of sender, for a
// manage-messages-privileged actor.
func (r *PGRepository) SoftDeleteAny(ctx context.Context, id uuid.UUID, channelID, dmChannelID *uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE messages SET deleted = true, encrypted_content = '', nonce = ''
		 WHERE id = $1 AND channel_id IS NOT DISTINCT FROM $2 AND dm_channel_id IS NOT DISTINCT FROM $3
		   AND deleted = false`,
		id, channelID, dmChannelID,
	)
	if err != nil {
		return false, fmt.Errorf("soft delete message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListSince returns non-deleted channel messages strictly after marker,
// oldest first, capped at limit. Used to replay what a reconnecting device
// missed while disconnected.
func (r *PGRepository) ListSince(ctx context.Context, channelID uuid.UUID, marker *Cursor, limit int) ([]Message, error) {
	if marker == nil {
		return nil, nil
	}

	rows, err := r.db.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM messages
		 WHERE channel_id = $1 AND deleted = false AND (created_at, id) > ($2, $3)
		 ORDER BY created_at ASC, id ASC
		 LIMIT $4`, selectColumns),
		channelID, marker.CreatedAt, marker.ID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages since marker: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages since marker: %w", err)
	}
	return messages, nil
}
