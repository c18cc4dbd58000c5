package invite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/nisarsyed/openconv/internal/member"
	"github.com/nisarsyed/openconv/internal/postgres"
)

const selectColumns = "code, guild_id, inviter_id, max_uses, use_count, expires_at, created_at"

// createAttempts bounds retries on the vanishingly unlikely code
// collision.
const createAttempts = 3

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed invite repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

func scanInvite(row pgx.Row) (*Invite, error) {
	var inv Invite
	err := row.Scan(
		&inv.Code, &inv.GuildID, &inv.InviterID, &inv.MaxUses,
		&inv.UseCount, &inv.ExpiresAt, &inv.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// Create inserts a new invite with a freshly generated code, retrying on a
// code collision.
func (r *PGRepository) Create(ctx context.Context, guildID, inviterID uuid.UUID, params CreateParams) (*Invite, error) {
	for attempt := 0; attempt < createAttempts; attempt++ {
		code, err := GenerateCode()
		if err != nil {
			return nil, err
		}

		row := r.db.QueryRow(ctx, fmt.Sprintf(
			`INSERT INTO guild_invites (code, guild_id, inviter_id, max_uses, expires_at)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING %s`, selectColumns),
			code, guildID, inviterID, params.MaxUses, params.ExpiresAt,
		)
		inv, err := scanInvite(row)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				continue
			}
			return nil, fmt.Errorf("insert invite: %w", err)
		}
		return inv, nil
	}
	return nil, fmt.Errorf("insert invite: exhausted %d code attempts", createAttempts)
}

// GetByCode returns the invite with the given code.
func (r *PGRepository) GetByCode(ctx context.Context, code string) (*Invite, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(
		"SELECT %s FROM guild_invites WHERE code = $1", selectColumns), code,
	)
	inv, err := scanInvite(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query invite by code: %w", err)
	}
	return inv, nil
}

// ListByGuild returns a guild's invites, newest first.
func (r *PGRepository) ListByGuild(ctx context.Context, guildID uuid.UUID) ([]Invite, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM guild_invites WHERE guild_id = $1 ORDER BY created_at DESC", selectColumns),
		guildID,
	)
	if err != nil {
		return nil, fmt.Errorf("query invites: %w", err)
	}
	defer rows.Close()

	var invites []Invite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		invites = append(invites, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invites: %w", err)
	}
	return invites, nil
}

// Delete revokes an invite. The guild scope prevents revoking another
// guild's invite through a guessed code.
func (r *PGRepository) Delete(ctx context.Context, guildID uuid.UUID, code string) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM guild_invites WHERE guild_id = $1 AND code = $2", guildID, code,
	)
	if err != nil {
		return fmt.Errorf("delete invite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Redeem consumes one use of the invite and joins userID to its guild.
// The invite row is locked for the check-and-increment so a one-use
// invite cannot be redeemed twice by racing requests.
func (r *PGRepository) Redeem(ctx context.Context, code string, userID uuid.UUID) (uuid.UUID, error) {
	var guildID uuid.UUID
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, fmt.Sprintf(
			"SELECT %s FROM guild_invites WHERE code = $1 FOR UPDATE", selectColumns), code,
		)
		inv, err := scanInvite(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock invite: %w", err)
		}
		if err := inv.Usable(time.Now()); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			"UPDATE guild_invites SET use_count = use_count + 1 WHERE code = $1", code,
		); err != nil {
			return fmt.Errorf("increment invite use count: %w", err)
		}

		if err := member.InsertTx(ctx, tx, userID, inv.GuildID); err != nil {
			return err
		}
		guildID = inv.GuildID
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return guildID, nil
}
