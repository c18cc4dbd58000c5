package member

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/nisarsyed/openconv/internal/postgres"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed membership repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// InsertTx adds a membership row inside the caller's transaction, used by
// guild creation and invite redemption.
func InsertTx(ctx context.Context, tx pgx.Tx, userID, guildID uuid.UUID) error {
	_, err := tx.Exec(ctx,
		"INSERT INTO guild_members (user_id, guild_id) VALUES ($1, $2)", userID, guildID,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return ErrAlreadyMember
		}
		return fmt.Errorf("insert guild member: %w", err)
	}
	return nil
}

// AssignRoleTx assigns a role to a member inside the caller's transaction.
func AssignRoleTx(ctx context.Context, tx pgx.Tx, userID, guildID, roleID uuid.UUID) error {
	_, err := tx.Exec(ctx,
		"INSERT INTO guild_member_roles (user_id, guild_id, role_id) VALUES ($1, $2, $3)",
		userID, guildID, roleID,
	)
	if err != nil {
		return fmt.Errorf("assign member role: %w", err)
	}
	return nil
}

// ListByGuild returns a guild's members with their display names and
// explicit role assignments, ordered by join time.
func (r *PGRepository) ListByGuild(ctx context.Context, guildID uuid.UUID) ([]Member, error) {
	rows, err := r.db.Query(ctx, `
		SELECT m.user_id, m.guild_id, u.display_name, m.joined_at,
		       COALESCE(array_agg(gmr.role_id) FILTER (WHERE gmr.role_id IS NOT NULL), '{}')
		FROM guild_members m
		JOIN users u ON u.id = m.user_id
		LEFT JOIN guild_member_roles gmr ON gmr.user_id = m.user_id AND gmr.guild_id = m.guild_id
		WHERE m.guild_id = $1
		GROUP BY m.user_id, m.guild_id, u.display_name, m.joined_at
		ORDER BY m.joined_at`,
		guildID,
	)
	if err != nil {
		return nil, fmt.Errorf("query guild members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.GuildID, &m.DisplayName, &m.JoinedAt, &m.RoleIDs); err != nil {
			return nil, fmt.Errorf("scan guild member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate guild members: %w", err)
	}
	return members, nil
}

// Get returns one membership with its role assignments.
func (r *PGRepository) Get(ctx context.Context, guildID, userID uuid.UUID) (*Member, error) {
	var m Member
	err := r.db.QueryRow(ctx, `
		SELECT m.user_id, m.guild_id, u.display_name, m.joined_at,
		       COALESCE(array_agg(gmr.role_id) FILTER (WHERE gmr.role_id IS NOT NULL), '{}')
		FROM guild_members m
		JOIN users u ON u.id = m.user_id
		LEFT JOIN guild_member_roles gmr ON gmr.user_id = m.user_id AND gmr.guild_id = m.guild_id
		WHERE m.guild_id = $1 AND m.user_id = $2
		GROUP BY m.user_id, m.guild_id, u.display_name, m.joined_at`,
		guildID, userID,
	).Scan(&m.UserID, &m.GuildID, &m.DisplayName, &m.JoinedAt, &m.RoleIDs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query guild member: %w", err)
	}
	return &m, nil
}

// IsMember reports whether userID belongs to guildID.
func (r *PGRepository) IsMember(ctx context.Context, guildID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM guild_members WHERE guild_id = $1 AND user_id = $2)",
		guildID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return exists, nil
}

// GuildIDsForUser returns the IDs of every live guild the user belongs to.
func (r *PGRepository) GuildIDsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		SELECT m.guild_id FROM guild_members m
		JOIN guilds g ON g.id = m.guild_id
		WHERE m.user_id = $1 AND g.deleted_at IS NULL
		ORDER BY m.joined_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query guild ids for user: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan guild id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate guild ids: %w", err)
	}
	return ids, nil
}

// Join adds userID to guildID and returns the new membership.
func (r *PGRepository) Join(ctx context.Context, guildID, userID uuid.UUID) (*Member, error) {
	_, err := r.db.Exec(ctx,
		"INSERT INTO guild_members (user_id, guild_id) VALUES ($1, $2)", userID, guildID,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyMember
		}
		return nil, fmt.Errorf("insert guild member: %w", err)
	}
	return r.Get(ctx, guildID, userID)
}

// Remove deletes a membership. The guild owner cannot be removed; their
// membership ends only when the guild does.
func (r *PGRepository) Remove(ctx context.Context, guildID, userID uuid.UUID) error {
	var isOwner bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM guilds WHERE id = $1 AND owner_id = $2)", guildID, userID,
	).Scan(&isOwner)
	if err != nil {
		return fmt.Errorf("check guild owner: %w", err)
	}
	if isOwner {
		return ErrOwnerLeaving
	}

	tag, err := r.db.Exec(ctx,
		"DELETE FROM guild_members WHERE guild_id = $1 AND user_id = $2", guildID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete guild member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddRole assigns a role to a member. The subquery pins the role to the
// same guild so a role ID from another guild cannot be attached.
func (r *PGRepository) AddRole(ctx context.Context, guildID, userID, roleID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO guild_member_roles (user_id, guild_id, role_id)
		SELECT $1, $2, r.id FROM roles r WHERE r.id = $3 AND r.guild_id = $2
		ON CONFLICT DO NOTHING`,
		userID, guildID, roleID,
	)
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("add member role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the role does not exist in this guild, or the member
		// already holds it. Only the former is an error.
		var exists bool
		if err := r.db.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM roles WHERE id = $1 AND guild_id = $2)", roleID, guildID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check role existence: %w", err)
		}
		if !exists {
			return ErrRoleNotFound
		}
	}
	return nil
}

// RemoveRole removes a role assignment from a member.
func (r *PGRepository) RemoveRole(ctx context.Context, guildID, userID, roleID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM guild_member_roles WHERE user_id = $1 AND guild_id = $2 AND role_id = $3",
		userID, guildID, roleID,
	)
	if err != nil {
		return fmt.Errorf("remove member role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
