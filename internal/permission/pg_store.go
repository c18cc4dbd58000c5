package permission

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/uncord-chat/uncord-protocol/permissions"
)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore creates a new PostgreSQL-backed permission store.
func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

// IsOwner reports whether the given user owns the given guild.
func (s *PGStore) IsOwner(ctx context.Context, guildID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM guilds WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL)",
		guildID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check owner: %w", err)
	}
	return exists, nil
}

// RolePermissions returns the permission bitfield and position of every
// role userID holds in guildID, unioned with the guild's @everyone role
// (which every member holds implicitly, whether or not it appears in
// guild_member_roles).
func (s *PGStore) RolePermissions(ctx context.Context, guildID, userID uuid.UUID) ([]RolePermEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT r.id, r.position, r.permissions FROM roles r
		JOIN guild_member_roles gmr ON gmr.role_id = r.id
		WHERE gmr.guild_id = $1 AND gmr.user_id = $2
		UNION
		SELECT r.id, r.position, r.permissions FROM roles r
		WHERE r.guild_id = $1 AND r.role_type = 'member'
	`, guildID, userID)
	if err != nil {
		return nil, fmt.Errorf("query role permissions: %w", err)
	}
	defer rows.Close()

	var entries []RolePermEntry
	for rows.Next() {
		var e RolePermEntry
		var perms int64
		if err := rows.Scan(&e.RoleID, &e.Position, &perms); err != nil {
			return nil, fmt.Errorf("scan role permission: %w", err)
		}
		e.Permissions = permissions.Permission(perms)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ChannelGuild returns the guild a channel belongs to.
func (s *PGStore) ChannelGuild(ctx context.Context, channelID uuid.UUID) (uuid.UUID, error) {
	var guildID uuid.UUID
	err := s.db.QueryRow(ctx,
		"SELECT guild_id FROM channels WHERE id = $1", channelID,
	).Scan(&guildID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("query channel guild: %w", err)
	}
	return guildID, nil
}
