package permission

import (
	"context"

	"github.com/google/uuid"
	"github.com/uncord-chat/uncord-protocol/permissions"
)

// RolePermEntry is one role a user holds, carrying that role's permission
// bitfield and position. Position is kept so the resolver can compute a
// user's highest role for hierarchy checks without a second query.
type RolePermEntry struct {
	RoleID      uuid.UUID
	Position    int
	Permissions permissions.Permission
}

// Store reads the data the guild-role-union algorithm needs: ownership,
// the roles a user holds in a guild (always including @everyone), and the
// guild a channel belongs to. There are no per-channel or per-category
// overrides in this model — a channel's effective permissions are exactly
// its guild's.
type Store interface {
	// IsOwner reports whether userID owns guildID.
	IsOwner(ctx context.Context, guildID, userID uuid.UUID) (bool, error)

	// RolePermissions returns every role userID holds in guildID, plus the
	// guild's @everyone role, regardless of whether userID holds it
	// explicitly.
	RolePermissions(ctx context.Context, guildID, userID uuid.UUID) ([]RolePermEntry, error)

	// ChannelGuild returns the guild a channel belongs to.
	ChannelGuild(ctx context.Context, channelID uuid.UUID) (uuid.UUID, error)
}
