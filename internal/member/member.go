// Package member manages guild membership and per-member role
// assignments. Joining and leaving are row inserts and deletes on the
// guild_members join table; the built-in member role is implicit (every
// member holds it without a guild_member_roles row), so only explicit
// assignments of the admin, owner, and custom roles are stored.
package member

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the member package.
var (
	ErrNotFound      = errors.New("member not found")
	ErrAlreadyMember = errors.New("user is already a member of this guild")
	ErrRoleNotFound  = errors.New("role not found in this guild")
	ErrOwnerLeaving  = errors.New("the guild owner cannot leave their own guild")
)

// Member is one guild membership row, with the user's display name joined
// in for listing.
type Member struct {
	UserID      uuid.UUID
	GuildID     uuid.UUID
	DisplayName string
	JoinedAt    time.Time
	RoleIDs     []uuid.UUID
}

// Repository defines the data-access contract for membership operations.
type Repository interface {
	ListByGuild(ctx context.Context, guildID uuid.UUID) ([]Member, error)
	Get(ctx context.Context, guildID, userID uuid.UUID) (*Member, error)
	IsMember(ctx context.Context, guildID, userID uuid.UUID) (bool, error)

	// GuildIDsForUser returns the live guilds a user belongs to. The
	// gateway calls this on connect to build the Ready payload and the
	// presence layer on every broadcast, so it must stay cheap.
	GuildIDsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)

	Join(ctx context.Context, guildID, userID uuid.UUID) (*Member, error)

	// Remove deletes a membership, cascading the member's role
	// assignments. Used by both leave and kick; the hierarchy check for
	// kick happens at the handler.
	Remove(ctx context.Context, guildID, userID uuid.UUID) error

	// AddRole assigns a role to a member. The role must belong to the same
	// guild as the membership.
	AddRole(ctx context.Context, guildID, userID, roleID uuid.UUID) error
	RemoveRole(ctx context.Context, guildID, userID, roleID uuid.UUID) error
}
