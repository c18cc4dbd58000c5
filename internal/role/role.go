// Package role manages guild roles: the three built-in roles every guild
// is seeded with (owner, admin, member) and the custom roles guild staff
// create. Positions are unique per guild and the owner role always holds
// the top position; hierarchy checks elsewhere compare positions, so
// custom roles are always inserted strictly below the owner.
package role

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/uncord-chat/uncord-protocol/permissions"
)

// Role type constants matching the database CHECK constraint. Built-in
// roles (everything except custom) are immutable.
const (
	TypeOwner  = "owner"
	TypeAdmin  = "admin"
	TypeMember = "member"
	TypeCustom = "custom"
)

// Permission bitfields assigned to the built-in roles at guild creation.
// The owner role carries AllPermissions; admin carries everything short of
// ManageServer so only the owner can touch guild-wide settings.
var (
	DefaultMemberPermissions = permissions.ViewChannels |
		permissions.SendMessages |
		permissions.ReadMessageHistory |
		permissions.AddReactions |
		permissions.EmbedLinks |
		permissions.AttachFiles |
		permissions.CreateInvites |
		permissions.ChangeNicknames

	DefaultAdminPermissions = DefaultMemberPermissions |
		permissions.ManageChannels |
		permissions.ManageMessages |
		permissions.ManageRoles |
		permissions.ManageInvites |
		permissions.ManageNicknames |
		permissions.AssignRoles |
		permissions.KickMembers |
		permissions.BanMembers |
		permissions.TimeoutMembers |
		permissions.MentionEveryone |
		permissions.ViewAuditLog
)

// Sentinel errors for the role package.
var (
	ErrNotFound         = errors.New("role not found")
	ErrAlreadyExists    = errors.New("role name or position already taken")
	ErrNameLength       = errors.New("role name must be between 1 and 100 characters")
	ErrInvalidPosition  = errors.New("position must be between 1 and the position below the owner role")
	ErrMaxRolesReached  = errors.New("maximum number of roles reached")
	ErrBuiltinImmutable = errors.New("built-in roles cannot be modified or deleted")
)

// Role holds the fields read from the database.
type Role struct {
	ID          uuid.UUID
	GuildID     uuid.UUID
	Name        string
	Permissions permissions.Permission
	Position    int
	RoleType    string
	CreatedAt   time.Time
}

// CreateParams groups the inputs for creating a custom role.
type CreateParams struct {
	Name        string
	Permissions permissions.Permission
}

// UpdateParams groups the optional fields for updating a custom role.
type UpdateParams struct {
	Name        *string
	Position    *int
	Permissions *permissions.Permission
}

// Truncate drops any bit of raw that is not a defined permission. Unknown
// bits are silently discarded rather than rejected, and only the truncated
// value is ever persisted.
func Truncate(raw int64) permissions.Permission {
	return permissions.Permission(raw) & permissions.AllPermissions
}

// ValidateNameRequired validates and trims a name that must be present. It returns the trimmed result on success.
func ValidateNameRequired(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidateName checks that a non-nil name is between 1 and 100 characters (runes) after trimming whitespace. A nil
// pointer means "no change" (useful for PATCH semantics); a non-nil pointer is always validated. On success the
// pointed-to value is replaced with the trimmed result.
func ValidateName(name *string) error {
	if name == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return ErrNameLength
	}
	*name = trimmed
	return nil
}

// Repository defines the data-access contract for role operations.
type Repository interface {
	ListByGuild(ctx context.Context, guildID uuid.UUID) ([]Role, error)
	GetByID(ctx context.Context, guildID, id uuid.UUID) (*Role, error)

	// Create inserts a custom role directly below the owner role, shifting
	// the owner up one position so it stays on top.
	Create(ctx context.Context, guildID uuid.UUID, params CreateParams, maxRoles int) (*Role, error)

	// Update applies params to a custom role. Built-in roles return
	// ErrBuiltinImmutable.
	Update(ctx context.Context, guildID, id uuid.UUID, params UpdateParams) (*Role, error)

	// Delete removes a custom role. Built-in roles return
	// ErrBuiltinImmutable.
	Delete(ctx context.Context, guildID, id uuid.UUID) error
}
