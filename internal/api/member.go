package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/uncord-chat/uncord-protocol/permissions"

	"github.com/nisarsyed/openconv/internal/apierr"
	"github.com/nisarsyed/openconv/internal/fanout"
	"github.com/nisarsyed/openconv/internal/httputil"
	"github.com/nisarsyed/openconv/internal/member"
	"github.com/nisarsyed/openconv/internal/permission"
	"github.com/nisarsyed/openconv/internal/role"
)

// MemberHandler serves guild membership endpoints: listing, leaving,
// kicking, and per-member role assignment.
type MemberHandler struct {
	members     member.Repository
	roles       role.Repository
	resolver    *permission.Resolver
	invalidator *permission.Publisher
	guildBus    *fanout.Registry
	log         zerolog.Logger
}

// NewMemberHandler creates a new member handler. guildBus may be nil in
// tests; member join/leave events are then not broadcast.
func NewMemberHandler(members member.Repository, roles role.Repository, resolver *permission.Resolver, invalidator *permission.Publisher, guildBus *fanout.Registry, logger zerolog.Logger) *MemberHandler {
	return &MemberHandler{members: members, roles: roles, resolver: resolver, invalidator: invalidator, guildBus: guildBus, log: logger}
}

func memberResponse(m *member.Member) fiber.Map {
	return fiber.Map{
		"user_id":      m.UserID,
		"guild_id":     m.GuildID,
		"display_name": m.DisplayName,
		"joined_at":    m.JoinedAt.Format(time.RFC3339),
		"role_ids":     m.RoleIDs,
	}
}

// List handles GET /api/guilds/:guildID/members. Routed behind the
// membership middleware.
func (h *MemberHandler) List(c fiber.Ctx) error {
	guildID, err := parseUUIDParam(c, "guildID")
	if err != nil {
		return mapAPIError(c, err)
	}

	members, err := h.members.ListByGuild(c.Context(), guildID)
	if err != nil {
		return h.mapMemberError(c, err)
	}

	out := make([]fiber.Map, 0, len(members))
	for i := range members {
		out = append(out, memberResponse(&members[i]))
	}
	return httputil.Success(c, out)
}

// Leave handles DELETE /api/guilds/:guildID/members/me.
func (h *MemberHandler) Leave(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}
	guildID, err := parseUUIDParam(c, "guildID")
	if err != nil {
		return mapAPIError(c, err)
	}

	if err := h.members.Remove(c.Context(), guildID, userID); err != nil {
		return h.mapMemberError(c, err)
	}

	h.afterMembershipChange(c, guildID, userID, fanout.EventMemberLeft)
	return httputil.Success(c, fiber.Map{"message": "Left guild"})
}

// Kick handles DELETE /api/guilds/:guildID/members/:userID. Requires
// KickMembers, and the actor must outrank the target member's highest
// role.
func (h *MemberHandler) Kick(c fiber.Ctx) error {
	actorID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}
	guildID, err := parseUUIDParam(c, "guildID")
	if err != nil {
		return mapAPIError(c, err)
	}
	targetID, err := parseUUIDParam(c, "userID")
	if err != nil {
		return mapAPIError(c, err)
	}

	allowed, err := h.resolver.HasPermission(c.Context(), actorID, guildID, permissions.KickMembers)
	if err != nil {
		return h.mapMemberError(c, err)
	}
	if !allowed {
		return httputil.Fail(c, fiber.StatusForbidden, "You do not have the required permissions")
	}

	targetPosition, targetIsOwner, err := h.resolver.HighestPosition(c.Context(), guildID, targetID)
	if err != nil {
		return h.mapMemberError(c, err)
	}
	if targetIsOwner {
		return httputil.Fail(c, fiber.StatusForbidden, "The guild owner cannot be kicked")
	}
	if apiErr := h.requireOutranks(c, actorID, guildID, targetPosition); apiErr != nil {
		return httputil.FailErr(c, apiErr)
	}

	if err := h.members.Remove(c.Context(), guildID, targetID); err != nil {
		return h.mapMemberError(c, err)
	}

	h.afterMembershipChange(c, guildID, targetID, fanout.EventMemberLeft)
	return httputil.Success(c, fiber.Map{"message": "Member kicked"})
}

// AddRole handles PUT /api/guilds/:guildID/members/:userID/roles/:roleID.
// Requires AssignRoles, and the actor must outrank the role being
// assigned.
func (h *MemberHandler) AddRole(c fiber.Ctx) error {
	return h.mutateRole(c, true)
}

// RemoveRole handles DELETE /api/guilds/:guildID/members/:userID/roles/:roleID.
func (h *MemberHandler) RemoveRole(c fiber.Ctx) error {
	return h.mutateRole(c, false)
}

func (h *MemberHandler) mutateRole(c fiber.Ctx, add bool) error {
	actorID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}
	guildID, err := parseUUIDParam(c, "guildID")
	if err != nil {
		return mapAPIError(c, err)
	}
	targetID, err := parseUUIDParam(c, "userID")
	if err != nil {
		return mapAPIError(c, err)
	}
	roleID, err := parseUUIDParam(c, "roleID")
	if err != nil {
		return mapAPIError(c, err)
	}

	allowed, err := h.resolver.HasPermission(c.Context(), actorID, guildID, permissions.AssignRoles)
	if err != nil {
		return h.mapMemberError(c, err)
	}
	if !allowed {
		return httputil.Fail(c, fiber.StatusForbidden, "You do not have the required permissions")
	}

	target, err := h.roles.GetByID(c.Context(), guildID, roleID)
	if err != nil {
		return h.mapMemberError(c, err)
	}
	if apiErr := h.requireOutranks(c, actorID, guildID, target.Position); apiErr != nil {
		return httputil.FailErr(c, apiErr)
	}

	if add {
		err = h.members.AddRole(c.Context(), guildID, targetID, roleID)
	} else {
		err = h.members.RemoveRole(c.Context(), guildID, targetID, roleID)
	}
	if err != nil {
		return h.mapMemberError(c, err)
	}

	h.invalidateMember(c, guildID, targetID)
	m, err := h.members.Get(c.Context(), guildID, targetID)
	if err != nil {
		return h.mapMemberError(c, err)
	}
	return httputil.Success(c, memberResponse(m))
}

// requireOutranks enforces the hierarchy rule against a target role
// position, with the owner bypass.
func (h *MemberHandler) requireOutranks(c fiber.Ctx, actorID, guildID uuid.UUID, targetPosition int) *apierr.Error {
	position, isOwner, err := h.resolver.HighestPosition(c.Context(), guildID, actorID)
	if err != nil {
		return apierr.Internal(err)
	}
	if isOwner {
		return nil
	}
	if position <= targetPosition {
		return apierr.New(apierr.CodeForbidden, "You cannot act on a member or role at or above your own rank")
	}
	return nil
}

// afterMembershipChange invalidates the member's cached permissions and
// broadcasts the join/leave event to the guild bus. Both are best-effort.
func (h *MemberHandler) afterMembershipChange(c fiber.Ctx, guildID, userID uuid.UUID, event fanout.EventType) {
	h.invalidateMember(c, guildID, userID)
	if h.guildBus == nil {
		return
	}
	err := h.guildBus.Publish(c.Context(), guildID, fanout.Event{
		Type:    event,
		GuildID: guildID,
		UserID:  userID,
	})
	if err != nil {
		h.log.Warn().Err(err).Stringer("guild_id", guildID).Msg("Membership event publish failed")
	}
}

func (h *MemberHandler) invalidateMember(c fiber.Ctx, guildID, userID uuid.UUID) {
	if h.invalidator == nil {
		return
	}
	if err := h.invalidator.InvalidateUserGuild(c.Context(), userID, guildID); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Permission cache invalidation failed")
	}
}

// mapMemberError converts member-layer errors to appropriate HTTP responses.
func (h *MemberHandler) mapMemberError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, member.ErrNotFound), errors.Is(err, role.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, "Member or role not found")
	case errors.Is(err, member.ErrRoleNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, member.ErrAlreadyMember):
		return httputil.Fail(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, member.ErrOwnerLeaving):
		return httputil.Fail(c, fiber.StatusForbidden, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "member").Msg("unhandled member service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, "An internal error occurred")
	}
}
