package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/uncord-chat/uncord-protocol/permissions"

	"github.com/nisarsyed/openconv/internal/fanout"
	"github.com/nisarsyed/openconv/internal/httputil"
	"github.com/nisarsyed/openconv/internal/invite"
	"github.com/nisarsyed/openconv/internal/member"
	"github.com/nisarsyed/openconv/internal/permission"
)

// InviteHandler serves invite creation, listing, revocation, and
// redemption endpoints.
type InviteHandler struct {
	invites  invite.Repository
	resolver *permission.Resolver
	guildBus *fanout.Registry
	log      zerolog.Logger
}

// NewInviteHandler creates a new invite handler.
func NewInviteHandler(invites invite.Repository, resolver *permission.Resolver, guildBus *fanout.Registry, logger zerolog.Logger) *InviteHandler {
	return &InviteHandler{invites: invites, resolver: resolver, guildBus: guildBus, log: logger}
}

type createInviteRequest struct {
	MaxUses   *int       `json:"max_uses"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func inviteResponse(inv *invite.Invite) fiber.Map {
	return fiber.Map{
		"code":       inv.Code,
		"guild_id":   inv.GuildID,
		"inviter_id": inv.InviterID,
		"max_uses":   inv.MaxUses,
		"use_count":  inv.UseCount,
		"expires_at": inv.ExpiresAt,
		"created_at": inv.CreatedAt.Format(time.RFC3339),
	}
}

// Create handles POST /api/guilds/:guildID/invites. Routed behind a
// CreateInvites permission check.
func (h *InviteHandler) Create(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}
	guildID, err := parseUUIDParam(c, "guildID")
	if err != nil {
		return mapAPIError(c, err)
	}

	var body createInviteRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid request body")
	}

	params := invite.CreateParams{MaxUses: body.MaxUses, ExpiresAt: body.ExpiresAt}
	if err := params.Validate(time.Now()); err != nil {
		return h.mapInviteError(c, err)
	}

	inv, err := h.invites.Create(c.Context(), guildID, userID, params)
	if err != nil {
		return h.mapInviteError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, inviteResponse(inv))
}

// List handles GET /api/guilds/:guildID/invites. Routed behind a
// ManageInvites permission check.
func (h *InviteHandler) List(c fiber.Ctx) error {
	guildID, err := parseUUIDParam(c, "guildID")
	if err != nil {
		return mapAPIError(c, err)
	}

	invites, err := h.invites.ListByGuild(c.Context(), guildID)
	if err != nil {
		return h.mapInviteError(c, err)
	}

	out := make([]fiber.Map, 0, len(invites))
	for i := range invites {
		out = append(out, inviteResponse(&invites[i]))
	}
	return httputil.Success(c, out)
}

// Get handles GET /api/invites/:code: a preview of the invite for a
// client deciding whether to join.
func (h *InviteHandler) Get(c fiber.Ctx) error {
	inv, err := h.invites.GetByCode(c.Context(), c.Params("code"))
	if err != nil {
		return h.mapInviteError(c, err)
	}
	return httputil.Success(c, inviteResponse(inv))
}

// Redeem handles POST /api/invites/:code/join: consumes one use and joins
// the caller to the invite's guild.
func (h *InviteHandler) Redeem(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}

	guildID, err := h.invites.Redeem(c.Context(), c.Params("code"), userID)
	if err != nil {
		return h.mapInviteError(c, err)
	}

	if h.guildBus != nil {
		err := h.guildBus.Publish(c.Context(), guildID, fanout.Event{
			Type:    fanout.EventMemberJoined,
			GuildID: guildID,
			UserID:  userID,
		})
		if err != nil {
			h.log.Warn().Err(err).Stringer("guild_id", guildID).Msg("Member joined publish failed")
		}
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{"guild_id": guildID})
}

// Delete handles DELETE /api/invites/:code. Requires ManageInvites in the
// invite's guild.
func (h *InviteHandler) Delete(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}

	inv, err := h.invites.GetByCode(c.Context(), c.Params("code"))
	if err != nil {
		return h.mapInviteError(c, err)
	}

	allowed, err := h.resolver.HasPermission(c.Context(), userID, inv.GuildID, permissions.ManageInvites)
	if err != nil {
		return h.mapInviteError(c, err)
	}
	// The inviter may always revoke their own invite.
	if !allowed && inv.InviterID != userID {
		return httputil.Fail(c, fiber.StatusForbidden, "You do not have the required permissions")
	}

	if err := h.invites.Delete(c.Context(), inv.GuildID, inv.Code); err != nil {
		return h.mapInviteError(c, err)
	}
	return httputil.Success(c, fiber.Map{"message": "Invite revoked"})
}

// mapInviteError converts invite-layer errors to appropriate HTTP responses.
func (h *InviteHandler) mapInviteError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, invite.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, "Invite not found")
	case errors.Is(err, invite.ErrExpired),
		errors.Is(err, invite.ErrMaxUsesReached):
		return httputil.Fail(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, invite.ErrInvalidMaxUses),
		errors.Is(err, invite.ErrInvalidExpiry):
		return httputil.Fail(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, member.ErrAlreadyMember):
		return httputil.Fail(c, fiber.StatusConflict, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "invite").Msg("unhandled invite service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, "An internal error occurred")
	}
}
