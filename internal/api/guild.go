package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/uncord-chat/uncord-protocol/permissions"

	"github.com/nisarsyed/openconv/internal/guild"
	"github.com/nisarsyed/openconv/internal/httputil"
	"github.com/nisarsyed/openconv/internal/permission"
)

// GuildHandler serves guild CRUD endpoints.
type GuildHandler struct {
	guilds   guild.Repository
	resolver *permission.Resolver
	log      zerolog.Logger
}

// NewGuildHandler creates a new guild handler.
func NewGuildHandler(guilds guild.Repository, resolver *permission.Resolver, logger zerolog.Logger) *GuildHandler {
	return &GuildHandler{guilds: guilds, resolver: resolver, log: logger}
}

type createGuildRequest struct {
	Name string `json:"name"`
}

type updateGuildRequest struct {
	Name string `json:"name"`
}

func guildResponse(g *guild.Guild) fiber.Map {
	return fiber.Map{
		"id":         g.ID,
		"name":       g.Name,
		"owner_id":   g.OwnerID,
		"created_at": g.CreatedAt.Format(time.RFC3339),
	}
}

// Create handles POST /api/guilds.
func (h *GuildHandler) Create(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}

	var body createGuildRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid request body")
	}
	name, err := guild.ValidateName(body.Name)
	if err != nil {
		return h.mapGuildError(c, err)
	}

	g, err := h.guilds.Create(c.Context(), name, userID)
	if err != nil {
		return h.mapGuildError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, guildResponse(g))
}

// List handles GET /api/guilds: the caller's guilds.
func (h *GuildHandler) List(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}

	guilds, err := h.guilds.ListForUser(c.Context(), userID)
	if err != nil {
		return h.mapGuildError(c, err)
	}

	out := make([]fiber.Map, 0, len(guilds))
	for i := range guilds {
		out = append(out, guildResponse(&guilds[i]))
	}
	return httputil.Success(c, out)
}

// Get handles GET /api/guilds/:guildID. Routed behind the membership
// middleware, so non-members never reach it.
func (h *GuildHandler) Get(c fiber.Ctx) error {
	guildID, err := parseUUIDParam(c, "guildID")
	if err != nil {
		return mapAPIError(c, err)
	}

	g, err := h.guilds.GetByID(c.Context(), guildID)
	if err != nil {
		return h.mapGuildError(c, err)
	}
	return httputil.Success(c, guildResponse(g))
}

// Update handles PATCH /api/guilds/:guildID. Requires ManageServer.
func (h *GuildHandler) Update(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}
	guildID, err := parseUUIDParam(c, "guildID")
	if err != nil {
		return mapAPIError(c, err)
	}

	allowed, err := h.resolver.HasPermission(c.Context(), userID, guildID, permissions.ManageServer)
	if err != nil {
		return h.mapGuildError(c, err)
	}
	if !allowed {
		return httputil.Fail(c, fiber.StatusForbidden, "You do not have the required permissions")
	}

	var body updateGuildRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid request body")
	}
	name, err := guild.ValidateName(body.Name)
	if err != nil {
		return h.mapGuildError(c, err)
	}

	g, err := h.guilds.Rename(c.Context(), guildID, name)
	if err != nil {
		return h.mapGuildError(c, err)
	}
	return httputil.Success(c, guildResponse(g))
}

// Delete handles DELETE /api/guilds/:guildID. Owner only; the guild is
// soft-deleted and restorable for guild.RestoreWindow.
func (h *GuildHandler) Delete(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}
	guildID, err := parseUUIDParam(c, "guildID")
	if err != nil {
		return mapAPIError(c, err)
	}

	g, err := h.guilds.GetByID(c.Context(), guildID)
	if err != nil {
		return h.mapGuildError(c, err)
	}
	if g.OwnerID != userID {
		return httputil.Fail(c, fiber.StatusForbidden, "Only the guild owner can delete it")
	}

	if err := h.guilds.SoftDelete(c.Context(), guildID); err != nil {
		return h.mapGuildError(c, err)
	}
	return httputil.Success(c, fiber.Map{"message": "Guild deleted"})
}

// Restore handles POST /api/guilds/:guildID/restore. Owner only.
func (h *GuildHandler) Restore(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}
	guildID, err := parseUUIDParam(c, "guildID")
	if err != nil {
		return mapAPIError(c, err)
	}

	g, err := h.guilds.GetIncludingDeleted(c.Context(), guildID)
	if err != nil {
		return h.mapGuildError(c, err)
	}
	if g.OwnerID != userID {
		return httputil.Fail(c, fiber.StatusForbidden, "Only the guild owner can restore it")
	}

	restored, err := h.guilds.Restore(c.Context(), guildID)
	if err != nil {
		return h.mapGuildError(c, err)
	}
	return httputil.Success(c, guildResponse(restored))
}

// mapGuildError converts guild-layer errors to appropriate HTTP responses.
func (h *GuildHandler) mapGuildError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, guild.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, "Guild not found")
	case errors.Is(err, guild.ErrNameLength):
		return httputil.Fail(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, guild.ErrNotDeleted):
		return httputil.Fail(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, guild.ErrRestoreWindowExpired):
		return httputil.Fail(c, fiber.StatusBadRequest, "Restore window expired")
	default:
		h.log.Error().Err(err).Str("handler", "guild").Msg("unhandled guild service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, "An internal error occurred")
	}
}
