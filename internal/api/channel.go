package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/uncord-chat/uncord-protocol/permissions"

	"github.com/nisarsyed/openconv/internal/apierr"
	"github.com/nisarsyed/openconv/internal/channel"
	"github.com/nisarsyed/openconv/internal/httputil"
	"github.com/nisarsyed/openconv/internal/permission"
)

// ChannelHandler serves guild channel CRUD endpoints.
type ChannelHandler struct {
	channels    channel.Repository
	resolver    *permission.Resolver
	maxChannels int
	log         zerolog.Logger
}

// NewChannelHandler creates a new channel handler.
func NewChannelHandler(channels channel.Repository, resolver *permission.Resolver, maxChannels int, logger zerolog.Logger) *ChannelHandler {
	return &ChannelHandler{channels: channels, resolver: resolver, maxChannels: maxChannels, log: logger}
}

type createChannelRequest struct {
	Name  string  `json:"name"`
	Type  string  `json:"type"`
	Topic *string `json:"topic"`
}

type updateChannelRequest struct {
	Name     *string `json:"name"`
	Topic    *string `json:"topic"`
	Position *int    `json:"position"`
}

func channelResponse(ch *channel.Channel) fiber.Map {
	return fiber.Map{
		"id":         ch.ID,
		"guild_id":   ch.GuildID,
		"name":       ch.Name,
		"type":       ch.Type,
		"position":   ch.Position,
		"topic":      ch.Topic,
		"created_at": ch.CreatedAt.Format(time.RFC3339),
	}
}

// List handles GET /api/guilds/:guildID/channels. Routed behind the
// membership middleware.
func (h *ChannelHandler) List(c fiber.Ctx) error {
	guildID, err := parseUUIDParam(c, "guildID")
	if err != nil {
		return mapAPIError(c, err)
	}

	channels, err := h.channels.ListByGuild(c.Context(), guildID)
	if err != nil {
		return h.mapChannelError(c, err)
	}

	out := make([]fiber.Map, 0, len(channels))
	for i := range channels {
		out = append(out, channelResponse(&channels[i]))
	}
	return httputil.Success(c, out)
}

// Create handles POST /api/guilds/:guildID/channels. Routed behind a
// ManageChannels permission check.
func (h *ChannelHandler) Create(c fiber.Ctx) error {
	guildID, err := parseUUIDParam(c, "guildID")
	if err != nil {
		return mapAPIError(c, err)
	}

	var body createChannelRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid request body")
	}

	name, err := channel.ValidateName(body.Name)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	if err := channel.ValidateType(body.Type); err != nil {
		return h.mapChannelError(c, err)
	}
	if body.Topic != nil {
		sanitized := textSanitizer.Sanitize(*body.Topic)
		body.Topic = &sanitized
	}
	if err := channel.ValidateTopic(body.Topic); err != nil {
		return h.mapChannelError(c, err)
	}

	ch, err := h.channels.Create(c.Context(), guildID, channel.CreateParams{
		Name:  name,
		Type:  body.Type,
		Topic: body.Topic,
	}, h.maxChannels)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, channelResponse(ch))
}

// Get handles GET /api/channels/:channelID. Visibility requires
// ViewChannels in the owning guild; a channel the caller cannot see is
// reported as not found.
func (h *ChannelHandler) Get(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}
	channelID, err := parseUUIDParam(c, "channelID")
	if err != nil {
		return mapAPIError(c, err)
	}

	ch, err := h.channels.GetByID(c.Context(), channelID)
	if err != nil {
		return h.mapChannelError(c, err)
	}

	allowed, err := h.resolver.HasPermission(c.Context(), userID, ch.GuildID, permissions.ViewChannels)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	if !allowed {
		return httputil.Fail(c, fiber.StatusNotFound, "Channel not found")
	}
	return httputil.Success(c, channelResponse(ch))
}

// Update handles PATCH /api/channels/:channelID. Requires ManageChannels
// in the owning guild.
func (h *ChannelHandler) Update(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}
	channelID, err := parseUUIDParam(c, "channelID")
	if err != nil {
		return mapAPIError(c, err)
	}

	ch, err := h.channels.GetByID(c.Context(), channelID)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	if apiErr := h.requireManageChannels(c, userID, ch.GuildID); apiErr != nil {
		return httputil.FailErr(c, apiErr)
	}

	var body updateChannelRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid request body")
	}

	if body.Topic != nil {
		sanitized := textSanitizer.Sanitize(*body.Topic)
		body.Topic = &sanitized
	}
	if err := channel.ValidateTopic(body.Topic); err != nil {
		return h.mapChannelError(c, err)
	}
	if err := channel.ValidatePosition(body.Position); err != nil {
		return h.mapChannelError(c, err)
	}

	params := channel.UpdateParams{Topic: body.Topic, Position: body.Position}
	if body.Name != nil {
		name, err := channel.ValidateName(*body.Name)
		if err != nil {
			return h.mapChannelError(c, err)
		}
		params.Name = &name
	}

	updated, err := h.channels.Update(c.Context(), ch.GuildID, channelID, params)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	return httputil.Success(c, channelResponse(updated))
}

// Delete handles DELETE /api/channels/:channelID. Requires ManageChannels;
// the guild's last channel cannot be deleted.
func (h *ChannelHandler) Delete(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}
	channelID, err := parseUUIDParam(c, "channelID")
	if err != nil {
		return mapAPIError(c, err)
	}

	ch, err := h.channels.GetByID(c.Context(), channelID)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	if apiErr := h.requireManageChannels(c, userID, ch.GuildID); apiErr != nil {
		return httputil.FailErr(c, apiErr)
	}

	if err := h.channels.Delete(c.Context(), ch.GuildID, channelID); err != nil {
		return h.mapChannelError(c, err)
	}
	return httputil.Success(c, fiber.Map{"message": "Channel deleted"})
}

func (h *ChannelHandler) requireManageChannels(c fiber.Ctx, userID, guildID uuid.UUID) *apierr.Error {
	allowed, err := h.resolver.HasPermission(c.Context(), userID, guildID, permissions.ManageChannels)
	if err != nil {
		return apierr.Internal(err)
	}
	if !allowed {
		return apierr.New(apierr.CodeForbidden, "You do not have the required permissions")
	}
	return nil
}

// mapChannelError converts channel-layer errors to appropriate HTTP responses.
func (h *ChannelHandler) mapChannelError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, channel.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, "Channel not found")
	case errors.Is(err, channel.ErrAlreadyExists):
		return httputil.Fail(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, channel.ErrNameLength),
		errors.Is(err, channel.ErrNameGrammar),
		errors.Is(err, channel.ErrInvalidType),
		errors.Is(err, channel.ErrTopicLength),
		errors.Is(err, channel.ErrInvalidPosition),
		errors.Is(err, channel.ErrMaxChannelsReached):
		return httputil.Fail(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, channel.ErrLastChannel):
		return httputil.Fail(c, fiber.StatusBadRequest, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "channel").Msg("unhandled channel service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, "An internal error occurred")
	}
}
