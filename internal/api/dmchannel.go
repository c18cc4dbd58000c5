package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nisarsyed/openconv/internal/dmchannel"
	"github.com/nisarsyed/openconv/internal/httputil"
	"github.com/nisarsyed/openconv/internal/user"
)

// DMChannelHandler serves direct-message channel endpoints.
type DMChannelHandler struct {
	dmChannels dmchannel.Repository
	users      user.Repository
	log        zerolog.Logger
}

// NewDMChannelHandler creates a new DM channel handler.
func NewDMChannelHandler(dmChannels dmchannel.Repository, users user.Repository, logger zerolog.Logger) *DMChannelHandler {
	return &DMChannelHandler{dmChannels: dmChannels, users: users, log: logger}
}

type createDirectRequest struct {
	UserID string `json:"user_id"`
}

type createGroupRequest struct {
	Name      *string  `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

func dmChannelResponse(ch *dmchannel.DMChannel) fiber.Map {
	return fiber.Map{
		"id":         ch.ID,
		"name":       ch.Name,
		"creator_id": ch.CreatorID,
		"is_group":   ch.IsGroup,
		"member_ids": ch.MemberIDs,
		"created_at": ch.CreatedAt.Format(time.RFC3339),
	}
}

// CreateDirect handles POST /api/dm-channels. Opening the same pair twice
// returns the first channel: 201 on first open, 200 after.
func (h *DMChannelHandler) CreateDirect(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}

	var body createDirectRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid request body")
	}
	peerID, err := uuid.Parse(body.UserID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid user_id")
	}

	// Confirm the peer exists before opening a channel to them.
	if _, err := h.users.GetByID(c.Context(), peerID); err != nil {
		return h.mapDMChannelError(c, err)
	}

	ch, created, err := h.dmChannels.CreateDirect(c.Context(), userID, peerID)
	if err != nil {
		return h.mapDMChannelError(c, err)
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return httputil.SuccessStatus(c, status, dmChannelResponse(ch))
}

// CreateGroup handles POST /api/dm-channels/group. The caller is always a
// member, listed or not.
func (h *DMChannelHandler) CreateGroup(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}

	var body createGroupRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := dmchannel.ValidateGroupName(body.Name); err != nil {
		return h.mapDMChannelError(c, err)
	}

	memberIDs := make([]uuid.UUID, 0, len(body.MemberIDs)+1)
	hasCreator := false
	for _, raw := range body.MemberIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, "Invalid member id")
		}
		if id == userID {
			hasCreator = true
		}
		memberIDs = append(memberIDs, id)
	}
	if !hasCreator {
		memberIDs = append(memberIDs, userID)
	}
	if err := dmchannel.ValidateGroupMembers(memberIDs); err != nil {
		return h.mapDMChannelError(c, err)
	}

	ch, err := h.dmChannels.CreateGroup(c.Context(), userID, body.Name, memberIDs)
	if err != nil {
		return h.mapDMChannelError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, dmChannelResponse(ch))
}

// List handles GET /api/dm-channels.
func (h *DMChannelHandler) List(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}

	channels, err := h.dmChannels.ListForUser(c.Context(), userID)
	if err != nil {
		return h.mapDMChannelError(c, err)
	}

	out := make([]fiber.Map, 0, len(channels))
	for i := range channels {
		out = append(out, dmChannelResponse(&channels[i]))
	}
	return httputil.Success(c, out)
}

// Get handles GET /api/dm-channels/:dmChannelID. Non-members read it as
// not found.
func (h *DMChannelHandler) Get(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}
	dmChannelID, err := parseUUIDParam(c, "dmChannelID")
	if err != nil {
		return mapAPIError(c, err)
	}

	isMember, err := h.dmChannels.IsMember(c.Context(), dmChannelID, userID)
	if err != nil {
		return h.mapDMChannelError(c, err)
	}
	if !isMember {
		return httputil.Fail(c, fiber.StatusNotFound, "DM channel not found")
	}

	ch, err := h.dmChannels.GetByID(c.Context(), dmChannelID)
	if err != nil {
		return h.mapDMChannelError(c, err)
	}
	return httputil.Success(c, dmChannelResponse(ch))
}

// mapDMChannelError converts dmchannel-layer errors to appropriate HTTP responses.
func (h *DMChannelHandler) mapDMChannelError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, dmchannel.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, "DM channel not found")
	case errors.Is(err, user.ErrNotFound),
		errors.Is(err, dmchannel.ErrMemberNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, "User not found")
	case errors.Is(err, dmchannel.ErrSelfDM),
		errors.Is(err, dmchannel.ErrGroupSize),
		errors.Is(err, dmchannel.ErrDuplicateMembers),
		errors.Is(err, dmchannel.ErrNameLength):
		return httputil.Fail(c, fiber.StatusBadRequest, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "dmchannel").Msg("unhandled dm channel service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, "An internal error occurred")
	}
}
