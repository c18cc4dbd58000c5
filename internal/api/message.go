package api

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/uncord-chat/uncord-protocol/permissions"

	"github.com/nisarsyed/openconv/internal/apierr"
	"github.com/nisarsyed/openconv/internal/dmchannel"
	"github.com/nisarsyed/openconv/internal/fanout"
	"github.com/nisarsyed/openconv/internal/httputil"
	"github.com/nisarsyed/openconv/internal/message"
	"github.com/nisarsyed/openconv/internal/permission"
)

// MessageHandler serves message history and the REST send/edit/delete
// path. Guild-channel mutations flow through the fanout engine so REST
// writes broadcast exactly like WebSocket writes; DM channels have no
// bus, so their REST path writes the repository directly.
type MessageHandler struct {
	engine     *fanout.Engine
	messages   message.Repository
	dmChannels dmchannel.Repository
	resolver   *permission.Resolver
	log        zerolog.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(engine *fanout.Engine, messages message.Repository, dmChannels dmchannel.Repository, resolver *permission.Resolver, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{engine: engine, messages: messages, dmChannels: dmChannels, resolver: resolver, log: logger}
}

type sendMessageRequest struct {
	EncryptedContent []byte `json:"encrypted_content"`
	Nonce            []byte `json:"nonce"`
}

func messageResponse(m *message.Message) fiber.Map {
	out := fiber.Map{
		"id":                m.ID,
		"sender_id":         m.SenderID,
		"encrypted_content": m.EncryptedContent,
		"nonce":             m.Nonce,
		"deleted":           m.Deleted,
		"created_at":        m.CreatedAt.Format(time.RFC3339Nano),
	}
	if m.ChannelID != nil {
		out["channel_id"] = *m.ChannelID
	}
	if m.DMChannelID != nil {
		out["dm_channel_id"] = *m.DMChannelID
	}
	if m.EditedAt != nil {
		out["edited_at"] = m.EditedAt.Format(time.RFC3339Nano)
	}
	return out
}

// listResponse builds the paginated history payload: the page, a cursor
// for the next page, and whether one exists.
func listResponse(msgs []message.Message, hasMore bool) fiber.Map {
	out := make([]fiber.Map, 0, len(msgs))
	for i := range msgs {
		out = append(out, messageResponse(&msgs[i]))
	}
	resp := fiber.Map{"messages": out, "has_more": hasMore}
	if hasMore && len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		resp["next_cursor"] = message.EncodeCursor(last.CreatedAt, last.ID)
	}
	return resp
}

func parsePage(c fiber.Ctx) (*message.Cursor, int, error) {
	cursor, err := message.DecodeCursor(c.Query("cursor"))
	if err != nil {
		return nil, 0, err
	}
	limit := message.DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			return nil, 0, message.ErrInvalidCursor
		}
	}
	return cursor, message.ClampLimit(limit), nil
}

// ListByChannel handles GET /api/channels/:channelID/messages. Requires
// ReadMessageHistory in the owning guild.
func (h *MessageHandler) ListByChannel(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}
	channelID, err := parseUUIDParam(c, "channelID")
	if err != nil {
		return mapAPIError(c, err)
	}

	allowed, err := h.resolver.HasChannelPermission(c.Context(), userID, channelID, permissions.ReadMessageHistory)
	if err != nil {
		return h.mapMessageError(c, err)
	}
	if !allowed {
		return httputil.Fail(c, fiber.StatusForbidden, "You do not have the required permissions")
	}

	cursor, limit, err := parsePage(c)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	msgs, hasMore, err := h.messages.ListByChannel(c.Context(), channelID, cursor, limit)
	if err != nil {
		return h.mapMessageError(c, err)
	}
	return httputil.Success(c, listResponse(msgs, hasMore))
}

// Get handles GET /api/channels/:channelID/messages/:messageID: the
// ciphertext fetch subscribers perform after a MessageCreated event.
func (h *MessageHandler) Get(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}
	channelID, err := parseUUIDParam(c, "channelID")
	if err != nil {
		return mapAPIError(c, err)
	}
	messageID, err := parseUUIDParam(c, "messageID")
	if err != nil {
		return mapAPIError(c, err)
	}

	allowed, err := h.resolver.HasChannelPermission(c.Context(), userID, channelID, permissions.ViewChannels)
	if err != nil {
		return h.mapMessageError(c, err)
	}
	if !allowed {
		return httputil.Fail(c, fiber.StatusForbidden, "You do not have the required permissions")
	}

	msg, err := h.messages.GetByID(c.Context(), messageID)
	if err != nil {
		return h.mapMessageError(c, err)
	}
	if msg.ChannelID == nil || *msg.ChannelID != channelID {
		return httputil.Fail(c, fiber.StatusNotFound, "Message not found")
	}
	return httputil.Success(c, messageResponse(msg))
}

// Send handles POST /api/channels/:channelID/messages, flowing through
// the fanout engine so the persisted message broadcasts to subscribers.
func (h *MessageHandler) Send(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}
	channelID, err := parseUUIDParam(c, "channelID")
	if err != nil {
		return mapAPIError(c, err)
	}

	var body sendMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := message.ValidateCiphertext(body.EncryptedContent, body.Nonce); err != nil {
		return h.mapMessageError(c, err)
	}

	msg, err := h.engine.SendMessage(c.Context(), userID, channelID, body.EncryptedContent, body.Nonce)
	if err != nil {
		return h.mapMessageError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, messageResponse(msg))
}

// Edit handles PATCH /api/channels/:channelID/messages/:messageID.
func (h *MessageHandler) Edit(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}
	channelID, err := parseUUIDParam(c, "channelID")
	if err != nil {
		return mapAPIError(c, err)
	}
	messageID, err := parseUUIDParam(c, "messageID")
	if err != nil {
		return mapAPIError(c, err)
	}

	var body sendMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := message.ValidateCiphertext(body.EncryptedContent, body.Nonce); err != nil {
		return h.mapMessageError(c, err)
	}

	msg, err := h.engine.EditMessage(c.Context(), userID, channelID, messageID, body.EncryptedContent, body.Nonce)
	if err != nil {
		return h.mapMessageError(c, err)
	}
	return httputil.Success(c, messageResponse(msg))
}

// Delete handles DELETE /api/channels/:channelID/messages/:messageID.
func (h *MessageHandler) Delete(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}
	channelID, err := parseUUIDParam(c, "channelID")
	if err != nil {
		return mapAPIError(c, err)
	}
	messageID, err := parseUUIDParam(c, "messageID")
	if err != nil {
		return mapAPIError(c, err)
	}

	if err := h.engine.DeleteMessage(c.Context(), userID, channelID, messageID); err != nil {
		return h.mapMessageError(c, err)
	}
	return httputil.Success(c, fiber.Map{"message": "Message deleted"})
}

// ListByDMChannel handles GET /api/dm-channels/:dmChannelID/messages.
func (h *MessageHandler) ListByDMChannel(c fiber.Ctx) error {
	_, dmChannelID, err := h.dmMember(c)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	cursor, limit, err := parsePage(c)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	msgs, hasMore, err := h.messages.ListByDMChannel(c.Context(), dmChannelID, cursor, limit)
	if err != nil {
		return h.mapMessageError(c, err)
	}
	return httputil.Success(c, listResponse(msgs, hasMore))
}

// SendDM handles POST /api/dm-channels/:dmChannelID/messages.
func (h *MessageHandler) SendDM(c fiber.Ctx) error {
	userID, dmChannelID, err := h.dmMember(c)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	var body sendMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := message.ValidateCiphertext(body.EncryptedContent, body.Nonce); err != nil {
		return h.mapMessageError(c, err)
	}

	msg, err := h.messages.Create(c.Context(), message.CreateParams{
		DMChannelID:      &dmChannelID,
		SenderID:         userID,
		EncryptedContent: body.EncryptedContent,
		Nonce:            body.Nonce,
	})
	if err != nil {
		return h.mapMessageError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, messageResponse(msg))
}

// dmMember authenticates the caller and checks DM channel membership. A
// channel the caller does not belong to reads as not found.
func (h *MessageHandler) dmMember(c fiber.Ctx) (userID, dmChannelID uuid.UUID, err error) {
	userID, err = userFromContext(c)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	dmChannelID, err = parseUUIDParam(c, "dmChannelID")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}

	isMember, err := h.dmChannels.IsMember(c.Context(), dmChannelID, userID)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	if !isMember {
		return uuid.Nil, uuid.Nil, dmchannel.ErrNotFound
	}
	return userID, dmChannelID, nil
}

// mapMessageError converts message/fanout-layer errors to appropriate HTTP responses.
func (h *MessageHandler) mapMessageError(c fiber.Ctx, err error) error {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return httputil.FailErr(c, apiErr)
	}
	switch {
	case errors.Is(err, fanout.ErrPermissionDenied):
		return httputil.Fail(c, fiber.StatusForbidden, "You do not have the required permissions")
	case errors.Is(err, fanout.ErrRateLimited):
		c.Set("Retry-After", "1")
		return httputil.Fail(c, fiber.StatusTooManyRequests, "Too many requests")
	case errors.Is(err, fanout.ErrChannelNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, "Channel not found")
	case errors.Is(err, fanout.ErrMessageNotFound), errors.Is(err, message.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, "Message not found")
	case errors.Is(err, dmchannel.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, "DM channel not found")
	case errors.Is(err, errNoActor):
		return httputil.Fail(c, fiber.StatusUnauthorized, "Authentication required")
	case errors.Is(err, message.ErrInvalidCursor):
		return httputil.Fail(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, message.ErrEmptyCiphertext),
		errors.Is(err, message.ErrEmptyNonce):
		return httputil.Fail(c, fiber.StatusBadRequest, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "message").Msg("unhandled message service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, "An internal error occurred")
	}
}
