package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/nisarsyed/openconv/internal/device"
	"github.com/nisarsyed/openconv/internal/httputil"
	"github.com/nisarsyed/openconv/internal/prekeybundle"
	"github.com/nisarsyed/openconv/internal/user"
)

// textSanitizer strips any markup from free-text fields that reach the
// database unencrypted (display names, channel topics). Ciphertext fields
// are exempt: the server cannot and does not inspect them.
var textSanitizer = bluemonday.StrictPolicy()

// UserHandler serves user profile endpoints and the pre-key bundle fetch
// peers use to bootstrap an encrypted session.
type UserHandler struct {
	users   user.Repository
	devices device.Repository
	bundles prekeybundle.Repository
	log     zerolog.Logger
}

// NewUserHandler creates a new user handler.
func NewUserHandler(users user.Repository, devices device.Repository, bundles prekeybundle.Repository, logger zerolog.Logger) *UserHandler {
	return &UserHandler{users: users, devices: devices, bundles: bundles, log: logger}
}

type updateMeRequest struct {
	DisplayName string `json:"display_name"`
}

func profileResponse(u *user.User) fiber.Map {
	out := fiber.Map{
		"id":           u.ID,
		"display_name": u.DisplayName,
		"public_key":   u.PublicKey,
		"created_at":   u.CreatedAt.Format(time.RFC3339),
	}
	if u.PublicKeyChangedAt != nil {
		out["public_key_changed_at"] = u.PublicKeyChangedAt.Format(time.RFC3339)
	}
	return out
}

// GetMe handles GET /api/users/me. The caller's own profile includes the
// email; other users' profiles never do.
func (h *UserHandler) GetMe(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}

	u, err := h.users.GetByID(c.Context(), userID)
	if err != nil {
		return h.mapUserError(c, err)
	}

	out := profileResponse(u)
	out["email"] = u.Email
	return httputil.Success(c, out)
}

// UpdateMe handles PATCH /api/users/me.
func (h *UserHandler) UpdateMe(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}

	var body updateMeRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid request body")
	}

	displayName := user.NormalizeDisplayName(textSanitizer.Sanitize(body.DisplayName))
	if err := user.ValidateDisplayName(displayName); err != nil {
		return h.mapUserError(c, err)
	}

	u, err := h.users.UpdateDisplayName(c.Context(), userID, displayName)
	if err != nil {
		return h.mapUserError(c, err)
	}

	out := profileResponse(u)
	out["email"] = u.Email
	return httputil.Success(c, out)
}

// Get handles GET /api/users/:userID: the public profile, including the
// identity public key peers pin on first contact.
func (h *UserHandler) Get(c fiber.Ctx) error {
	targetID, err := parseUUIDParam(c, "userID")
	if err != nil {
		return mapAPIError(c, err)
	}

	u, err := h.users.GetByID(c.Context(), targetID)
	if err != nil {
		return h.mapUserError(c, err)
	}
	return httputil.Success(c, profileResponse(u))
}

// GetPreKeyBundle handles GET /api/users/:userID/pre-key-bundle: the
// published bundle a peer consumes to bootstrap a session. Bundles are
// published per device; with the one-device-per-user session model, the
// most recently active device's bundle is served.
func (h *UserHandler) GetPreKeyBundle(c fiber.Ctx) error {
	targetID, err := parseUUIDParam(c, "userID")
	if err != nil {
		return mapAPIError(c, err)
	}

	devices, err := h.devices.ListByUser(c.Context(), targetID)
	if err != nil {
		return h.mapUserError(c, err)
	}
	if len(devices) == 0 {
		return httputil.Fail(c, fiber.StatusNotFound, "No pre-key bundle published")
	}

	newest := devices[0]
	for _, d := range devices[1:] {
		if d.LastActive.After(newest.LastActive) {
			newest = d
		}
	}

	rec, err := h.bundles.GetByDevice(c.Context(), newest.ID)
	if err != nil {
		return h.mapUserError(c, err)
	}
	return httputil.Success(c, fiber.Map{
		"user_id":   targetID,
		"device_id": rec.DeviceID,
		"bundle":    rec.Bundle,
	})
}

// mapUserError converts user-layer errors to appropriate HTTP responses.
func (h *UserHandler) mapUserError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, user.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, "User not found")
	case errors.Is(err, prekeybundle.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, "No pre-key bundle published")
	case errors.Is(err, user.ErrDisplayNameLength):
		return httputil.Fail(c, fiber.StatusBadRequest, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "user").Msg("unhandled user service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, "An internal error occurred")
	}
}
