// Package api hosts the REST edge: one handler type per resource, each
// owning a mapXError translator from its domain package's sentinel errors
// to the HTTP taxonomy, plus the WebSocket upgrade endpoint.
package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/nisarsyed/openconv/internal/apierr"
	"github.com/nisarsyed/openconv/internal/httputil"
)

// errNoActor is returned by actorFromContext when the auth middleware did
// not run or did not populate the caller's identity.
var errNoActor = errors.New("no authenticated actor on request context")

// actorFromContext reads the authenticated (user, device) the auth
// middleware stored on the request.
func actorFromContext(c fiber.Ctx) (userID, deviceID uuid.UUID, err error) {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return uuid.Nil, uuid.Nil, errNoActor
	}
	deviceID, _ = c.Locals("deviceID").(uuid.UUID)
	return userID, deviceID, nil
}

// userFromContext is actorFromContext for handlers that only need the user.
func userFromContext(c fiber.Ctx) (uuid.UUID, error) {
	userID, _, err := actorFromContext(c)
	return userID, err
}

// parseUUIDParam parses a route parameter as a UUID.
func parseUUIDParam(c fiber.Ctx, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params(name))
	if err != nil {
		return uuid.Nil, apierr.New(apierr.CodeValidation, "invalid "+name)
	}
	return id, nil
}

// mapAPIError is the fallback translator for errors that already carry
// taxonomy information (or none at all).
func mapAPIError(c fiber.Ctx, err error) error {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return httputil.FailErr(c, apiErr)
	}
	if errors.Is(err, errNoActor) {
		return httputil.Fail(c, fiber.StatusUnauthorized, "Authentication required")
	}
	return httputil.Fail(c, fiber.StatusInternalServerError, "An internal error occurred")
}
