package permission

import (
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/uncord-chat/uncord-protocol/permissions"

	"github.com/nisarsyed/openconv/internal/httputil"
)

// RequireGuildPermission returns Fiber middleware that checks whether the
// authenticated user has the given permission in the guild specified by
// the "guildID" route parameter.
func RequireGuildPermission(resolver *Resolver, perm permissions.Permission) fiber.Handler {
	return func(c fiber.Ctx) error {
		userID, ok := c.Locals("userID").(uuid.UUID)
		if !ok {
			return httputil.Fail(c, fiber.StatusUnauthorized, "Authentication required")
		}

		guildIDStr := c.Params("guildID")
		if guildIDStr == "" {
			return httputil.Fail(c, fiber.StatusBadRequest, "Guild ID is required")
		}

		guildID, err := uuid.Parse(guildIDStr)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, "Invalid guild ID format")
		}

		allowed, err := resolver.HasPermission(c.Context(), userID, guildID, perm)
		if err != nil {
			return httputil.Fail(c, fiber.StatusInternalServerError, "Failed to check permissions")
		}
		if !allowed {
			return httputil.Fail(c, fiber.StatusForbidden, "You do not have the required permissions")
		}

		return c.Next()
	}
}

// RequireChannelPermission is the channel-route equivalent of
// RequireGuildPermission: it resolves the "channelID" route parameter's
// parent guild and checks the permission there, since this model has no
// per-channel overrides.
func RequireChannelPermission(resolver *Resolver, perm permissions.Permission) fiber.Handler {
	return func(c fiber.Ctx) error {
		userID, ok := c.Locals("userID").(uuid.UUID)
		if !ok {
			return httputil.Fail(c, fiber.StatusUnauthorized, "Authentication required")
		}

		channelIDStr := c.Params("channelID")
		if channelIDStr == "" {
			return httputil.Fail(c, fiber.StatusBadRequest, "Channel ID is required")
		}

		channelID, err := uuid.Parse(channelIDStr)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, "Invalid channel ID format")
		}

		allowed, err := resolver.HasChannelPermission(c.Context(), userID, channelID, perm)
		if err != nil {
			return httputil.Fail(c, fiber.StatusInternalServerError, "Failed to check permissions")
		}
		if !allowed {
			return httputil.Fail(c, fiber.StatusForbidden, "You do not have the required permissions")
		}

		return c.Next()
	}
}
