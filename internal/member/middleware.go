package member

import (
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/nisarsyed/openconv/internal/httputil"
)

// RequireGuildMember returns Fiber middleware that blocks users who are
// not members of the guild named by the "guildID" route parameter. Must be
// placed after the auth middleware so that c.Locals("userID") is
// populated. Non-members get a 404, not a 403: the guild's existence is
// not disclosed to outsiders.
func RequireGuildMember(members Repository) fiber.Handler {
	return func(c fiber.Ctx) error {
		userID, ok := c.Locals("userID").(uuid.UUID)
		if !ok {
			return httputil.Fail(c, fiber.StatusUnauthorized, "Authentication required")
		}

		guildID, err := uuid.Parse(c.Params("guildID"))
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, "Invalid guild ID format")
		}

		isMember, err := members.IsMember(c.Context(), guildID, userID)
		if err != nil {
			return httputil.Fail(c, fiber.StatusInternalServerError, "An internal error occurred")
		}
		if !isMember {
			return httputil.Fail(c, fiber.StatusNotFound, "Guild not found")
		}
		return c.Next()
	}
}
