// Package auth carries the HTTP-edge authentication middleware: Bearer
// access-token validation in front of every authenticated route. Token
// issuance and the login/registration/recovery flows live in
// internal/token and internal/authflow.
package auth

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/nisarsyed/openconv/internal/httputil"
	"github.com/nisarsyed/openconv/internal/token"
)

// RequireAuth returns Fiber middleware that validates a Bearer access
// token from the Authorization header and stores the caller's identity in
// c.Locals("userID") and c.Locals("deviceID"). A refresh, registration, or
// recovery token presented here fails purpose validation and is rejected
// exactly like a garbage token.
func RequireAuth(tokens *token.Service) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, "Missing authorization header")
		}

		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, "Invalid authorization format")
		}

		claims, err := tokens.Validate(tokenStr, token.PurposeAccess)
		if err != nil {
			return httputil.Fail(c, fiber.StatusUnauthorized, "Invalid or expired token")
		}

		userID, err := claims.UserID()
		if err != nil {
			return httputil.Fail(c, fiber.StatusUnauthorized, "Invalid token subject")
		}

		c.Locals("userID", userID)
		c.Locals("deviceID", claims.DeviceID)
		return c.Next()
	}
}
