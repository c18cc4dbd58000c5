package httputil

import (
	"github.com/gofiber/fiber/v3"

	"github.com/nisarsyed/openconv/internal/apierr"
)

// SuccessResponse wraps successful API responses.
type SuccessResponse struct {
	Data any `json:"data"`
}

// ErrorResponse wraps failed API responses in the shape spec.md §6 requires:
// {"error": "<message>"}.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Success sends a 200 JSON response with the given data.
func Success(c fiber.Ctx, data any) error {
	return c.JSON(SuccessResponse{Data: data})
}

// SuccessStatus sends a JSON response with a custom status code.
func SuccessStatus(c fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(SuccessResponse{Data: data})
}

// Fail sends the canonical error body for a status code and message.
func Fail(c fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(ErrorResponse{Error: message})
}

// FailErr sends the canonical error body for an *apierr.Error, using its
// status and message. It does not log.
func FailErr(c fiber.Ctx, err *apierr.Error) error {
	return Fail(c, err.Status(), err.Message)
}
