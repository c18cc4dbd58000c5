package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nisarsyed/openconv/internal/authflow"
	"github.com/nisarsyed/openconv/internal/device"
	"github.com/nisarsyed/openconv/internal/httputil"
	"github.com/nisarsyed/openconv/internal/user"
)

// AuthHandler serves the registration, login, refresh, logout, and
// recovery endpoints over internal/authflow.
type AuthHandler struct {
	flow *authflow.Service
	log  zerolog.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(flow *authflow.Service, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{flow: flow, log: logger}
}

// genericCodeSentMessage is returned by RegisterStart and RecoveryStart
// whether or not the email maps to an account, so the response never
// discloses account existence.
const genericCodeSentMessage = "If the address is valid, a code has been sent"

type registerStartRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

type codeVerifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type registerCompleteRequest struct {
	RegistrationToken string `json:"registration_token"`
	PublicKey         []byte `json:"public_key"`
	PreKeyBundle      []byte `json:"pre_key_bundle"`
	DeviceID          string `json:"device_id"`
	DeviceName        string `json:"device_name"`
}

type loginChallengeRequest struct {
	PublicKey []byte `json:"public_key"`
}

type loginVerifyRequest struct {
	PublicKey  []byte `json:"public_key"`
	Signature  []byte `json:"signature"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type recoveryStartRequest struct {
	Email string `json:"email"`
}

type recoveryCompleteRequest struct {
	RecoveryToken string `json:"recovery_token"`
	PublicKey     []byte `json:"public_key"`
	PreKeyBundle  []byte `json:"pre_key_bundle"`
	DeviceName    string `json:"device_name"`
}

// RegisterStart handles POST /api/auth/register/start.
func (h *AuthHandler) RegisterStart(c fiber.Ctx) error {
	var body registerStartRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid request body")
	}

	if err := h.flow.RegisterStart(c.Context(), body.Email, body.DisplayName); err != nil {
		return h.mapAuthError(c, err)
	}
	return httputil.Success(c, fiber.Map{"message": genericCodeSentMessage})
}

// RegisterVerify handles POST /api/auth/register/verify.
func (h *AuthHandler) RegisterVerify(c fiber.Ctx) error {
	var body codeVerifyRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid request body")
	}

	registrationToken, err := h.flow.RegisterVerify(c.Context(), body.Email, body.Code)
	if err != nil {
		return h.mapAuthError(c, err)
	}
	return httputil.Success(c, fiber.Map{"registration_token": registrationToken})
}

// RegisterComplete handles POST /api/auth/register/complete.
func (h *AuthHandler) RegisterComplete(c fiber.Ctx) error {
	var body registerCompleteRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid request body")
	}
	deviceID, err := uuid.Parse(body.DeviceID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid device_id")
	}

	result, err := h.flow.RegisterComplete(c.Context(),
		body.RegistrationToken, body.PublicKey, body.PreKeyBundle, deviceID, body.DeviceName)
	if err != nil {
		return h.mapAuthError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{
		"user_id":       result.UserID,
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"device_id":     result.DeviceID,
	})
}

// LoginChallenge handles POST /api/auth/login/challenge.
func (h *AuthHandler) LoginChallenge(c fiber.Ctx) error {
	var body loginChallengeRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid request body")
	}

	challenge, err := h.flow.LoginChallenge(c.Context(), body.PublicKey)
	if err != nil {
		return h.mapAuthError(c, err)
	}
	return httputil.Success(c, fiber.Map{"challenge": challenge})
}

// LoginVerify handles POST /api/auth/login/verify.
func (h *AuthHandler) LoginVerify(c fiber.Ctx) error {
	var body loginVerifyRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid request body")
	}
	deviceID, err := uuid.Parse(body.DeviceID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid device_id")
	}

	result, err := h.flow.LoginVerify(c.Context(), body.PublicKey, body.Signature, deviceID, body.DeviceName)
	if err != nil {
		return h.mapAuthError(c, err)
	}
	return httputil.Success(c, fiber.Map{
		"user_id":       result.UserID,
		"device_id":     result.DeviceID,
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
	})
}

// Refresh handles POST /api/auth/refresh.
func (h *AuthHandler) Refresh(c fiber.Ctx) error {
	var body refreshRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, "refresh_token is required")
	}

	result, err := h.flow.Refresh(c.Context(), body.RefreshToken)
	if err != nil {
		return h.mapAuthError(c, err)
	}
	return httputil.Success(c, fiber.Map{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
	})
}

// Logout handles POST /api/auth/logout. Requires a valid access token;
// burns every outstanding refresh token for the calling device.
func (h *AuthHandler) Logout(c fiber.Ctx) error {
	userID, deviceID, err := actorFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}
	if err := h.flow.Logout(c.Context(), userID, deviceID); err != nil {
		return h.mapAuthError(c, err)
	}
	return httputil.Success(c, fiber.Map{"message": "Logged out"})
}

// LogoutAll handles POST /api/auth/logout-all: Logout across every device.
func (h *AuthHandler) LogoutAll(c fiber.Ctx) error {
	userID, err := userFromContext(c)
	if err != nil {
		return mapAPIError(c, err)
	}
	if err := h.flow.LogoutAll(c.Context(), userID); err != nil {
		return h.mapAuthError(c, err)
	}
	return httputil.Success(c, fiber.Map{"message": "Logged out everywhere"})
}

// RecoveryStart handles POST /api/auth/recover/start.
func (h *AuthHandler) RecoveryStart(c fiber.Ctx) error {
	var body recoveryStartRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid request body")
	}

	if err := h.flow.RecoveryStart(c.Context(), body.Email); err != nil {
		return h.mapAuthError(c, err)
	}
	return httputil.Success(c, fiber.Map{"message": genericCodeSentMessage})
}

// RecoveryVerify handles POST /api/auth/recover/verify.
func (h *AuthHandler) RecoveryVerify(c fiber.Ctx) error {
	var body codeVerifyRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid request body")
	}

	recoveryToken, err := h.flow.RecoveryVerify(c.Context(), body.Email, body.Code)
	if err != nil {
		return h.mapAuthError(c, err)
	}
	return httputil.Success(c, fiber.Map{"recovery_token": recoveryToken})
}

// RecoveryComplete handles POST /api/auth/recover/complete. A successful
// recovery is a full identity reset: every prior device, bundle, and
// refresh token is gone by the time this responds.
func (h *AuthHandler) RecoveryComplete(c fiber.Ctx) error {
	var body recoveryCompleteRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "Invalid request body")
	}

	result, err := h.flow.RecoveryComplete(c.Context(),
		body.RecoveryToken, body.PublicKey, body.PreKeyBundle, body.DeviceName)
	if err != nil {
		return h.mapAuthError(c, err)
	}
	return httputil.Success(c, fiber.Map{
		"user_id":       result.UserID,
		"device_id":     result.DeviceID,
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
	})
}

// mapAuthError converts authflow errors to appropriate HTTP responses.
func (h *AuthHandler) mapAuthError(c fiber.Ctx, err error) error {
	var compromised *authflow.SessionCompromised
	switch {
	case errors.As(err, &compromised):
		return httputil.Fail(c, fiber.StatusUnauthorized, "Session compromised: please log in again")
	case errors.Is(err, authflow.ErrRateLimited):
		c.Set("Retry-After", "1")
		return httputil.Fail(c, fiber.StatusTooManyRequests, "Too many requests")
	case errors.Is(err, authflow.ErrUnauthorized):
		return httputil.Fail(c, fiber.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, authflow.ErrCodeNotFound),
		errors.Is(err, authflow.ErrCodeExhausted),
		errors.Is(err, authflow.ErrCodeMismatch),
		errors.Is(err, authflow.ErrInvalidPublicKey),
		errors.Is(err, authflow.ErrInvalidSignature),
		errors.Is(err, authflow.ErrInvalidBundle),
		errors.Is(err, authflow.ErrDisposableEmail),
		errors.Is(err, user.ErrInvalidEmail),
		errors.Is(err, user.ErrDisplayNameLength):
		return httputil.Fail(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, user.ErrAlreadyExists),
		errors.Is(err, authflow.ErrDeviceConflict),
		errors.Is(err, device.ErrOwnedByOtherUser):
		return httputil.Fail(c, fiber.StatusConflict, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "auth").Msg("unhandled authflow error")
		return httputil.Fail(c, fiber.StatusInternalServerError, "An internal error occurred")
	}
}
