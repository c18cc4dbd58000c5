package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/nisarsyed/openconv/internal/token"
)

func newTokenService(t *testing.T) *token.Service {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return token.New(priv, pub, "openconv-test", token.TTLs{
		Access:       5 * time.Minute,
		Refresh:      time.Hour,
		Registration: 5 * time.Minute,
		Recovery:     5 * time.Minute,
	})
}

// newApp mounts RequireAuth in front of a probe handler that echoes the
// identity the middleware stored.
func newApp(tokens *token.Service) *fiber.App {
	app := fiber.New()
	app.Get("/probe", RequireAuth(tokens), func(c fiber.Ctx) error {
		userID := c.Locals("userID").(uuid.UUID)
		deviceID := c.Locals("deviceID").(uuid.UUID)
		return c.JSON(fiber.Map{"user_id": userID, "device_id": deviceID})
	})
	return app
}

func TestRequireAuthAcceptsAccessToken(t *testing.T) {
	t.Parallel()

	tokens := newTokenService(t)
	app := newApp(tokens)

	userID := uuid.New()
	deviceID := uuid.New()
	accessToken, err := tokens.IssueAccess(userID, deviceID)
	if err != nil {
		t.Fatalf("issue access token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body struct {
		UserID   uuid.UUID `json:"user_id"`
		DeviceID uuid.UUID `json:"device_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.UserID != userID || body.DeviceID != deviceID {
		t.Errorf("identity = (%s, %s), want (%s, %s)", body.UserID, body.DeviceID, userID, deviceID)
	}
}

func TestRequireAuthRejections(t *testing.T) {
	t.Parallel()

	tokens := newTokenService(t)
	app := newApp(tokens)

	refreshToken, _, err := tokens.IssueRefresh(uuid.New(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("issue refresh token: %v", err)
	}
	registrationToken, err := tokens.IssueRegistration("a@b.com", "Alice")
	if err != nil {
		t.Fatalf("issue registration token: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"empty bearer", "Bearer "},
		{"garbage token", "Bearer not.a.jwt"},
		// Wrong-purpose tokens are rejected like garbage: a refresh or
		// registration token must never pass as an access token.
		{"refresh token", "Bearer " + refreshToken},
		{"registration token", "Bearer " + registrationToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/probe", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test: %v", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
			}
		})
	}
}
