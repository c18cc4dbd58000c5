package member

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
)

// fakeRepository serves a fixed membership set.
type fakeRepository struct {
	members map[[2]uuid.UUID]bool // (guildID, userID)
}

func (f *fakeRepository) ListByGuild(context.Context, uuid.UUID) ([]Member, error) { return nil, nil }
func (f *fakeRepository) Get(context.Context, uuid.UUID, uuid.UUID) (*Member, error) {
	return nil, ErrNotFound
}
func (f *fakeRepository) IsMember(_ context.Context, guildID, userID uuid.UUID) (bool, error) {
	return f.members[[2]uuid.UUID{guildID, userID}], nil
}
func (f *fakeRepository) GuildIDsForUser(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}
func (f *fakeRepository) Join(context.Context, uuid.UUID, uuid.UUID) (*Member, error) {
	return nil, nil
}
func (f *fakeRepository) Remove(context.Context, uuid.UUID, uuid.UUID) error { return nil }
func (f *fakeRepository) AddRole(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) error {
	return nil
}
func (f *fakeRepository) RemoveRole(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) error {
	return nil
}

func newMiddlewareApp(repo Repository, userID uuid.UUID, authed bool) *fiber.App {
	app := fiber.New()
	app.Get("/guilds/:guildID", func(c fiber.Ctx) error {
		if authed {
			c.Locals("userID", userID)
		}
		return c.Next()
	}, RequireGuildMember(repo), func(c fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func TestRequireGuildMember(t *testing.T) {
	t.Parallel()

	guildID := uuid.New()
	memberID := uuid.New()
	strangerID := uuid.New()
	repo := &fakeRepository{members: map[[2]uuid.UUID]bool{
		{guildID, memberID}: true,
	}}

	tests := []struct {
		name       string
		userID     uuid.UUID
		authed     bool
		path       string
		wantStatus int
	}{
		{"member passes", memberID, true, "/guilds/" + guildID.String(), http.StatusOK},
		// A non-member gets 404, not 403: guild existence is not leaked.
		{"stranger gets 404", strangerID, true, "/guilds/" + guildID.String(), http.StatusNotFound},
		{"unauthenticated gets 401", uuid.Nil, false, "/guilds/" + guildID.String(), http.StatusUnauthorized},
		{"bad guild id", memberID, true, "/guilds/not-a-uuid", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			app := newMiddlewareApp(repo, tt.userID, tt.authed)
			resp, err := app.Test(httptest.NewRequest(http.MethodGet, tt.path, nil))
			if err != nil {
				t.Fatalf("app.Test: %v", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}
