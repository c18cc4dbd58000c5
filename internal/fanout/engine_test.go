package fanout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/uncord-chat/uncord-protocol/permissions"

	"github.com/nisarsyed/openconv/internal/message"
	"github.com/nisarsyed/openconv/internal/permission"
	"github.com/nisarsyed/openconv/internal/ratelimit"
	"github.com/nisarsyed/openconv/internal/replay"
)

type fakeStore struct {
	guildID      uuid.UUID
	channelGuild uuid.UUID
	roleEntries  []permission.RolePermEntry
	channelErr   error
}

func (s *fakeStore) IsOwner(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return false, nil
}

func (s *fakeStore) RolePermissions(context.Context, uuid.UUID, uuid.UUID) ([]permission.RolePermEntry, error) {
	return s.roleEntries, nil
}

func (s *fakeStore) ChannelGuild(context.Context, uuid.UUID) (uuid.UUID, error) {
	if s.channelErr != nil {
		return uuid.Nil, s.channelErr
	}
	return s.channelGuild, nil
}

type fakeRepo struct {
	created      []message.CreateParams
	createErr    error
	updateErr    error
	updated      *message.Message
	softOwned    bool
	softOwnedErr error
	softAny      bool
	softAnyErr   error
}

func (r *fakeRepo) Create(_ context.Context, params message.CreateParams) (*message.Message, error) {
	if r.createErr != nil {
		return nil, r.createErr
	}
	r.created = append(r.created, params)
	return &message.Message{ID: uuid.New(), ChannelID: params.ChannelID, SenderID: params.SenderID, CreatedAt: time.Now()}, nil
}

func (r *fakeRepo) GetByID(context.Context, uuid.UUID) (*message.Message, error) { return nil, nil }

func (r *fakeRepo) ListByChannel(context.Context, uuid.UUID, *message.Cursor, int) ([]message.Message, bool, error) {
	return nil, false, nil
}

func (r *fakeRepo) ListByDMChannel(context.Context, uuid.UUID, *message.Cursor, int) ([]message.Message, bool, error) {
	return nil, false, nil
}

func (r *fakeRepo) UpdateContent(_ context.Context, id uuid.UUID, channelID, _ *uuid.UUID, _ uuid.UUID, _, _ []byte) (*message.Message, error) {
	if r.updateErr != nil {
		return nil, r.updateErr
	}
	return &message.Message{ID: id, ChannelID: channelID}, nil
}

func (r *fakeRepo) SoftDeleteOwned(context.Context, uuid.UUID, *uuid.UUID, *uuid.UUID, uuid.UUID) (bool, error) {
	return r.softOwned, r.softOwnedErr
}

func (r *fakeRepo) SoftDeleteAny(context.Context, uuid.UUID, *uuid.UUID, *uuid.UUID) (bool, error) {
	return r.softAny, r.softAnyErr
}

func (r *fakeRepo) ListSince(context.Context, uuid.UUID, *message.Cursor, int) ([]message.Message, error) {
	return nil, nil
}

func setupEngine(t *testing.T, store *fakeStore, repo *fakeRepo) *Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := permission.NewValkeyCache(rdb)
	resolver := permission.NewResolver(store, cache, zerolog.Nop())
	limiter := ratelimit.New(rdb, "msg", 5, time.Second)
	replaySvc := replay.New(rdb)
	return New(rdb, resolver, repo, limiter, replaySvc, zerolog.Nop())
}

func TestSubscribeDeniedWithoutViewChannels(t *testing.T) {
	t.Parallel()
	channelID := uuid.New()
	store := &fakeStore{channelGuild: uuid.New()}
	engine := setupEngine(t, store, &fakeRepo{})

	_, err := engine.Subscribe(context.Background(), uuid.New(), channelID)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestSubscribeAllowedAcquiresBus(t *testing.T) {
	t.Parallel()
	channelID := uuid.New()
	store := &fakeStore{
		channelGuild: uuid.New(),
		roleEntries:  []permission.RolePermEntry{{RoleID: uuid.New(), Permissions: permissions.ViewChannels}},
	}
	engine := setupEngine(t, store, &fakeRepo{})

	result, err := engine.Subscribe(context.Background(), uuid.New(), channelID)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer result.Subscription.Close()

	if got := engine.Channels.BusCount(); got != 1 {
		t.Errorf("BusCount() = %d, want 1", got)
	}
}

func TestSendMessagePublishesToChannelBus(t *testing.T) {
	t.Parallel()
	channelID := uuid.New()
	userID := uuid.New()
	store := &fakeStore{
		channelGuild: uuid.New(),
		roleEntries:  []permission.RolePermEntry{{RoleID: uuid.New(), Permissions: permissions.SendMessages}},
	}
	repo := &fakeRepo{}
	engine := setupEngine(t, store, repo)

	sub := engine.Channels.Subscribe(channelID)
	defer sub.Close()

	msg, err := engine.SendMessage(context.Background(), userID, channelID, []byte("ciphertext"), []byte("nonce"))
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if len(repo.created) != 1 {
		t.Fatalf("expected one Create call, got %d", len(repo.created))
	}

	select {
	case ev := <-sub.Events:
		if ev.Type != EventMessageCreated {
			t.Errorf("event type = %v, want %v", ev.Type, EventMessageCreated)
		}
		if ev.MessageID != msg.ID {
			t.Errorf("event message id = %v, want %v", ev.MessageID, msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for MessageCreated broadcast")
	}
}

func TestSendMessageDeniedWithoutSendMessages(t *testing.T) {
	t.Parallel()
	store := &fakeStore{channelGuild: uuid.New()}
	engine := setupEngine(t, store, &fakeRepo{})

	_, err := engine.SendMessage(context.Background(), uuid.New(), uuid.New(), []byte("x"), []byte("n"))
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestSendMessageRateLimited(t *testing.T) {
	t.Parallel()
	channelID := uuid.New()
	userID := uuid.New()
	store := &fakeStore{
		channelGuild: uuid.New(),
		roleEntries:  []permission.RolePermEntry{{RoleID: uuid.New(), Permissions: permissions.SendMessages}},
	}
	engine := setupEngine(t, store, &fakeRepo{})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := engine.SendMessage(ctx, userID, channelID, []byte("x"), []byte("n")); err != nil {
			t.Fatalf("SendMessage() call %d error = %v", i, err)
		}
	}

	_, err := engine.SendMessage(ctx, userID, channelID, []byte("x"), []byte("n"))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestSendMessageChannelWithNoGuildReturnsNotFound(t *testing.T) {
	t.Parallel()
	store := &fakeStore{channelErr: errors.New("no such channel")}
	engine := setupEngine(t, store, &fakeRepo{})

	_, err := engine.SendMessage(context.Background(), uuid.New(), uuid.New(), []byte("x"), []byte("n"))
	if !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("err = %v, want ErrChannelNotFound", err)
	}
}

func TestEditMessagePublishesUpdate(t *testing.T) {
	t.Parallel()
	channelID := uuid.New()
	userID := uuid.New()
	store := &fakeStore{
		channelGuild: uuid.New(),
		roleEntries:  []permission.RolePermEntry{{RoleID: uuid.New(), Permissions: permissions.ReadMessageHistory}},
	}
	engine := setupEngine(t, store, &fakeRepo{})

	sub := engine.Channels.Subscribe(channelID)
	defer sub.Close()

	_, err := engine.EditMessage(context.Background(), userID, channelID, uuid.New(), []byte("x"), []byte("n"))
	if err != nil {
		t.Fatalf("EditMessage() error = %v", err)
	}

	select {
	case ev := <-sub.Events:
		if ev.Type != EventMessageUpdated {
			t.Errorf("event type = %v, want %v", ev.Type, EventMessageUpdated)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for MessageUpdated broadcast")
	}
}

func TestEditMessageNotFoundWhenNoRowMatches(t *testing.T) {
	t.Parallel()
	store := &fakeStore{
		channelGuild: uuid.New(),
		roleEntries:  []permission.RolePermEntry{{RoleID: uuid.New(), Permissions: permissions.ReadMessageHistory}},
	}
	engine := setupEngine(t, store, &fakeRepo{updateErr: message.ErrNotFound})

	_, err := engine.EditMessage(context.Background(), uuid.New(), uuid.New(), uuid.New(), []byte("x"), []byte("n"))
	if !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("err = %v, want ErrMessageNotFound", err)
	}
}

func TestDeleteMessageOwnedDeletesWithoutManagePermission(t *testing.T) {
	t.Parallel()
	channelID := uuid.New()
	store := &fakeStore{channelGuild: uuid.New()}
	engine := setupEngine(t, store, &fakeRepo{softOwned: true})

	sub := engine.Channels.Subscribe(channelID)
	defer sub.Close()

	if err := engine.DeleteMessage(context.Background(), uuid.New(), channelID, uuid.New()); err != nil {
		t.Fatalf("DeleteMessage() error = %v", err)
	}

	select {
	case ev := <-sub.Events:
		if ev.Type != EventMessageDeleted {
			t.Errorf("event type = %v, want %v", ev.Type, EventMessageDeleted)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for MessageDeleted broadcast")
	}
}

func TestDeleteMessageFallsBackToManagePermission(t *testing.T) {
	t.Parallel()
	channelID := uuid.New()
	store := &fakeStore{
		channelGuild: uuid.New(),
		roleEntries:  []permission.RolePermEntry{{RoleID: uuid.New(), Permissions: permissions.ManageMessages}},
	}
	engine := setupEngine(t, store, &fakeRepo{softOwned: false, softAny: true})

	if err := engine.DeleteMessage(context.Background(), uuid.New(), channelID, uuid.New()); err != nil {
		t.Fatalf("DeleteMessage() error = %v", err)
	}
}

func TestDeleteMessageDeniedWithoutOwnershipOrManagePermission(t *testing.T) {
	t.Parallel()
	channelID := uuid.New()
	store := &fakeStore{channelGuild: uuid.New()}
	engine := setupEngine(t, store, &fakeRepo{softOwned: false})

	err := engine.DeleteMessage(context.Background(), uuid.New(), channelID, uuid.New())
	if !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("err = %v, want ErrMessageNotFound", err)
	}
}
