package presence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nisarsyed/openconv/internal/fanout"
)

type fakeGuildLister struct {
	guildIDs []uuid.UUID
}

func (f *fakeGuildLister) GuildIDsForUser(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return f.guildIDs, nil
}

func TestBroadcasterSetOnlinePublishesToEachGuild(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	store := NewStore(rdb)
	guildA, guildB := uuid.New(), uuid.New()
	guilds := fanout.NewRegistry(rdb, "guild", zerolog.Nop())
	channels := fanout.NewRegistry(rdb, "channel", zerolog.Nop())
	b := NewBroadcaster(store, &fakeGuildLister{guildIDs: []uuid.UUID{guildA, guildB}}, guilds, channels)

	subA := guilds.Subscribe(guildA)
	defer subA.Close()
	subB := guilds.Subscribe(guildB)
	defer subB.Close()

	userID := uuid.New()
	if err := b.SetOnline(context.Background(), userID); err != nil {
		t.Fatalf("SetOnline() error = %v", err)
	}

	for _, sub := range []fanout.Subscription{subA, subB} {
		select {
		case ev := <-sub.Events:
			if ev.Type != fanout.EventPresenceUpdate {
				t.Errorf("event type = %v, want %v", ev.Type, fanout.EventPresenceUpdate)
			}
			if ev.Status != StatusOnline {
				t.Errorf("status = %q, want %q", ev.Status, StatusOnline)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for presence_update broadcast")
		}
	}

	status, err := store.Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if status != StatusOnline {
		t.Errorf("stored status = %q, want %q", status, StatusOnline)
	}
}

func TestBroadcasterStartTypingPublishesOnce(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	store := NewStore(rdb)
	channelID := uuid.New()
	guilds := fanout.NewRegistry(rdb, "guild", zerolog.Nop())
	channels := fanout.NewRegistry(rdb, "channel", zerolog.Nop())
	b := NewBroadcaster(store, &fakeGuildLister{}, guilds, channels)

	sub := channels.Subscribe(channelID)
	defer sub.Close()

	userID := uuid.New()
	ctx := context.Background()
	if err := b.StartTyping(ctx, channelID, userID); err != nil {
		t.Fatalf("StartTyping() error = %v", err)
	}

	select {
	case ev := <-sub.Events:
		if ev.Type != fanout.EventTypingStarted {
			t.Errorf("event type = %v, want %v", ev.Type, fanout.EventTypingStarted)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for typing_started broadcast")
	}

	// A second StartTyping within the dedup window must not publish again.
	if err := b.StartTyping(ctx, channelID, userID); err != nil {
		t.Fatalf("second StartTyping() error = %v", err)
	}
	select {
	case ev := <-sub.Events:
		t.Fatalf("unexpected second broadcast: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcasterSetOfflineClearsStoredPresence(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	store := NewStore(rdb)
	guildID := uuid.New()
	guilds := fanout.NewRegistry(rdb, "guild", zerolog.Nop())
	channels := fanout.NewRegistry(rdb, "channel", zerolog.Nop())
	b := NewBroadcaster(store, &fakeGuildLister{guildIDs: []uuid.UUID{guildID}}, guilds, channels)

	sub := guilds.Subscribe(guildID)
	defer sub.Close()

	userID := uuid.New()
	if err := b.SetOnline(context.Background(), userID); err != nil {
		t.Fatalf("SetOnline() error = %v", err)
	}
	<-sub.Events

	if err := b.SetOffline(context.Background(), userID); err != nil {
		t.Fatalf("SetOffline() error = %v", err)
	}

	select {
	case ev := <-sub.Events:
		if ev.Status != StatusOffline {
			t.Errorf("status = %q, want %q", ev.Status, StatusOffline)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for offline broadcast")
	}

	status, err := store.Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if status != StatusOffline {
		t.Errorf("stored status after delete = %q, want %q", status, StatusOffline)
	}
}
