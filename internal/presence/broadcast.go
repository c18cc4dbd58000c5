package presence

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nisarsyed/openconv/internal/fanout"
)

// GuildLister resolves the guilds a user belongs to, so a presence change
// can be broadcast to every guild bus that cares about it. Satisfied by
// member.Repository.
type GuildLister interface {
	GuildIDsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// Broadcaster flips a user's stored presence status and publishes
// PresenceUpdate onto every guild bus the user belongs to, and records
// typing indicators, publishing TypingStarted onto the relevant channel
// bus. It satisfies internal/gateway.PresenceBroadcaster.
type Broadcaster struct {
	store    *Store
	guilds   GuildLister
	guild    *fanout.Registry
	channels *fanout.Registry
}

// NewBroadcaster creates a presence Broadcaster over store, using guilds to
// resolve fan-out targets, guild to publish presence changes, and channels
// to publish typing indicators.
func NewBroadcaster(store *Store, guilds GuildLister, guild, channels *fanout.Registry) *Broadcaster {
	return &Broadcaster{store: store, guilds: guilds, guild: guild, channels: channels}
}

// SetOnline marks userID online and broadcasts the change to its guilds.
func (b *Broadcaster) SetOnline(ctx context.Context, userID uuid.UUID) error {
	return b.setAndBroadcast(ctx, userID, StatusOnline)
}

// SetOffline marks userID offline and broadcasts the change to its guilds.
// Presence keys expire on their own, but a clean disconnect clears the key
// immediately rather than waiting out presenceTTL.
func (b *Broadcaster) SetOffline(ctx context.Context, userID uuid.UUID) error {
	if err := b.store.Delete(ctx, userID); err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	return b.broadcast(ctx, userID, StatusOffline)
}

// SetStatus validates and applies a client-requested presence status, sent
// via the set_presence message kind. An invalid status is rejected without
// touching stored state.
func (b *Broadcaster) SetStatus(ctx context.Context, userID uuid.UUID, status string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("invalid presence status %q", status)
	}
	return b.setAndBroadcast(ctx, userID, status)
}

// StartTyping records a typing indicator for (channelID, userID) and
// publishes TypingStarted on the channel bus, unless an indicator is
// already active (SetTyping's SET NX dedupes rapid keystrokes).
func (b *Broadcaster) StartTyping(ctx context.Context, channelID, userID uuid.UUID) error {
	started, err := b.store.SetTyping(ctx, channelID, userID)
	if err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	if !started {
		return nil
	}
	return b.channels.Publish(ctx, channelID, fanout.Event{
		Type:      fanout.EventTypingStarted,
		ChannelID: channelID,
		UserID:    userID,
	})
}

// StopTyping clears the typing indicator for (channelID, userID). There is
// no TypingStopped wire event: clients expire their own typing UI after the
// same timeout the indicator key carries.
func (b *Broadcaster) StopTyping(ctx context.Context, channelID, userID uuid.UUID) error {
	if _, err := b.store.ClearTyping(ctx, channelID, userID); err != nil {
		return fmt.Errorf("clear typing: %w", err)
	}
	return nil
}

func (b *Broadcaster) setAndBroadcast(ctx context.Context, userID uuid.UUID, status string) error {
	if err := b.store.Set(ctx, userID, status); err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return b.broadcast(ctx, userID, status)
}

func (b *Broadcaster) broadcast(ctx context.Context, userID uuid.UUID, status string) error {
	guildIDs, err := b.guilds.GuildIDsForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list guilds for presence broadcast: %w", err)
	}
	ev := fanout.Event{Type: fanout.EventPresenceUpdate, UserID: userID, Status: status}
	for _, guildID := range guildIDs {
		ev.GuildID = guildID
		if err := b.guild.Publish(ctx, guildID, ev); err != nil {
			return fmt.Errorf("publish presence update to guild %s: %w", guildID, err)
		}
	}
	return nil
}
