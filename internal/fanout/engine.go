package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/uncord-chat/uncord-protocol/permissions"

	"github.com/nisarsyed/openconv/internal/message"
	"github.com/nisarsyed/openconv/internal/permission"
	"github.com/nisarsyed/openconv/internal/ratelimit"
	"github.com/nisarsyed/openconv/internal/replay"
)

// sweepInterval is how often each bus registry is swept for buses with no
// subscribers left.
const sweepInterval = 300 * time.Second

// Sentinel errors returned by Engine methods; callers map these to the
// WebSocket close/error codes in spec §6 (4001 permission denied, 4003
// rate-limited, 4007 resource not found).
var (
	ErrPermissionDenied = errors.New("missing required permission")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrChannelNotFound  = errors.New("channel has no parent guild")
	ErrMessageNotFound  = errors.New("message not found or not yours")
)

// Engine implements the channel/guild broadcast buses, permission-gated
// subscribe, and message send/edit/delete pipeline.
type Engine struct {
	Channels *Registry
	Guilds   *Registry

	resolver *permission.Resolver
	messages message.Repository
	limiter  *ratelimit.Limiter
	replay   *replay.Service
	log      zerolog.Logger
}

// New creates a fanout Engine. limiter should be scoped to per-(user,
// channel) message sends (spec default: 5 msg/s). rdb backs both bus
// registries' Pub/Sub topics.
func New(rdb *redis.Client, resolver *permission.Resolver, messages message.Repository, limiter *ratelimit.Limiter, replaySvc *replay.Service, logger zerolog.Logger) *Engine {
	return &Engine{
		Channels: NewRegistry(rdb, "channel", logger),
		Guilds:   NewRegistry(rdb, "guild", logger),
		resolver: resolver,
		messages: messages,
		limiter:  limiter,
		replay:   replaySvc,
		log:      logger.With().Str("component", "fanout").Logger(),
	}
}

// RunSweeper periodically removes empty buses from both registries until
// ctx is cancelled. Meant to run in its own goroutine.
func (e *Engine) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Channels.Sweep()
			e.Guilds.Sweep()
		}
	}
}

// SubscribeResult is returned by Subscribe: a live bus subscription plus
// whatever backlog of missed messages should be delivered to the caller
// before it starts forwarding Subscription.Events.
type SubscribeResult struct {
	Subscription Subscription
	Backlog      []message.Message
}

// Subscribe resolves channelID's parent guild, checks ViewChannels there,
// acquires a channel-bus subscription, and loads the caller's replay
// backlog. The subscription is acquired before the backlog is read, so any
// message published while the backlog query is in flight arrives on
// Subscription.Events rather than being missed or duplicated.
func (e *Engine) Subscribe(ctx context.Context, userID, channelID uuid.UUID) (SubscribeResult, error) {
	allowed, err := e.resolver.HasChannelPermission(ctx, userID, channelID, permissions.ViewChannels)
	if err != nil {
		return SubscribeResult{}, fmt.Errorf("check view permission: %w", err)
	}
	if !allowed {
		return SubscribeResult{}, ErrPermissionDenied
	}

	sub := e.Channels.Subscribe(channelID)

	var backlog []message.Message
	if e.replay != nil {
		backlog, err = e.replay.Backlog(ctx, userID, channelID, e.messages)
		if err != nil {
			e.log.Warn().Err(err).Stringer("channel_id", channelID).Msg("Replay backlog load failed")
		}
	}

	return SubscribeResult{Subscription: sub, Backlog: backlog}, nil
}

// Unsubscribe advances the caller's replay marker to the newest message it
// has been sent (if any) and releases the channel-bus subscription.
func (e *Engine) Unsubscribe(ctx context.Context, userID, channelID uuid.UUID, sub Subscription, highWater *message.Message) {
	if e.replay != nil && highWater != nil {
		marker := message.Cursor{CreatedAt: highWater.CreatedAt, ID: highWater.ID}
		if err := e.replay.Advance(ctx, userID, channelID, marker); err != nil {
			e.log.Warn().Err(err).Stringer("channel_id", channelID).Msg("Replay marker advance failed")
		}
	}
	sub.Close()
}

// SendMessage rate-limits, re-resolves the channel's guild, checks
// SendMessages, persists the message, and publishes MessageCreated onto the
// channel bus. It returns the persisted row so the caller can reply with its
// ID without a second round trip; the ciphertext itself is never broadcast.
func (e *Engine) SendMessage(ctx context.Context, userID, channelID uuid.UUID, encryptedContent, nonce []byte) (*message.Message, error) {
	if err := e.checkRate(ctx, userID, channelID, "send_message"); err != nil {
		return nil, err
	}

	guildID, err := e.resolveGuild(ctx, channelID)
	if err != nil {
		return nil, err
	}

	allowed, err := e.resolver.HasPermission(ctx, userID, guildID, permissions.SendMessages)
	if err != nil {
		return nil, fmt.Errorf("check send permission: %w", err)
	}
	if !allowed {
		return nil, ErrPermissionDenied
	}

	msg, err := e.messages.Create(ctx, message.CreateParams{
		ChannelID:        &channelID,
		SenderID:         userID,
		EncryptedContent: encryptedContent,
		Nonce:            nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if err := e.Channels.Publish(ctx, channelID, Event{
		Type:      EventMessageCreated,
		ChannelID: channelID,
		MessageID: msg.ID,
		UserID:    userID,
		CreatedAt: msg.CreatedAt,
	}); err != nil {
		e.log.Warn().Err(err).Stringer("channel_id", channelID).Msg("Publish message_created failed")
	}

	return msg, nil
}

// EditMessage rate-limits, checks ReadMessageHistory in the channel, then
// performs an ownership-scoped UPDATE. A zero-row update is reported as
// ErrMessageNotFound (spec 4007: not found or not yours).
func (e *Engine) EditMessage(ctx context.Context, userID, channelID, messageID uuid.UUID, encryptedContent, nonce []byte) (*message.Message, error) {
	if err := e.checkRate(ctx, userID, channelID, "edit_message"); err != nil {
		return nil, err
	}

	allowed, err := e.resolver.HasChannelPermission(ctx, userID, channelID, permissions.ReadMessageHistory)
	if err != nil {
		return nil, fmt.Errorf("check read permission: %w", err)
	}
	if !allowed {
		return nil, ErrPermissionDenied
	}

	msg, err := e.messages.UpdateContent(ctx, messageID, &channelID, nil, userID, encryptedContent, nonce)
	if err != nil {
		if errors.Is(err, message.ErrNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("update message: %w", err)
	}

	if err := e.Channels.Publish(ctx, channelID, Event{
		Type:      EventMessageUpdated,
		ChannelID: channelID,
		MessageID: msg.ID,
		UserID:    userID,
		CreatedAt: msg.CreatedAt,
	}); err != nil {
		e.log.Warn().Err(err).Stringer("channel_id", channelID).Msg("Publish message_updated failed")
	}

	return msg, nil
}

// DeleteMessage rate-limits, tries a sender-owned soft delete first, and
// falls back to a privileged delete when the actor holds ManageMessages.
// Either path zeroes the ciphertext and nonce in the same statement
// (crypto erasure) before publishing MessageDeleted.
func (e *Engine) DeleteMessage(ctx context.Context, userID, channelID, messageID uuid.UUID) error {
	if err := e.checkRate(ctx, userID, channelID, "delete_message"); err != nil {
		return err
	}

	ownDeleted, err := e.messages.SoftDeleteOwned(ctx, messageID, &channelID, nil, userID)
	if err != nil {
		return fmt.Errorf("soft delete owned message: %w", err)
	}

	if !ownDeleted {
		canManage, err := e.resolver.HasChannelPermission(ctx, userID, channelID, permissions.ManageMessages)
		if err != nil {
			return fmt.Errorf("check manage messages permission: %w", err)
		}
		if !canManage {
			return ErrMessageNotFound
		}

		anyDeleted, err := e.messages.SoftDeleteAny(ctx, messageID, &channelID, nil)
		if err != nil {
			return fmt.Errorf("soft delete message: %w", err)
		}
		if !anyDeleted {
			return ErrMessageNotFound
		}
	}

	if err := e.Channels.Publish(ctx, channelID, Event{
		Type:      EventMessageDeleted,
		ChannelID: channelID,
		MessageID: messageID,
		UserID:    userID,
	}); err != nil {
		e.log.Warn().Err(err).Stringer("channel_id", channelID).Msg("Publish message_deleted failed")
	}

	return nil
}

func (e *Engine) checkRate(ctx context.Context, userID, channelID uuid.UUID, endpoint string) error {
	if e.limiter == nil {
		return nil
	}
	key := userID.String() + ":" + channelID.String()
	allowed, err := e.limiter.Allow(ctx, key, endpoint)
	if err != nil {
		e.log.Warn().Err(err).Msg("Rate limiter unavailable, failing open")
		return nil
	}
	if !allowed {
		return ErrRateLimited
	}
	return nil
}

func (e *Engine) resolveGuild(ctx context.Context, channelID uuid.UUID) (uuid.UUID, error) {
	guildID, err := e.resolver.ChannelGuild(ctx, channelID)
	if err != nil {
		return uuid.Nil, ErrChannelNotFound
	}
	return guildID, nil
}
