package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nisarsyed/openconv/internal/fanout"
	"github.com/nisarsyed/openconv/internal/message"
)

const (
	// maxMessageSize bounds a single inbound WebSocket frame.
	maxMessageSize = 4096

	// writeWait is the time allowed to write one frame to the peer.
	writeWait = 10 * time.Second

	// pingInterval is how often the server pings an idle connection.
	// Missing two consecutive pings closes the connection.
	pingInterval = 30 * time.Second
	pongWait     = 2 * pingInterval
)

// sendQueueCapacity bounds a connection's outbound buffer. A connection
// that falls this far behind has its oldest-pending write dropped rather
// than being allowed to block the publisher that triggered it.
const sendQueueCapacity = 256

// GuildMembershipLister resolves the guilds a user belongs to, used to
// populate the Ready message's guild_ids and to build this connection's
// guild-bus subscriptions.
type GuildMembershipLister interface {
	GuildIDsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// PresenceBroadcaster flips a user's presence status and fans the change
// out to that user's guilds, and records typing indicators per channel.
type PresenceBroadcaster interface {
	SetOnline(ctx context.Context, userID uuid.UUID) error
	SetOffline(ctx context.Context, userID uuid.UUID) error
	SetStatus(ctx context.Context, userID uuid.UUID, status string) error
	StartTyping(ctx context.Context, channelID, userID uuid.UUID) error
	StopTyping(ctx context.Context, channelID, userID uuid.UUID) error
}

// subscription tracks one bus a connection is currently receiving events
// from. lastSeen records the newest message position observed on a
// channel subscription, written back to the replay marker when the
// subscription ends; it stays nil for guild subscriptions, which carry no
// replay state.
type subscription struct {
	sub    fanout.Subscription
	cancel context.CancelFunc

	mu       sync.Mutex
	lastSeen *message.Message
}

func (s *subscription) observe(channelID uuid.UUID, messageID uuid.UUID, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSeen == nil || createdAt.After(s.lastSeen.CreatedAt) {
		s.lastSeen = &message.Message{ID: messageID, ChannelID: &channelID, CreatedAt: createdAt}
	}
}

func (s *subscription) highWater() *message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Connection is one authenticated WebSocket session: a user on one device.
// It runs two goroutines — a send task driving the ping ticker and
// draining the outbound queue, and a receive task decoding inbound
// frames — communicating with each other through the done channel, the
// send queue, and the atomic pongReceived flag the pong handler sets.
type Connection struct {
	userID   uuid.UUID
	deviceID uuid.UUID

	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	closer sync.Once

	engine   *fanout.Engine
	guilds   GuildMembershipLister
	presence PresenceBroadcaster
	registry *Registry
	log      zerolog.Logger

	pongReceived atomic.Bool

	mu   sync.Mutex
	subs map[uuid.UUID]*subscription
}

// NewConnection wraps an already-upgraded WebSocket connection.
func NewConnection(conn *websocket.Conn, userID, deviceID uuid.UUID, engine *fanout.Engine, guilds GuildMembershipLister, presence PresenceBroadcaster, registry *Registry, logger zerolog.Logger) *Connection {
	return &Connection{
		userID:   userID,
		deviceID: deviceID,
		conn:     conn,
		send:     make(chan []byte, sendQueueCapacity),
		done:     make(chan struct{}),
		engine:   engine,
		guilds:   guilds,
		presence: presence,
		registry: registry,
		log:      logger.With().Stringer("user_id", userID).Stringer("device_id", deviceID).Logger(),
		subs:     make(map[uuid.UUID]*subscription),
	}
}

// Run drives the connection's full lifecycle: evict any prior connection
// for this (user, device), send Ready, register, subscribe to the user's
// guild buses, then block running the send and receive tasks until either
// exits. On return every subscription is closed, the registry entry is
// removed, and presence is broadcast offline.
func (c *Connection) Run(ctx context.Context) {
	guildIDs, err := c.guilds.GuildIDsForUser(ctx, c.userID)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to load guild memberships, closing connection")
		_ = c.conn.Close()
		return
	}

	if old := c.registry.Put(c.userID, c.deviceID, c); old != nil {
		old.closeSend()
	}
	defer c.registry.Remove(c.userID, c.deviceID, c)

	c.enqueueReady(guildIDs)

	for _, guildID := range guildIDs {
		c.subscribeGuild(guildID)
	}

	if c.presence != nil {
		if err := c.presence.SetOnline(ctx, c.userID); err != nil {
			c.log.Warn().Err(err).Msg("Failed to broadcast presence online")
		}
	}

	defer c.teardown(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.sendTask() }()
	go func() { defer wg.Done(); c.receiveTask(ctx) }()
	wg.Wait()
}

func (c *Connection) teardown(ctx context.Context) {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for topicID, s := range subs {
		s.cancel()
		c.engine.Unsubscribe(ctx, c.userID, topicID, s.sub, s.highWater())
	}

	if c.presence != nil {
		if err := c.presence.SetOffline(ctx, c.userID); err != nil {
			c.log.Warn().Err(err).Msg("Failed to broadcast presence offline")
		}
	}
}

func (c *Connection) enqueueReady(guildIDs []uuid.UUID) {
	ids := make([]string, len(guildIDs))
	for i, g := range guildIDs {
		ids[i] = g.String()
	}
	c.enqueueServerMessage(ServerMessage{Kind: KindReady, Data: ReadyPayload{UserID: c.userID.String(), GuildIDs: ids}})
}

// closeSend signals the send task to stop and the underlying connection to
// close. Dropping the sender is this system's cancellation signal: both
// tasks observe done and exit. Safe to call more than once or from more
// than one goroutine (a newer connection's Run evicting this one, and the
// exit paths of this connection's send and receive tasks, all call it).
func (c *Connection) closeSend() {
	c.closer.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Connection) sendTask() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.closeSend()

	missed := 0
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		case <-ticker.C:
			if !c.pongReceived.Swap(false) {
				missed++
			} else {
				missed = 0
			}
			if missed >= 2 {
				c.log.Debug().Msg("Missed two consecutive pings, closing")
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(1001, "shutting down"), time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Connection) receiveTask(ctx context.Context) {
	defer c.closeSend()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.pongReceived.Store(true)
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if kind == websocket.BinaryMessage {
			c.closeWithCode(CodeInvalidFormat, "binary frames are not accepted")
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.closeWithCode(CodeInvalidFormat, "invalid JSON")
			return
		}

		c.dispatch(ctx, msg)
	}
}

func (c *Connection) dispatch(ctx context.Context, msg ClientMessage) {
	switch msg.Kind {
	case KindPing:
		c.handlePing(msg.Data)
	case KindSubscribe:
		c.handleSubscribe(ctx, msg.Data)
	case KindUnsubscribe:
		c.handleUnsubscribe(ctx, msg.Data)
	case KindSendMessage:
		c.handleSendMessage(ctx, msg.Data)
	case KindEditMessage:
		c.handleEditMessage(ctx, msg.Data)
	case KindDeleteMessage:
		c.handleDeleteMessage(ctx, msg.Data)
	case KindStartTyping:
		c.handleStartTyping(ctx, msg.Data)
	case KindStopTyping:
		c.handleStopTyping(ctx, msg.Data)
	case KindSetPresence:
		c.handleSetPresence(ctx, msg.Data)
	default:
		c.enqueueError(CodeInvalidFormat, "unknown message kind")
	}
}

func (c *Connection) handlePing(data json.RawMessage) {
	var p PingPayload
	_ = json.Unmarshal(data, &p)
	c.enqueueServerMessage(ServerMessage{Kind: KindPong, Data: PongPayload{Timestamp: p.Timestamp}})
}

func (c *Connection) handleStartTyping(ctx context.Context, data json.RawMessage) {
	if c.presence == nil {
		return
	}
	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.enqueueError(CodeInvalidFormat, "invalid typing payload")
		return
	}
	channelID, err := uuid.Parse(p.ChannelID)
	if err != nil {
		c.enqueueError(CodeInvalidFormat, "invalid channel_id")
		return
	}
	if err := c.presence.StartTyping(ctx, channelID, c.userID); err != nil {
		c.log.Warn().Err(err).Stringer("channel_id", channelID).Msg("Failed to record typing indicator")
	}
}

func (c *Connection) handleStopTyping(ctx context.Context, data json.RawMessage) {
	if c.presence == nil {
		return
	}
	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.enqueueError(CodeInvalidFormat, "invalid typing payload")
		return
	}
	channelID, err := uuid.Parse(p.ChannelID)
	if err != nil {
		c.enqueueError(CodeInvalidFormat, "invalid channel_id")
		return
	}
	if err := c.presence.StopTyping(ctx, channelID, c.userID); err != nil {
		c.log.Warn().Err(err).Stringer("channel_id", channelID).Msg("Failed to clear typing indicator")
	}
}

func (c *Connection) handleSetPresence(ctx context.Context, data json.RawMessage) {
	if c.presence == nil {
		return
	}
	var p SetPresencePayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.enqueueError(CodeInvalidFormat, "invalid set_presence payload")
		return
	}
	if err := c.presence.SetStatus(ctx, c.userID, p.Status); err != nil {
		c.enqueueError(CodeInvalidFormat, err.Error())
	}
}

func (c *Connection) handleSubscribe(ctx context.Context, data json.RawMessage) {
	var p SubscribePayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.enqueueError(CodeInvalidFormat, "invalid subscribe payload")
		return
	}
	channelID, err := uuid.Parse(p.ChannelID)
	if err != nil {
		c.enqueueError(CodeInvalidFormat, "invalid channel_id")
		return
	}

	c.mu.Lock()
	_, already := c.subs[channelID]
	c.mu.Unlock()
	if already {
		return
	}

	result, err := c.engine.Subscribe(ctx, c.userID, channelID)
	if err != nil {
		c.enqueueError(errorCode(err), err.Error())
		return
	}

	subCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.subs[channelID] = &subscription{sub: result.Subscription, cancel: cancel}
	c.mu.Unlock()

	for _, m := range result.Backlog {
		c.enqueueMessageEvent(KindMessageCreated, m)
	}
	c.enqueueServerMessage(ServerMessage{Kind: KindReplayComplete, Data: ReplayCompletePayload{ChannelID: channelID.String()}})

	go c.forward(subCtx, channelID, result.Subscription)
}

func (c *Connection) handleUnsubscribe(ctx context.Context, data json.RawMessage) {
	var p UnsubscribePayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.enqueueError(CodeInvalidFormat, "invalid unsubscribe payload")
		return
	}
	channelID, err := uuid.Parse(p.ChannelID)
	if err != nil {
		c.enqueueError(CodeInvalidFormat, "invalid channel_id")
		return
	}

	c.mu.Lock()
	s, ok := c.subs[channelID]
	if ok {
		delete(c.subs, channelID)
	}
	c.mu.Unlock()
	if !ok {
		c.enqueueError(CodeNotSubscribed, "not subscribed to channel")
		return
	}

	s.cancel()
	c.engine.Unsubscribe(ctx, c.userID, channelID, s.sub, s.highWater())
}

func (c *Connection) handleSendMessage(ctx context.Context, data json.RawMessage) {
	var p SendMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.enqueueError(CodeInvalidFormat, "invalid send_message payload")
		return
	}
	channelID, err := uuid.Parse(p.ChannelID)
	if err != nil {
		c.enqueueError(CodeInvalidFormat, "invalid channel_id")
		return
	}
	if err := message.ValidateCiphertext(p.EncryptedContent, p.Nonce); err != nil {
		c.enqueueError(CodeInvalidFormat, err.Error())
		return
	}

	if _, err := c.engine.SendMessage(ctx, c.userID, channelID, p.EncryptedContent, p.Nonce); err != nil {
		c.enqueueError(errorCode(err), err.Error())
	}
}

func (c *Connection) handleEditMessage(ctx context.Context, data json.RawMessage) {
	var p EditMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.enqueueError(CodeInvalidFormat, "invalid edit_message payload")
		return
	}
	channelID, err := uuid.Parse(p.ChannelID)
	if err != nil {
		c.enqueueError(CodeInvalidFormat, "invalid channel_id")
		return
	}
	messageID, err := uuid.Parse(p.MessageID)
	if err != nil {
		c.enqueueError(CodeInvalidFormat, "invalid message_id")
		return
	}
	if err := message.ValidateCiphertext(p.EncryptedContent, p.Nonce); err != nil {
		c.enqueueError(CodeInvalidFormat, err.Error())
		return
	}

	if _, err := c.engine.EditMessage(ctx, c.userID, channelID, messageID, p.EncryptedContent, p.Nonce); err != nil {
		c.enqueueError(errorCode(err), err.Error())
	}
}

func (c *Connection) handleDeleteMessage(ctx context.Context, data json.RawMessage) {
	var p DeleteMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.enqueueError(CodeInvalidFormat, "invalid delete_message payload")
		return
	}
	channelID, err := uuid.Parse(p.ChannelID)
	if err != nil {
		c.enqueueError(CodeInvalidFormat, "invalid channel_id")
		return
	}
	messageID, err := uuid.Parse(p.MessageID)
	if err != nil {
		c.enqueueError(CodeInvalidFormat, "invalid message_id")
		return
	}

	if err := c.engine.DeleteMessage(ctx, c.userID, channelID, messageID); err != nil {
		c.enqueueError(errorCode(err), err.Error())
	}
}

func (c *Connection) subscribeGuild(guildID uuid.UUID) {
	// Guild buses carry presence and membership events; a connection is
	// implicitly subscribed to every guild it belongs to rather than
	// needing an explicit Subscribe per guild.
	sub := c.engine.Guilds.Subscribe(guildID)
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.subs[guildID] = &subscription{sub: sub, cancel: cancel}
	c.mu.Unlock()
	go c.forward(ctx, guildID, sub)
}

// forward relays bus events onto the connection's send queue until the
// subscription is cancelled, the bus is closed, or the connection lags.
func (c *Connection) forward(ctx context.Context, topicID uuid.UUID, sub fanout.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Lagged:
			c.enqueueError(CodeLagged, fmt.Sprintf("lagged behind events on %s", topicID))
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if ev.Type == fanout.EventMessageCreated || ev.Type == fanout.EventMessageUpdated {
				c.mu.Lock()
				s := c.subs[topicID]
				c.mu.Unlock()
				if s != nil {
					s.observe(topicID, ev.MessageID, ev.CreatedAt)
				}
			}
			c.enqueueBusEvent(ev)
		}
	}
}

func (c *Connection) enqueueBusEvent(ev fanout.Event) {
	switch ev.Type {
	case fanout.EventMessageCreated:
		c.enqueueServerMessage(ServerMessage{Kind: KindMessageCreated, Data: MessageEventPayload{ChannelID: ev.ChannelID.String(), MessageID: ev.MessageID.String()}})
	case fanout.EventMessageUpdated:
		c.enqueueServerMessage(ServerMessage{Kind: KindMessageUpdated, Data: MessageEventPayload{ChannelID: ev.ChannelID.String(), MessageID: ev.MessageID.String()}})
	case fanout.EventMessageDeleted:
		c.enqueueServerMessage(ServerMessage{Kind: KindMessageDeleted, Data: MessageEventPayload{ChannelID: ev.ChannelID.String(), MessageID: ev.MessageID.String()}})
	case fanout.EventTypingStarted:
		c.enqueueServerMessage(ServerMessage{Kind: KindTypingStarted, Data: TypingStartedPayload{ChannelID: ev.ChannelID.String(), UserID: ev.UserID.String()}})
	case fanout.EventPresenceUpdate:
		c.enqueueServerMessage(ServerMessage{Kind: KindPresenceUpdate, Data: PresenceUpdatePayload{UserID: ev.UserID.String(), Status: ev.Status}})
	case fanout.EventMemberJoined:
		c.enqueueServerMessage(ServerMessage{Kind: KindMemberJoined, Data: MemberEventPayload{GuildID: ev.GuildID.String(), UserID: ev.UserID.String()}})
	case fanout.EventMemberLeft:
		c.enqueueServerMessage(ServerMessage{Kind: KindMemberLeft, Data: MemberEventPayload{GuildID: ev.GuildID.String(), UserID: ev.UserID.String()}})
	}
}

func (c *Connection) enqueueMessageEvent(kind ServerKind, m message.Message) {
	channelID := ""
	if m.ChannelID != nil {
		channelID = m.ChannelID.String()
	}
	c.enqueueServerMessage(ServerMessage{Kind: kind, Data: MessageEventPayload{ChannelID: channelID, MessageID: m.ID.String()}})
}

func (c *Connection) enqueueError(code int, msg string) {
	c.enqueueServerMessage(ServerMessage{Kind: KindError, Data: ErrorPayload{Code: code, Message: msg}})
}

func (c *Connection) enqueueServerMessage(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to marshal outbound message")
		return
	}
	c.enqueue(data)
}

// enqueue pushes a frame onto the send queue. A full queue means the
// connection is too far behind; the oldest pending write is dropped in
// favor of the newest, and the drop is logged rather than allowed to
// block whichever goroutine (often a fan-out forwarder) is delivering it.
func (c *Connection) enqueue(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- data:
	default:
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- data:
		default:
		}
		c.log.Warn().Msg("Send queue full, dropped a pending frame")
	}
}

func (c *Connection) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// errorCode maps an Engine sentinel error to its wire error code.
func errorCode(err error) int {
	switch err {
	case fanout.ErrPermissionDenied:
		return CodePermissionDenied
	case fanout.ErrRateLimited:
		return CodeRateLimited
	case fanout.ErrChannelNotFound, fanout.ErrMessageNotFound:
		return CodeResourceNotFound
	default:
		return CodeNotFound
	}
}
