// Package gateway implements the per-connection WebSocket protocol: a
// tagged JSON envelope over github.com/fasthttp/websocket, two
// cooperating goroutines per connection (one reading, one writing), and a
// registry that lets a newly authenticated device evict any prior
// connection for the same (user, device) pair.
package gateway

import "encoding/json"

// ClientKind tags an inbound client-to-server message.
type ClientKind string

const (
	KindSubscribe     ClientKind = "subscribe"
	KindUnsubscribe   ClientKind = "unsubscribe"
	KindSendMessage   ClientKind = "send_message"
	KindEditMessage   ClientKind = "edit_message"
	KindDeleteMessage ClientKind = "delete_message"
	KindStartTyping   ClientKind = "start_typing"
	KindStopTyping    ClientKind = "stop_typing"
	KindSetPresence   ClientKind = "set_presence"
	KindPing          ClientKind = "ping"
)

// ServerKind tags an outbound server-to-client message.
type ServerKind string

const (
	KindReady          ServerKind = "ready"
	KindMessageCreated ServerKind = "message_created"
	KindMessageUpdated ServerKind = "message_updated"
	KindMessageDeleted ServerKind = "message_deleted"
	KindTypingStarted  ServerKind = "typing_started"
	KindPresenceUpdate ServerKind = "presence_update"
	KindMemberJoined   ServerKind = "member_joined"
	KindMemberLeft     ServerKind = "member_left"
	KindPong           ServerKind = "pong"
	KindError          ServerKind = "error"
	KindReplayComplete ServerKind = "replay_complete"
)

// ClientMessage is the envelope for every inbound frame: kind plus a
// raw payload unmarshaled according to that kind.
type ClientMessage struct {
	Kind ClientKind      `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ServerMessage is the envelope for every outbound frame.
type ServerMessage struct {
	Kind ServerKind  `json:"kind"`
	Data interface{} `json:"data,omitempty"`
}

// Payload shapes carried in ClientMessage.Data.
type (
	SubscribePayload struct {
		ChannelID string `json:"channel_id"`
	}
	UnsubscribePayload struct {
		ChannelID string `json:"channel_id"`
	}
	SendMessagePayload struct {
		ChannelID        string `json:"channel_id"`
		EncryptedContent []byte `json:"encrypted_content"`
		Nonce            []byte `json:"nonce"`
	}
	EditMessagePayload struct {
		ChannelID        string `json:"channel_id"`
		MessageID        string `json:"message_id"`
		EncryptedContent []byte `json:"encrypted_content"`
		Nonce            []byte `json:"nonce"`
	}
	DeleteMessagePayload struct {
		ChannelID string `json:"channel_id"`
		MessageID string `json:"message_id"`
	}
	TypingPayload struct {
		ChannelID string `json:"channel_id"`
	}
	SetPresencePayload struct {
		Status string `json:"status"`
	}
	PingPayload struct {
		Timestamp int64 `json:"ts"`
	}
)

// Payload shapes carried in ServerMessage.Data.
type (
	ReadyPayload struct {
		UserID   string   `json:"user_id"`
		GuildIDs []string `json:"guild_ids"`
	}
	MessageEventPayload struct {
		ChannelID string `json:"channel_id"`
		MessageID string `json:"message_id"`
	}
	TypingStartedPayload struct {
		ChannelID string `json:"channel_id"`
		UserID    string `json:"user_id"`
	}
	PresenceUpdatePayload struct {
		UserID string `json:"user_id"`
		Status string `json:"status"`
	}
	MemberEventPayload struct {
		GuildID string `json:"guild_id"`
		UserID  string `json:"user_id"`
	}
	PongPayload struct {
		Timestamp int64 `json:"ts"`
	}
	ErrorPayload struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	ReplayCompletePayload struct {
		ChannelID string `json:"channel_id"`
	}
)
