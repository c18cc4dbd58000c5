package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ticketTTL is how long a minted WebSocket ticket stays redeemable.
// Tickets are one-time: Consume deletes the key it reads, so a stolen
// ticket is only useful for the single connect attempt that wins the race.
const ticketTTL = 30 * time.Second

func ticketKey(ticket string) string { return "wsticket:" + ticket }

// ticketData is the JSON structure persisted for a minted ticket.
type ticketData struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// TicketStore mints and redeems the short-lived, one-time tickets that
// authenticate a WebSocket connect. A client calls POST /api/ws/ticket
// over its already-authenticated HTTPS session to mint one, then connects
// to the WebSocket endpoint with ?ticket=... — this keeps the access token
// itself out of a URL that browsers and proxies tend to log.
type TicketStore struct {
	rdb *redis.Client
}

// NewTicketStore creates a ticket store backed by the given Valkey client.
func NewTicketStore(rdb *redis.Client) *TicketStore {
	return &TicketStore{rdb: rdb}
}

// Mint generates a new ticket bound to (userID, deviceID) and returns it.
func (s *TicketStore) Mint(ctx context.Context, userID, deviceID uuid.UUID) (string, error) {
	ticket := uuid.New().String()
	data, err := json.Marshal(ticketData{UserID: userID.String(), DeviceID: deviceID.String()})
	if err != nil {
		return "", fmt.Errorf("marshal ticket: %w", err)
	}
	if err := s.rdb.Set(ctx, ticketKey(ticket), data, ticketTTL).Err(); err != nil {
		return "", fmt.Errorf("store ticket: %w", err)
	}
	return ticket, nil
}

// Consume redeems a ticket, returning the (user, device) it authenticates.
// The ticket is deleted atomically with the read so it cannot be redeemed
// twice. Returns ErrTicketNotFound if the ticket is unknown or expired.
func (s *TicketStore) Consume(ctx context.Context, ticket string) (userID, deviceID uuid.UUID, err error) {
	raw, err := s.rdb.GetDel(ctx, ticketKey(ticket)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return uuid.Nil, uuid.Nil, ErrTicketNotFound
		}
		return uuid.Nil, uuid.Nil, fmt.Errorf("load ticket: %w", err)
	}

	var td ticketData
	if err := json.Unmarshal(raw, &td); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("unmarshal ticket: %w", err)
	}

	userID, err = uuid.Parse(td.UserID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("parse ticket user id: %w", err)
	}
	deviceID, err = uuid.Parse(td.DeviceID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("parse ticket device id: %w", err)
	}
	return userID, deviceID, nil
}
