// Package replay tracks how far each (user, channel) pair has read, so a
// reconnecting device can be caught up on messages it missed while
// disconnected. It is grounded on the teacher gateway package's
// SessionStore Redis key-naming and pipelining idiom, but persists a
// single last-seen marker per (user, channel) instead of a replay ring
// buffer: the message history itself is the source of truth for replay
// content, Valkey only remembers the read position.
package replay

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nisarsyed/openconv/internal/message"
)

// maxBacklog caps how many missed messages a single reconnect replays.
const maxBacklog = 200

func lastSeenKey(userID, channelID uuid.UUID) string {
	return fmt.Sprintf("last_seen:%s:%s", userID, channelID)
}

// Service reads and writes the last_seen marker Valkey key used to resume
// a channel subscription after a disconnect.
type Service struct {
	rdb *redis.Client
}

// New creates a replay Service backed by the given Valkey client.
func New(rdb *redis.Client) *Service {
	return &Service{rdb: rdb}
}

// Backlog looks up userID's last_seen marker for channelID and returns
// every message strictly after it, oldest first, capped at maxBacklog. A
// missing marker (first-ever subscribe to this channel) returns no
// backlog, not an error.
func (s *Service) Backlog(ctx context.Context, userID, channelID uuid.UUID, repo message.Repository) ([]message.Message, error) {
	marker, err := s.loadMarker(ctx, userID, channelID)
	if err != nil {
		return nil, err
	}
	if marker == nil {
		return nil, nil
	}

	msgs, err := repo.ListSince(ctx, channelID, marker, maxBacklog)
	if err != nil {
		return nil, fmt.Errorf("list messages since last_seen: %w", err)
	}
	return msgs, nil
}

// Advance records (createdAt, id) as the new last_seen marker for
// (userID, channelID), overwriting whatever was there before. Called with
// the highest-seen message position when a subscription ends.
func (s *Service) Advance(ctx context.Context, userID, channelID uuid.UUID, marker message.Cursor) error {
	encoded := message.EncodeCursor(marker.CreatedAt, marker.ID)
	if err := s.rdb.Set(ctx, lastSeenKey(userID, channelID), encoded, 0).Err(); err != nil {
		return fmt.Errorf("set last_seen marker: %w", err)
	}
	return nil
}

func (s *Service) loadMarker(ctx context.Context, userID, channelID uuid.UUID) (*message.Cursor, error) {
	raw, err := s.rdb.Get(ctx, lastSeenKey(userID, channelID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get last_seen marker: %w", err)
	}

	marker, err := message.DecodeCursor(raw)
	if err != nil {
		return nil, fmt.Errorf("decode last_seen marker: %w", err)
	}
	return marker, nil
}
