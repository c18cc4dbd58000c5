package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestTicketMintAndConsume(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	store := NewTicketStore(rdb)
	ctx := context.Background()

	userID, deviceID := uuid.New(), uuid.New()
	ticket, err := store.Mint(ctx, userID, deviceID)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if ticket == "" {
		t.Fatal("Mint() returned empty ticket")
	}

	gotUser, gotDevice, err := store.Consume(ctx, ticket)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if gotUser != userID {
		t.Errorf("userID = %v, want %v", gotUser, userID)
	}
	if gotDevice != deviceID {
		t.Errorf("deviceID = %v, want %v", gotDevice, deviceID)
	}
}

func TestTicketConsumeIsOneTimeUse(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	store := NewTicketStore(rdb)
	ctx := context.Background()

	ticket, err := store.Mint(ctx, uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	if _, _, err := store.Consume(ctx, ticket); err != nil {
		t.Fatalf("first Consume() error = %v", err)
	}

	_, _, err = store.Consume(ctx, ticket)
	if !errors.Is(err, ErrTicketNotFound) {
		t.Errorf("second Consume() error = %v, want ErrTicketNotFound", err)
	}
}

func TestTicketConsumeUnknownTicket(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	store := NewTicketStore(rdb)

	_, _, err := store.Consume(context.Background(), "does-not-exist")
	if !errors.Is(err, ErrTicketNotFound) {
		t.Errorf("Consume() error = %v, want ErrTicketNotFound", err)
	}
}

func TestTicketExpires(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)
	store := NewTicketStore(rdb)
	ctx := context.Background()

	ticket, err := store.Mint(ctx, uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	mr.FastForward(ticketTTL + time.Second)

	_, _, err = store.Consume(ctx, ticket)
	if !errors.Is(err, ErrTicketNotFound) {
		t.Errorf("Consume() after expiry error = %v, want ErrTicketNotFound", err)
	}
}
