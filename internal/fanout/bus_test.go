package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestRegistry(t *testing.T, prefix string) *Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRegistry(rdb, prefix, zerolog.Nop())
}

func TestRegistrySubscribePublishDeliversEvent(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, "channel")
	topic := uuid.New()
	ctx := context.Background()

	sub := r.Subscribe(topic)
	defer sub.Close()

	if err := r.Publish(ctx, topic, Event{Type: EventMessageCreated, ChannelID: topic}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case ev := <-sub.Events:
		if ev.Type != EventMessageCreated {
			t.Errorf("Type = %v, want %v", ev.Type, EventMessageCreated)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestRegistryPublishWithNoSubscribersIsNoop(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, "channel")
	if err := r.Publish(context.Background(), uuid.New(), Event{Type: EventMessageCreated}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}

func TestRegistryMultipleSubscribersAllReceive(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, "channel")
	topic := uuid.New()
	ctx := context.Background()

	sub1 := r.Subscribe(topic)
	defer sub1.Close()
	sub2 := r.Subscribe(topic)
	defer sub2.Close()

	if err := r.Publish(ctx, topic, Event{Type: EventTypingStarted}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	for _, sub := range []Subscription{sub1, sub2} {
		select {
		case <-sub.Events:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fanned-out event")
		}
	}
}

func TestRegistryCloseRemovesEmptyBus(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, "channel")
	topic := uuid.New()

	sub := r.Subscribe(topic)
	if got := r.BusCount(); got != 1 {
		t.Fatalf("BusCount() = %d, want 1", got)
	}
	sub.Close()
	if got := r.BusCount(); got != 0 {
		t.Fatalf("BusCount() after Close = %d, want 0", got)
	}
}

func TestRegistryCloseKeepsBusAliveForOtherSubscribers(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, "channel")
	topic := uuid.New()
	ctx := context.Background()

	sub1 := r.Subscribe(topic)
	sub2 := r.Subscribe(topic)
	defer sub2.Close()

	sub1.Close()
	if got := r.BusCount(); got != 1 {
		t.Fatalf("BusCount() after one of two closes = %d, want 1", got)
	}

	if err := r.Publish(ctx, topic, Event{Type: EventPresenceUpdate}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case <-sub2.Events:
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber did not receive event")
	}
}

func TestBusOverflowMarksLaggedInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	b := newBus(func() {}, nil)
	_, s := b.subscribe()

	for i := 0; i < busCapacity+10; i++ {
		b.deliver(Event{Type: EventMessageCreated})
	}

	select {
	case <-s.lagged:
	default:
		t.Fatal("expected lagged signal after exceeding bus capacity")
	}
	if len(s.ch) != busCapacity {
		t.Errorf("queue length = %d, want %d (full, not blocked)", len(s.ch), busCapacity)
	}
}

func TestRegistrySweepRemovesEmptyBuses(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, "channel")
	topic1, topic2 := uuid.New(), uuid.New()

	sub1 := r.Subscribe(topic1)
	sub2 := r.Subscribe(topic2)
	defer sub2.Close()

	sub1.Close()
	r.Sweep()

	if got := r.BusCount(); got != 1 {
		t.Fatalf("BusCount() after sweep = %d, want 1", got)
	}
}

func TestRegistrySubscribeDuringSweepIsNotDropped(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, "channel")
	topic := uuid.New()

	// Simulate a subscriber arriving right as a sweep runs: the bus for
	// topic doesn't exist yet, so Sweep has nothing to race against, and
	// the freshly created bus must survive.
	r.Sweep()
	sub := r.Subscribe(topic)
	defer sub.Close()

	r.Sweep()
	if got := r.BusCount(); got != 1 {
		t.Fatalf("BusCount() after sweep racing a live subscriber = %d, want 1", got)
	}
}
