// Package fanout implements the broadcast buses that carry message events
// from SendMessage/EditMessage/DeleteMessage to every subscribed connection
// on a channel, and presence/membership events to every connection
// subscribed to a guild. Each bus is backed by its own Valkey Pub/Sub topic
// (one PUBLISH/SUBSCRIBE channel per channel/guild ID) so that events reach
// every server process with a local subscriber, not just the process that
// handled the write — the same go-redis client the teacher's
// permission.Cache and gateway session store already use, generalized from
// the teacher's single global gateway-events topic to one topic per bus.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// busCapacity bounds each subscriber's local event queue. A subscriber that
// falls this far behind is considered lagged rather than allowed to block
// the relay goroutine feeding it.
const busCapacity = 1000

// EventType tags the kind of event flowing through a bus.
type EventType string

const (
	EventMessageCreated EventType = "message_created"
	EventMessageUpdated EventType = "message_updated"
	EventMessageDeleted EventType = "message_deleted"
	EventTypingStarted  EventType = "typing_started"
	EventPresenceUpdate EventType = "presence_update"
	EventMemberJoined   EventType = "member_joined"
	EventMemberLeft     EventType = "member_left"
)

// Event is one item published onto a bus. Fields not relevant to a given
// Type are left zero. It travels as the JSON payload of the underlying
// Pub/Sub message, so every field must round-trip through encoding/json.
type Event struct {
	Type      EventType `json:"type"`
	ChannelID uuid.UUID `json:"channel_id,omitempty"`
	GuildID   uuid.UUID `json:"guild_id,omitempty"`
	MessageID uuid.UUID `json:"message_id,omitempty"`
	UserID    uuid.UUID `json:"user_id,omitempty"`
	Status    string    `json:"status,omitempty"`

	// CreatedAt is the message's timestamp for message_created/updated
	// events, letting a subscriber track its replay high-water mark
	// without a second lookup.
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type subscriber struct {
	ch     chan Event
	lagged chan struct{}
}

// bus fans events relayed from its Valkey topic out to every local
// subscriber without blocking. A subscriber whose queue is full is marked
// lagged instead of stalling the relay goroutine or the other subscribers.
type bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	next   uint64
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

func newBus(cancel context.CancelFunc, pubsub *redis.PubSub) *bus {
	return &bus{subs: make(map[uint64]*subscriber), pubsub: pubsub, cancel: cancel}
}

// close cancels the bus's relay goroutine and releases its Valkey
// subscription.
func (b *bus) close() {
	b.cancel()
	_ = b.pubsub.Close()
}

func (b *bus) subscribe() (uint64, *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	s := &subscriber{
		ch:     make(chan Event, busCapacity),
		lagged: make(chan struct{}, 1),
	}
	b.subs[id] = s
	return id, s
}

func (b *bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

func (b *bus) receiverCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *bus) deliver(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			select {
			case s.lagged <- struct{}{}:
			default:
			}
		}
	}
}

// Registry owns a set of buses keyed by topic ID (a channel ID or a guild
// ID, depending on which registry this is), each relayed from its own
// Valkey Pub/Sub channel. Subscribe and the check-and-remove performed by a
// Subscription's Close both hold the registry lock for their whole
// operation, so a sweep can never race a concurrent Subscribe into deleting
// a bus out from under a brand new subscriber.
type Registry struct {
	mu     sync.Mutex
	buses  map[uuid.UUID]*bus
	rdb    *redis.Client
	prefix string
	log    zerolog.Logger
}

// NewRegistry creates an empty bus registry. prefix namespaces this
// registry's Valkey topics from the other registry sharing the same
// client (e.g. "channel" vs. "guild"), so a channel and a guild that
// happen to share a UUID can never collide.
func NewRegistry(rdb *redis.Client, prefix string, logger zerolog.Logger) *Registry {
	return &Registry{
		buses:  make(map[uuid.UUID]*bus),
		rdb:    rdb,
		prefix: prefix,
		log:    logger.With().Str("component", "fanout."+prefix).Logger(),
	}
}

func (r *Registry) topicKey(topic uuid.UUID) string {
	return r.prefix + ":" + topic.String()
}

// Subscription is a live handle on one bus subscription.
type Subscription struct {
	Events <-chan Event
	Lagged <-chan struct{}
	Close  func()
}

// Subscribe creates the topic's bus on demand, synchronously establishing
// its backing Valkey subscription before returning — so a Publish issued
// right after Subscribe returns can never race the SUBSCRIBE command and
// be dropped — and registers a new local subscriber on the bus.
func (r *Registry) Subscribe(topic uuid.UUID) Subscription {
	r.mu.Lock()
	b, ok := r.buses[topic]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		pubsub := r.rdb.Subscribe(ctx, r.topicKey(topic))
		b = newBus(cancel, pubsub)
		r.buses[topic] = b
		go r.relay(ctx, b)
	}
	id, s := b.subscribe()
	r.mu.Unlock()

	return Subscription{
		Events: s.ch,
		Lagged: s.lagged,
		Close: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			b.unsubscribe(id)
			if cur, ok := r.buses[topic]; ok && cur == b && b.receiverCount() == 0 {
				delete(r.buses, topic)
				b.close()
			}
		},
	}
}

// relay fans messages from b's already-subscribed Valkey channel out to its
// local subscribers, until ctx is cancelled by the bus's last subscriber
// leaving (which also closes the PubSub).
func (r *Registry) relay(ctx context.Context, b *bus) {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.log.Warn().Err(err).Str("topic", msg.Channel).Msg("Discarding malformed bus event")
				continue
			}
			b.deliver(ev)
		}
	}
}

// Publish serializes ev and publishes it to topic's Valkey channel. This
// reaches every process with a live local subscriber for topic, including
// this one, via the same relay goroutine spawned by Subscribe — it never
// delivers directly to a local bus, so behavior is identical whether the
// publisher and the subscriber are in the same process or not.
func (r *Registry) Publish(ctx context.Context, topic uuid.UUID, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.topicKey(topic), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Sweep cancels and removes every bus with zero local subscribers. Called
// periodically; a bus with subscribers that races the sweep is protected
// because Subscribe and the check-and-remove in Close both hold the
// registry lock.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic, b := range r.buses {
		if b.receiverCount() == 0 {
			delete(r.buses, topic)
			b.close()
		}
	}
}

// BusCount reports how many live buses this registry currently holds.
// Exposed for tests and diagnostics.
func (r *Registry) BusCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buses)
}
