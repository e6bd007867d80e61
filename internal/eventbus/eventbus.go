// Package eventbus implements C9: a multi-producer, multi-consumer
// broadcast of typed Events with topic-filtered subscriptions and a
// lag policy that logs and continues rather than disconnecting a slow
// consumer.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ensemble-dev/ensemble/internal/common/logger"
)

// DefaultCapacity is the fixed per-subscriber channel capacity, per spec
// 4.C9.
const DefaultCapacity = 256

// EventBus is the narrow interface every other component depends on,
// satisfied by both the in-memory Bus and the optional NATSBus.
type EventBus interface {
	Publish(ev Event)
	Subscribe(topics []string) *Subscription
	Close()
}

// TopicAll is the wildcard topic a subscriber can request to receive every
// event regardless of variant.
const TopicAll = "*"

// Event is the broadcast envelope. Kind names the tagged-union variant
// (spec 3 "Event"); Payload carries the variant-specific data.
type Event struct {
	ID        string      `json:"id"`
	Kind      string      `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Event kind constants, one per tagged-union variant named in spec 3.
const (
	KindConnection       = "connection"
	KindHeartbeat        = "heartbeat"
	KindProfileLifecycle = "profile_lifecycle"
	KindProxyLifecycle   = "proxy_lifecycle"
	KindProxyStatus      = "proxy_status"
	KindRegistrySync     = "registry_sync"
	KindUsageUpdated     = "usage_updated"
	KindTerminalLifecycle = "terminal_lifecycle"
)

// New builds an Event of kind with the given payload, stamping an ID and
// timestamp.
func New(kind string, payload interface{}) Event {
	return Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// Subscription is a live topic-filtered feed of events.
type Subscription struct {
	C       <-chan Event
	topics  map[string]bool
	bus     *Bus
	id      string
	natsSub natsUnsubscriber
}

// natsUnsubscriber is the narrow slice of *nats.Subscription this package
// needs, kept local so eventbus.go has no direct nats.go import.
type natsUnsubscriber interface {
	Unsubscribe() error
}

// Close unsubscribes, releasing the subscription's channel.
func (s *Subscription) Close() {
	if s.natsSub != nil {
		_ = s.natsSub.Unsubscribe()
		return
	}
	if s.bus != nil {
		s.bus.unsubscribe(s.id)
	}
}

func (s *Subscription) interested(kind string) bool {
	if s.topics[TopicAll] {
		return true
	}
	return s.topics[kind]
}

// Bus is the in-memory implementation of C9. A NATS-backed implementation
// satisfying the same Publish/Subscribe shape is available in natsbus.go
// when ENSEMBLE_NATS_URL is set (spec 9's dual-backend allowance).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriberEntry
	capacity    int
	log         *logger.Logger
}

type subscriberEntry struct {
	ch     chan Event
	topics map[string]bool
}

// NewBus creates an event bus with the default fixed capacity.
func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string]*subscriberEntry),
		capacity:    DefaultCapacity,
		log:         log.WithFields(zap.String("component", "eventbus")),
	}
}

// Subscribe registers interest in the given topics (kind names, or the "*"
// wildcard) and returns a live feed.
func (b *Bus) Subscribe(topics []string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	topicSet := make(map[string]bool, len(topics))
	for _, t := range topics {
		topicSet[t] = true
	}
	entry := &subscriberEntry{
		ch:     make(chan Event, b.capacity),
		topics: topicSet,
	}
	b.subscribers[id] = entry

	return &Subscription{C: entry.ch, topics: topicSet, bus: b, id: id}
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.subscribers[id]; ok {
		close(entry.ch)
		delete(b.subscribers, id)
	}
}

// Publish broadcasts ev to every subscriber whose topic filter matches.
// A subscriber whose channel is full is logged and skipped rather than
// blocked on or disconnected (spec 4.C9/5's lag policy).
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, entry := range b.subscribers {
		if !entry.topics[TopicAll] && !entry.topics[ev.Kind] {
			continue
		}
		select {
		case entry.ch <- ev:
		default:
			b.log.Warn("subscriber lagging, event dropped",
				zap.String("subscriber_id", id),
				zap.String("event_kind", ev.Kind))
		}
	}
}

// Close unsubscribes every live subscriber, closing their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, entry := range b.subscribers {
		close(entry.ch)
		delete(b.subscribers, id)
	}
}

// Count returns the number of live subscribers, for diagnostics/tests.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
