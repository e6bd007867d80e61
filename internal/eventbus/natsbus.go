package eventbus

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ensemble-dev/ensemble/internal/common/logger"
)

// natsSubject is the single subject every event is published under; topic
// filtering happens client-side exactly as it does for the in-memory bus,
// since NATS core doesn't give us per-kind server-side filtering without a
// proliferation of subjects this spec doesn't call for.
const natsSubject = "ensemble.events"

// NATSBus backs the same Publish/Subscribe shape as Bus over NATS core
// pub/sub, for the optional multi-daemon deployment spec 9 allows when
// ENSEMBLE_NATS_URL is set. Grounded on the teacher's own
// internal/events/bus/nats.go dual-backend split.
type NATSBus struct {
	conn *nats.Conn
	log  *logger.Logger
}

// DialNATS connects to url and returns a NATSBus.
func DialNATS(url string, log *logger.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &NATSBus{conn: conn, log: log.WithFields(zap.String("component", "eventbus_nats"))}, nil
}

// Publish marshals ev to JSON and publishes it to the shared subject.
func (b *NATSBus) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn("event marshal failed", zap.Error(err))
		return
	}
	if err := b.conn.Publish(natsSubject, data); err != nil {
		b.log.Warn("nats publish failed", zap.Error(err))
	}
}

// Subscribe registers interest in topics and returns a live feed backed by
// a NATS subscription on the shared subject, filtered client-side.
func (b *NATSBus) Subscribe(topics []string) *Subscription {
	topicSet := make(map[string]bool, len(topics))
	for _, t := range topics {
		topicSet[t] = true
	}
	ch := make(chan Event, DefaultCapacity)

	sub, err := b.conn.Subscribe(natsSubject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.log.Warn("event unmarshal failed", zap.Error(err))
			return
		}
		if !topicSet[TopicAll] && !topicSet[ev.Kind] {
			return
		}
		select {
		case ch <- ev:
		default:
			b.log.Warn("subscriber lagging, event dropped", zap.String("event_kind", ev.Kind))
		}
	})
	if err != nil {
		b.log.Error("nats subscribe failed", zap.Error(err))
		close(ch)
		return &Subscription{C: ch, topics: topicSet}
	}

	s := &Subscription{C: ch, topics: topicSet}
	s.natsSub = sub
	return s
}

// Close closes the underlying connection without draining it.
func (b *NATSBus) Close() {
	b.conn.Close()
}
