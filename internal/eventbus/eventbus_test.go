package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ensemble-dev/ensemble/internal/common/logger"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	return NewBus(logger.Default())
}

func TestSubscribeWildcardReceivesAllKinds(t *testing.T) {
	bus := newTestBus(t)
	sub := bus.Subscribe([]string{TopicAll})
	defer sub.Close()

	bus.Publish(New(KindHeartbeat, nil))
	bus.Publish(New(KindUsageUpdated, "x"))

	for i := 0; i < 2; i++ {
		select {
		case <-sub.C:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSubscribeFiltersByTopic(t *testing.T) {
	bus := newTestBus(t)
	sub := bus.Subscribe([]string{KindUsageUpdated})
	defer sub.Close()

	bus.Publish(New(KindHeartbeat, nil))
	bus.Publish(New(KindUsageUpdated, "x"))

	select {
	case ev := <-sub.C:
		require.Equal(t, KindUsageUpdated, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev, ok := <-sub.C:
		t.Fatalf("unexpected second event: %+v ok=%v", ev, ok)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLaggingSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := newTestBus(t)
	sub := bus.Subscribe([]string{TopicAll})
	defer sub.Close()

	for i := 0; i < DefaultCapacity+10; i++ {
		bus.Publish(New(KindHeartbeat, nil))
	}
	// Publish must not have blocked; bus still usable.
	require.Equal(t, 1, bus.Count())
}

func TestCloseStopsDelivery(t *testing.T) {
	bus := newTestBus(t)
	sub := bus.Subscribe([]string{TopicAll})
	bus.Close()

	_, ok := <-sub.C
	require.False(t, ok)
}
