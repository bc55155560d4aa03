package memory

import (
	"sensorhub/pkg/event"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherIsIdempotentPerTopic(t *testing.T) {
	bus := New()
	a := bus.Publisher("/procedures")
	b := bus.Publisher("/procedures")
	require.Same(t, a, b)
	require.Equal(t, []string{"/procedures"}, bus.Topics())
}

func TestSubscribeBeforePublisherExists(t *testing.T) {
	bus := New()
	var got []event.Event
	_, err := bus.NewSubscription().
		WithTopics(event.ProcedureStatusTopic("urn:p1")).
		Subscribe(func(e event.Event) { got = append(got, e) })
	require.NoError(t, err)

	topic := event.ProcedureStatusTopic("urn:p1")
	bus.Publisher(topic).Publish(event.NewProcedureEvent(event.ProcedureChanged, topic, "urn:p1", ""))
	require.Len(t, got, 1)
	assert.Equal(t, event.ProcedureChanged, got[0].EventType())
}

func TestEventTypeFilter(t *testing.T) {
	bus := New()
	var got []event.Type
	_, err := bus.NewSubscription().
		WithTopics(event.RegistryTopic).
		WithEventTypes(event.ProcedureRemoved).
		Subscribe(func(e event.Event) { got = append(got, e.EventType()) })
	require.NoError(t, err)

	pub := bus.Publisher(event.RegistryTopic)
	pub.Publish(event.NewProcedureEvent(event.ProcedureAdded, event.RegistryTopic, "urn:a", ""))
	pub.Publish(event.NewProcedureEvent(event.ProcedureRemoved, event.RegistryTopic, "urn:a", ""))
	require.Equal(t, []event.Type{event.ProcedureRemoved}, got)
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	bus := New()
	pub := bus.Publisher(event.RegistryTopic)
	pub.Publish(event.NewProcedureEvent(event.ProcedureAdded, event.RegistryTopic, "urn:a", ""))

	count := 0
	_, err := bus.NewSubscription().WithTopics(event.RegistryTopic).Subscribe(func(event.Event) { count++ })
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := New()
	count := 0
	sub, err := bus.NewSubscription().WithTopics("/a", "/b").Subscribe(func(event.Event) { count++ })
	require.NoError(t, err)
	require.Equal(t, 1, bus.SubscriberCount("/a"))

	sub.Cancel()
	sub.Cancel()
	bus.Publisher("/a").Publish(event.NewProcedureEvent(event.ProcedureAdded, "/a", "x", ""))
	bus.Publisher("/b").Publish(event.NewProcedureEvent(event.ProcedureAdded, "/b", "x", ""))
	require.Zero(t, count)
	require.Zero(t, bus.SubscriberCount("/a"))
}

func TestCancelFromHandler(t *testing.T) {
	bus := New()
	var sub event.Subscription
	count := 0
	sub, err := bus.NewSubscription().WithTopics("/a").Subscribe(func(event.Event) {
		count++
		sub.Cancel()
	})
	require.NoError(t, err)
	pub := bus.Publisher("/a")
	pub.Publish(event.NewProcedureEvent(event.ProcedureAdded, "/a", "x", ""))
	pub.Publish(event.NewProcedureEvent(event.ProcedureAdded, "/a", "x", ""))
	require.Equal(t, 1, count)
}

func TestPanickingHandlerDoesNotStopFanOut(t *testing.T) {
	bus := New()
	_, err := bus.NewSubscription().WithTopics("/a").Subscribe(func(event.Event) { panic("boom") })
	require.NoError(t, err)
	delivered := false
	_, err = bus.NewSubscription().WithTopics("/a").Subscribe(func(event.Event) { delivered = true })
	require.NoError(t, err)

	bus.Publisher("/a").Publish(event.NewProcedureEvent(event.ProcedureAdded, "/a", "x", ""))
	require.True(t, delivered)
}

func TestAsyncSubscription(t *testing.T) {
	bus := New()
	var wg sync.WaitGroup
	wg.Add(3)
	_, err := bus.NewSubscription().WithTopics("/a").Async(8).Subscribe(func(event.Event) { wg.Done() })
	require.NoError(t, err)
	pub := bus.Publisher("/a")
	for range 3 {
		pub.Publish(event.NewProcedureEvent(event.ProcedureAdded, "/a", "x", ""))
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async subscriber did not receive events")
	}
}

func TestAsyncSubscriptionDropsWhenFull(t *testing.T) {
	bus := New()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	sub, err := bus.NewSubscription().WithTopics("/a").Async(1).Subscribe(func(event.Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})
	require.NoError(t, err)
	defer sub.Cancel()

	pub := bus.Publisher("/a")
	pub.Publish(event.NewProcedureEvent(event.ProcedureAdded, "/a", "x", ""))
	<-started
	// one slot in the queue, the rest are dropped without blocking
	for range 10 {
		pub.Publish(event.NewProcedureEvent(event.ProcedureAdded, "/a", "x", ""))
	}
	close(release)
}

func TestSubscribeRequiresTopic(t *testing.T) {
	bus := New()
	_, err := bus.NewSubscription().Subscribe(func(event.Event) {})
	require.ErrorIs(t, err, event.ErrNoTopic)
}
