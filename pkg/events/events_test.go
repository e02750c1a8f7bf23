package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscriber(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub, cancel := broker.Subscribe()
	defer cancel()

	broker.Publish(&Event{
		Type:      EventSocketChanged,
		Connected: true,
		Message:   "socket connected",
	})

	select {
	case event := <-sub:
		assert.Equal(t, EventSocketChanged, event.Type)
		assert.True(t, event.Connected)
		assert.False(t, event.Timestamp.IsZero(), "timestamp should be defaulted")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub, cancel := broker.Subscribe()
	require.Equal(t, 1, broker.SubscriberCount())

	cancel()
	assert.Equal(t, 0, broker.SubscriberCount())

	// Channel is closed after unsubscribe
	_, open := <-sub
	assert.False(t, open)
}

func TestUnsubscribeIdempotent(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	_, cancel := broker.Subscribe()
	cancel()
	cancel() // second call must not panic
	assert.Equal(t, 0, broker.SubscriberCount())
}

func TestBroadcastToMultipleSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	subA, cancelA := broker.Subscribe()
	defer cancelA()
	subB, cancelB := broker.Subscribe()
	defer cancelB()

	broker.Publish(&Event{Type: EventNetworkChanged, Connected: false})

	for _, sub := range []Subscriber{subA, subB} {
		select {
		case event := <-sub:
			assert.Equal(t, EventNetworkChanged, event.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for broadcast")
		}
	}
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	broker.Stop()

	done := make(chan struct{})
	go func() {
		broker.Publish(&Event{Type: EventAuthChanged})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked after Stop")
	}
}
