package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventAuthChanged    EventType = "auth.changed"
	EventNetworkChanged EventType = "network.changed"
	EventSocketChanged  EventType = "socket.changed"
	EventSyncChanged    EventType = "sync.changed"
	EventHealthChanged  EventType = "health.changed"
	EventUnauthorized   EventType = "session.unauthorized"
)

// Event represents a connectivity state change
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	// Connected is the boolean projection of the emitting manager's state.
	// Meaningless for EventUnauthorized.
	Connected bool
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Subscribe creates a new subscription and returns the channel plus an
// unsubscribe func. The unsubscribe func is idempotent; calling it after
// teardown is safe, so no handler can dangle across a reconnect.
func (b *Broker) Subscribe() (Subscriber, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.subscribers[sub] {
				delete(b.subscribers, sub)
				close(sub)
			}
		})
	}
	return sub, cancel
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
