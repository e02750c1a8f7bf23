package orchestrator

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/starfall-game/starcore/pkg/events"
	"github.com/starfall-game/starcore/pkg/log"
	"github.com/starfall-game/starcore/pkg/types"
)

// Orchestrator folds the managers' state-change events into one
// ConnectionHealth view. The health is derived, never stored durably, and
// recomputed on every constituent event; when its overall state changes a
// health.changed event is republished for external consumers such as a UI
// store.
type Orchestrator struct {
	broker *events.Broker
	logger zerolog.Logger

	mu     sync.Mutex
	health types.ConnectionHealth

	unsubscribe func()
	done        chan struct{}
	started     bool
}

// New builds an orchestrator over the shared broker.
func New(broker *events.Broker) *Orchestrator {
	return &Orchestrator{
		broker: broker,
		logger: log.WithComponent("orchestrator"),
	}
}

// Seed primes the aggregate before events start flowing, from each
// manager's current connected flag.
func (o *Orchestrator) Seed(h types.ConnectionHealth) {
	o.mu.Lock()
	o.health = h
	o.mu.Unlock()
}

// Start subscribes to the broker and begins recomputing.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	sub, cancel := o.broker.Subscribe()
	o.unsubscribe = cancel
	o.done = make(chan struct{})
	o.mu.Unlock()

	go o.loop(sub, o.done)
}

// Stop releases the subscription.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	cancel, done := o.unsubscribe, o.done
	o.mu.Unlock()

	cancel()
	<-done
}

// Health returns the current aggregate.
func (o *Orchestrator) Health() types.ConnectionHealth {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.health
}

// Overall returns healthy, degraded or offline.
func (o *Orchestrator) Overall() string {
	return o.Health().Overall()
}

func (o *Orchestrator) loop(sub events.Subscriber, done chan struct{}) {
	defer close(done)
	for ev := range sub {
		o.apply(ev)
	}
}

func (o *Orchestrator) apply(ev *events.Event) {
	o.mu.Lock()
	prev := o.health
	switch ev.Type {
	case events.EventAuthChanged:
		o.health.Auth = ev.Connected
	case events.EventNetworkChanged:
		o.health.Network = ev.Connected
	case events.EventSocketChanged:
		o.health.Socket = ev.Connected
	case events.EventSyncChanged:
		o.health.Sync = ev.Connected
	default:
		o.mu.Unlock()
		return
	}
	next := o.health
	o.mu.Unlock()

	if next == prev {
		return
	}
	overall := next.Overall()
	o.logger.Debug().
		Bool("auth", next.Auth).Bool("network", next.Network).
		Bool("socket", next.Socket).Bool("sync", next.Sync).
		Str("overall", overall).Msg("connection health recomputed")

	o.broker.Publish(&events.Event{
		Type:      events.EventHealthChanged,
		Connected: overall != types.HealthOffline,
		Message:   overall,
	})
}
