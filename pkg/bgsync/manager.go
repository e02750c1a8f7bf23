package bgsync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/starfall-game/starcore/pkg/events"
	"github.com/starfall-game/starcore/pkg/httpclient"
	"github.com/starfall-game/starcore/pkg/log"
	"github.com/starfall-game/starcore/pkg/metrics"
	"github.com/starfall-game/starcore/pkg/types"
)

// State of the sync manager.
type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
	StateError  State = "error"
)

// maxAttempts bounds transient retries per operation. An op that keeps
// failing transiently is eventually dropped like a terminal failure.
const maxAttempts = 5

// Manager drains the journal against the backend. Exactly one drain runs
// at a time; a transient failure stops the pass and leaves the remaining
// ops for the next one, while a terminal failure (the backend rejected the
// op) is recorded and dropped so it cannot wedge the queue.
type Manager struct {
	journal *Journal
	client  *httpclient.Client
	broker  *events.Broker
	logger  zerolog.Logger

	interval time.Duration

	mu       sync.Mutex
	state    State
	draining bool
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}

	// drainNow wakes the loop for an out-of-cycle drain.
	drainNow chan struct{}
}

// NewManager builds the sync manager over an open journal.
func NewManager(journal *Journal, client *httpclient.Client, broker *events.Broker, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Manager{
		journal:  journal,
		client:   client,
		broker:   broker,
		interval: interval,
		state:    StateIdle,
		drainNow: make(chan struct{}, 1),
		logger:   log.WithComponent("bgsync"),
	}
}

// Enqueue journals a write for later replay and nudges the drain loop.
func (m *Manager) Enqueue(method, path string, body any) error {
	var raw []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		raw = encoded
	}
	if err := m.journal.Append(types.PendingOp{Method: method, Path: path, Body: raw}); err != nil {
		return err
	}
	m.updateGauge()

	select {
	case m.drainNow <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of journaled operations.
func (m *Manager) Pending() int {
	n, err := m.journal.Count()
	if err != nil {
		return 0
	}
	return n
}

// CurrentState reports idle, active or error.
func (m *Manager) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports the sync leg of connection health: the manager is
// healthy unless its last drain pass failed.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != StateError
}

// Start launches the periodic drain loop.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop(ctx, m.done)
}

// Stop halts the loop. The journal stays open; Close it separately.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
}

// Drain replays pending operations in FIFO order until the journal is
// empty or a transient failure suggests waiting. Concurrent calls
// collapse: a drain already in progress makes Drain a no-op.
func (m *Manager) Drain(ctx context.Context) {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.draining = false
		m.mu.Unlock()
	}()

	records, err := m.journal.List()
	if err != nil {
		m.logger.Error().Err(err).Msg("listing journal failed")
		m.setState(StateError)
		return
	}
	if len(records) == 0 {
		m.setState(StateIdle)
		return
	}

	m.setState(StateActive)
	for _, rec := range records {
		if ctx.Err() != nil {
			m.setState(StateIdle)
			return
		}

		var body any
		if len(rec.Op.Body) > 0 {
			body = json.RawMessage(rec.Op.Body)
		}
		_, err := m.client.Do(ctx, rec.Op.Method, rec.Op.Path, body)
		switch {
		case err == nil:
			if err := m.journal.Remove(rec.Seq); err != nil {
				m.logger.Error().Err(err).Msg("removing drained op failed")
			}
			metrics.SyncDrainsTotal.WithLabelValues("success").Inc()

		case isRetryable(err):
			rec.Op.Attempts++
			if rec.Op.Attempts >= maxAttempts {
				m.logger.Warn().Str("op", rec.Op.ID).Str("path", rec.Op.Path).
					Msg("op exceeded retry budget, dropping")
				_ = m.journal.Remove(rec.Seq)
				metrics.SyncDrainsTotal.WithLabelValues("dropped").Inc()
				continue
			}
			if err := m.journal.Update(rec); err != nil {
				m.logger.Error().Err(err).Msg("persisting attempt count failed")
			}
			// Backend unreachable or throttling: stop the pass, the
			// remaining ops wait for the next one.
			m.logger.Debug().Err(err).Str("op", rec.Op.ID).Msg("drain paused on transient failure")
			metrics.SyncDrainsTotal.WithLabelValues("deferred").Inc()
			m.updateGauge()
			m.setState(StateError)
			return

		default:
			// The backend rejected the op. Recorded, never retried.
			m.logger.Warn().Err(err).Str("op", rec.Op.ID).Str("path", rec.Op.Path).
				Msg("op rejected by backend, dropping")
			if err := m.journal.Remove(rec.Seq); err != nil {
				m.logger.Error().Err(err).Msg("removing rejected op failed")
			}
			metrics.SyncDrainsTotal.WithLabelValues("rejected").Inc()
		}
	}

	m.updateGauge()
	m.setState(StateIdle)
}

func isRetryable(err error) bool {
	if httpclient.IsTransient(err) {
		return true
	}
	_, rateLimited := httpclient.AsRateLimit(err)
	return rateLimited
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Drain(ctx)
		case <-m.drainNow:
			m.Drain(ctx)
		}
	}
}

func (m *Manager) updateGauge() {
	if n, err := m.journal.Count(); err == nil {
		metrics.SyncPendingOps.Set(float64(n))
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev == s {
		return
	}

	connected := s != StateError
	metrics.UpdateComponent("sync", connected, string(s))
	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:      events.EventSyncChanged,
			Connected: connected,
			Message:   string(s),
		})
	}
}
