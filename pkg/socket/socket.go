package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/starfall-game/starcore/pkg/events"
	"github.com/starfall-game/starcore/pkg/log"
	"github.com/starfall-game/starcore/pkg/metrics"
	"github.com/starfall-game/starcore/pkg/refresh"
	"github.com/starfall-game/starcore/pkg/token"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
)

// Wire events of the handshake protocol. The server may emit
// eventAuthRejected at any time, not only at connect.
const (
	eventAuth         = "auth"
	eventAuthOK       = "auth.ok"
	eventAuthRejected = "auth.rejected"
)

// errUnauthorized stops the supervisor: reconnecting with no credential
// would only fail again.
var errUnauthorized = errors.New("socket: credential rejected terminally")

// frame is the wire shape of every message in both directions.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler receives the payload of a subscribed event.
type Handler func(data json.RawMessage)

// Options configures the manager.
type Options struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string

	// HandshakeTimeout bounds the dial. Defaults to 10s.
	HandshakeTimeout time.Duration

	// PingInterval and PongWait drive the heartbeat. Defaults 25s / 60s.
	PingInterval time.Duration
	PongWait     time.Duration

	// WriteWait bounds every write. Defaults to 10s.
	WriteWait time.Duration

	// ReconnectFloor and ReconnectCeiling bound the redial backoff.
	// Defaults 1s / 30s.
	ReconnectFloor   time.Duration
	ReconnectCeiling time.Duration

	// RefreshCooldown is the window after a failed refresh during which
	// an auth rejection does not trigger another refresh. Defaults 30s.
	RefreshCooldown time.Duration
}

func (o *Options) defaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.ReconnectFloor <= 0 {
		o.ReconnectFloor = time.Second
	}
	if o.ReconnectCeiling <= 0 {
		o.ReconnectCeiling = 30 * time.Second
	}
	if o.RefreshCooldown <= 0 {
		o.RefreshCooldown = 30 * time.Second
	}
}

// Manager owns the single long-lived connection to the game server. A
// supervisor goroutine dials, authenticates with the current credential,
// pumps messages, and redials with exponential backoff on abnormal
// disconnects. An auth rejection goes through the refresh coordinator,
// guarded by a cooldown so a flapping server cannot hammer the refresh
// endpoint.
type Manager struct {
	opts        Options
	tokens      *token.Store
	coordinator *refresh.Coordinator
	broker      *events.Broker
	logger      zerolog.Logger

	mu          sync.Mutex
	state       State
	ws          *websocket.Conn
	connID      string
	handlers    map[string]map[int]Handler
	nextHandler int
	lastRefreshFail time.Time
	supervising bool
	cancel      context.CancelFunc
	done        chan struct{}

	writeMu sync.Mutex

	// onUnauthorized is invoked on terminal credential rejection; the
	// registry wires it to the auth manager's teardown.
	onUnauthorized func()
}

// NewManager builds the manager. Nothing connects until Connect.
func NewManager(opts Options, tokens *token.Store, coordinator *refresh.Coordinator, broker *events.Broker) *Manager {
	opts.defaults()
	return &Manager{
		opts:        opts,
		tokens:      tokens,
		coordinator: coordinator,
		broker:      broker,
		state:       StateDisconnected,
		handlers:    make(map[string]map[int]Handler),
		logger:      log.WithComponent("socket"),
	}
}

// SetUnauthorizedHandler wires the terminal-rejection callback.
func (m *Manager) SetUnauthorizedHandler(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUnauthorized = fn
}

// Connect starts the supervisor. Calling it while already supervising is
// a no-op.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.supervising {
		m.mu.Unlock()
		return
	}
	m.supervising = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.supervise(ctx, m.done)
}

// Disconnect stops the supervisor, closes the connection and releases
// every handler registration so nothing leaks across reconnects.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.supervising {
		// Still drop handlers: an explicit disconnect always clears them.
		m.handlers = make(map[string]map[int]Handler)
		m.mu.Unlock()
		return
	}
	m.supervising = false
	cancel, done := m.cancel, m.done
	ws := m.ws
	m.handlers = make(map[string]map[int]Handler)
	m.mu.Unlock()

	cancel()
	if ws != nil {
		_ = ws.Close()
	}
	<-done
	m.setState(StateDisconnected, "")
}

// IsConnected reports whether the connection is up and authenticated.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

// ConnectionID returns the id of the current connection, empty when
// disconnected. A fresh id is minted per dial, for log correlation.
func (m *Manager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return ""
	}
	return m.connID
}

// CurrentState returns the lifecycle state.
func (m *Manager) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// On subscribes a handler to a server event and returns an idempotent
// unsubscribe func.
func (m *Manager) On(event string, handler Handler) func() {
	m.mu.Lock()
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[int]Handler)
	}
	id := m.nextHandler
	m.nextHandler++
	m.handlers[event][id] = handler
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if hs := m.handlers[event]; hs != nil {
				delete(hs, id)
			}
			m.mu.Unlock()
		})
	}
}

// Emit sends an event to the server. It fails when not connected.
func (m *Manager) Emit(event string, data any) error {
	m.mu.Lock()
	ws := m.ws
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected || ws == nil {
		return errors.New("socket: not connected")
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("socket: encode %s: %w", event, err)
	}
	return m.write(ws, &frame{Event: event, Data: payload})
}

func (m *Manager) write(ws *websocket.Conn, f *frame) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(m.opts.WriteWait))
	return ws.WriteJSON(f)
}

func (m *Manager) supervise(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer metrics.SocketConnected.Set(0)
	// A terminal exit leaves the manager connectable again.
	defer func() {
		m.mu.Lock()
		m.supervising = false
		m.mu.Unlock()
	}()

	backoff := m.opts.ReconnectFloor
	for {
		authed, err := m.runOnce(ctx)
		m.setState(StateDisconnected, "")
		metrics.SocketConnected.Set(0)

		if ctx.Err() != nil || errors.Is(err, errUnauthorized) {
			return
		}
		if authed {
			backoff = m.opts.ReconnectFloor
		}

		metrics.SocketReconnectsTotal.Inc()
		m.logger.Warn().Err(err).Dur("backoff", backoff).Msg("connection lost, redialing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > m.opts.ReconnectCeiling {
			backoff = m.opts.ReconnectCeiling
		}
	}
}

// runOnce dials, authenticates and pumps until the connection drops. It
// reports whether the handshake completed, so the supervisor can reset its
// backoff only after a working session.
func (m *Manager) runOnce(ctx context.Context) (bool, error) {
	m.setState(StateConnecting, "")

	dialer := websocket.Dialer{HandshakeTimeout: m.opts.HandshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, m.opts.URL, nil)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("socket: dial: %s: %w", resp.Status, err)
		}
		return false, fmt.Errorf("socket: dial: %w", err)
	}
	defer ws.Close()

	connID := "conn_" + uuid.NewString()
	m.mu.Lock()
	m.ws = ws
	m.connID = connID
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.ws == ws {
			m.ws = nil
		}
		m.mu.Unlock()
	}()

	m.setState(StateAuthenticating, connID)
	cred, _ := json.Marshal(map[string]string{"token": m.tokens.Get()})
	if err := m.write(ws, &frame{Event: eventAuth, Data: cred}); err != nil {
		return false, fmt.Errorf("socket: handshake write: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(m.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(m.opts.PongWait))
	})

	var hello frame
	if err := ws.ReadJSON(&hello); err != nil {
		return false, fmt.Errorf("socket: handshake read: %w", err)
	}
	switch hello.Event {
	case eventAuthOK:
	case eventAuthRejected:
		return false, m.handleAuthRejected(ctx)
	default:
		return false, fmt.Errorf("socket: unexpected handshake reply %q", hello.Event)
	}

	m.setState(StateConnected, connID)
	metrics.SocketConnected.Set(1)
	m.logger.Info().Str("connection_id", connID).Msg("connected")

	// Heartbeat.
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go func() {
		ticker := time.NewTicker(m.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				m.writeMu.Lock()
				_ = ws.SetWriteDeadline(time.Now().Add(m.opts.WriteWait))
				err := ws.WriteMessage(websocket.PingMessage, nil)
				m.writeMu.Unlock()
				if err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			return true, fmt.Errorf("socket: read: %w", err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(m.opts.PongWait))

		if f.Event == eventAuthRejected {
			// Credential went stale mid-session.
			if err := m.handleAuthRejected(ctx); err != nil {
				return true, err
			}
			return true, errors.New("socket: reauthenticating")
		}
		m.dispatch(f.Event, f.Data)
	}
}

// handleAuthRejected resolves a credential rejection through the refresh
// coordinator. A refresh failure inside the cooldown window is not
// retried; the rejection becomes terminal immediately.
func (m *Manager) handleAuthRejected(ctx context.Context) error {
	m.mu.Lock()
	cooledDown := time.Since(m.lastRefreshFail) >= m.opts.RefreshCooldown
	m.mu.Unlock()

	if cooledDown {
		_, err := m.coordinator.Refresh(ctx)
		if err == nil {
			m.logger.Info().Msg("credential refreshed after rejection")
			// The token store already holds the new credential; the
			// supervisor redials with it.
			return nil
		}
		m.logger.Warn().Err(err).Msg("refresh after rejection failed")
		m.mu.Lock()
		m.lastRefreshFail = time.Now()
		m.mu.Unlock()
	} else {
		m.logger.Debug().Msg("refresh cooldown active, not retrying")
	}

	// A refresh that died on a 401 already cleared the credential and
	// signaled through the HTTP client's handler; only signal here when
	// this rejection is the first to invalidate the credential.
	hadCredential := m.tokens.Present()
	m.tokens.Clear()
	m.mu.Lock()
	fn := m.onUnauthorized
	m.mu.Unlock()
	if hadCredential && fn != nil {
		// The callback tears the session down, which calls Disconnect,
		// which waits for this supervisor goroutine to exit. It must run
		// off the supervisor or teardown never returns.
		go fn()
	}
	return errUnauthorized
}

func (m *Manager) dispatch(event string, data json.RawMessage) {
	m.mu.Lock()
	hs := make([]Handler, 0, len(m.handlers[event]))
	for _, h := range m.handlers[event] {
		hs = append(hs, h)
	}
	m.mu.Unlock()

	for _, h := range hs {
		h(data)
	}
}

// setState swaps the lifecycle state and, when the connected projection
// flips, notifies the broker.
func (m *Manager) setState(s State, connID string) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	if connID != "" {
		m.connID = connID
	}
	m.mu.Unlock()

	connected := s == StateConnected
	wasConnected := prev == StateConnected
	metrics.UpdateComponent("socket", connected, string(s))
	if connected == wasConnected || m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		Type:      events.EventSocketChanged,
		Connected: connected,
		Message:   string(s),
	})
}
