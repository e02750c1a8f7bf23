package auth

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/starfall-game/starcore/pkg/events"
	"github.com/starfall-game/starcore/pkg/httpclient"
	"github.com/starfall-game/starcore/pkg/log"
	"github.com/starfall-game/starcore/pkg/refresh"
	"github.com/starfall-game/starcore/pkg/token"
	"github.com/starfall-game/starcore/pkg/types"
)

// statusTTL is the coalescing window for CheckStatus: callers arriving
// within it reuse the previous answer instead of re-fetching the profile.
const statusTTL = 5 * time.Second

// Disconnector is the slice of the socket manager the auth manager needs
// on logout.
type Disconnector interface {
	Disconnect()
}

// Subscriber receives a session snapshot after every committed mutation.
type Subscriber func(types.Session)

// Manager owns the Session. All mutation flows through commit, which
// recomputes the derived authenticated flag and notifies subscribers with
// a snapshot, so no reader ever observes a half-updated session.
type Manager struct {
	client      *httpclient.Client
	tokens      *token.Store
	coordinator *refresh.Coordinator
	broker      *events.Broker
	logger      zerolog.Logger

	// testMode suppresses the unauthorized broadcast that normally routes
	// the player to the login screen.
	testMode bool

	mu      sync.Mutex
	session types.Session
	loading bool

	subMu   sync.Mutex
	subs    map[int]Subscriber
	nextSub int

	socketMu sync.Mutex
	socket   Disconnector

	statusMu       sync.Mutex
	statusInflight *statusCall
	statusAt       time.Time
	statusOK       bool
}

type statusCall struct {
	done chan struct{}
	ok   bool
}

// credentialPayload is the data block of login/register/refresh responses.
type credentialPayload struct {
	Token  string            `json:"token"`
	User   *types.UserView   `json:"user"`
	Empire *types.EmpireView `json:"empire"`
}

// profilePayload is the data block of GET /auth/profile.
type profilePayload struct {
	User   *types.UserView   `json:"user"`
	Empire *types.EmpireView `json:"empire"`
}

// NewManager builds the auth manager on top of the shared HTTP client,
// token store, refresh coordinator and event broker.
func NewManager(client *httpclient.Client, tokens *token.Store, coordinator *refresh.Coordinator, broker *events.Broker, testMode bool) *Manager {
	return &Manager{
		client:      client,
		tokens:      tokens,
		coordinator: coordinator,
		broker:      broker,
		testMode:    testMode,
		subs:        make(map[int]Subscriber),
		logger:      log.WithComponent("auth"),
	}
}

// SetSocket attaches the persistent connection so logout can drop it.
// Wired late by the registry; the socket manager depends on the token
// store, not on auth, so there is no cycle.
func (m *Manager) SetSocket(d Disconnector) {
	m.socketMu.Lock()
	defer m.socketMu.Unlock()
	m.socket = d
}

// Subscribe registers a session listener and returns an idempotent
// unsubscribe func. The listener is invoked synchronously on every commit.
func (m *Manager) Subscribe(fn Subscriber) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

// Session returns a snapshot of the current session.
func (m *Manager) Session() types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Clone()
}

// Connected reports the auth leg of connection health.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Authenticated
}

// Loading reports whether a login or register call is in flight.
func (m *Manager) Loading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loading
}

// Login exchanges credentials for a session. It reports success; it never
// returns an error because failure leaves the caller on the login screen
// with the session untouched.
func (m *Manager) Login(ctx context.Context, username, secret string) bool {
	return m.establish(ctx, "/auth/login", map[string]string{
		"username": username,
		"password": secret,
	})
}

// Register creates an account and, like Login, establishes the session on
// success.
func (m *Manager) Register(ctx context.Context, username, email, secret string) bool {
	return m.establish(ctx, "/auth/register", map[string]string{
		"username": username,
		"email":    email,
		"password": secret,
	})
}

func (m *Manager) establish(ctx context.Context, path string, body map[string]string) bool {
	m.setLoading(true)
	defer m.setLoading(false)

	data, err := m.client.Post(ctx, path, body)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("authentication failed")
		return false
	}

	var payload credentialPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Token == "" || payload.User == nil {
		m.logger.Error().Err(err).Str("path", path).Msg("malformed authentication payload")
		return false
	}
	payload.Empire.Normalize()

	m.tokens.Set(payload.Token)
	m.commit(func(s *types.Session) {
		s.Credential = payload.Token
		s.User = payload.User
		s.Empire = payload.Empire
	})
	m.markStatus(true)
	m.logger.Info().Str("user", payload.User.Username).Msg("session established")
	return true
}

// Logout tears the session down. The remote call is best effort: local
// state never remains authenticated after a logout attempt, whatever the
// network does.
func (m *Manager) Logout(ctx context.Context) {
	if _, err := m.client.Post(ctx, "/auth/logout", nil); err != nil {
		m.logger.Debug().Err(err).Msg("remote logout failed, clearing locally")
	}
	m.teardown()
	m.logger.Info().Msg("logged out")
}

// HandleUnauthorized is the terminal-401 path: the HTTP client already
// cleared the credential; here the session follows and, outside test mode,
// the unauthorized event routes the player to re-authentication. Fired at
// most once per failure by the client.
func (m *Manager) HandleUnauthorized() {
	m.teardown()
	if !m.testMode {
		m.broker.Publish(&events.Event{
			Type:    events.EventUnauthorized,
			Message: "session expired",
		})
	}
}

func (m *Manager) teardown() {
	m.coordinator.Invalidate()
	m.tokens.Clear()
	m.client.ClearCache()

	m.socketMu.Lock()
	socket := m.socket
	m.socketMu.Unlock()
	if socket != nil {
		socket.Disconnect()
	}

	m.commit(func(s *types.Session) {
		*s = types.Session{}
	})
	m.markStatus(false)
}

// CheckStatus reports whether the backend considers the session valid,
// refreshing the local session from the profile endpoint. Callers within
// the TTL window, or while a check is in flight, share one fetch. force
// bypasses the TTL but still joins an in-flight check.
func (m *Manager) CheckStatus(ctx context.Context, force bool) bool {
	m.statusMu.Lock()
	if call := m.statusInflight; call != nil {
		m.statusMu.Unlock()
		select {
		case <-call.done:
			return call.ok
		case <-ctx.Done():
			return false
		}
	}
	if !force && time.Since(m.statusAt) < statusTTL {
		ok := m.statusOK
		m.statusMu.Unlock()
		return ok
	}
	call := &statusCall{done: make(chan struct{})}
	m.statusInflight = call
	m.statusMu.Unlock()

	call.ok = m.fetchProfile(ctx)

	m.statusMu.Lock()
	m.statusInflight = nil
	m.statusAt = time.Now()
	m.statusOK = call.ok
	m.statusMu.Unlock()
	close(call.done)
	return call.ok
}

func (m *Manager) fetchProfile(ctx context.Context) bool {
	if !m.tokens.Present() {
		return false
	}

	data, err := m.client.Get(ctx, "/auth/profile")
	if err != nil {
		if httpclient.IsUnauthorized(err) {
			m.logger.Info().Msg("session no longer valid")
		} else {
			m.logger.Warn().Err(err).Msg("status check failed")
		}
		return false
	}

	var payload profilePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.User == nil {
		m.logger.Error().Err(err).Msg("malformed profile payload")
		return false
	}
	payload.Empire.Normalize()

	m.commit(func(s *types.Session) {
		s.User = payload.User
		s.Empire = payload.Empire
		s.Credential = m.tokens.Get()
	})
	return true
}

// UpdateEmpire replaces the session's empire view, normalized. Used by
// gameplay code after a mutation the backend echoed back.
func (m *Manager) UpdateEmpire(view *types.EmpireView) {
	view.Normalize()
	m.commit(func(s *types.Session) {
		s.Empire = view
	})
}

// commit applies the mutation under the session lock, recomputes the
// derived flag, then notifies subscribers and the broker with a snapshot.
func (m *Manager) commit(mutate func(*types.Session)) {
	m.mu.Lock()
	mutate(&m.session)
	m.session.Recompute()
	snapshot := m.session.Clone()
	m.mu.Unlock()

	m.subMu.Lock()
	subs := make([]Subscriber, 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subMu.Unlock()
	for _, fn := range subs {
		fn(snapshot)
	}

	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:      events.EventAuthChanged,
			Connected: snapshot.Authenticated,
		})
	}
}

func (m *Manager) setLoading(v bool) {
	m.mu.Lock()
	m.loading = v
	m.mu.Unlock()
}

// markStatus seeds the CheckStatus cache after a mutation that already
// settled the question, so the next panel load does not re-fetch.
func (m *Manager) markStatus(ok bool) {
	m.statusMu.Lock()
	m.statusAt = time.Now()
	m.statusOK = ok
	m.statusMu.Unlock()
}
