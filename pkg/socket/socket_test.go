package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starfall-game/starcore/pkg/refresh"
	"github.com/starfall-game/starcore/pkg/token"
)

var upgrader = websocket.Upgrader{}

// wsServer runs handler once per accepted connection, passing the 1-based
// connection ordinal.
func wsServer(t *testing.T, handler func(c *websocket.Conn, ordinal int)) string {
	t.Helper()
	var conns atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		handler(c, int(conns.Add(1)))
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// readAuth consumes the handshake frame and returns the supplied token.
func readAuth(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	var f frame
	if err := c.ReadJSON(&f); err != nil {
		return ""
	}
	require.Equal(t, eventAuth, f.Event)
	var body map[string]string
	require.NoError(t, json.Unmarshal(f.Data, &body))
	return body["token"]
}

func reply(c *websocket.Conn, event string, data any) {
	payload, _ := json.Marshal(data)
	_ = c.WriteJSON(&frame{Event: event, Data: payload})
}

func testOpts(url string) Options {
	return Options{
		URL:              url,
		HandshakeTimeout: time.Second,
		ReconnectFloor:   10 * time.Millisecond,
		ReconnectCeiling: 50 * time.Millisecond,
		RefreshCooldown:  time.Minute,
	}
}

func newManager(t *testing.T, url string, refreshFn refresh.RefreshFunc) (*Manager, *token.Store) {
	t.Helper()
	tokens := token.NewStore()
	coordinator := refresh.NewCoordinator(refreshFn, tokens)
	m := NewManager(testOpts(url), tokens, coordinator, nil)
	t.Cleanup(m.Disconnect)
	return m, tokens
}

func TestConnectAuthenticatesAndDispatches(t *testing.T) {
	url := wsServer(t, func(c *websocket.Conn, _ int) {
		if readAuth(t, c) != "cred-1" {
			reply(c, eventAuthRejected, nil)
			return
		}
		reply(c, eventAuthOK, nil)
		reply(c, "region.update", map[string]any{"x": 4, "y": 2})
		var f frame
		_ = c.ReadJSON(&f) // block until client goes away
	})

	m, tokens := newManager(t, url, nil)
	tokens.Set("cred-1")

	received := make(chan json.RawMessage, 1)
	unsubscribe := m.On("region.update", func(data json.RawMessage) {
		received <- data
	})
	defer unsubscribe()

	m.Connect()
	require.Eventually(t, m.IsConnected, 2*time.Second, 5*time.Millisecond)
	assert.True(t, strings.HasPrefix(m.ConnectionID(), "conn_"))
	assert.Equal(t, StateConnected, m.CurrentState())

	select {
	case data := <-received:
		var body map[string]int
		require.NoError(t, json.Unmarshal(data, &body))
		assert.Equal(t, 4, body["x"])
	case <-time.After(2 * time.Second):
		t.Fatal("subscribed event not dispatched")
	}
}

func TestEmitSendsFrame(t *testing.T) {
	got := make(chan frame, 1)
	url := wsServer(t, func(c *websocket.Conn, _ int) {
		readAuth(t, c)
		reply(c, eventAuthOK, nil)
		var f frame
		if err := c.ReadJSON(&f); err == nil {
			got <- f
		}
	})

	m, tokens := newManager(t, url, nil)
	tokens.Set("cred-1")
	m.Connect()
	require.Eventually(t, m.IsConnected, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Emit("chat.send", map[string]string{"text": "o7"}))

	select {
	case f := <-got:
		assert.Equal(t, "chat.send", f.Event)
		var body map[string]string
		require.NoError(t, json.Unmarshal(f.Data, &body))
		assert.Equal(t, "o7", body["text"])
	case <-time.After(2 * time.Second):
		t.Fatal("emitted frame never reached the server")
	}
}

func TestEmitWhileDisconnectedFails(t *testing.T) {
	m, _ := newManager(t, "ws://127.0.0.1:0", nil)
	assert.Error(t, m.Emit("chat.send", nil))
}

func TestAuthRejectionRefreshesAndReconnects(t *testing.T) {
	url := wsServer(t, func(c *websocket.Conn, ordinal int) {
		cred := readAuth(t, c)
		if ordinal == 1 || cred != "cred-2" {
			reply(c, eventAuthRejected, nil)
			return
		}
		reply(c, eventAuthOK, nil)
		var f frame
		_ = c.ReadJSON(&f)
	})

	var refreshes atomic.Int32
	m, tokens := newManager(t, url, func(ctx context.Context) (string, error) {
		refreshes.Add(1)
		return "cred-2", nil
	})
	tokens.Set("cred-stale")

	m.Connect()
	require.Eventually(t, m.IsConnected, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), refreshes.Load())
	assert.Equal(t, "cred-2", tokens.Get())
}

func TestFailedRefreshIsTerminal(t *testing.T) {
	var dials atomic.Int32
	url := wsServer(t, func(c *websocket.Conn, _ int) {
		dials.Add(1)
		readAuth(t, c)
		reply(c, eventAuthRejected, nil)
	})

	var unauthorized atomic.Int32
	m, tokens := newManager(t, url, func(ctx context.Context) (string, error) {
		return "", context.DeadlineExceeded
	})
	tokens.Set("cred-stale")
	m.SetUnauthorizedHandler(func() { unauthorized.Add(1) })

	m.Connect()
	require.Eventually(t, func() bool { return unauthorized.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, tokens.Get(), "terminal rejection clears the credential")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), dials.Load(), "supervisor must not redial without a credential")
	assert.False(t, m.IsConnected())
}

func TestUnauthorizedHandlerMayDisconnect(t *testing.T) {
	url := wsServer(t, func(c *websocket.Conn, _ int) {
		if readAuth(t, c) != "cred-good" {
			reply(c, eventAuthRejected, nil)
			return
		}
		reply(c, eventAuthOK, nil)
		var f frame
		_ = c.ReadJSON(&f)
	})

	m, tokens := newManager(t, url, func(ctx context.Context) (string, error) {
		return "", context.DeadlineExceeded
	})
	tokens.Set("cred-stale")

	// Mirror the production wiring: session teardown disconnects the
	// socket from inside the unauthorized callback. Disconnect waits for
	// the supervisor, so the callback must never run on it.
	torn := make(chan struct{})
	m.SetUnauthorizedHandler(func() {
		m.Disconnect()
		close(torn)
	})

	m.Connect()
	select {
	case <-torn:
	case <-time.After(2 * time.Second):
		t.Fatal("teardown via the unauthorized callback never completed")
	}

	// The manager is connectable again once a working credential exists.
	tokens.Set("cred-good")
	require.Eventually(t, func() bool {
		m.Connect()
		return m.IsConnected()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCooldownSkipsSecondRefresh(t *testing.T) {
	url := wsServer(t, func(c *websocket.Conn, _ int) {
		readAuth(t, c)
		reply(c, eventAuthRejected, nil)
	})

	var refreshes atomic.Int32
	m, tokens := newManager(t, url, func(ctx context.Context) (string, error) {
		refreshes.Add(1)
		return "", context.DeadlineExceeded
	})
	var unauthorized atomic.Int32
	m.SetUnauthorizedHandler(func() { unauthorized.Add(1) })

	tokens.Set("cred-stale")
	m.Connect()
	require.Eventually(t, func() bool { return unauthorized.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// A second rejection inside the cooldown window must not refresh again.
	// Connect inside the poll: the previous supervisor may still be
	// unwinding, making an early Connect a no-op.
	tokens.Set("cred-stale-2")
	require.Eventually(t, func() bool {
		m.Connect()
		return unauthorized.Load() == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), refreshes.Load())
}

func TestDisconnectReleasesHandlers(t *testing.T) {
	url := wsServer(t, func(c *websocket.Conn, _ int) {
		readAuth(t, c)
		reply(c, eventAuthOK, nil)
		reply(c, "region.update", map[string]int{"x": 1})
		var f frame
		_ = c.ReadJSON(&f)
	})

	m, tokens := newManager(t, url, nil)
	tokens.Set("cred-1")

	var calls atomic.Int32
	m.On("region.update", func(json.RawMessage) { calls.Add(1) })

	m.Connect()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	m.Disconnect()
	assert.False(t, m.IsConnected())
	assert.Empty(t, m.ConnectionID())

	// Reconnect: the old handler is gone, the new session's push is dropped.
	m.Connect()
	require.Eventually(t, m.IsConnected, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "handlers must not survive an explicit disconnect")
}

func TestReconnectsAfterAbnormalClose(t *testing.T) {
	url := wsServer(t, func(c *websocket.Conn, ordinal int) {
		readAuth(t, c)
		reply(c, eventAuthOK, nil)
		if ordinal == 1 {
			// Drop the connection abnormally.
			_ = c.Close()
			return
		}
		var f frame
		_ = c.ReadJSON(&f)
	})

	m, tokens := newManager(t, url, nil)
	tokens.Set("cred-1")
	m.Connect()

	require.Eventually(t, func() bool {
		return m.IsConnected() && m.ConnectionID() != ""
	}, 3*time.Second, 5*time.Millisecond, "must redial after an abnormal close")
}
