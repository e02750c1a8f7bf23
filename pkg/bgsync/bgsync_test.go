package bgsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starfall-game/starcore/pkg/httpclient"
	"github.com/starfall-game/starcore/pkg/token"
	"github.com/starfall-game/starcore/pkg/types"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalIsFIFOAndDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.db")
	j, err := OpenJournal(path)
	require.NoError(t, err)

	require.NoError(t, j.Append(types.PendingOp{Method: "POST", Path: "/fleet/move", Body: []byte(`{"to":"r1"}`)}))
	require.NoError(t, j.Append(types.PendingOp{Method: "POST", Path: "/fleet/dock"}))
	require.NoError(t, j.Close())

	// Reopen: order and contents survive the restart.
	j, err = OpenJournal(path)
	require.NoError(t, err)
	defer j.Close()

	records, err := j.List()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "/fleet/move", records[0].Op.Path)
	assert.Equal(t, "/fleet/dock", records[1].Op.Path)
	assert.NotEmpty(t, records[0].Op.ID)
	assert.False(t, records[0].Op.CreatedAt.IsZero())

	require.NoError(t, j.Remove(records[0].Seq))
	n, err := j.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type backend struct {
	mu    sync.Mutex
	paths []string
	// respond maps a path to an HTTP status; missing means 200.
	respond map[string]int
}

func (b *backend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.paths = append(b.paths, r.URL.Path)
		status := b.respond[r.URL.Path]
		b.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": status < 400})
	})
}

func (b *backend) seen() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.paths...)
}

func newTestManager(t *testing.T, b *backend) *Manager {
	t.Helper()
	server := httptest.NewServer(b.handler())
	t.Cleanup(server.Close)
	client := httpclient.New(httpclient.Options{BaseURL: server.URL, RetryDelay: time.Millisecond}, token.NewStore())
	return NewManager(openTestJournal(t), client, nil, time.Hour)
}

func TestDrainReplaysInOrder(t *testing.T) {
	b := &backend{}
	m := newTestManager(t, b)

	require.NoError(t, m.Enqueue("POST", "/fleet/move", map[string]string{"to": "r1"}))
	require.NoError(t, m.Enqueue("POST", "/fleet/dock", nil))
	require.Equal(t, 2, m.Pending())

	m.Drain(context.Background())

	assert.Equal(t, []string{"/fleet/move", "/fleet/dock"}, b.seen())
	assert.Zero(t, m.Pending())
	assert.Equal(t, StateIdle, m.CurrentState())
	assert.True(t, m.Connected())
}

func TestRejectedOpIsDroppedNotRetried(t *testing.T) {
	b := &backend{respond: map[string]int{"/fleet/move": http.StatusUnprocessableEntity}}
	m := newTestManager(t, b)

	require.NoError(t, m.Enqueue("POST", "/fleet/move", nil))
	require.NoError(t, m.Enqueue("POST", "/fleet/dock", nil))

	m.Drain(context.Background())

	// The rejected op did not block the one behind it.
	assert.Equal(t, []string{"/fleet/move", "/fleet/dock"}, b.seen())
	assert.Zero(t, m.Pending())
	assert.Equal(t, StateIdle, m.CurrentState())
}

func TestTransientFailurePausesDrain(t *testing.T) {
	b := &backend{}
	server := httptest.NewServer(b.handler())
	client := httpclient.New(httpclient.Options{BaseURL: server.URL, RetryDelay: time.Millisecond}, token.NewStore())
	m := NewManager(openTestJournal(t), client, nil, time.Hour)

	require.NoError(t, m.Enqueue("POST", "/fleet/move", nil))
	require.NoError(t, m.Enqueue("POST", "/fleet/dock", nil))

	// Backend goes away mid-outage.
	server.Close()
	m.Drain(context.Background())

	assert.Equal(t, 2, m.Pending(), "nothing drained while unreachable")
	assert.Equal(t, StateError, m.CurrentState())
	assert.False(t, m.Connected())

	records, err := m.journal.List()
	require.NoError(t, err)
	assert.Equal(t, 1, records[0].Op.Attempts, "the attempted op carries its attempt count")
	assert.Zero(t, records[1].Op.Attempts, "ops behind the pause are untouched")
}

func TestRetryBudgetDropsFlappingOp(t *testing.T) {
	j := openTestJournal(t)
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()
	client := httpclient.New(httpclient.Options{BaseURL: server.URL, RetryDelay: time.Millisecond}, token.NewStore())
	m := NewManager(j, client, nil, time.Hour)

	op := types.PendingOp{Method: "POST", Path: "/fleet/move", Attempts: maxAttempts - 1}
	require.NoError(t, j.Append(op))

	m.Drain(context.Background())
	assert.Zero(t, m.Pending(), "an op that exhausted its budget is dropped")
}

func TestEnqueueWakesLoop(t *testing.T) {
	b := &backend{}
	m := newTestManager(t, b)
	m.Start()
	defer m.Stop()

	require.NoError(t, m.Enqueue("POST", "/fleet/move", nil))
	require.Eventually(t, func() bool { return m.Pending() == 0 }, 2*time.Second, 10*time.Millisecond,
		"enqueue must trigger an out-of-cycle drain")
	assert.Equal(t, []string{"/fleet/move"}, b.seen())
}
