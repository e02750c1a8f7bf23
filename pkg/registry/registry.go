package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/starfall-game/starcore/pkg/auth"
	"github.com/starfall-game/starcore/pkg/bgsync"
	"github.com/starfall-game/starcore/pkg/config"
	"github.com/starfall-game/starcore/pkg/events"
	"github.com/starfall-game/starcore/pkg/httpclient"
	"github.com/starfall-game/starcore/pkg/log"
	"github.com/starfall-game/starcore/pkg/metrics"
	"github.com/starfall-game/starcore/pkg/netmon"
	"github.com/starfall-game/starcore/pkg/orchestrator"
	"github.com/starfall-game/starcore/pkg/refresh"
	"github.com/starfall-game/starcore/pkg/socket"
	"github.com/starfall-game/starcore/pkg/token"
	"github.com/starfall-game/starcore/pkg/types"
)

type initCall struct {
	done chan struct{}
	err  error
}

// Registry wires the connectivity core in dependency order and owns its
// lifecycle. Construction is explicit: the application entry point builds
// one Registry and passes it down, there is no package-level instance.
type Registry struct {
	cfg    *config.Config
	logger zerolog.Logger

	mu          sync.Mutex
	initialized bool
	inflight    *initCall

	Broker       *events.Broker
	Tokens       *token.Store
	Client       *httpclient.Client
	Coordinator  *refresh.Coordinator
	Auth         *auth.Manager
	Network      *netmon.Monitor
	Socket       *socket.Manager
	Sync         *bgsync.Manager
	Orchestrator *orchestrator.Orchestrator

	journal *bgsync.Journal
}

// New builds an empty registry. Nothing starts until Initialize.
func New(cfg *config.Config) *Registry {
	return &Registry{
		cfg:    cfg,
		logger: log.WithComponent("registry"),
	}
}

// Initialized reports whether the registry is up.
func (r *Registry) Initialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized
}

// Initialize brings the core up. It is re-entrant: a completed
// initialization short-circuits, and concurrent callers during one join
// the in-flight attempt instead of starting a second. The whole attempt
// runs under a hard timeout; timing out is fatal, tears down whatever was
// built, and resets the registry so a retry is possible.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		return nil
	}
	if call := r.inflight; call != nil {
		r.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &initCall{done: make(chan struct{})}
	r.inflight = call
	r.mu.Unlock()

	initCtx, cancel := context.WithTimeout(context.Background(), r.cfg.InitTimeout)
	defer cancel()

	type buildResult struct {
		comps *components
		err   error
	}
	resCh := make(chan buildResult, 1)
	go func() {
		comps, err := r.build(initCtx)
		resCh <- buildResult{comps, err}
	}()

	var err error
	select {
	case res := <-resCh:
		err = res.err
		if err == nil {
			r.commit(res.comps)
		} else {
			r.logger.Error().Err(err).Msg("initialization failed, resetting")
			if res.comps != nil {
				res.comps.dispose()
			}
		}
	case <-initCtx.Done():
		err = fmt.Errorf("initialization timed out after %s", r.cfg.InitTimeout)
		r.logger.Error().Err(err).Msg("initialization fatal")
		// The build goroutine unwinds on its own; whatever it managed to
		// assemble is discarded, never committed.
		go func() {
			if res := <-resCh; res.comps != nil {
				res.comps.dispose()
			}
		}()
	}

	r.mu.Lock()
	r.initialized = err == nil
	r.inflight = nil
	call.err = err
	r.mu.Unlock()
	close(call.done)

	if err == nil {
		r.logger.Info().Msg("connectivity core initialized")
	}
	return err
}

// components is one fully assembled core, built as a unit so a timed-out
// attempt can be discarded without ever touching the registry's fields.
type components struct {
	broker      *events.Broker
	tokens      *token.Store
	client      *httpclient.Client
	coordinator *refresh.Coordinator
	auth        *auth.Manager
	network     *netmon.Monitor
	socket      *socket.Manager
	sync        *bgsync.Manager
	orch        *orchestrator.Orchestrator
	journal     *bgsync.Journal
}

// dispose stops everything in reverse dependency order. Nil members are
// skipped so it also cleans up partial builds.
func (c *components) dispose() {
	if c.orch != nil {
		c.orch.Stop()
	}
	if c.sync != nil {
		c.sync.Stop()
	}
	if c.journal != nil {
		_ = c.journal.Close()
	}
	if c.socket != nil {
		c.socket.Disconnect()
	}
	if c.network != nil {
		c.network.Stop()
	}
	if c.broker != nil {
		c.broker.Stop()
	}
	metrics.Reset()
}

func (c *components) health() types.ConnectionHealth {
	var h types.ConnectionHealth
	if c.auth != nil {
		h.Auth = c.auth.Connected()
	}
	if c.network != nil {
		h.Network = c.network.Connected()
	}
	if c.socket != nil {
		h.Socket = c.socket.IsConnected()
	}
	if c.sync != nil {
		h.Sync = c.sync.Connected()
	}
	return h
}

// build constructs and starts the managers in dependency order. Each step
// checks the context so a timed-out attempt stops adding components.
func (r *Registry) build(ctx context.Context) (*components, error) {
	c := &components{}
	c.broker = events.NewBroker()
	c.broker.Start()
	c.tokens = token.NewStore()

	c.client = httpclient.New(httpclient.Options{
		BaseURL: r.cfg.APIBaseURL,
		Timeout: r.cfg.RequestTimeout,
		DevMode: r.cfg.DevMode,
	}, c.tokens)
	c.coordinator = refresh.NewCoordinator(c.client.RefreshCredential, c.tokens)
	c.client.SetRefresher(c.coordinator)

	c.auth = auth.NewManager(c.client, c.tokens, c.coordinator, c.broker, r.cfg.TestMode)
	c.client.SetUnauthorizedHandler(c.auth.HandleUnauthorized)

	if err := ctx.Err(); err != nil {
		return c, err
	}

	c.network = netmon.NewMonitor(netmon.Options{
		ProbeURL: r.cfg.APIBaseURL + "/healthz",
		Interval: r.cfg.ProbeInterval,
		Timeout:  r.cfg.ProbeTimeout,
	}, c.broker)

	c.socket = socket.NewManager(socket.Options{URL: r.cfg.SocketURL}, c.tokens, c.coordinator, c.broker)
	c.socket.SetUnauthorizedHandler(c.auth.HandleUnauthorized)
	c.auth.SetSocket(c.socket)

	// The sync manager fails soft: a broken journal reports sync as
	// disconnected instead of taking the whole registry down.
	journal, err := r.openJournal()
	if err != nil {
		r.logger.Warn().Err(err).Msg("pending-op journal unavailable, sync disabled")
		metrics.RegisterComponent("sync", false, err.Error())
	} else {
		c.journal = journal
		c.sync = bgsync.NewManager(journal, c.client, c.broker, r.cfg.ProbeInterval)
	}

	if err := ctx.Err(); err != nil {
		return c, err
	}

	c.orch = orchestrator.New(c.broker)

	metrics.RegisterComponent("auth", false, "no session")
	metrics.RegisterComponent("network", false, "not probed")
	metrics.RegisterComponent("socket", false, "disconnected")
	if c.sync != nil {
		metrics.RegisterComponent("sync", true, string(bgsync.StateIdle))
	}

	c.network.Start()
	if c.sync != nil {
		c.sync.Start()
	}
	c.orch.Seed(c.health())
	c.orch.Start()
	return c, nil
}

// commit publishes a built core on the registry.
func (r *Registry) commit(c *components) {
	r.mu.Lock()
	r.Broker = c.broker
	r.Tokens = c.tokens
	r.Client = c.client
	r.Coordinator = c.coordinator
	r.Auth = c.auth
	r.Network = c.network
	r.Socket = c.socket
	r.Sync = c.sync
	r.Orchestrator = c.orch
	r.journal = c.journal
	r.mu.Unlock()
}

func (r *Registry) openJournal() (*bgsync.Journal, error) {
	if err := os.MkdirAll(r.cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	return bgsync.OpenJournal(filepath.Join(r.cfg.DataDir, "pending.db"))
}

// Cleanup disposes every manager, releases all event subscriptions and
// resets the registry so a fresh Initialize is possible.
func (r *Registry) Cleanup() {
	r.teardown()
	r.mu.Lock()
	r.initialized = false
	r.mu.Unlock()
	r.logger.Info().Msg("connectivity core shut down")
}

func (r *Registry) teardown() {
	r.mu.Lock()
	c := &components{
		broker:  r.Broker,
		network: r.Network,
		socket:  r.Socket,
		sync:    r.Sync,
		orch:    r.Orchestrator,
		journal: r.journal,
	}
	r.Broker, r.Tokens, r.Client, r.Coordinator = nil, nil, nil, nil
	r.Auth, r.Network, r.Socket, r.Sync = nil, nil, nil, nil
	r.Orchestrator, r.journal = nil, nil
	r.mu.Unlock()

	c.dispose()
}

// Health aggregates each manager's connected flag: healthy when all are,
// offline when none are or the registry is not initialized, degraded in
// between.
func (r *Registry) Health() string {
	r.mu.Lock()
	initialized := r.initialized
	r.mu.Unlock()
	if !initialized {
		return types.HealthOffline
	}
	return r.snapshotHealth().Overall()
}

func (r *Registry) snapshotHealth() types.ConnectionHealth {
	r.mu.Lock()
	authMgr, network, socketMgr, syncMgr := r.Auth, r.Network, r.Socket, r.Sync
	r.mu.Unlock()

	var h types.ConnectionHealth
	if authMgr != nil {
		h.Auth = authMgr.Connected()
	}
	if network != nil {
		h.Network = network.Connected()
	}
	if socketMgr != nil {
		h.Socket = socketMgr.IsConnected()
	}
	if syncMgr != nil {
		h.Sync = syncMgr.Connected()
	}
	return h
}
