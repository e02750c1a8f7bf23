package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/starfall-game/starcore/pkg/log"
	"github.com/starfall-game/starcore/pkg/metrics"
	"github.com/starfall-game/starcore/pkg/token"
)

// ErrInvalidated is returned to callers whose refresh was cancelled by a
// logout that happened while it was in flight.
var ErrInvalidated = errors.New("refresh invalidated by logout")

// RefreshFunc performs the actual credential exchange against the backend
// and returns the new credential.
type RefreshFunc func(ctx context.Context) (string, error)

// operation is one in-flight refresh shared by every caller that arrives
// while it runs. done is closed exactly once, after cred and err are set.
type operation struct {
	done       chan struct{}
	cred       string
	err        error
	generation uint64
	startedAt  time.Time
}

// Coordinator collapses concurrent refresh attempts into a single backend
// call. The first caller starts the exchange; everyone who arrives before
// it finishes waits on the same result. A logout invalidates the in-flight
// operation so post-logout callers never act on a stale credential.
type Coordinator struct {
	mu         sync.Mutex
	inflight   *operation
	generation uint64

	fn     RefreshFunc
	tokens *token.Store
	logger zerolog.Logger
}

// NewCoordinator wires the coordinator to a refresh function and the token
// store the fresh credential is written into.
func NewCoordinator(fn RefreshFunc, tokens *token.Store) *Coordinator {
	return &Coordinator{
		fn:     fn,
		tokens: tokens,
		logger: log.WithComponent("refresh"),
	}
}

// SetFunc replaces the refresh function. Used by the registry to break the
// construction cycle between the coordinator and the HTTP client.
func (c *Coordinator) SetFunc(fn RefreshFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fn = fn
}

// Refresh returns a fresh credential, joining the in-flight exchange if one
// is already running. The guard is released before waiting, so a slow
// backend never blocks new callers from reaching the shared result.
func (c *Coordinator) Refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	if op := c.inflight; op != nil {
		c.mu.Unlock()
		metrics.RefreshJoinsTotal.Inc()
		return c.wait(ctx, op)
	}

	if c.fn == nil {
		c.mu.Unlock()
		return "", errors.New("refresh: no exchange function configured")
	}

	op := &operation{
		done:       make(chan struct{}),
		generation: c.generation,
		startedAt:  time.Now(),
	}
	c.inflight = op
	fn := c.fn
	c.mu.Unlock()

	metrics.RefreshesTotal.Inc()
	go c.run(op, fn)
	return c.wait(ctx, op)
}

// Invalidate discards the in-flight refresh, if any. Callers already
// waiting on it receive ErrInvalidated, and its result is never written to
// the token store. Called on logout.
func (c *Coordinator) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	if c.inflight != nil {
		c.logger.Debug().Msg("in-flight refresh invalidated")
	}
}

// Refreshing reports whether an exchange is currently in flight.
func (c *Coordinator) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight != nil
}

func (c *Coordinator) run(op *operation, fn RefreshFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cred, err := fn(ctx)

	c.mu.Lock()
	stale := op.generation != c.generation
	if c.inflight == op {
		c.inflight = nil
	}
	c.mu.Unlock()

	switch {
	case stale:
		op.err = ErrInvalidated
		c.logger.Debug().Dur("took", time.Since(op.startedAt)).Msg("refresh result discarded")
	case err != nil:
		op.err = err
		c.logger.Warn().Err(err).Dur("took", time.Since(op.startedAt)).Msg("refresh failed")
	default:
		op.cred = cred
		c.tokens.Set(cred)
		c.logger.Debug().Dur("took", time.Since(op.startedAt)).Msg("credential refreshed")
	}
	close(op.done)
}

func (c *Coordinator) wait(ctx context.Context, op *operation) (string, error) {
	select {
	case <-op.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	// A logout between the exchange finishing and this caller waking up
	// also invalidates the result.
	c.mu.Lock()
	stale := op.generation != c.generation
	c.mu.Unlock()
	if stale {
		return "", ErrInvalidated
	}
	return op.cred, op.err
}
