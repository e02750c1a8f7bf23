package httpclient

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/starfall-game/starcore/pkg/metrics"
)

// requestCache coalesces bursts of identical idempotent reads. Entries
// live for a short TTL (order of seconds); eviction is lazy on lookup,
// never by size pressure. An in-flight fetch for a key is joined by
// concurrent callers rather than duplicated.
type requestCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	entries  map[string]cacheEntry
	inflight map[string]*inflightCall
}

type cacheEntry struct {
	data     json.RawMessage
	storedAt time.Time
}

type inflightCall struct {
	done chan struct{}
	data json.RawMessage
	err  error
}

func newRequestCache(ttl time.Duration) *requestCache {
	return &requestCache{
		ttl:      ttl,
		entries:  make(map[string]cacheEntry),
		inflight: make(map[string]*inflightCall),
	}
}

// do returns the cached value for key when fresh, joins an in-flight
// fetch when one exists, and otherwise runs fn and stores its result.
// Errors are never cached.
func (rc *requestCache) do(ctx context.Context, key string, fn func() (json.RawMessage, error)) (json.RawMessage, error) {
	rc.mu.Lock()

	if entry, ok := rc.entries[key]; ok {
		if time.Since(entry.storedAt) < rc.ttl {
			rc.mu.Unlock()
			metrics.CacheHitsTotal.Inc()
			return entry.data, nil
		}
		delete(rc.entries, key)
	}

	if call, ok := rc.inflight[key]; ok {
		rc.mu.Unlock()
		select {
		case <-call.done:
			return call.data, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	call := &inflightCall{done: make(chan struct{})}
	rc.inflight[key] = call
	rc.mu.Unlock()

	call.data, call.err = fn()

	rc.mu.Lock()
	delete(rc.inflight, key)
	if call.err == nil {
		rc.entries[key] = cacheEntry{data: call.data, storedAt: time.Now()}
	}
	rc.mu.Unlock()

	close(call.done)
	return call.data, call.err
}

// invalidate drops the cached entry for key.
func (rc *requestCache) invalidate(key string) {
	rc.mu.Lock()
	delete(rc.entries, key)
	rc.mu.Unlock()
}

// clear drops every cached entry.
func (rc *requestCache) clear() {
	rc.mu.Lock()
	rc.entries = make(map[string]cacheEntry)
	rc.mu.Unlock()
}
