package taskqueue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/starfall-game/starcore/pkg/httpclient"
	"github.com/starfall-game/starcore/pkg/log"
	"github.com/starfall-game/starcore/pkg/metrics"
)

// FetchFunc performs the actual work for one task.
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

// Handler receives each task's result. A task that failed for any reason
// other than rate limiting delivers nil data, so one bad key renders a
// degraded view instead of stalling the queue.
type Handler func(key string, data json.RawMessage)

// Options tunes the queue. Zero values pick the production defaults; tests
// shrink the durations.
type Options struct {
	// Pacing is the fixed delay between consecutive tasks.
	Pacing time.Duration

	// BackoffFloor and BackoffCeiling bound the exponential backoff
	// applied on rate-limit responses. The floor doubles up to the
	// ceiling and resets on the next success.
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
}

type task struct {
	key   string
	fetch FetchFunc
}

// Queue serializes fetches through a single worker. Enqueueing a key that
// is already queued or in flight is a no-op, priority tasks jump to the
// front, and a rate-limited task is reinserted at the very front so it
// retries first once the backoff pause elapses.
type Queue struct {
	opts    Options
	handler Handler
	logger  zerolog.Logger

	mu       sync.Mutex
	list     []*task
	queued   map[string]bool
	inflight string
	running  bool
	stopped  bool
	backoff  time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	// idle is closed each time the worker drains the list; replaced on
	// the next wake-up. Tests use Wait.
	idle chan struct{}
}

// New builds a queue that reports results through handler.
func New(opts Options, handler Handler) *Queue {
	if opts.Pacing <= 0 {
		opts.Pacing = 150 * time.Millisecond
	}
	if opts.BackoffFloor <= 0 {
		opts.BackoffFloor = time.Second
	}
	if opts.BackoffCeiling <= 0 {
		opts.BackoffCeiling = 8 * time.Second
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		opts:    opts,
		handler: handler,
		queued:  make(map[string]bool),
		stopCh:  make(chan struct{}),
		idle:    idle,
		logger:  log.WithComponent("taskqueue"),
	}
}

// Enqueue adds a task under its identity key. It reports whether the task
// was accepted: a duplicate of a queued or in-flight key, or an enqueue
// after Stop, is dropped.
func (q *Queue) Enqueue(key string, priority bool, fetch FetchFunc) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || q.queued[key] || q.inflight == key {
		return false
	}

	t := &task{key: key, fetch: fetch}
	if priority {
		q.list = append([]*task{t}, q.list...)
	} else {
		q.list = append(q.list, t)
	}
	q.queued[key] = true
	metrics.QueueDepth.Set(float64(len(q.list)))

	// Exactly one worker: a second enqueue while it runs only appends.
	if !q.running {
		q.running = true
		q.idle = make(chan struct{})
		go q.work()
	}
	return true
}

// Pending reports whether the key is queued or in flight.
func (q *Queue) Pending(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued[key] || q.inflight == key
}

// Depth returns the number of queued (not in-flight) tasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.list)
}

// Backoff returns the current accumulated backoff.
func (q *Queue) Backoff() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backoff
}

// Wait blocks until the worker has drained the queue or the context ends.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop clears the queue and the dedup set. An already-started fetch is not
// cancelled, but its result is discarded and its handler never fires.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.list = nil
	q.queued = make(map[string]bool)
	metrics.QueueDepth.Set(0)
	q.mu.Unlock()

	q.stopOnce.Do(func() { close(q.stopCh) })
}

func (q *Queue) work() {
	for {
		q.mu.Lock()
		if q.stopped || len(q.list) == 0 {
			q.running = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		t := q.list[0]
		q.list = q.list[1:]
		delete(q.queued, t.key)
		q.inflight = t.key
		metrics.QueueDepth.Set(float64(len(q.list)))
		q.mu.Unlock()

		data, err := t.fetch(context.Background())

		q.mu.Lock()
		q.inflight = ""
		if q.stopped {
			q.running = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		if retryAfter, ok := httpclient.AsRateLimit(err); ok {
			pause := q.nextBackoff(retryAfter)
			metrics.QueueTasksTotal.WithLabelValues("rate_limited").Inc()
			q.logger.Debug().Str("key", t.key).Dur("pause", pause).Msg("rate limited, retrying first")

			// Front reinsert: the rate-limited task jumps the queue.
			q.mu.Lock()
			if !q.stopped && !q.queued[t.key] {
				q.list = append([]*task{t}, q.list...)
				q.queued[t.key] = true
				metrics.QueueDepth.Set(float64(len(q.list)))
			}
			q.mu.Unlock()

			if !q.sleep(pause) {
				return
			}
			continue
		}

		if err != nil {
			// Terminal failure: empty result, no retry.
			metrics.QueueTasksTotal.WithLabelValues("empty").Inc()
			q.logger.Warn().Err(err).Str("key", t.key).Msg("task failed, delivering empty result")
			q.deliver(t.key, nil)
		} else {
			q.mu.Lock()
			q.backoff = 0
			q.mu.Unlock()
			metrics.QueueBackoffSeconds.Set(0)
			metrics.QueueTasksTotal.WithLabelValues("success").Inc()
			q.deliver(t.key, data)
		}

		if !q.sleep(q.opts.Pacing) {
			return
		}
	}
}

// nextBackoff doubles the exponential component up to the ceiling and
// returns the pause to apply: the server hint wins when it is longer.
func (q *Queue) nextBackoff(retryAfter time.Duration) time.Duration {
	q.mu.Lock()
	if q.backoff == 0 {
		q.backoff = q.opts.BackoffFloor
	} else {
		q.backoff *= 2
		if q.backoff > q.opts.BackoffCeiling {
			q.backoff = q.opts.BackoffCeiling
		}
	}
	pause := q.backoff
	q.mu.Unlock()

	if retryAfter > pause {
		pause = retryAfter
	}
	metrics.QueueBackoffSeconds.Set(pause.Seconds())
	return pause
}

// sleep pauses the worker, returning false if Stop interrupted it. On
// interruption the worker exits after releasing its running slot.
func (q *Queue) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-q.stopCh:
		q.mu.Lock()
		q.running = false
		close(q.idle)
		q.mu.Unlock()
		return false
	}
}

func (q *Queue) deliver(key string, data json.RawMessage) {
	if q.handler == nil {
		return
	}
	q.handler(key, data)
}
