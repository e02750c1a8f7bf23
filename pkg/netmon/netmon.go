package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/starfall-game/starcore/pkg/events"
	"github.com/starfall-game/starcore/pkg/log"
	"github.com/starfall-game/starcore/pkg/metrics"
	"github.com/starfall-game/starcore/pkg/types"
)

// Options configures the monitor.
type Options struct {
	// ProbeURL is the side-effect-free health endpoint polled for
	// backend reachability.
	ProbeURL string

	// Interval between periodic probes. Defaults to 30s.
	Interval time.Duration

	// Timeout bounds each probe. Defaults to 3s.
	Timeout time.Duration
}

// Monitor tracks backend reachability. It merges two signals: the
// OS-level online flag pushed in via SetOnline, and a periodic HTTP probe
// of the backend health endpoint. The status object is replaced wholesale
// on every update; readers never see fields from different probes.
type Monitor struct {
	probeURL string
	interval time.Duration
	client   *http.Client
	broker   *events.Broker
	logger   zerolog.Logger

	mu     sync.Mutex
	status types.NetworkStatus
	online bool

	// probeNow wakes the loop for an out-of-cycle probe.
	probeNow chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	started  bool
}

// NewMonitor builds a monitor. Probing does not start until Start.
func NewMonitor(opts Options, broker *events.Broker) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	return &Monitor{
		probeURL: opts.ProbeURL,
		interval: opts.Interval,
		client:   &http.Client{Timeout: opts.Timeout},
		broker:   broker,
		logger:   log.WithComponent("netmon"),
		online:   true,
		status: types.NetworkStatus{
			Online:        true,
			LastCheckedAt: time.Now(),
		},
		probeNow: make(chan struct{}, 1),
	}
}

// Start launches the probe loop and runs one probe immediately.
func (m *Monitor) Start() {
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

// Stop halts probing. Safe to call more than once.
func (m *Monitor) Stop() {
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

// Status returns a copy of the current network status.
func (m *Monitor) Status() types.NetworkStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connected reports the network leg of connection health.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Online && m.status.BackendReachable
}

// SetOnline feeds the OS-level connectivity signal in. Going offline
// marks the backend unreachable immediately, without waiting for a probe
// to fail. Coming back online triggers one out-of-cycle probe.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	m.online = online
	m.mu.Unlock()

	if !online {
		m.replace(types.NetworkStatus{
			Online:        false,
			LastCheckedAt: time.Now(),
			Error:         "offline",
		})
		return
	}

	select {
	case m.probeNow <- struct{}{}:
	default:
	}
}

// Probe runs one reachability check synchronously and returns the
// resulting status.
func (m *Monitor) Probe(ctx context.Context) types.NetworkStatus {
	m.mu.Lock()
	online := m.online
	m.mu.Unlock()

	if !online {
		// No point probing while the OS says we are offline.
		s := types.NetworkStatus{
			Online:        false,
			LastCheckedAt: time.Now(),
			Error:         "offline",
		}
		m.replace(s)
		return s
	}

	s := types.NetworkStatus{Online: true, LastCheckedAt: time.Now()}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		s.Error = err.Error()
		m.replace(s)
		return s
	}

	resp, err := m.client.Do(req)
	if err != nil {
		s.Error = err.Error()
		m.replace(s)
		return s
	}
	defer resp.Body.Close()

	s.LatencyMS = time.Since(start).Milliseconds()
	if resp.StatusCode >= 200 && resp.StatusCode < 500 {
		// Any answer at all means the backend is reachable; a degraded
		// backend still counts as reachable for the network leg.
		s.BackendReachable = true
	} else {
		s.Error = resp.Status
	}
	m.replace(s)
	return s
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	m.Probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		case <-m.probeNow:
			m.Probe(ctx)
		}
	}
}

// replace swaps in the new status wholesale and, when the connected
// projection flipped, notifies subscribers.
func (m *Monitor) replace(s types.NetworkStatus) {
	m.mu.Lock()
	prev := m.status
	m.status = s
	m.mu.Unlock()

	connected := s.Online && s.BackendReachable
	wasConnected := prev.Online && prev.BackendReachable

	metrics.UpdateComponent("network", connected, s.Error)
	if connected == wasConnected {
		return
	}

	if connected {
		m.logger.Info().Int64("latency_ms", s.LatencyMS).Msg("backend reachable")
	} else {
		m.logger.Warn().Str("error", s.Error).Msg("backend unreachable")
	}
	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:      events.EventNetworkChanged,
			Connected: connected,
			Message:   s.Error,
		})
	}
}
