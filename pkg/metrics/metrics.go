package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP client metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starcore_http_requests_total",
			Help: "Total number of outbound HTTP requests by method and result code",
		},
		[]string{"method", "code"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "starcore_http_request_duration_seconds",
			Help:    "Outbound HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	RequestRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "starcore_http_request_retries_total",
			Help: "Total number of transient single retries on idempotent reads",
		},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "starcore_request_cache_hits_total",
			Help: "Total number of idempotent reads served from the short-TTL cache",
		},
	)

	// Refresh coordinator metrics
	RefreshesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "starcore_credential_refreshes_total",
			Help: "Total number of credential refresh network operations issued",
		},
	)

	RefreshJoinsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "starcore_credential_refresh_joins_total",
			Help: "Total number of callers joined to an already in-flight refresh",
		},
	)

	// Task queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "starcore_task_queue_depth",
			Help: "Number of tasks currently queued",
		},
	)

	QueueBackoffSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "starcore_task_queue_backoff_seconds",
			Help: "Current rate-limit backoff applied between queue tasks",
		},
	)

	QueueTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starcore_task_queue_tasks_total",
			Help: "Total number of queue tasks by outcome",
		},
		[]string{"outcome"},
	)

	// Socket metrics
	SocketReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "starcore_socket_reconnects_total",
			Help: "Total number of socket reconnect attempts",
		},
	)

	SocketConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "starcore_socket_connected",
			Help: "Whether the persistent connection is up (1 = connected)",
		},
	)

	// Background sync metrics
	SyncPendingOps = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "starcore_sync_pending_ops",
			Help: "Number of pending operations waiting for background sync",
		},
	)

	SyncDrainsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starcore_sync_drains_total",
			Help: "Total number of drained pending operations by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(RequestRetriesTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(RefreshesTotal)
	prometheus.MustRegister(RefreshJoinsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueBackoffSeconds)
	prometheus.MustRegister(QueueTasksTotal)
	prometheus.MustRegister(SocketReconnectsTotal)
	prometheus.MustRegister(SocketConnected)
	prometheus.MustRegister(SyncPendingOps)
	prometheus.MustRegister(SyncDrainsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time into a histogram observer
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}
