/*
Package metrics provides Prometheus instrumentation and health
aggregation for the Starcore connectivity managers.

Collectors are package-level and registered once in init, following the
standard client_golang pattern. The HTTP client records request counts
and durations through its dev-only instrumentation stage; the refresh
coordinator counts issued refreshes versus joined callers; the task
queue exposes its depth and current backoff; the socket and background
sync managers expose connection and drain counters.

# Health Aggregation

Each manager registers its connected flag under a stable name (auth,
network, socket, sync). The aggregate is tri-state:

  - healthy: every registered manager is connected
  - degraded: some but not all are connected
  - offline: none are connected, or nothing has registered yet

HealthHandler, ReadyHandler, and LivenessHandler serve the /healthz,
/readyz, and /livez endpoints of the daemon.

# Usage

	metrics.UpdateComponent("socket", true, "")
	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/healthz", metrics.HealthHandler())

Timing a request:

	timer := metrics.NewTimer()
	// ... perform request ...
	timer.ObserveDuration(metrics.RequestDuration.WithLabelValues(method))
*/
package metrics
