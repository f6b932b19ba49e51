/*
Package metrics provides Prometheus metrics collection and exposition for
the supervisor.

Metrics are registered at package init against the default Prometheus
registry and served over HTTP for scraping. A Collector polls the
registry and backend pool on a ticker for the gauges a point-in-time
scrape cannot derive from counters alone; everything else is updated
inline by the component that observes it (the health monitor observes
probe latency directly, the multiplexer observes RPC duration directly).

# Metrics Catalog

tei_manager_instances_total{status}:
  - Type: Gauge
  - Total registered instances by lifecycle status.

tei_manager_restarts_total{instance}:
  - Type: Counter
  - Total restarts per instance, incremented by the lifecycle on every
    successful Restart.

tei_manager_probe_duration_seconds{instance}:
  - Type: Histogram
  - Health probe RPC duration per instance.

tei_manager_probe_failures_total{instance}:
  - Type: Counter
  - Total failed health probes per instance.

tei_manager_pool_connections_total:
  - Type: Gauge
  - Current pooled backend gRPC connection count.

tei_manager_mux_requests_total{method, code}:
  - Type: Counter
  - Total multiplexed gRPC requests by method and resulting status code.

tei_manager_mux_request_duration_seconds{method}:
  - Type: Histogram
  - Multiplexed gRPC request duration by method.

tei_manager_rest_requests_total{path, status}:
  - Type: Counter
  - Total REST management requests by path and status code.

tei_manager_rest_request_duration_seconds{path}:
  - Type: Histogram
  - REST management request duration by path.

# Usage

	import "github.com/nazq/tei-manager/pkg/metrics"

	metrics.RestartsTotal.WithLabelValues("alpha").Inc()

	timer := metrics.NewTimer()
	// ... forward the RPC ...
	timer.ObserveDurationVec(metrics.MuxRequestDuration, "Embed")

	http.Handle("/metrics", metrics.Handler())

# Health and Readiness

HealthChecker tracks named components independently of the Prometheus
registry: RegisterComponent/UpdateComponent record whether a component
is healthy, and HealthHandler/ReadyHandler/LivenessHandler expose the
aggregate as JSON for container orchestrators that probe HTTP endpoints
rather than scrape Prometheus. Readiness additionally requires the
registry, state store, and gRPC multiplexer to have reported in.
*/
package metrics
