package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry/lifecycle metrics
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tei_manager_instances_total",
			Help: "Total number of registered worker instances by status",
		},
		[]string{"status"},
	)

	RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tei_manager_restarts_total",
			Help: "Total number of worker restarts by instance",
		},
		[]string{"instance"},
	)

	// Health monitor metrics
	ProbeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tei_manager_probe_duration_seconds",
			Help:    "Duration of health probe RPCs by instance",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"instance"},
	)

	ProbeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tei_manager_probe_failures_total",
			Help: "Total number of failed health probes by instance",
		},
		[]string{"instance"},
	)

	// Backend pool metrics
	PoolConnectionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tei_manager_pool_connections_total",
			Help: "Current number of pooled backend gRPC connections",
		},
	)

	// gRPC multiplexer metrics
	MuxRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tei_manager_mux_requests_total",
			Help: "Total number of multiplexed gRPC requests by method and status code",
		},
		[]string{"method", "code"},
	)

	MuxRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tei_manager_mux_request_duration_seconds",
			Help:    "Duration of multiplexed gRPC requests by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// REST management surface metrics
	RESTRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tei_manager_rest_requests_total",
			Help: "Total number of REST management requests by path and status code",
		},
		[]string{"path", "status"},
	)

	RESTRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tei_manager_rest_request_duration_seconds",
			Help:    "Duration of REST management requests by path",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(RestartsTotal)
	prometheus.MustRegister(ProbeLatency)
	prometheus.MustRegister(ProbeFailuresTotal)
	prometheus.MustRegister(PoolConnectionsTotal)
	prometheus.MustRegister(MuxRequestsTotal)
	prometheus.MustRegister(MuxRequestDuration)
	prometheus.MustRegister(RESTRequestsTotal)
	prometheus.MustRegister(RESTRequestDuration)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
