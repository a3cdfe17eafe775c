// Package observability exposes Prometheus metrics and health
// endpoints for a HiveMesh node.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Message metrics
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hivemesh_messages_total",
			Help: "Total number of processed messages",
		},
		[]string{"type", "status"},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hivemesh_dispatch_duration_seconds",
			Help:    "Task dispatch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"capability"},
	)

	signatureFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hivemesh_signature_failures_total",
			Help: "Total number of rejected signatures",
		},
		[]string{"sender"},
	)

	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hivemesh_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hivemesh_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Registry metrics
	registryLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hivemesh_registry_lookups_total",
			Help: "Total number of registry lookups",
		},
		[]string{"status"},
	)

	// Heartbeat metrics
	heartbeatsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hivemesh_heartbeats_sent_total",
			Help: "Total number of heartbeats sent to peers",
		},
		[]string{"status"},
	)

	// System metrics
	activePeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hivemesh_active_peers",
			Help: "Number of peers in the registry",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the HiveMesh metrics with the default
// Prometheus registry. Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			messagesTotal,
			dispatchDuration,
			signatureFailuresTotal,
			httpRequestsTotal,
			httpRequestDuration,
			registryLookupsTotal,
			heartbeatsSentTotal,
			activePeers,
		)
	})
}

// MetricsHandler returns the HTTP handler for the /metrics endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordMessage records a processed message. status is "ok" or the
// wire error code.
func RecordMessage(msgType, status string) {
	messagesTotal.WithLabelValues(msgType, status).Inc()
}

// RecordDispatch records a capability dispatch duration.
func RecordDispatch(capability string, duration time.Duration) {
	dispatchDuration.WithLabelValues(capability).Observe(duration.Seconds())
}

// RecordSignatureFailure records a rejected signature from sender.
func RecordSignatureFailure(sender string) {
	signatureFailuresTotal.WithLabelValues(sender).Inc()
}

// RecordHTTPRequest records HTTP request metrics.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRegistryLookup records a registry lookup. status is "hit",
// "miss", or "error".
func RecordRegistryLookup(status string) {
	registryLookupsTotal.WithLabelValues(status).Inc()
}

// RecordHeartbeat records an attempted heartbeat. status is "ok" or
// "error".
func RecordHeartbeat(status string) {
	heartbeatsSentTotal.WithLabelValues(status).Inc()
}

// SetActivePeers sets the registry peer count gauge.
func SetActivePeers(count int) {
	activePeers.Set(float64(count))
}
