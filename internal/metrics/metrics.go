// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamFailures  *prometheus.CounterVec
	BreakerState      *prometheus.GaugeVec

	StreamsActive prometheus.Gauge
	StreamEvents  *prometheus.CounterVec
	StreamsClosed *prometheus.CounterVec
	EmbedFetches  *prometheus.CounterVec
	AuthDecisions *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"service", "method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_responses_total",
			Help: "Total upstream responses by service, method and status code.",
		}, []string{"service", "method", "status_code"}),

		UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_failures_total",
			Help: "Upstream calls that produced no response.",
		}, []string{"service"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_upstream_breaker_state",
			Help: "Circuit breaker state per service (0 closed, 1 half-open, 2 open).",
		}, []string{"service"}),

		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_streams_active",
			Help: "Number of relayed event streams currently open.",
		}),

		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_stream_events_total",
			Help: "Events relayed to clients by transport.",
		}, []string{"transport"}),

		StreamsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_streams_closed_total",
			Help: "Relayed streams closed by reason.",
		}, []string{"reason"}),

		EmbedFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_embed_fetches_total",
			Help: "Secondary entity fetches performed for embedded responses.",
		}, []string{"kind", "result"}),

		AuthDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_auth_decisions_total",
			Help: "Bearer verification outcomes.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamFailures,
		m.BreakerState,
		m.StreamsActive,
		m.StreamEvents,
		m.StreamsClosed,
		m.EmbedFetches,
		m.AuthDecisions,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{
	"/auth", "/texts", "/exercises", "/tasks",
	"/health", "/healthz", "/gateway/status", "/metrics",
}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
