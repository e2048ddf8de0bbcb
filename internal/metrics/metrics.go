// Package metrics provides Prometheus metrics and per-invocation counters
// for the relay.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	DestinationDuration  *prometheus.HistogramVec
	DestinationResponses *prometheus.CounterVec

	ProxyRejections prometheus.Counter
	RetryDelay      prometheus.Counter

	Invocations *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tailscale_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tailscale_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tailscale_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		DestinationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tailscale_proxy_destination_request_duration_seconds",
			Help:    "Latency of a single destination attempt through the SOCKS5 endpoint.",
			Buckets: defaultBuckets,
		}, []string{"method", "scheme"}),

		DestinationResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tailscale_proxy_destination_responses_total",
			Help: "Total destination responses by method and status code.",
		}, []string{"method", "status_code"}),

		ProxyRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tailscale_proxy_socks_rejections_total",
			Help: "Connection attempts rejected by the local SOCKS5 endpoint.",
		}),

		RetryDelay: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tailscale_proxy_retry_delay_seconds_total",
			Help: "Cumulative backoff spent waiting for the SOCKS5 endpoint.",
		}),

		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tailscale_service_invocations_total",
			Help: "Per-invocation outcomes for callers that requested metrics.",
		}, []string{"service", "outcome"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.DestinationDuration,
		m.DestinationResponses,
		m.ProxyRejections,
		m.RetryDelay,
		m.Invocations,
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

// knownPrefixes lists the relay-owned path label values. Forwarded paths are
// arbitrary and all collapse into "forward".
var knownPrefixes = []string{"/healthz", "/proxy/status", "/proxy/invoke", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "forward"
}

// otherLabel replaces label values outside a bounded set.
const otherLabel = "other"

// ServiceLabels bounds the service label of the invocations counter, since
// service names come from caller headers. With an allow-list only listed
// services keep their name; without one the first limit distinct services do.
// Everything else is reported as "other".
type ServiceLabels struct {
	mu    sync.Mutex
	known map[string]bool
	fixed bool
	limit int
}

// NewServiceLabels creates a bounded service label set.
func NewServiceLabels(allow []string, limit int) *ServiceLabels {
	l := &ServiceLabels{known: make(map[string]bool, len(allow)), limit: limit}
	for _, s := range allow {
		l.known[s] = true
	}
	l.fixed = len(allow) > 0
	return l
}

// Normalize returns the label value to use for service.
func (l *ServiceLabels) Normalize(service string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.known[service] {
		return service
	}
	if l.fixed || len(l.known) >= l.limit {
		return otherLabel
	}
	l.known[service] = true
	return service
}
