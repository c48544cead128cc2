// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency. Apps Script cold starts are slow,
// hence the long tail.
var defaultBuckets = []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	OriginDecisions *prometheus.CounterVec
	ForwardedBodies *prometheus.CounterVec
}

const (
	namespace = "flowrsvp"
	subsystem = "gateway"
)

var (
	requestLabels  = []string{"method", "status_code", "path_prefix"}
	upstreamLabels = []string{"method", "status_code"}
)

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   defaultBuckets,
	}, labels)
}

// New creates a Metrics instance on a private registry. Runtime and process
// collectors are registered alongside the gateway's own.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		RequestsTotal:   counterVec("http_requests_total", "Total inbound HTTP requests.", requestLabels...),
		RequestDuration: histogramVec("http_request_duration_seconds", "Inbound HTTP request latency in seconds.", requestLabels...),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: histogramVec("upstream_request_duration_seconds", "Apps Script call latency in seconds.", "method"),

		UpstreamResponses: counterVec("upstream_responses_total",
			`Apps Script responses by method and status code; status_code is "error" for transport failures.`, upstreamLabels...),

		OriginDecisions: counterVec("origin_decisions_total", "Origin allow-list outcomes for forwarded calls.", "decision"),
		ForwardedBodies: counterVec("forwarded_bodies_total", "POST bodies forwarded upstream by encoding kind.", "kind"),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.OriginDecisions,
		m.ForwardedBodies,
	)

	return m
}

// NormalizeMethod maps a request method onto a bounded label set.
// Anything outside the standard methods becomes "other".
func NormalizeMethod(method string) string {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete,
		http.MethodPatch, http.MethodHead, http.MethodOptions:
		return method
	}
	return "other"
}

// knownPrefixes are the route prefixes used as path labels.
var knownPrefixes = []string{"/api/proxy", "/api/ping", "/proxy-to-gas", "/macros", "/healthz", "/gateway/status", "/metrics"}

// NormalizePath returns the route prefix owning path, or "other".
func NormalizePath(path string) string {
	path, _, _ = strings.Cut(path, "?")
	for _, prefix := range knownPrefixes {
		if rest, ok := strings.CutPrefix(path, prefix); ok && (rest == "" || rest[0] == '/') {
			return prefix
		}
	}
	return "other"
}
