// Package metrics holds the Prometheus collectors for console-proxy.
//
// Series fall into three groups: inbound HTTP traffic (console_proxy_http_*),
// calls to the backend API (console_proxy_backend_*) and relay results per
// route (console_proxy_relay_*).
package metrics

import (
	"net/http"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "console_proxy"

// DefaultPath is the scrape path used when none is configured.
const DefaultPath = "/metrics"

// latencyBuckets span a fast in-cluster backend up to the 30s client timeout.
var latencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics is the set of collectors shared by the middleware, backend client
// and relay service.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	BackendDuration  *prometheus.HistogramVec
	BackendResponses *prometheus.CounterVec
	BackendErrors    *prometheus.CounterVec

	RelayOutcomes *prometheus.CounterVec

	pathPrefixes []string
}

// New builds a Metrics on its own registry, so tests can create as many as
// they like without duplicate registration panics. scrapePath is the path the
// registry is served on; it becomes its own path_prefix label value.
func New(scrapePath string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	httpLabels := []string{"method", "status_code", "path_prefix"}

	if scrapePath == "" {
		scrapePath = DefaultPath
	}

	m := &Metrics{
		Registry:     reg,
		pathPrefixes: append(slices.Clone(routePrefixes), scrapePath),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Inbound HTTP requests.",
		}, httpLabels),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: latencyBuckets,
		}, httpLabels),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_in_flight",
			Help: "Inbound HTTP requests currently being served.",
		}),

		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "backend", Name: "request_duration_seconds",
			Help:    "Backend API call latency in seconds, including failed calls.",
			Buckets: latencyBuckets,
		}, []string{"method"}),
		BackendResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "backend", Name: "responses_total",
			Help: "Backend API responses by method and status code.",
		}, []string{"method", "status_code"}),
		BackendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "backend", Name: "transport_errors_total",
			Help: "Backend API calls that failed before a response arrived.",
		}, []string{"method"}),

		RelayOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "outcomes_total",
			Help: "Relayed requests by route and outcome (success, backend_error, unauthorized, failure).",
		}, []string{"route", "outcome"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.BackendDuration,
		m.BackendResponses,
		m.BackendErrors,
		m.RelayOutcomes,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

var knownMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true, http.MethodDelete: true,
	http.MethodPatch: true, http.MethodHead: true, http.MethodOptions: true,
}

// NormalizeMethod maps non-standard methods to "other".
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// routePrefixes are the path_prefix label values besides the scrape path.
// /api/v1/users/{email} collapses to /api/v1/users so addresses never become
// label values.
var routePrefixes = []string{"/api/v1/members", "/api/v1/users", "/healthz", "/proxy/status"}

// NormalizePath returns the matching path prefix, or "other".
func (m *Metrics) NormalizePath(path string) string {
	for _, prefix := range m.pathPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return prefix
		}
	}
	return "other"
}
