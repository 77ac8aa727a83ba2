package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "runnerhub"

// Metrics holds the server's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	claims        *prometheus.CounterVec
	claimDuration *prometheus.HistogramVec
	expired       prometheus.Counter
	imports       *prometheus.CounterVec
	statusReports *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	rateLimited   prometheus.Counter
}

// NewMetrics registers every collector, plus the Go and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_claims_total",
			Help:      "Poll attempts by outcome.",
		}, []string{"outcome"}),
		claimDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_claim_duration_seconds",
			Help:      "Time spent in a claim, including the lock wait.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"outcome"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_expired_claims_total",
			Help:      "Claims moved to Error by the expiry sweep.",
		}),
		imports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "importer_documents_total",
			Help:      "Result documents seen by the importer.",
		}, []string{"format", "outcome"}),
		statusReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_status_reports_total",
			Help:      "Status reports applied, by reported status.",
		}, []string{"status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_rate_limited_total",
			Help:      "Polls rejected by the per-runner rate limiter.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.claims, m.claimDuration, m.expired, m.imports,
		m.statusReports, m.httpRequests, m.httpDuration, m.rateLimited,
	)
	return m
}

// ObserveClaim records one claim attempt.
func (m *Metrics) ObserveClaim(outcome string, d time.Duration) {
	m.claims.WithLabelValues(outcome).Inc()
	m.claimDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveExpired records claims expired by one sweep.
func (m *Metrics) ObserveExpired(n int) {
	m.expired.Add(float64(n))
}

func (m *Metrics) ObserveImport(format, outcome string) {
	m.imports.WithLabelValues(format, outcome).Inc()
}

func (m *Metrics) ObserveStatusReport(status string) {
	m.statusReports.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveHTTP(route, method string, code int, d time.Duration) {
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

func (m *Metrics) ObserveRateLimited() {
	m.rateLimited.Inc()
}

// Registry exposes the registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
