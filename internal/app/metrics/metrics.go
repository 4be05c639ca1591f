// Package metrics exposes Prometheus collectors for the wrapper service.
package metrics

import (
	"net/http"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vrf_direct_funding"

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	requestsSubmitted prometheus.Counter
	requestsFulfilled prometheus.Counter
	requestsRejected  *prometheus.CounterVec
	feePaid           prometheus.Histogram
}

// New creates and registers the collectors. Process and Go runtime collectors
// are included when withRuntime is true.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "path"}),
		requestsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wrapper",
			Name:      "requests_submitted_total",
			Help:      "Randomness requests accepted and paid for.",
		}),
		requestsFulfilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wrapper",
			Name:      "requests_fulfilled_total",
			Help:      "Randomness requests fulfilled.",
		}),
		requestsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wrapper",
			Name:      "requests_rejected_total",
			Help:      "Randomness requests rejected at submission.",
		}, []string{"reason"}),
		feePaid: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "wrapper",
			Name:      "fee_paid_tokens",
			Help:      "Request fee in whole tokens.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.requestsSubmitted,
		m.requestsFulfilled,
		m.requestsRejected,
		m.feePaid,
	)
	if withRuntime {
		m.registry.MustRegister(
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			prometheus.NewGoCollector(),
		)
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncrementInFlight() { m.httpInFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.httpInFlight.Dec() }

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RequestSubmitted counts an accepted request and observes its fee.
func (m *Metrics) RequestSubmitted(paid *uint256.Int) {
	m.requestsSubmitted.Inc()
	if paid != nil {
		m.feePaid.Observe(tokens(paid))
	}
}

func (m *Metrics) RequestFulfilled() { m.requestsFulfilled.Inc() }

func (m *Metrics) RequestRejected(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.requestsRejected.WithLabelValues(reason).Inc()
}

// tokens converts an 18-decimal amount to a float for histogram buckets.
func tokens(amount *uint256.Int) float64 {
	f := amount.Float64()
	return f / 1e18
}
