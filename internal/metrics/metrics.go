// Package metrics exposes Prometheus collectors for the capture service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	capturesTotal          *prometheus.CounterVec
	captureDurationSeconds *prometheus.HistogramVec
	ongoingCaptures        prometheus.Gauge
	claimsTotal            *prometheus.CounterVec
	reclaimedTotal         prometheus.Counter
	requeuedTotal          prometheus.Counter
	storeErrorsTotal       *prometheus.CounterVec
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		capturesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_captures_total",
				Help: "Total number of finished captures, labeled by terminal status.",
			},
			[]string{"status"},
		)

		captureDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capture_duration_seconds",
				Help:    "Histogram of capture runtimes, labeled by terminal status.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		)

		ongoingCaptures = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "capture_ongoing",
				Help: "Number of captures currently running in this process.",
			},
		)

		claimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_claims_total",
				Help: "Total claim attempts, labeled by outcome (claimed, empty, error).",
			},
			[]string{"outcome"},
		)

		reclaimedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "capture_reclaimed_total",
				Help: "Total captures reclaimed by the stale-job reaper.",
			},
		)

		requeuedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "capture_requeued_total",
				Help: "Total captures returned to the queue while their proxy was down.",
			},
		)

		storeErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_store_errors_total",
				Help: "Total job store failures, labeled by operation.",
			},
			[]string{"op"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCapture records one finished capture with its runtime.
func ObserveCapture(status string, duration time.Duration) {
	capturesTotal.WithLabelValues(status).Inc()
	captureDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveClaim increments the claim counter for the given outcome.
func ObserveClaim(outcome string) {
	claimsTotal.WithLabelValues(outcome).Inc()
}

// ObserveReclaimed counts a reaper reclamation.
func ObserveReclaimed() {
	reclaimedTotal.Inc()
}

// ObserveRequeued counts a proxy-gated requeue.
func ObserveRequeued() {
	requeuedTotal.Inc()
}

// ObserveStoreError counts a store failure for the given operation.
func ObserveStoreError(op string) {
	storeErrorsTotal.WithLabelValues(op).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncOngoing increments the local ongoing captures gauge.
func IncOngoing() {
	ongoingCaptures.Inc()
}

// DecOngoing decrements the local ongoing captures gauge.
func DecOngoing() {
	ongoingCaptures.Dec()
}
