// Package metrics provides Prometheus instrumentation for the execution engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts resolved orders, partitioned by kind and outcome
	// ("executed" or the cancel reason).
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_orders_total",
		Help: "Total number of resolved orders",
	}, []string{"kind", "outcome"})

	// AdmissionRejections counts order intents rejected before any
	// reporter round-trip.
	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_admission_rejections_total",
		Help: "Order intents rejected at admission",
	}, []string{"reason"})

	// OracleRequestsTotal counts price queries dispatched, by job.
	OracleRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_oracle_requests_total",
		Help: "Total price consensus rounds started",
	}, []string{"job"})

	// OracleAnswersTotal counts reporter answers received.
	OracleAnswersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_oracle_answers_total",
		Help: "Total reporter answers received",
	})

	// OracleInvalidAnswersTotal counts malformed candles (kept for audit,
	// never counted toward quorum).
	OracleInvalidAnswersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_oracle_invalid_answers_total",
		Help: "Reporter answers rejected as malformed",
	})

	// ConsensusLatency tracks time from dispatch to quorum resolution.
	ConsensusLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perp_consensus_latency_seconds",
		Help:    "Time from price request to quorum resolution",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// ConnectedReporters tracks reporters attached to the feed hub.
	ConnectedReporters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_connected_reporters",
		Help: "Number of reporters connected to the feed hub",
	})

	// OpenInterestUSD exposes active open interest per pair and side.
	OpenInterestUSD = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_open_interest_usd",
		Help: "Active open interest in USD",
	}, []string{"pair", "side"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the API surface is small
		// enough that cardinality stays bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
