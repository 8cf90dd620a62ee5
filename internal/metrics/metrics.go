package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter: per-key outcome of the in-process cache lookup (hit | miss | joined).
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recsys_cache_lookups_total",
			Help: "Score cache lookups by result.",
		},
		[]string{"result"},
	)

	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "recsys_cache_entries",
			Help: "Entries currently held by the in-process score cache.",
		},
	)

	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recsys_cache_evictions_total",
			Help: "Score cache evictions by reason (idle | capacity).",
		},
		[]string{"reason"},
	)

	// Shared store tier (redis / memcache).
	StoreOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recsys_store_ops_total",
			Help: "Shared score store operations by backend, op and result.",
		},
		[]string{"backend", "op", "result"},
	)

	StoreWritesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "recsys_store_writes_dropped_total",
			Help: "Write-behind batches dropped because the writer was saturated.",
		},
	)

	BackendLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recsys_backend_latency_seconds",
			Help:    "Latency of scoring backend calls in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"model", "result"},
	)

	BackendBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recsys_backend_batch_size",
			Help:    "Number of items per scoring backend call.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	// 0 closed, 1 half-open, 2 open.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "recsys_backend_breaker_state",
			Help: "Circuit breaker state per backend.",
		},
		[]string{"name"},
	)

	// Histogram: HTTP latency in seconds.
	HTTPLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recsys_http_latency_seconds",
			Help:    "HTTP request latency for the proxy in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"path", "method", "status_code"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		CacheLookupsTotal,
		CacheEntries,
		CacheEvictionsTotal,
		StoreOpsTotal,
		StoreWritesDroppedTotal,
		BackendLatencySeconds,
		BackendBatchSize,
		BreakerState,
		HTTPLatencySeconds,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures latency for each HTTP request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// capture status code
		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()

		HTTPLatencySeconds.
			WithLabelValues(routePattern(r), r.Method, strconv.Itoa(rec.statusCode)).
			Observe(duration)
	})
}

// routePattern keeps label cardinality bounded for unknown paths.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
