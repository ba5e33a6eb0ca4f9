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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	eventsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_events_classified_total",
			Help: "Application events by classification outcome",
		},
		[]string{"outcome"},
	)

	immediateDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_immediate_dispatches_total",
			Help: "Immediate email hand-offs by event class",
		},
		[]string{"event_class"},
	)

	digestsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_digests_sent_total",
			Help: "Digest emails handed off to the delivery transport",
		},
	)

	eventsMarkedSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_events_marked_sent_total",
			Help: "Notification events stamped sent by the flusher",
		},
	)

	digestHandoffFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_digest_handoff_failures_total",
			Help: "Per-recipient digest hand-off failures (retried next cycle)",
		},
	)

	pendingEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_pending_events",
			Help: "Unsent, non-expired notification events after the last flush",
		},
	)

	flushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herald_flush_duration_seconds",
			Help:    "Digest flush cycle duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_idempotency_hits_total",
			Help: "Ingest requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"producer"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordClassification records a classification outcome (skip, deliver_now,
// deliver_batch).
func RecordClassification(outcome string) {
	eventsClassified.WithLabelValues(outcome).Inc()
}

// RecordImmediateDispatch records an immediate email hand-off
func RecordImmediateDispatch(eventClass string) {
	immediateDispatches.WithLabelValues(eventClass).Inc()
}

// RecordDigestSent records a digest hand-off to the delivery transport
func RecordDigestSent() {
	digestsSent.Inc()
}

// RecordEventsMarkedSent records how many events a flush stamped sent
func RecordEventsMarkedSent(n int) {
	eventsMarkedSent.Add(float64(n))
}

// RecordDigestHandoffFailure records a per-recipient hand-off failure
func RecordDigestHandoffFailure() {
	digestHandoffFailures.Inc()
}

// SetPendingEvents sets the pending event backlog gauge
func SetPendingEvents(count int64) {
	pendingEvents.Set(float64(count))
}

// RecordFlushDuration records how long a flush cycle took
func RecordFlushDuration(d time.Duration) {
	flushDuration.Observe(d.Seconds())
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(producer string) {
	rateLimitRejections.WithLabelValues(producer).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
