package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "push_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	messagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_messages_consumed_total",
			Help: "Inbound queue messages by terminal outcome",
		},
		[]string{"outcome"},
	)

	deadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_dead_letters_total",
			Help: "Messages routed to the failed queue by reason",
		},
		[]string{"reason"},
	)

	notificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_notifications_processed_total",
			Help: "Notifications processed by final status and provider",
		},
		[]string{"status", "provider"},
	)

	providerAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_provider_attempts_total",
			Help: "Individual provider send attempts by result",
		},
		[]string{"provider", "result"},
	)

	providerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "push_provider_send_duration_seconds",
			Help:    "Provider send latency",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"provider"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "push_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"breaker"},
	)

	breakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_circuit_breaker_rejections_total",
			Help: "Calls rejected by an open breaker",
		},
		[]string{"breaker"},
	)

	directoryCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_directory_cache_total",
			Help: "User directory cache lookups by kind and result",
		},
		[]string{"kind", "result"},
	)

	duplicatesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_duplicate_deliveries_total",
			Help: "Redelivered messages skipped by request id",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"key"},
	)

	staleReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_stale_notifications_reaped_total",
			Help: "Pending notifications forced to failed by the reaper",
		},
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

// RecordMessageConsumed records how an inbound message ended
// (processed, failed, suppressed, no_token, invalid, duplicate, error).
func RecordMessageConsumed(outcome string) {
	messagesConsumed.WithLabelValues(outcome).Inc()
}

// RecordDeadLetter records a failed-queue publish
func RecordDeadLetter(reason string) {
	deadLetters.WithLabelValues(reason).Inc()
}

// RecordNotificationProcessed records a notification's final status
func RecordNotificationProcessed(status, provider string) {
	notificationsProcessed.WithLabelValues(status, provider).Inc()
}

// RecordProviderAttempt records one provider call and its latency
func RecordProviderAttempt(provider, result string, duration time.Duration) {
	providerAttempts.WithLabelValues(provider, result).Inc()
	providerLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

// SetBreakerState publishes the numeric breaker state
func SetBreakerState(breaker string, state int) {
	breakerState.WithLabelValues(breaker).Set(float64(state))
}

// RecordBreakerRejection records a fail-fast rejection
func RecordBreakerRejection(breaker string) {
	breakerRejections.WithLabelValues(breaker).Inc()
}

// RecordCacheLookup records a directory cache hit or miss
func RecordCacheLookup(kind string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	directoryCache.WithLabelValues(kind, result).Inc()
}

// RecordDuplicateSkipped records a redelivery skipped by request id
func RecordDuplicateSkipped() {
	duplicatesSkipped.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
}

// RecordStaleReaped records notifications failed by the reaper
func RecordStaleReaped(n int) {
	staleReaped.Add(float64(n))
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

// Middleware returns HTTP middleware that records request metrics.
// The chi route pattern is used as the path label when available.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
