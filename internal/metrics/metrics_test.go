package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordMessageConsumed(t *testing.T) {
	before := testutil.ToFloat64(messagesConsumed.WithLabelValues("processed"))
	RecordMessageConsumed("processed")
	RecordMessageConsumed("processed")
	after := testutil.ToFloat64(messagesConsumed.WithLabelValues("processed"))
	if after-before != 2 {
		t.Errorf("expected counter to grow by 2, got %v", after-before)
	}
}

func TestRecordCacheLookup(t *testing.T) {
	hits := testutil.ToFloat64(directoryCache.WithLabelValues("device_token", "hit"))
	misses := testutil.ToFloat64(directoryCache.WithLabelValues("device_token", "miss"))

	RecordCacheLookup("device_token", true)
	RecordCacheLookup("device_token", false)
	RecordCacheLookup("device_token", false)

	if got := testutil.ToFloat64(directoryCache.WithLabelValues("device_token", "hit")) - hits; got != 1 {
		t.Errorf("expected 1 hit, got %v", got)
	}
	if got := testutil.ToFloat64(directoryCache.WithLabelValues("device_token", "miss")) - misses; got != 2 {
		t.Errorf("expected 2 misses, got %v", got)
	}
}

func TestSetBreakerState(t *testing.T) {
	SetBreakerState("mock", 1)
	if got := testutil.ToFloat64(breakerState.WithLabelValues("mock")); got != 1 {
		t.Errorf("expected gauge 1, got %v", got)
	}
	SetBreakerState("mock", 0)
	if got := testutil.ToFloat64(breakerState.WithLabelValues("mock")); got != 0 {
		t.Errorf("expected gauge 0, got %v", got)
	}
}

func TestRecorders(t *testing.T) {
	RecordRequest("GET", "/health", 200, 10*time.Millisecond)
	RecordDeadLetter("no_token")
	RecordNotificationProcessed("delivered", "mock")
	RecordProviderAttempt("mock", "success", 20*time.Millisecond)
	RecordBreakerRejection("mock")
	RecordDuplicateSkipped()
	RecordRateLimitRejection("127.0.0.1")
	RecordStaleReaped(3)
}

func TestHandler(t *testing.T) {
	RecordDeadLetter("invalid")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "push_dead_letters_total") {
		t.Error("expected push_dead_letters_total in metrics output")
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/v1/push/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/v1/push/status/{id}", "404"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/push/status/abc", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/v1/push/status/{id}", "404"))
	if after-before != 1 {
		t.Errorf("expected request recorded under route pattern, delta=%v", after-before)
	}
}
