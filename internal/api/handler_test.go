package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pushrelay/internal/circuitbreaker"
	"github.com/lalithlochan/pushrelay/internal/db"
	"github.com/lalithlochan/pushrelay/internal/processor"
	"github.com/lalithlochan/pushrelay/internal/publisher"
	"github.com/lalithlochan/pushrelay/internal/push"
	"github.com/lalithlochan/pushrelay/internal/queue"
	"github.com/lalithlochan/pushrelay/internal/retry"
)

var testQueues = publisher.Queues{Status: "notification.status.queue", Failed: "failed.queue"}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

// unhealthyStore fails its health check.
type unhealthyStore struct{ *db.MemoryRepository }

func (unhealthyStore) Health(ctx context.Context) error { return errors.New("connection refused") }

type testServer struct {
	router  chi.Router
	store   *db.MemoryRepository
	broker  *queue.MemoryBroker
	mock    *push.MockProvider
	breaker *circuitbreaker.CircuitBreaker
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	logger := zap.NewNop()
	store := db.NewMemoryRepository()
	broker := queue.NewMemoryBroker("push.queue", 1)
	pub := publisher.New(broker, testQueues, logger)
	mock := push.NewMockProvider(logger)
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("mock"), logger)
	sender := circuitbreaker.NewProtectedProvider(mock, breaker, retry.Config{MaxAttempts: 1}, logger)
	proc := processor.New(store, sender, pub, logger)

	base := []Option{WithBreaker(breaker), WithStatusPublisher(pub), WithBrokerCheck(broker)}
	h := NewHandler(logger, store, proc, append(base, opts...)...)

	r := chi.NewRouter()
	h.Routes(r)
	return &testServer{router: r, store: store, broker: broker, mock: mock, breaker: breaker}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch v := body.(type) {
		case string:
			buf.WriteString(v)
		default:
			if err := json.NewEncoder(&buf).Encode(v); err != nil {
				t.Fatalf("encode body: %v", err)
			}
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) seed(t *testing.T, status string) *db.Notification {
	t.Helper()
	n := &db.Notification{ID: uuid.New(), UserID: "u1", Status: db.StatusPending}
	if err := s.store.CreateNotification(context.Background(), n); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if status != db.StatusPending {
		if _, err := s.store.UpdateStatus(context.Background(), db.StatusUpdate{ID: n.ID, Status: status}); err != nil {
			t.Fatalf("seed update: %v", err)
		}
	}
	return n
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestSendNotification(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/push/send", map[string]any{
		"notification_type": "push",
		"user_id":           "u1",
		"template_code":     "welcome",
		"variables":         map[string]any{"title": "Hi", "body": "Welcome"},
		"request_id":        "r1",
		"priority":          1,
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success bool              `json:"success"`
		Data    map[string]string `json:"data"`
		Message string            `json:"message"`
	}
	decode(t, rec, &resp)
	if !resp.Success || resp.Data["notification_id"] == "" || resp.Message != processor.MessageProcessed {
		t.Fatalf("unexpected response: %+v", resp)
	}

	sends := s.mock.Sends()
	if len(sends) != 1 || sends[0].DeviceToken != "mock_device_token_u1" {
		t.Errorf("unexpected sends: %+v", sends)
	}
}

func TestSendNotification_DeviceTokenOverride(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/push/send", map[string]any{
		"user_id":       "u1",
		"template_code": "welcome",
		"request_id":    "r1",
		"priority":      3,
		"metadata":      map[string]any{"device_token": "real-token"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if sends := s.mock.Sends(); len(sends) != 1 || sends[0].DeviceToken != "real-token" {
		t.Errorf("unexpected sends: %+v", sends)
	}
}

func TestSendNotification_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"malformed json", `{"user_id":`},
		{"missing request_id", map[string]any{"user_id": "u1", "template_code": "t", "priority": 1}},
		{"priority too high", map[string]any{"user_id": "u1", "template_code": "t", "request_id": "r", "priority": 6}},
		{"wrong type", map[string]any{"notification_type": "email", "user_id": "u1", "template_code": "t", "request_id": "r", "priority": 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			rec := s.do(t, http.MethodPost, "/api/v1/push/send", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Errorf("content type = %s", ct)
			}
			if s.store.Count() != 0 {
				t.Error("no record should be created")
			}
		})
	}
}

func TestGetStatus(t *testing.T) {
	s := newTestServer(t)
	n := s.seed(t, db.StatusDelivered)

	rec := s.do(t, http.MethodGet, "/api/v1/push/status/"+n.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Data statusView `json:"data"`
	}
	decode(t, rec, &resp)
	if resp.Data.Status != db.StatusDelivered || resp.Data.DeliveredAt == nil || resp.Data.NotificationID != n.ID.String() {
		t.Errorf("unexpected view: %+v", resp.Data)
	}
}

func TestGetStatus_Errors(t *testing.T) {
	s := newTestServer(t)

	if rec := s.do(t, http.MethodGet, "/api/v1/push/status/not-a-uuid", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/api/v1/push/status/"+uuid.NewString(), nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d", rec.Code)
	}
}

func TestUpdateStatus_Webhook(t *testing.T) {
	tests := []struct {
		name       string
		initial    string
		status     string
		wantCode   int
		wantStatus string
		wantEvents int
	}{
		{"pending to delivered", db.StatusPending, db.StatusDelivered, http.StatusOK, db.StatusDelivered, 1},
		{"pending to failed", db.StatusPending, db.StatusFailed, http.StatusOK, db.StatusFailed, 1},
		{"repeat terminal is a no-op", db.StatusDelivered, db.StatusDelivered, http.StatusOK, db.StatusDelivered, 0},
		{"delivered to failed rejected", db.StatusDelivered, db.StatusFailed, http.StatusConflict, db.StatusDelivered, 0},
		{"failed to pending rejected", db.StatusFailed, db.StatusPending, http.StatusConflict, db.StatusFailed, 0},
		{"unknown status", db.StatusPending, "sent", http.StatusBadRequest, db.StatusPending, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			n := s.seed(t, tt.initial)

			rec := s.do(t, http.MethodPost, "/api/v1/push/status", StatusWebhook{
				NotificationID: n.ID.String(),
				Status:         tt.status,
				Error:          "provider said no",
			})
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}

			got, _ := s.store.GetNotification(context.Background(), n.ID)
			if got.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", got.Status, tt.wantStatus)
			}
			if events := len(s.broker.Published(testQueues.Status)); events != tt.wantEvents {
				t.Errorf("status events = %d, want %d", events, tt.wantEvents)
			}
		})
	}
}

// staleReadStore reports every record as pending, as a read taken just
// before a concurrent writer's update would.
type staleReadStore struct{ *db.MemoryRepository }

func (s staleReadStore) GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	n, err := s.MemoryRepository.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	n.Status = db.StatusPending
	return n, nil
}

func TestUpdateStatus_ConcurrentSameStatusIsNoop(t *testing.T) {
	logger := zap.NewNop()
	store := db.NewMemoryRepository()
	broker := queue.NewMemoryBroker("push.queue", 1)
	pub := publisher.New(broker, testQueues, logger)

	n := &db.Notification{ID: uuid.New(), UserID: "u1", Status: db.StatusPending}
	if err := store.CreateNotification(context.Background(), n); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.UpdateStatus(context.Background(), db.StatusUpdate{ID: n.ID, Status: db.StatusDelivered}); err != nil {
		t.Fatalf("update: %v", err)
	}

	h := NewHandler(logger, staleReadStore{store}, nil, WithStatusPublisher(pub))
	r := chi.NewRouter()
	h.Routes(r)

	body, _ := json.Marshal(StatusWebhook{NotificationID: n.ID.String(), Status: db.StatusDelivered})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/push/status", bytes.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d (%s)", rec.Code, rec.Body.String())
	}
	if events := len(broker.Published(testQueues.Status)); events != 0 {
		t.Errorf("status events = %d, want 0", events)
	}
	if logs, _ := store.ListLogs(context.Background(), n.ID); len(logs) != 0 {
		t.Errorf("logs = %d, want 0", len(logs))
	}
}

func TestUpdateStatus_NotFound(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/push/status", StatusWebhook{NotificationID: uuid.NewString(), Status: db.StatusDelivered})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestGetLogs(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/push/send", map[string]any{
		"user_id": "u1", "template_code": "welcome", "request_id": "r1", "priority": 1,
	})
	var sent struct {
		Data map[string]string `json:"data"`
	}
	decode(t, rec, &sent)

	rec = s.do(t, http.MethodGet, "/api/v1/push/logs/"+sent.Data["notification_id"], nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var resp struct {
		Data []db.NotificationLog `json:"data"`
	}
	decode(t, rec, &resp)
	if len(resp.Data) != 2 || resp.Data[0].Status != db.StatusPending || resp.Data[1].Status != db.StatusDelivered {
		t.Errorf("unexpected logs: %+v", resp.Data)
	}
}

func TestBreakerEndpoints(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 5; i++ {
		s.breaker.RecordFailure()
	}

	rec := s.do(t, http.MethodGet, "/api/v1/push/breaker", nil)
	var resp struct {
		Data circuitbreaker.Stats `json:"data"`
	}
	decode(t, rec, &resp)
	if resp.Data.State != "open" || resp.Data.FailureCount != 5 || resp.Data.Threshold != 5 {
		t.Fatalf("unexpected stats: %+v", resp.Data)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/push/breaker/reset", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset code = %d", rec.Code)
	}
	if s.breaker.GetState() != circuitbreaker.StateClosed {
		t.Error("breaker should be closed after reset")
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		opts       []Option
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "all healthy",
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
			wantChecks: map[string]string{"database": "healthy", "broker": "healthy", "provider": "configured"},
		},
		{
			name:       "broker down",
			opts:       []Option{WithBrokerCheck(fakePinger{err: errors.New("dial tcp: refused")})},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
			wantChecks: map[string]string{"broker": "unhealthy"},
		},
		{
			name:       "provider not configured",
			opts:       []Option{WithProviderStatus("not configured")},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
			wantChecks: map[string]string{"provider": "not configured"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.opts...)
			rec := s.do(t, http.MethodGet, "/health", nil)
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			var report HealthReport
			decode(t, rec, &report)
			if report.Status != tt.wantStatus || report.Service != "push-service" {
				t.Errorf("unexpected report: %+v", report)
			}
			for k, v := range tt.wantChecks {
				if report.Checks[k] != v {
					t.Errorf("check %s = %q, want %q", k, report.Checks[k], v)
				}
			}
		})
	}
}

func TestHealth_DatabaseDown(t *testing.T) {
	logger := zap.NewNop()
	h := NewHandler(logger, unhealthyStore{db.NewMemoryRepository()}, nil)
	r := chi.NewRouter()
	h.Routes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestReady(t *testing.T) {
	s := newTestServer(t)
	if rec := s.do(t, http.MethodGet, "/ready", nil); rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
}
