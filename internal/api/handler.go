package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pushrelay/internal/circuitbreaker"
	"github.com/lalithlochan/pushrelay/internal/db"
	"github.com/lalithlochan/pushrelay/internal/processor"
	"github.com/lalithlochan/pushrelay/internal/queue"
)

// Version is reported by /health.
const Version = "1.0.0"

// NotificationStore defines the persistence the API reads and writes.
type NotificationStore interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	Transition(ctx context.Context, u db.StatusUpdate) (*db.Notification, bool, error)
	AppendLog(ctx context.Context, l *db.NotificationLog) error
	ListLogs(ctx context.Context, notificationID uuid.UUID) ([]*db.NotificationLog, error)
	Health(ctx context.Context) error
}

// Processor runs a notification synchronously.
type Processor interface {
	Process(ctx context.Context, req *queue.NotificationRequest, deviceToken, correlationID string) processor.Result
}

// Breaker is the operator view of the provider circuit breaker.
type Breaker interface {
	Stats() circuitbreaker.Stats
	Reset()
}

// StatusPublisher emits status events.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, notificationID, status, errMsg, correlationID string)
}

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Response is the success envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger    *zap.Logger
	store     NotificationStore
	processor Processor
	breaker   Breaker
	publisher StatusPublisher
	broker    Pinger
	provider  string
}

// Option customises a Handler.
type Option func(*Handler)

// WithBreaker exposes the breaker debug endpoints.
func WithBreaker(b Breaker) Option { return func(h *Handler) { h.breaker = b } }

// WithStatusPublisher publishes webhook status changes.
func WithStatusPublisher(p StatusPublisher) Option { return func(h *Handler) { h.publisher = p } }

// WithBrokerCheck adds the broker to /health.
func WithBrokerCheck(p Pinger) Option { return func(h *Handler) { h.broker = p } }

// WithProviderStatus sets the provider line of /health.
func WithProviderStatus(status string) Option { return func(h *Handler) { h.provider = status } }

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, store NotificationStore, proc Processor, opts ...Option) *Handler {
	h := &Handler{
		logger:    logger,
		store:     store,
		processor: proc,
		provider:  "configured",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1/push", func(r chi.Router) {
		r.Post("/send", h.SendNotification)
		r.Get("/status/{id}", h.GetStatus)
		r.Post("/status", h.UpdateStatus)
		r.Get("/logs/{id}", h.GetLogs)
		r.Get("/breaker", h.GetBreaker)
		r.Post("/breaker/reset", h.ResetBreaker)
	})
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
}

// SendNotification handles POST /api/v1/push/send. It runs the processor
// inline, bypassing the queue. A device_token in metadata overrides the
// synthetic test token.
func (h *Handler) SendNotification(w http.ResponseWriter, r *http.Request) {
	var req queue.NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.NotificationType == "" {
		req.NotificationType = "push"
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification request", err.Error())
		return
	}

	token := "mock_device_token_" + req.UserID
	if v, ok := req.Metadata["device_token"].(string); ok && v != "" {
		token = v
	}

	res := h.processor.Process(r.Context(), &req, token, correlationID(r))

	h.logger.Info("direct push send",
		zap.String("notification_id", res.NotificationID),
		zap.Bool("success", res.Success),
		zap.String("user_id", req.UserID),
	)

	writeJSON(w, http.StatusOK, Response{
		Success: res.Success,
		Data:    map[string]string{"notification_id": res.NotificationID},
		Message: res.Message,
		Error:   res.Error,
	})
}

type statusView struct {
	NotificationID string     `json:"notification_id"`
	Status         string     `json:"status"`
	RetryCount     int        `json:"retry_count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeliveredAt    *time.Time `json:"delivered_at"`
	ErrorMessage   *string    `json:"error_message"`
}

func newStatusView(n *db.Notification) statusView {
	return statusView{
		NotificationID: n.ID.String(),
		Status:         n.Status,
		RetryCount:     n.RetryCount,
		CreatedAt:      n.CreatedAt,
		UpdatedAt:      n.UpdatedAt,
		DeliveredAt:    n.DeliveredAt,
		ErrorMessage:   n.ErrorMessage,
	}
}

// GetStatus handles GET /api/v1/push/status/{id}
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	n, err := h.store.GetNotification(r.Context(), id)
	if err != nil {
		h.storeError(w, err, id)
		return
	}

	writeJSON(w, http.StatusOK, Response{Success: true, Data: newStatusView(n)})
}

// StatusWebhook is the body of POST /api/v1/push/status.
type StatusWebhook struct {
	NotificationID string `json:"notification_id"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}

// UpdateStatus handles POST /api/v1/push/status. Re-sending the current
// status is a no-op; leaving a terminal status is rejected with 409.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req StatusWebhook
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	id, err := uuid.Parse(req.NotificationID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification_id", "notification_id must be a valid UUID")
		return
	}
	if !db.ValidStatus(req.Status) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: pending, delivered, failed")
		return
	}

	current, err := h.store.GetNotification(ctx, id)
	if err != nil {
		h.storeError(w, err, id)
		return
	}

	updated := current
	if current.Status != req.Status {
		var changed bool
		updated, changed, err = h.store.Transition(ctx, db.StatusUpdate{
			ID:           id,
			Status:       req.Status,
			ErrorMessage: req.Error,
		})
		if err != nil {
			h.storeError(w, err, id)
			return
		}
		if !changed {
			// A concurrent writer applied the same status first.
			writeJSON(w, http.StatusOK, Response{Success: true, Data: newStatusView(updated), Message: "Status updated"})
			return
		}

		entry := &db.NotificationLog{NotificationID: id, Status: req.Status}
		if req.Error != "" {
			entry.ErrorMessage = &req.Error
		}
		if err := h.store.AppendLog(ctx, entry); err != nil {
			h.logger.Warn("failed to append notification log", zap.Error(err), zap.String("id", id.String()))
		}
		if h.publisher != nil {
			h.publisher.PublishStatus(ctx, id.String(), req.Status, req.Error, correlationID(r))
		}

		h.logger.Info("notification status updated",
			zap.String("id", id.String()),
			zap.String("from", current.Status),
			zap.String("to", req.Status),
		)
	}

	writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    newStatusView(updated),
		Message: "Status updated",
	})
}

// GetLogs handles GET /api/v1/push/logs/{id}
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	if _, err := h.store.GetNotification(r.Context(), id); err != nil {
		h.storeError(w, err, id)
		return
	}

	logs, err := h.store.ListLogs(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list notification logs", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notification logs", "")
		return
	}
	if logs == nil {
		logs = []*db.NotificationLog{}
	}

	writeJSON(w, http.StatusOK, Response{Success: true, Data: logs})
}

// GetBreaker handles GET /api/v1/push/breaker
func (h *Handler) GetBreaker(w http.ResponseWriter, r *http.Request) {
	if h.breaker == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Circuit breaker not configured", "")
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: h.breaker.Stats()})
}

// ResetBreaker handles POST /api/v1/push/breaker/reset
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	if h.breaker == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Circuit breaker not configured", "")
		return
	}
	h.breaker.Reset()
	h.logger.Warn("circuit breaker reset via api", zap.String("request_id", middleware.GetReqID(r.Context())))
	writeJSON(w, http.StatusOK, Response{Success: true, Data: h.breaker.Stats(), Message: "Circuit breaker reset"})
}

// HealthReport is the body of /health.
type HealthReport struct {
	Service string            `json:"service"`
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks"`
}

// Health handles GET /health. Database and broker failures make the service
// unhealthy (503); an unconfigured provider only degrades it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	report := HealthReport{
		Service: queue.ServiceName,
		Status:  "healthy",
		Version: Version,
		Checks:  map[string]string{},
	}
	code := http.StatusOK

	if err := h.store.Health(ctx); err != nil {
		h.logger.Warn("database health check failed", zap.Error(err))
		report.Checks["database"] = "unhealthy"
		report.Status, code = "unhealthy", http.StatusServiceUnavailable
	} else {
		report.Checks["database"] = "healthy"
	}

	if h.broker != nil {
		if err := h.broker.Ping(ctx); err != nil {
			h.logger.Warn("broker health check failed", zap.Error(err))
			report.Checks["broker"] = "unhealthy"
			report.Status, code = "unhealthy", http.StatusServiceUnavailable
		} else {
			report.Checks["broker"] = "healthy"
		}
	}

	report.Checks["provider"] = h.provider
	if h.provider != "configured" && code == http.StatusOK {
		report.Status = "degraded"
	}

	writeJSON(w, code, report)
}

// Ready handles GET /ready
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) storeError(w http.ResponseWriter, err error, id uuid.UUID) {
	switch {
	case errors.Is(err, db.ErrNotificationNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
	case errors.Is(err, db.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, "invalid_transition", "Invalid status transition", err.Error())
	case errors.Is(err, db.ErrInvalidStatus):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status", err.Error())
	default:
		h.logger.Error("notification store error", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Notification store unavailable", "")
	}
}

// correlationID prefers an explicit X-Correlation-ID, then chi's request id.
func correlationID(r *http.Request) string {
	if v := r.Header.Get("X-Correlation-ID"); v != "" {
		return v
	}
	if v := middleware.GetReqID(r.Context()); v != "" {
		return v
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
