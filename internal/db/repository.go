package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository is the Postgres notification store.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const notificationColumns = `
	id, user_id, device_token, template_code, request_id, priority,
	title, body, data, image_url, click_url, status, retry_count,
	error_message, created_at, updated_at, delivered_at, failed_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID, &n.UserID, &n.DeviceToken, &n.TemplateCode, &n.RequestID, &n.Priority,
		&n.Title, &n.Body, &n.Data, &n.ImageURL, &n.ClickURL, &n.Status, &n.RetryCount,
		&n.ErrorMessage, &n.CreatedAt, &n.UpdatedAt, &n.DeliveredAt, &n.FailedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNotification inserts a notification and fills in its timestamps.
func (r *Repository) CreateNotification(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO push_notifications (
			id, user_id, device_token, template_code, request_id, priority,
			title, body, data, image_url, click_url, status, retry_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`

	data := n.Data
	if len(data) == 0 {
		data = []byte("{}")
	}

	err := r.db.Pool().QueryRow(ctx, query,
		n.ID, n.UserID, n.DeviceToken, n.TemplateCode, n.RequestID, n.Priority,
		n.Title, n.Body, data, n.ImageURL, n.ClickURL, n.Status, n.RetryCount,
	).Scan(&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Debug("notification created",
		zap.String("notification_id", n.ID.String()),
		zap.String("user_id", n.UserID),
	)
	return nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM push_notifications WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// UpdateStatus applies u if the transition is allowed.
//
// The guard lives in the WHERE clause so concurrent writers cannot move a
// terminal record. When nothing was updated the current status decides
// between not found, a no-op repeat, and ErrInvalidTransition.
func (r *Repository) UpdateStatus(ctx context.Context, u StatusUpdate) (*Notification, error) {
	n, _, err := r.Transition(ctx, u)
	return n, err
}

// Transition is UpdateStatus that also reports whether this call moved the
// record. changed is false when another writer already applied u.Status.
func (r *Repository) Transition(ctx context.Context, u StatusUpdate) (n *Notification, changed bool, err error) {
	if !ValidStatus(u.Status) {
		return nil, false, ErrInvalidStatus
	}

	var errMsg *string
	if u.Status == StatusFailed && u.ErrorMessage != "" {
		errMsg = &u.ErrorMessage
	}

	query := `
		UPDATE push_notifications
		SET status        = $2,
		    retry_count   = COALESCE($3, retry_count),
		    error_message = CASE WHEN $2 = 'failed' THEN $4 ELSE error_message END,
		    delivered_at  = CASE WHEN $2 = 'delivered' THEN NOW() ELSE delivered_at END,
		    failed_at     = CASE WHEN $2 = 'failed' THEN NOW() ELSE failed_at END,
		    updated_at    = NOW()
		WHERE id = $1 AND status = 'pending' AND $2 <> 'pending'
		RETURNING ` + notificationColumns

	n, err = scanNotification(r.db.Pool().QueryRow(ctx, query, u.ID, u.Status, u.RetryCount, errMsg))
	if err == nil {
		return n, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		r.logger.Error("failed to update notification status",
			zap.Error(err),
			zap.String("notification_id", u.ID.String()),
		)
		return nil, false, fmt.Errorf("update notification status: %w", err)
	}

	current, err := r.GetNotification(ctx, u.ID)
	if err != nil {
		return nil, false, err
	}
	if _, err := CheckTransition(current.Status, u.Status); err != nil {
		return current, false, fmt.Errorf("%w: %s -> %s", err, current.Status, u.Status)
	}
	return current, false, nil
}

// AppendLog adds a status history entry.
func (r *Repository) AppendLog(ctx context.Context, l *NotificationLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now().UTC()
	}

	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO push_notification_logs (id, notification_id, status, timestamp, error_message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, l.ID, l.NotificationID, l.Status, l.Timestamp, l.ErrorMessage, nullableJSON(l.Metadata))
	if err != nil {
		return fmt.Errorf("insert notification log: %w", err)
	}
	return nil
}

// ListLogs returns a notification's history, oldest first.
func (r *Repository) ListLogs(ctx context.Context, notificationID uuid.UUID) ([]*NotificationLog, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, notification_id, status, timestamp, error_message, metadata
		FROM push_notification_logs
		WHERE notification_id = $1
		ORDER BY timestamp ASC
	`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("query notification logs: %w", err)
	}
	defer rows.Close()

	var logs []*NotificationLog
	for rows.Next() {
		var l NotificationLog
		if err := rows.Scan(&l.ID, &l.NotificationID, &l.Status, &l.Timestamp, &l.ErrorMessage, &l.Metadata); err != nil {
			return nil, fmt.Errorf("scan notification log: %w", err)
		}
		logs = append(logs, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return logs, nil
}

// ListStalePending returns pending notifications not updated since before.
func (r *Repository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM push_notifications
		WHERE status = 'pending' AND updated_at < $1
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := r.db.Pool().Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// Health pings the database.
func (r *Repository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
