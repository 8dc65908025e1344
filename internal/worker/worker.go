// Package worker runs the stale pending reaper. A notification left pending
// by a cancelled or crashed processor is marked failed so every record
// reaches a terminal status.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/pushrelay/internal/db"
	"github.com/lalithlochan/pushrelay/internal/metrics"
)

// ReasonInterrupted is stored on reaped notifications.
const ReasonInterrupted = "processing interrupted"

type Repository interface {
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*db.Notification, error)
	Transition(ctx context.Context, u db.StatusUpdate) (*db.Notification, bool, error)
	AppendLog(ctx context.Context, l *db.NotificationLog) error
}

type StatusPublisher interface {
	PublishStatus(ctx context.Context, notificationID, status, errMsg, correlationID string)
}

type Worker struct {
	repo      Repository
	publisher StatusPublisher
	config    Config
	logger    *zap.Logger
	now       func() time.Time
}

type Config struct {
	PollInterval time.Duration
	StaleAfter   time.Duration
	BatchSize    int
}

func New(repo Repository, publisher StatusPublisher, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}

	return &Worker{
		repo:      repo,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Info("stale pending reaper started",
		zap.Duration("interval", w.config.PollInterval),
		zap.Duration("stale_after", w.config.StaleAfter),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		case <-ticker.C:
			w.ReapOnce(ctx)
		}
	}
}

// ReapOnce fails one batch of stale notifications and returns how many were
// changed.
func (w *Worker) ReapOnce(ctx context.Context) int {
	cutoff := w.now().Add(-w.config.StaleAfter)
	stale, err := w.repo.ListStalePending(ctx, cutoff, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to list stale notifications", zap.Error(err))
		return 0
	}

	reaped := 0
	for _, n := range stale {
		if w.reap(ctx, n) {
			reaped++
		}
	}

	if reaped > 0 {
		metrics.RecordStaleReaped(reaped)
		w.logger.Warn("reaped stale pending notifications", zap.Int("count", reaped))
	}
	return reaped
}

func (w *Worker) reap(ctx context.Context, n *db.Notification) bool {
	updated, changed, err := w.repo.Transition(ctx, db.StatusUpdate{
		ID:           n.ID,
		Status:       db.StatusFailed,
		ErrorMessage: ReasonInterrupted,
	})
	if errors.Is(err, db.ErrInvalidTransition) {
		// Finished between the list and the update.
		return false
	}
	if err != nil {
		w.logger.Error("failed to reap notification",
			zap.String("id", n.ID.String()),
			zap.Error(err),
		)
		return false
	}
	if !changed {
		// Another writer failed it between the list and the update.
		return false
	}

	msg := ReasonInterrupted
	if err := w.repo.AppendLog(ctx, &db.NotificationLog{
		NotificationID: n.ID,
		Status:         db.StatusFailed,
		ErrorMessage:   &msg,
	}); err != nil {
		w.logger.Warn("failed to append notification log", zap.String("id", n.ID.String()), zap.Error(err))
	}

	w.publisher.PublishStatus(ctx, updated.ID.String(), db.StatusFailed, ReasonInterrupted, "")
	return true
}
