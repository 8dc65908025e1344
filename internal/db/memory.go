package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process store with the same semantics as
// Repository. It backs local runs with STORE=memory and the tests.
type MemoryRepository struct {
	mu            sync.RWMutex
	notifications map[uuid.UUID]*Notification
	logs          map[uuid.UUID][]*NotificationLog
	now           func() time.Time

	// FailCreate, when set, is returned by CreateNotification.
	FailCreate error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		notifications: make(map[uuid.UUID]*Notification),
		logs:          make(map[uuid.UUID][]*NotificationLog),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryRepository) CreateNotification(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCreate != nil {
		return m.FailCreate
	}
	if _, exists := m.notifications[n.ID]; exists {
		return fmt.Errorf("insert notification: duplicate id %s", n.ID)
	}

	now := m.now()
	n.CreatedAt, n.UpdatedAt = now, now
	if len(n.Data) == 0 {
		n.Data = json.RawMessage("{}")
	}
	cp := *n
	m.notifications[n.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.notifications[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}
	cp := *n
	return &cp, nil
}

func (m *MemoryRepository) UpdateStatus(ctx context.Context, u StatusUpdate) (*Notification, error) {
	n, _, err := m.Transition(ctx, u)
	return n, err
}

func (m *MemoryRepository) Transition(ctx context.Context, u StatusUpdate) (*Notification, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notifications[u.ID]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrNotificationNotFound, u.ID)
	}

	changed, err := CheckTransition(n.Status, u.Status)
	if err != nil {
		if errors.Is(err, ErrInvalidStatus) {
			return nil, false, err
		}
		cp := *n
		return &cp, false, fmt.Errorf("%w: %s -> %s", err, n.Status, u.Status)
	}
	if !changed {
		cp := *n
		return &cp, false, nil
	}

	now := m.now()
	n.Status = u.Status
	n.UpdatedAt = now
	if u.RetryCount != nil {
		n.RetryCount = *u.RetryCount
	}
	switch u.Status {
	case StatusDelivered:
		n.DeliveredAt = &now
	case StatusFailed:
		n.FailedAt = &now
		if u.ErrorMessage != "" {
			msg := u.ErrorMessage
			n.ErrorMessage = &msg
		}
	}

	cp := *n
	return &cp, true, nil
}

func (m *MemoryRepository) AppendLog(ctx context.Context, l *NotificationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = m.now()
	}
	cp := *l
	m.logs[l.NotificationID] = append(m.logs[l.NotificationID], &cp)
	return nil
}

func (m *MemoryRepository) ListLogs(ctx context.Context, notificationID uuid.UUID) ([]*NotificationLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.logs[notificationID]
	out := make([]*NotificationLog, len(src))
	for i, l := range src {
		cp := *l
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryRepository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Notification
	for _, n := range m.notifications {
		if n.Status == StatusPending && n.UpdatedAt.Before(before) {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) Health(ctx context.Context) error {
	return nil
}

// Count returns the number of stored notifications.
func (m *MemoryRepository) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.notifications)
}

// All returns a snapshot of every stored notification.
func (m *MemoryRepository) All() []*Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Notification, 0, len(m.notifications))
	for _, n := range m.notifications {
		cp := *n
		out = append(out, &cp)
	}
	return out
}

// SetClock replaces the timestamp source.
func (m *MemoryRepository) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}
