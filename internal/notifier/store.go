package notifier

import (
	"context"

	"telemetry-monitor/internal/models"
)

// NotificationStore persists alerts
type NotificationStore interface {
	AddNotification(level models.Priority, message string) (int64, error)
}

// StoreSink records every report in the notifications table
type StoreSink struct {
	store NotificationStore
}

// NewStoreSink creates a sink writing to store
func NewStoreSink(store NotificationStore) *StoreSink {
	return &StoreSink{store: store}
}

// Send stores the message
func (s *StoreSink) Send(ctx context.Context, message string, priority models.Priority) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.store.AddNotification(priority, message)
	return err
}
