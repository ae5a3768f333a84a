package database

import (
	"fmt"
	"time"

	"telemetry-monitor/internal/models"
)

// AddNotification records a dispatched alert
func (db *DB) AddNotification(level models.Priority, message string) (int64, error) {
	db.Lock()
	defer db.Unlock()

	result, err := db.Exec(
		"INSERT INTO notifications (level, message, read, timestamp) VALUES (?, ?, ?, ?)",
		string(level), message, false, time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to add notification: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get inserted notification ID: %w", err)
	}
	return id, nil
}

// GetNotifications returns the newest notifications first
func (db *DB) GetNotifications(limit int, unreadOnly bool) ([]*models.Notification, error) {
	query := "SELECT id, level, message, read, timestamp FROM notifications"
	if unreadOnly {
		query += " WHERE read = FALSE"
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"

	rows, err := db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	notifications := []*models.Notification{}
	for rows.Next() {
		var n models.Notification
		var level string
		if err := rows.Scan(&n.ID, &level, &n.Message, &n.Read, &n.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan notification row: %w", err)
		}
		n.Level = models.Priority(level)
		notifications = append(notifications, &n)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notification rows: %w", err)
	}
	return notifications, nil
}

// MarkNotificationRead flags a notification as read
func (db *DB) MarkNotificationRead(id int64) error {
	db.Lock()
	defer db.Unlock()

	result, err := db.Exec("UPDATE notifications SET read = TRUE WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to mark notification #%d as read: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("notification #%d: %w", id, ErrNotFound)
	}
	return nil
}
