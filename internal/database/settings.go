package database

import (
	"database/sql"
	"errors"
	"fmt"

	"telemetry-monitor/internal/models"
)

// GetSetting returns the value stored under key
func (db *DB) GetSetting(key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM configuration WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("setting %q: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("failed to get setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting creates or updates a setting. An empty description keeps the
// existing one.
func (db *DB) SetSetting(key, value, description string) error {
	if key == "" {
		return fmt.Errorf("setting key cannot be empty")
	}

	db.Lock()
	defer db.Unlock()

	_, err := db.Exec(
		`INSERT INTO configuration (key, value, description) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			description = COALESCE(excluded.description, configuration.description)`,
		key, value, nullString(description),
	)
	if err != nil {
		return fmt.Errorf("failed to save setting %q: %w", key, err)
	}

	db.logger.Info().Str("key", key).Str("value", value).Msg("Setting updated")
	return nil
}

// ListSettings returns every stored setting ordered by key
func (db *DB) ListSettings() ([]models.Setting, error) {
	rows, err := db.Query("SELECT key, value, description FROM configuration ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	settings := []models.Setting{}
	for rows.Next() {
		var s models.Setting
		var description sql.NullString
		if err := rows.Scan(&s.Key, &s.Value, &description); err != nil {
			return nil, fmt.Errorf("failed to scan setting row: %w", err)
		}
		s.Description = description.String
		settings = append(settings, s)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating setting rows: %w", err)
	}
	return settings, nil
}
