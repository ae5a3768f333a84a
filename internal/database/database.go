// Package database provides persistence for the telemetry monitor.
// It handles the SQLite connection, schema, maintenance tasks, and storage of
// scan runs, findings, settings and recorded notifications.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// DB represents the database connection
type DB struct {
	*sql.DB
	Path   string
	logger *zerolog.Logger
	sync.Mutex
}

// New opens (and if needed creates) the database at path
func New(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports only one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	logger := log.With().Str("component", "database").Logger()

	dbInstance := &DB{
		DB:     db,
		Path:   path,
		logger: &logger,
	}

	if err := dbInstance.initializeDB(); err != nil {
		db.Close()
		return nil, err
	}

	return dbInstance, nil
}

func (db *DB) initializeDB() error {
	db.logger.Info().Msg("Initializing database schema")

	schema := `
	CREATE TABLE IF NOT EXISTS scan_runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		threshold REAL NOT NULL,
		success BOOLEAN NOT NULL,
		scanned INTEGER DEFAULT 0,
		evaluated INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		findings_count INTEGER DEFAULT 0,
		notified BOOLEAN DEFAULT FALSE,
		message TEXT,
		error_message TEXT,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS findings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scan_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		device_id TEXT NOT NULL,
		short_id TEXT NOT NULL,
		serial_number TEXT,
		identity TEXT NOT NULL,
		identity_source TEXT NOT NULL,
		signal REAL,
		classification TEXT NOT NULL,
		last_inform TIMESTAMP,
		offline_hours REAL,
		FOREIGN KEY (scan_id) REFERENCES scan_runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS configuration (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		description TEXT
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		read BOOLEAN DEFAULT FALSE,
		timestamp TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_scan_runs_started ON scan_runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_scan_runs_kind ON scan_runs(kind, started_at);
	CREATE INDEX IF NOT EXISTS idx_findings_scan_id ON findings(scan_id, position);
	CREATE INDEX IF NOT EXISTS idx_findings_device_id ON findings(device_id);
	CREATE INDEX IF NOT EXISTS idx_notifications_timestamp ON notifications(timestamp);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return nil
}

// connectionParams are applied by the driver to every new connection, so they
// survive the pool recycling connections
var connectionParams = url.Values{
	"_journal_mode": {"WAL"},
	"_synchronous":  {"NORMAL"},
	"_foreign_keys": {"on"},
	"_busy_timeout": {"10000"},
	// Approx 20MB cache
	"_cache_size": {"-20000"},
}

func dsn(path string) string {
	return path + "?" + connectionParams.Encode()
}

// isBusy reports whether err is a transient lock error worth retrying
func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return strings.Contains(err.Error(), "database is locked")
}

// ExecuteWithRetry runs operation, retrying with exponential backoff while
// SQLite reports the database as busy or locked
func (db *DB) ExecuteWithRetry(maxRetries int, retryDelay time.Duration, operation func() error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}

		db.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("maxRetries", maxRetries).
			Msg("Retrying database operation")

		time.Sleep(retryDelay)
		retryDelay *= 2
	}

	return fmt.Errorf("database operation failed after %d attempts: %w", maxRetries, err)
}

// OptimizeDatabase performs database maintenance operations
func (db *DB) OptimizeDatabase() error {
	db.Lock()
	defer db.Unlock()

	db.logger.Info().Msg("Optimizing database")

	if _, err := db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	if _, err := db.Exec("REINDEX"); err != nil {
		return fmt.Errorf("failed to reindex database: %w", err)
	}
	if _, err := db.Exec("ANALYZE"); err != nil {
		return fmt.Errorf("failed to analyze database: %w", err)
	}

	return nil
}

// BackupDatabase writes a consistent copy of the database into backupDir
// and returns its path. An empty backupDir selects "backups" next to the
// database file.
func (db *DB) BackupDatabase(backupDir string) (string, error) {
	db.Lock()
	defer db.Unlock()

	if backupDir == "" {
		backupDir = filepath.Join(filepath.Dir(db.Path), "backups")
	}
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	base := filepath.Base(db.Path)
	ext := filepath.Ext(base)
	backupPath := filepath.Join(backupDir, fmt.Sprintf("%s_%s%s", strings.TrimSuffix(base, ext), timestamp, ext))

	if _, err := db.Exec("PRAGMA wal_checkpoint(FULL)"); err != nil {
		db.logger.Warn().Err(err).Msg("Failed to checkpoint WAL before backup")
	}

	// VACUUM INTO requires SQLite 3.27.0+
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		if fileErr := copyFile(db.Path, backupPath); fileErr != nil {
			return "", fmt.Errorf("failed to backup database (both VACUUM INTO and file copy failed): %w", fileErr)
		}
		db.logger.Warn().Err(err).Msg("VACUUM INTO failed, used file copy backup instead")
	}

	db.logger.Info().Str("path", backupPath).Msg("Database backup created")
	return backupPath, nil
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer dstFile.Close()

	if _, err := dstFile.ReadFrom(srcFile); err != nil {
		return fmt.Errorf("failed to copy file contents: %w", err)
	}
	return nil
}

// CleanOldData removes scan runs and notifications older than the retention
// period. Findings go with their scan run.
func (db *DB) CleanOldData(retentionDays int) (int, error) {
	db.Lock()
	defer db.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.Exec("DELETE FROM findings WHERE scan_id IN (SELECT id FROM scan_runs WHERE started_at < ?)", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old findings: %w", err)
	}
	findingCount, _ := res.RowsAffected()

	res, err = tx.Exec("DELETE FROM scan_runs WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old scan runs: %w", err)
	}
	runCount, _ := res.RowsAffected()

	res, err = tx.Exec("DELETE FROM notifications WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old notifications: %w", err)
	}
	notificationCount, _ := res.RowsAffected()

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	total := int(findingCount + runCount + notificationCount)

	db.logger.Info().
		Int("scanRuns", int(runCount)).
		Int("findings", int(findingCount)).
		Int("notifications", int(notificationCount)).
		Int("total", total).
		Msg("Cleaned old data")

	return total, nil
}

// GetDatabaseStats returns statistics about the database
func (db *DB) GetDatabaseStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	counts := []struct {
		key   string
		query string
	}{
		{"scanRunCount", "SELECT COUNT(*) FROM scan_runs"},
		{"findingCount", "SELECT COUNT(*) FROM findings"},
		{"notificationCount", "SELECT COUNT(*) FROM notifications"},
		{"unreadNotificationCount", "SELECT COUNT(*) FROM notifications WHERE read = FALSE"},
	}
	for _, c := range counts {
		var n int
		if err := db.QueryRow(c.query).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to get %s: %w", c.key, err)
		}
		stats[c.key] = n
	}

	var lastScan sql.NullTime
	if err := db.QueryRow("SELECT started_at FROM scan_runs ORDER BY started_at DESC LIMIT 1").Scan(&lastScan); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get last scan time: %w", err)
	}
	stats["lastScanTime"] = lastScan.Time

	fileInfo, err := os.Stat(db.Path)
	if err != nil {
		db.logger.Warn().Err(err).Msg("Failed to get database file size")
		stats["sizeBytes"] = int64(0)
	} else {
		stats["sizeBytes"] = fileInfo.Size()
	}

	stats["scanRunsByKind"] = db.distribution("SELECT kind, COUNT(*) FROM scan_runs GROUP BY kind")
	stats["findingsByClassification"] = db.distribution("SELECT classification, COUNT(*) FROM findings GROUP BY classification")

	return stats, nil
}

func (db *DB) distribution(query string) map[string]int {
	dist := make(map[string]int)

	rows, err := db.Query(query)
	if err != nil {
		db.logger.Warn().Err(err).Str("query", query).Msg("Failed to get distribution")
		return dist
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			db.logger.Warn().Err(err).Msg("Failed to scan distribution row")
			continue
		}
		dist[key] = count
	}
	if err := rows.Err(); err != nil {
		db.logger.Warn().Err(err).Msg("Error iterating distribution rows")
	}
	return dist
}
