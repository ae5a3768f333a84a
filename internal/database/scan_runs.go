package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"telemetry-monitor/internal/models"
)

// SaveScanRun stores a finished scan and its findings in one transaction
func (db *DB) SaveScanRun(result *models.ScanResult) error {
	if result == nil || result.ID == "" {
		return fmt.Errorf("scan result has no id")
	}

	db.Lock()
	defer db.Unlock()

	return db.ExecuteWithRetry(3, 100*time.Millisecond, func() error {
		return db.saveScanRun(result)
	})
}

func (db *DB) saveScanRun(result *models.ScanResult) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.Exec(
		`INSERT OR REPLACE INTO scan_runs
		 (id, kind, threshold, success, scanned, evaluated, failed, findings_count, notified, message, error_message, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, string(result.Kind), result.Threshold, result.Success,
		result.Scanned, result.Evaluated, result.Failed, len(result.Findings),
		result.Notified, result.Message, nullString(result.Error),
		result.StartedAt, result.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save scan run %s: %w", result.ID, err)
	}

	if _, err = tx.Exec("DELETE FROM findings WHERE scan_id = ?", result.ID); err != nil {
		return fmt.Errorf("failed to clear findings of scan run %s: %w", result.ID, err)
	}

	if len(result.Findings) > 0 {
		stmt, err := tx.Prepare(
			`INSERT INTO findings
			 (scan_id, position, device_id, short_id, serial_number, identity, identity_source, signal, classification, last_inform, offline_hours)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		)
		if err != nil {
			return fmt.Errorf("failed to prepare finding insert: %w", err)
		}
		defer stmt.Close()

		for _, f := range result.Findings {
			var lastInform sql.NullTime
			if f.LastInform != nil {
				lastInform = sql.NullTime{Time: *f.LastInform, Valid: true}
			}
			_, err := stmt.Exec(
				result.ID, f.Position, f.DeviceID, f.ShortID, f.SerialNumber,
				f.Identity, string(f.IdentitySource), nullFloat(f.Signal),
				string(f.Classification), lastInform, nullFloat(f.OfflineHours),
			)
			if err != nil {
				return fmt.Errorf("failed to save finding for device %s: %w", f.DeviceID, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	db.logger.Debug().
		Str("scanID", result.ID).
		Int("findings", len(result.Findings)).
		Msg("Scan run saved")

	return nil
}

const scanRunColumns = `id, kind, threshold, success, scanned, evaluated, failed, findings_count, notified, message, error_message, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*models.ScanRun, error) {
	var run models.ScanRun
	var kind string
	var message, errorMsg sql.NullString

	err := row.Scan(
		&run.ID,
		&kind,
		&run.Threshold,
		&run.Success,
		&run.Scanned,
		&run.Evaluated,
		&run.Failed,
		&run.FindingsCount,
		&run.Notified,
		&message,
		&errorMsg,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Kind = models.ScanKind(kind)
	run.Message = message.String
	run.ErrorMessage = errorMsg.String
	return &run, nil
}

// GetScanRun retrieves a scan run and its findings
func (db *DB) GetScanRun(id string) (*models.ScanRunDetails, error) {
	run, err := scanRun(db.QueryRow("SELECT "+scanRunColumns+" FROM scan_runs WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("scan run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get scan run: %w", err)
	}

	findings, err := db.getFindings(id)
	if err != nil {
		return nil, err
	}

	return &models.ScanRunDetails{ScanRun: *run, Findings: findings}, nil
}

func (db *DB) getFindings(scanID string) ([]models.Finding, error) {
	rows, err := db.Query(
		`SELECT position, device_id, short_id, serial_number, identity, identity_source, signal, classification, last_inform, offline_hours
		 FROM findings
		 WHERE scan_id = ?
		 ORDER BY position`, scanID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	findings := []models.Finding{}
	for rows.Next() {
		var f models.Finding
		var serial sql.NullString
		var source, classification string
		var signal, offlineHours sql.NullFloat64
		var lastInform sql.NullTime

		err := rows.Scan(
			&f.Position,
			&f.DeviceID,
			&f.ShortID,
			&serial,
			&f.Identity,
			&source,
			&signal,
			&classification,
			&lastInform,
			&offlineHours,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan finding row: %w", err)
		}

		f.SerialNumber = serial.String
		f.IdentitySource = models.IdentitySource(source)
		f.Classification = models.Classification(classification)
		if signal.Valid {
			v := signal.Float64
			f.Signal = &v
		}
		if offlineHours.Valid {
			v := offlineHours.Float64
			f.OfflineHours = &v
		}
		if lastInform.Valid {
			ts := lastInform.Time
			f.LastInform = &ts
		}
		findings = append(findings, f)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating finding rows: %w", err)
	}
	return findings, nil
}

// GetRecentScanRuns returns the newest scan runs, optionally of one kind
func (db *DB) GetRecentScanRuns(limit int, kind models.ScanKind) ([]*models.ScanRun, error) {
	query := "SELECT " + scanRunColumns + " FROM scan_runs"
	var args []interface{}
	var conditions []string

	if kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(kind))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent scan runs: %w", err)
	}
	defer rows.Close()

	runs := []*models.ScanRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		runs = append(runs, run)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scan run rows: %w", err)
	}
	return runs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
