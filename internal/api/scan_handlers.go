package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"telemetry-monitor/internal/database"
	"telemetry-monitor/internal/models"
	"telemetry-monitor/internal/monitor"
	"telemetry-monitor/internal/scheduler"
)

// ScanController starts scans and reports the scheduler state
type ScanController interface {
	Trigger(ctx context.Context, opts monitor.ScanOptions) error
	Status() scheduler.Status
}

// RunStore reads persisted scan runs
type RunStore interface {
	GetScanRun(id string) (*models.ScanRunDetails, error)
	GetRecentScanRuns(limit int, kind models.ScanKind) ([]*models.ScanRun, error)
}

// ScanHandler handles scan-related API endpoints
type ScanHandler struct {
	scans ScanController
	runs  RunStore
}

// NewScanHandler creates a new scan handler
func NewScanHandler(scans ScanController, runs RunStore) *ScanHandler {
	return &ScanHandler{
		scans: scans,
		runs:  runs,
	}
}

// RegisterRoutes registers the scan routes
func (h *ScanHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/monitor/status", h.getStatus).Methods("GET")
	r.HandleFunc("/api/monitor/scans", h.startScan).Methods("POST")
	r.HandleFunc("/api/monitor/runs", h.getRuns).Methods("GET")
	r.HandleFunc("/api/monitor/runs/{id}", h.getRun).Methods("GET")
}

// getStatus returns the scheduler state and the last run of each scan kind
func (h *ScanHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getMonitorStatus").Logger()
	writeJSON(w, logger, http.StatusOK, h.scans.Status())
}

// startScan triggers a scan in the background
func (h *ScanHandler) startScan(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "startScan").Logger()

	var opts monitor.ScanOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		logger.Error().Err(err).Msg("Failed to parse scan options")
		http.Error(w, "Invalid scan options", http.StatusBadRequest)
		return
	}

	if opts.Kind == "" {
		opts.Kind = models.ScanKindSignal
	}
	if !opts.Kind.Valid() {
		logger.Warn().Str("kind", string(opts.Kind)).Msg("Invalid scan kind")
		http.Error(w, "Invalid scan kind: must be signal or offline", http.StatusBadRequest)
		return
	}
	if opts.Threshold != nil {
		if math.IsNaN(*opts.Threshold) || math.IsInf(*opts.Threshold, 0) {
			http.Error(w, "Invalid threshold: must be a finite number", http.StatusBadRequest)
			return
		}
		if opts.Kind == models.ScanKindSignal && *opts.Threshold >= 0 {
			http.Error(w, "Invalid threshold: signal threshold must be negative", http.StatusBadRequest)
			return
		}
		if opts.Kind == models.ScanKindOffline && *opts.Threshold <= 0 {
			http.Error(w, "Invalid threshold: offline hours must be positive", http.StatusBadRequest)
			return
		}
	}

	if err := h.scans.Trigger(r.Context(), opts); err != nil {
		if errors.Is(err, scheduler.ErrScanInProgress) {
			logger.Warn().Str("kind", string(opts.Kind)).Msg("Scan already in progress")
			http.Error(w, "A scan is already in progress", http.StatusConflict)
			return
		}
		if errors.Is(err, scheduler.ErrStopped) {
			http.Error(w, "Scheduler is shutting down", http.StatusServiceUnavailable)
			return
		}
		logger.Error().Err(err).Msg("Failed to start scan")
		http.Error(w, "Failed to start scan", http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"message":   "Scan started",
		"kind":      opts.Kind,
		"timestamp": time.Now(),
	}
	if opts.Threshold != nil {
		response["threshold"] = *opts.Threshold
	}

	writeJSON(w, logger, http.StatusAccepted, response)
}

// getRuns returns the most recent scan runs, optionally of one kind
func (h *ScanHandler) getRuns(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getRuns").Logger()

	kind := models.ScanKind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.Valid() {
		http.Error(w, "Invalid scan kind", http.StatusBadRequest)
		return
	}

	runs, err := h.runs.GetRecentScanRuns(parseLimit(r), kind)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to retrieve scan runs")
		http.Error(w, "Failed to retrieve scan runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []*models.ScanRun{}
	}

	writeJSON(w, logger, http.StatusOK, runs)
}

// getRun returns one scan run with its findings
func (h *ScanHandler) getRun(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getRun").Logger()

	id := mux.Vars(r)["id"]
	run, err := h.runs.GetScanRun(id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			http.Error(w, "Scan run not found", http.StatusNotFound)
			return
		}
		logger.Error().Err(err).Str("id", id).Msg("Failed to retrieve scan run")
		http.Error(w, "Failed to retrieve scan run", http.StatusInternalServerError)
		return
	}

	writeJSON(w, logger, http.StatusOK, run)
}
