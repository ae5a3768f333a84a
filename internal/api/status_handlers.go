package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"telemetry-monitor/internal/config"
)

// StatusStore is the database surface used by the status endpoints
type StatusStore interface {
	Ping() error
	GetDatabaseStats() (map[string]interface{}, error)
}

// StatusHandler handles system status-related API endpoints
type StatusHandler struct {
	db        StatusStore
	cfg       *config.Config
	version   string
	startTime time.Time
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(db StatusStore, cfg *config.Config, version string) *StatusHandler {
	return &StatusHandler{
		db:        db,
		cfg:       cfg,
		version:   version,
		startTime: time.Now(),
	}
}

// RegisterRoutes registers the status routes
func (h *StatusHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/status", h.getSystemStatus).Methods("GET")
	r.HandleFunc("/api/status/health", h.getHealthCheck).Methods("GET")
}

// getSystemStatus returns the overall system status
func (h *StatusHandler) getSystemStatus(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getSystemStatus").Logger()

	status := "healthy"
	dbStats, err := h.db.GetDatabaseStats()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to retrieve database stats")
		status = "degraded"
		dbStats = map[string]interface{}{}
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	response := map[string]interface{}{
		"status":    status,
		"version":   h.version,
		"uptime":    time.Since(h.startTime).String(),
		"startTime": h.startTime,
		"system": map[string]interface{}{
			"goVersion":    runtime.Version(),
			"goArch":       runtime.GOARCH,
			"goOS":         runtime.GOOS,
			"numCPU":       runtime.NumCPU(),
			"numGoroutine": runtime.NumGoroutine(),
		},
		"memory": map[string]interface{}{
			"alloc":       memStats.Alloc / 1024 / 1024,
			"totalAlloc":  memStats.TotalAlloc / 1024 / 1024,
			"sys":         memStats.Sys / 1024 / 1024,
			"numGC":       memStats.NumGC,
			"heapObjects": memStats.HeapObjects,
		},
		"config": map[string]interface{}{
			"serverPort":       h.cfg.Server.Port,
			"acsURL":           h.cfg.GenieACS.URL,
			"signalInterval":   h.cfg.Monitor.SignalInterval,
			"offlineInterval":  h.cfg.Monitor.OfflineInterval,
			"schedulerEnabled": h.cfg.Monitor.EnableScheduler,
			"registryEnabled":  h.cfg.Mikrotik.Enabled,
			"authEnabled":      h.cfg.Auth.Enabled,
			"loggingLevel":     h.cfg.Logging.Level,
		},
		"database": map[string]interface{}{
			"path":                     h.cfg.Database.Path,
			"size":                     dbStats["sizeBytes"],
			"scanRunCount":             dbStats["scanRunCount"],
			"findingCount":             dbStats["findingCount"],
			"notificationCount":        dbStats["notificationCount"],
			"unreadNotificationCount":  dbStats["unreadNotificationCount"],
			"lastScanTime":             dbStats["lastScanTime"],
			"scanRunsByKind":           dbStats["scanRunsByKind"],
			"findingsByClassification": dbStats["findingsByClassification"],
			"retentionDays":            h.cfg.Database.DataRetentionDays,
		},
		"timestamp": time.Now(),
	}

	writeJSON(w, logger, http.StatusOK, response)
}

// getHealthCheck returns a simple health check response
func (h *StatusHandler) getHealthCheck(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getHealthCheck").Logger()

	status := "healthy"
	code := http.StatusOK
	if err := h.db.Ping(); err != nil {
		logger.Error().Err(err).Msg("Database ping failed")
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, logger, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now(),
		"uptime":    time.Since(h.startTime).String(),
	})
}
