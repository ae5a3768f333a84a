package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"telemetry-monitor/internal/genieacs"
	"telemetry-monitor/internal/models"
	"telemetry-monitor/internal/monitor"
	"telemetry-monitor/internal/paramtree"
)

// Inspector resolves the telemetry of a single device
type Inspector interface {
	Inspect(ctx context.Context, deviceID string) (*models.DeviceTelemetry, error)
}

// DeviceFinder looks a device up by its PPPoE username
type DeviceFinder interface {
	FindByUsername(ctx context.Context, username string) (json.RawMessage, error)
}

// InventoryCache is the inventory cache control surface
type InventoryCache interface {
	Stats() genieacs.CacheStats
	Invalidate(id string)
	Flush()
}

// DeviceHandler handles device diagnostics and the inventory cache
type DeviceHandler struct {
	inspector Inspector
	finder    DeviceFinder
	cache     InventoryCache
}

// NewDeviceHandler creates a new device handler. finder and cache may be nil.
func NewDeviceHandler(inspector Inspector, finder DeviceFinder, cache InventoryCache) *DeviceHandler {
	return &DeviceHandler{
		inspector: inspector,
		finder:    finder,
		cache:     cache,
	}
}

// RegisterRoutes registers the device routes
func (h *DeviceHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/devices/lookup", h.lookupDevice).Methods("GET")
	r.HandleFunc("/api/devices/{id}/telemetry", h.getTelemetry).Methods("GET")
	r.HandleFunc("/api/cache", h.getCache).Methods("GET")
	r.HandleFunc("/api/cache", h.clearCache).Methods("DELETE")
}

// getTelemetry returns the resolved signal, serial and identity of one device
func (h *DeviceHandler) getTelemetry(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getTelemetry").Logger()

	id := mux.Vars(r)["id"]
	t, err := h.inspector.Inspect(r.Context(), id)
	if err != nil {
		h.inspectError(w, r, id, err)
		return
	}

	writeJSON(w, logger, http.StatusOK, t)
}

// lookupDevice resolves the telemetry of the device reporting a username
func (h *DeviceHandler) lookupDevice(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "lookupDevice").Logger()

	if h.finder == nil {
		http.Error(w, "Username lookup is not available", http.StatusNotImplemented)
		return
	}

	username := r.URL.Query().Get("username")
	if username == "" {
		http.Error(w, "Missing username", http.StatusBadRequest)
		return
	}

	raw, err := h.finder.FindByUsername(r.Context(), username)
	if err != nil {
		h.inspectError(w, r, username, err)
		return
	}

	tree, err := paramtree.New(raw)
	if err != nil || tree.ID() == "" {
		logger.Error().Err(err).Str("username", username).Msg("ACS returned an unusable device document")
		http.Error(w, "Invalid device document", http.StatusBadGateway)
		return
	}

	t, err := h.inspector.Inspect(r.Context(), tree.ID())
	if err != nil {
		h.inspectError(w, r, tree.ID(), err)
		return
	}

	writeJSON(w, logger, http.StatusOK, t)
}

func (h *DeviceHandler) inspectError(w http.ResponseWriter, r *http.Request, id string, err error) {
	logger := log.With().Str("path", r.URL.Path).Str("device", id).Logger()

	switch {
	case errors.Is(err, monitor.ErrDeviceNotFound), errors.Is(err, genieacs.ErrDeviceNotFound):
		http.Error(w, "Device not found", http.StatusNotFound)
	case errors.Is(err, monitor.ErrDeviceProcessing):
		logger.Warn().Err(err).Msg("Device document could not be processed")
		http.Error(w, "Device could not be processed", http.StatusUnprocessableEntity)
	default:
		logger.Error().Err(err).Msg("Device inventory unavailable")
		http.Error(w, "Device inventory unavailable", http.StatusBadGateway)
	}
}

// getCache returns the inventory cache statistics
func (h *DeviceHandler) getCache(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getCache").Logger()

	if h.cache == nil {
		http.Error(w, "Inventory cache is disabled", http.StatusNotFound)
		return
	}
	writeJSON(w, logger, http.StatusOK, h.cache.Stats())
}

// clearCache drops one cached device, or everything when no device is given
func (h *DeviceHandler) clearCache(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "clearCache").Logger()

	if h.cache == nil {
		http.Error(w, "Inventory cache is disabled", http.StatusNotFound)
		return
	}

	if device := r.URL.Query().Get("device"); device != "" {
		h.cache.Invalidate(device)
		logger.Info().Str("device", device).Msg("Cached device invalidated")
	} else {
		h.cache.Flush()
		logger.Info().Msg("Inventory cache flushed")
	}

	writeJSON(w, logger, http.StatusOK, h.cache.Stats())
}
