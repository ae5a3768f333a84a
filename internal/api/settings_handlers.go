package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"telemetry-monitor/internal/database"
	"telemetry-monitor/internal/models"
	"telemetry-monitor/internal/settings"
)

// SettingsService reads and updates the runtime thresholds
type SettingsService interface {
	Effective() []models.Setting
	Set(key, value string) error
}

// NotificationStore reads stored alerts
type NotificationStore interface {
	GetNotifications(limit int, unreadOnly bool) ([]*models.Notification, error)
	MarkNotificationRead(id int64) error
}

// SettingsHandler handles runtime settings and stored notifications
type SettingsHandler struct {
	settings      SettingsService
	notifications NotificationStore
}

// NewSettingsHandler creates a new settings handler
func NewSettingsHandler(svc SettingsService, notifications NotificationStore) *SettingsHandler {
	return &SettingsHandler{
		settings:      svc,
		notifications: notifications,
	}
}

// RegisterRoutes registers the settings and notification routes
func (h *SettingsHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/settings", h.getSettings).Methods("GET")
	r.HandleFunc("/api/settings/{key}", h.updateSetting).Methods("PUT")
	r.HandleFunc("/api/notifications", h.getNotifications).Methods("GET")
	r.HandleFunc("/api/notifications/{id}/read", h.markRead).Methods("POST")
}

func (h *SettingsHandler) getSettings(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getSettings").Logger()
	writeJSON(w, logger, http.StatusOK, h.settings.Effective())
}

// updateSetting stores a new value, given as {"value": "..."}
func (h *SettingsHandler) updateSetting(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "updateSetting").Logger()

	key := mux.Vars(r)["key"]

	var body struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Value) == 0 {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// Accept both "value": -25 and "value": "-25".
	value := string(body.Value)
	var s string
	if err := json.Unmarshal(body.Value, &s); err == nil {
		value = s
	}

	if err := h.settings.Set(key, value); err != nil {
		switch {
		case errors.Is(err, settings.ErrUnknownSetting):
			http.Error(w, "Unknown setting", http.StatusNotFound)
		case errors.Is(err, settings.ErrInvalidValue):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			logger.Error().Err(err).Str("key", key).Msg("Failed to update setting")
			http.Error(w, "Failed to update setting", http.StatusInternalServerError)
		}
		return
	}

	logger.Info().Str("key", key).Str("value", value).Msg("Setting updated")
	writeJSON(w, logger, http.StatusOK, h.settings.Effective())
}

func (h *SettingsHandler) getNotifications(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getNotifications").Logger()

	unread := r.URL.Query().Get("unread") == "true"
	notes, err := h.notifications.GetNotifications(parseLimit(r), unread)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to retrieve notifications")
		http.Error(w, "Failed to retrieve notifications", http.StatusInternalServerError)
		return
	}
	if notes == nil {
		notes = []*models.Notification{}
	}

	writeJSON(w, logger, http.StatusOK, notes)
}

func (h *SettingsHandler) markRead(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "markNotificationRead").Logger()

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid notification ID", http.StatusBadRequest)
		return
	}

	if err := h.notifications.MarkNotificationRead(id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			http.Error(w, "Notification not found", http.StatusNotFound)
			return
		}
		logger.Error().Err(err).Int64("id", id).Msg("Failed to mark notification read")
		http.Error(w, "Failed to update notification", http.StatusInternalServerError)
		return
	}

	writeJSON(w, logger, http.StatusOK, map[string]interface{}{"id": id, "read": true})
}
