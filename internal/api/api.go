// Package api provides HTTP handlers for the telemetry monitor REST API.
// It covers system status, scan control and history, single-device
// diagnostics, the inventory cache, runtime settings and stored notifications.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultLimit = 20
	maxLimit     = 500
)

// writeJSON encodes v as the response body
func writeJSON(w http.ResponseWriter, logger zerolog.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("Failed to encode response")
	}
}

// parseLimit reads the limit query parameter, clamped to maxLimit
func parseLimit(r *http.Request) int {
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

// BasicAuth protects every route except the health check with HTTP basic
// auth against a bcrypt password hash
func BasicAuth(username, passwordHash string) mux.MiddlewareFunc {
	logger := log.With().Str("component", "auth").Logger()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/status/health" || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			user, pass, ok := r.BasicAuth()
			if ok && subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1 &&
				bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(pass)) == nil {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("Unauthorized request")
			w.Header().Set("WWW-Authenticate", `Basic realm="telemetry-monitor"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		})
	}
}
