package host

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	// healthCheckTimeout bounds each component probe on GET /healthz.
	healthCheckTimeout = 5 * time.Second

	// maxSessionsLimit caps the limit query parameter on GET /sessions.
	maxSessionsLimit = 200
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)

	r.Get("/ws", s.handleWS)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/sessions", s.handleSessions)

	return r
}

// healthResponse is the GET /healthz payload.
type healthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Session    sessionStatus     `json:"session"`
	Components map[string]string `json:"components,omitempty"`
}

// sessionStatus summarises the relay's current session, if any.
type sessionStatus struct {
	State        string   `json:"state"`
	ID           string   `json:"id,omitempty"`
	Paircode     string   `json:"paircode,omitempty"`
	DeviceName   string   `json:"device_name,omitempty"`
	StartedAt    string   `json:"started_at,omitempty"`
	ActiveEvents []string `json:"active_events,omitempty"`
	Clients      int      `json:"clients"`
}

// handleHealthz reports daemon health: relay session state plus each
// registered infrastructure probe. Components failing their probe degrade
// the response to 503; an idle relay is healthy, not degraded.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: s.version,
		Session: s.sessionStatus(),
	}

	if len(s.checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		resp.Components = make(map[string]string, len(s.checks))
		for name, check := range s.checks {
			if err := check.HealthCheck(ctx); err != nil {
				resp.Components[name] = err.Error()
				resp.Status = "degraded"
			} else {
				resp.Components[name] = "ok"
			}
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// sessionStatus snapshots the relay state for the health payload.
func (s *Server) sessionStatus() sessionStatus {
	status := sessionStatus{
		State:   string(s.manager.State()),
		Clients: s.hub.ClientCount(),
	}
	if session, ok := s.manager.Session(); ok {
		status.ID = session.ID
		status.Paircode = session.Paircode
		status.DeviceName = session.DeviceName
		status.StartedAt = session.StartedAt.UTC().Format(time.RFC3339)
		status.ActiveEvents = s.gateway.ActiveEvents()
	}
	return status
}

// handleSessions returns recent pairing sessions from the history store,
// newest first.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history_unavailable", "session history is not configured")
		return
	}

	limit, err := parseSessionsLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	records, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to load session history", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load session history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": records,
		"count":    len(records),
	})
}

// parseSessionsLimit parses the limit query parameter with bounds enforcement.
// An empty parameter defers to the repository default.
func parseSessionsLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if limit > maxSessionsLimit {
		limit = maxSessionsLimit
	}
	return limit, nil
}

// httpError is the structured error envelope for the HTTP endpoints.
// The WebSocket control channel has its own error frames; this envelope
// covers only /healthz and /sessions.
type httpError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, httpError{
		Status:  status,
		Code:    code,
		Message: message,
	})
}
