package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tokenforge/token-registry/internal/store"
)

// errorResponse is the wire shape of every error the ops API returns.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeOpError maps registry errors to HTTP status codes.
func writeOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, "storage temporarily unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleLiveness handles GET /healthz.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadiness handles GET /readyz. Ready means the backend answers a
// health probe and the scripts are loaded.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.store.IsHealthy(r.Context()) {
		writeError(w, http.StatusServiceUnavailable, "storage not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleStats handles GET /stats/{subject}. The fresh=true query
// parameter bypasses the cache.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")

	var result *store.UserStats
	var err error
	if r.URL.Query().Get("fresh") == "true" {
		result, err = s.registry.Stats().ForcedStats(r.Context(), subject)
	} else {
		result, err = s.registry.Stats().UserStats(r.Context(), subject)
	}
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// aggregateRequest is the body of POST /stats/aggregate.
type aggregateRequest struct {
	Subjects []string `json:"subjects"`
}

// handleAggregateStats handles POST /stats/aggregate.
func (s *Server) handleAggregateStats(w http.ResponseWriter, r *http.Request) {
	var req aggregateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Subjects) == 0 {
		writeError(w, http.StatusBadRequest, "subjects must not be empty")
		return
	}

	writeJSON(w, http.StatusOK, s.registry.Stats().Aggregate(r.Context(), req.Subjects))
}

// revokeResponse reports how many index entries a revocation removed.
type revokeResponse struct {
	Subject string `json:"subject"`
	Device  string `json:"device,omitempty"`
	Revoked int64  `json:"revoked"`
}

// handleRevokeAll handles DELETE /subjects/{subject}/tokens.
func (s *Server) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")

	count, err := s.registry.RevokeAllUserTokens(r.Context(), subject)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, revokeResponse{Subject: subject, Revoked: count})
}

// handleRevokeDevice handles DELETE /subjects/{subject}/devices/{device}/tokens.
func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	device := chi.URLParam(r, "device")

	count, err := s.registry.RevokeDeviceTokens(r.Context(), subject, device)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, revokeResponse{Subject: subject, Device: device, Revoked: count})
}

// cleanupResponse reports the outcome of a manual sweep.
type cleanupResponse struct {
	Removed    int64     `json:"removed"`
	FinishedAt time.Time `json:"finishedAt"`
}

// handleCleanup handles POST /cleanup. Runs a full sweep synchronously.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.cleaner.RunOnce(r.Context())
	if err != nil {
		writeOpError(w, err)
		return
	}
	at, _ := s.cleaner.LastRun()
	writeJSON(w, http.StatusOK, cleanupResponse{Removed: removed, FinishedAt: at})
}
