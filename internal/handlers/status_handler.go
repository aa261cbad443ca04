package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/relaycrm/syncengine/internal/models"
	"github.com/relaycrm/syncengine/internal/services"
)

// StatusHandler exposes the engine's status and control endpoints
type StatusHandler struct {
	engine *services.Engine
	audit  *services.AuditService
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(engine *services.Engine, audit *services.AuditService) *StatusHandler {
	return &StatusHandler{engine: engine, audit: audit}
}

// GetStatus reports connection state, queue depth, and pending conflicts
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.engine.Status())
}

// FlushQueue forces an immediate drain attempt
func (h *StatusHandler) FlushQueue(w http.ResponseWriter, r *http.Request) {
	h.engine.FlushNow(r.Context())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.engine.Status())
}

// SetOnline feeds a connectivity signal in from the caller's platform
func (h *StatusHandler) SetOnline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.engine.SetOnline(r.Context(), req.Online)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.engine.Status())
}

// Reconnect clears the backoff cap and retries the connection now
func (h *StatusHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Reconnect(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.engine.Status())
}

// ListAuditEntries returns the newest audit trail entries
func (h *StatusHandler) ListAuditEntries(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	entries, err := h.audit.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}
