package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relaycrm/syncengine/internal/models"
	"github.com/relaycrm/syncengine/internal/services"
)

// ConflictHandler exposes the conflict queue and resolution endpoints
type ConflictHandler struct {
	engine *services.Engine
}

// NewConflictHandler creates a new ConflictHandler
func NewConflictHandler(engine *services.Engine) *ConflictHandler {
	return &ConflictHandler{engine: engine}
}

// ListConflicts returns a user's pending conflicts, oldest first
func (h *ConflictHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	conflicts := h.engine.PendingConflicts(userID)
	if conflicts == nil {
		conflicts = []*models.ConflictRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(conflicts)
}

// GetHistory returns a user's recent resolution outcomes
func (h *ConflictHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	history := h.engine.ResolutionHistory(userID)
	if history == nil {
		history = []models.ResolutionResult{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(history)
}

// ResolveConflict settles one pending conflict with an explicit choice
func (h *ConflictHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	conflictID := chi.URLParam(r, "id")

	var req models.ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	result, err := h.engine.ResolveManually(r.Context(), conflictID, req.UserID, req.Choice, req.CustomData)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorResponse{Error: msg})
}
