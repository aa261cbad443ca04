package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/relaycrm/syncengine/internal/models"
	"github.com/relaycrm/syncengine/internal/services"
)

// submitEventRequest is the enqueue request body. The payload travels
// as raw JSON tagged by type, mirroring the persisted envelope.
type submitEventRequest struct {
	Type      models.EventType `json:"type"`
	Payload   json.RawMessage  `json:"payload"`
	Priority  string           `json:"priority"`
	Encrypted bool             `json:"encrypted"`
}

// SyncHandler accepts local mutations over HTTP and hands them to the
// engine's queue
type SyncHandler struct {
	engine *services.Engine
}

// NewSyncHandler creates a new SyncHandler
func NewSyncHandler(engine *services.Engine) *SyncHandler {
	return &SyncHandler{engine: engine}
}

// SubmitEvent validates and enqueues one sync event. Unknown event
// types are rejected here, before anything touches the queue.
func (h *SyncHandler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req submitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	payload, err := models.DecodePayload(req.Type, req.Payload)
	if err != nil {
		if errors.Is(err, models.ErrUnknownEventType) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	priority := models.PriorityNormal
	if req.Priority != "" {
		priority, err = models.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	var event *models.SyncEvent
	if priority == models.PriorityCritical {
		event, err = h.engine.EnqueueCritical(r.Context(), payload, req.Encrypted)
	} else {
		event, err = h.engine.Enqueue(r.Context(), payload, priority, req.Encrypted)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(event)
}
