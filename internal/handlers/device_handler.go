package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relaycrm/syncengine/internal/models"
	"github.com/relaycrm/syncengine/internal/repository"
)

// DeviceHandler exposes the device roster endpoints
type DeviceHandler struct {
	registry repository.DeviceRegistry
}

// NewDeviceHandler creates a new DeviceHandler
func NewDeviceHandler(registry repository.DeviceRegistry) *DeviceHandler {
	return &DeviceHandler{registry: registry}
}

// ListDevices returns every registered device for a user
func (h *DeviceHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	devices, err := h.registry.ListForUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	if devices == nil {
		devices = []*models.Device{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(devices)
}

// RegisterDevice adds a device to the roster, or refreshes an existing
// registration
func (h *DeviceHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	device, err := models.NewDevice(req.DeviceID, req.UserID, req.Name, req.Platform)
	if err != nil {
		var devErr models.DeviceError
		if errors.As(err, &devErr) {
			writeError(w, http.StatusBadRequest, devErr.Message)
		} else {
			writeError(w, http.StatusBadRequest, "invalid device registration")
		}
		return
	}

	if err := h.registry.Upsert(r.Context(), device); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to register device")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(device)
}

// DeactivateDevice retires a device from the roster. Its past events
// stay in the log; it just stops being a live endpoint.
func (h *DeviceHandler) DeactivateDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	found, err := h.registry.Deactivate(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to deactivate device")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, models.ErrDeviceNotFound.Message)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
