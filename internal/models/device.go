package models

import (
	"strings"
	"time"
)

// Device is one registered endpoint of a user's sync mesh. The ID is
// the same origin_device string stamped onto every event the device
// publishes.
type Device struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Name         string    `json:"name"`
	Platform     string    `json:"platform"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
	IsActive     bool      `json:"isActive"`
}

// RegisterDeviceRequest is the request body for registering a device
type RegisterDeviceRequest struct {
	DeviceID string `json:"deviceId"`
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
}

var knownPlatforms = map[string]bool{
	"ios":     true,
	"android": true,
	"web":     true,
	"desktop": true,
}

// NewDevice creates a new device registration
func NewDevice(id, userID, name, platform string) (*Device, error) {
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)
	platform = strings.TrimSpace(strings.ToLower(platform))

	if id == "" {
		return nil, ErrEmptyDeviceID
	}
	if userID == "" {
		return nil, ErrDeviceUserRequired
	}
	if name == "" {
		return nil, ErrEmptyDeviceName
	}
	if !knownPlatforms[platform] {
		return nil, ErrInvalidPlatform
	}

	now := time.Now().UTC()
	return &Device{
		ID:           id,
		UserID:       userID,
		Name:         name,
		Platform:     platform,
		RegisteredAt: now,
		LastSeenAt:   now,
		IsActive:     true,
	}, nil
}

// Device errors
var (
	ErrEmptyDeviceID      = DeviceError{"device id cannot be empty"}
	ErrDeviceUserRequired = DeviceError{"device user id cannot be empty"}
	ErrEmptyDeviceName    = DeviceError{"device name cannot be empty"}
	ErrInvalidPlatform    = DeviceError{"platform must be ios, android, web or desktop"}
	ErrDeviceNotFound     = DeviceError{"device not found"}
)

type DeviceError struct {
	Message string
}

func (e DeviceError) Error() string {
	return e.Message
}
