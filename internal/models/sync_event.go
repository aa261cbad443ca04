package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Priority orders queued events for delivery
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

var ErrInvalidPriority = errors.New("invalid priority")
var ErrEmptyOriginDevice = errors.New("origin device is empty")

// Weight returns the sort weight for a priority; higher drains first.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return -1
	}
}

// ParsePriority validates a priority string from a caller or the wire.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if p.Weight() < 0 {
		return "", ErrInvalidPriority
	}
	return p, nil
}

// SyncEvent is a single queued local mutation destined for the shared
// store. Owned by the queue until delivered or dropped; immutable except
// for RetryCount.
type SyncEvent struct {
	ID           string
	Type         EventType
	Payload      EventPayload
	OriginDevice string
	CreatedAt    time.Time
	Priority     Priority
	Encrypted    bool
	RetryCount   int
}

// NewSyncEvent builds a queued event for a typed payload.
func NewSyncEvent(payload EventPayload, originDevice string, priority Priority, encrypted bool) (*SyncEvent, error) {
	if payload == nil {
		return nil, errors.New("payload is nil")
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	if originDevice == "" {
		return nil, ErrEmptyOriginDevice
	}
	if priority.Weight() < 0 {
		return nil, ErrInvalidPriority
	}

	return &SyncEvent{
		ID:           uuid.New().String(),
		Type:         payload.Kind(),
		Payload:      payload,
		OriginDevice: originDevice,
		CreatedAt:    time.Now().UTC(),
		Priority:     priority,
		Encrypted:    encrypted,
	}, nil
}

// syncEventJSON is the persisted envelope for a queued event. The
// payload travels as raw JSON tagged with its kind so restores can
// rebuild the typed union.
type syncEventJSON struct {
	ID           string          `json:"id"`
	Type         EventType       `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	OriginDevice string          `json:"originDevice"`
	CreatedAt    time.Time       `json:"createdAt"`
	Priority     Priority        `json:"priority"`
	Encrypted    bool            `json:"encrypted"`
	RetryCount   int             `json:"retryCount"`
}

// MarshalJSON encodes the event with its payload kind tag.
func (e *SyncEvent) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(syncEventJSON{
		ID:           e.ID,
		Type:         e.Type,
		Payload:      raw,
		OriginDevice: e.OriginDevice,
		CreatedAt:    e.CreatedAt,
		Priority:     e.Priority,
		Encrypted:    e.Encrypted,
		RetryCount:   e.RetryCount,
	})
}

// UnmarshalJSON decodes the envelope and rebuilds the typed payload.
func (e *SyncEvent) UnmarshalJSON(data []byte) error {
	var env syncEventJSON
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	payload, err := DecodePayload(env.Type, env.Payload)
	if err != nil {
		return err
	}
	if _, err := ParsePriority(string(env.Priority)); err != nil {
		return err
	}

	e.ID = env.ID
	e.Type = env.Type
	e.Payload = payload
	e.OriginDevice = env.OriginDevice
	e.CreatedAt = env.CreatedAt
	e.Priority = env.Priority
	e.Encrypted = env.Encrypted
	e.RetryCount = env.RetryCount
	return nil
}
