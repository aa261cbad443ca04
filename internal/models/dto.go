package models

import "time"

// ChangeEventType mirrors the change-feed notification kinds
type ChangeEventType string

const (
	ChangeInsert ChangeEventType = "INSERT"
	ChangeUpdate ChangeEventType = "UPDATE"
	ChangeDelete ChangeEventType = "DELETE"
)

// ChangeNotification is one entry from the shared store's change feed.
// The store fans every write out to every subscriber, including the
// writer, so consumers must filter self-echoes by origin device.
type ChangeNotification struct {
	EventType ChangeEventType `json:"eventType"`
	Table     string          `json:"table"`
	New       map[string]any  `json:"new,omitempty"`
	Old       map[string]any  `json:"old,omitempty"`
}

// ChangeFilter scopes a change-feed subscription
type ChangeFilter struct {
	UserID string `json:"userId"`
	Table  string `json:"table,omitempty"`
}

// AuditEntry is one fire-and-forget audit record
type AuditEntry struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Outcome   string         `json:"outcome"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// CachedRecord is the engine's durable copy of one logical record,
// tracked so incoming remote changes can be diffed against it.
type CachedRecord struct {
	Table        string         `json:"table"`
	RecordID     string         `json:"recordId"`
	Data         map[string]any `json:"data"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	PendingLocal bool           `json:"pendingLocal"`
}

// SyncStatusResponse is the status surface for callers and the HTTP API
type SyncStatusResponse struct {
	Connection       ConnectionState `json:"connection"`
	QueueDepth       int             `json:"queueDepth"`
	PendingConflicts int             `json:"pendingConflicts"`
	DeviceID         string          `json:"deviceId"`
}

// ResolveConflictRequest is the manual-resolution request body
type ResolveConflictRequest struct {
	UserID     string         `json:"userId"`
	Choice     ManualChoice   `json:"choice"`
	CustomData map[string]any `json:"customData,omitempty"`
}

// ErrorResponse is the API error envelope
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the health check body
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
