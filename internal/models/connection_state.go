package models

import "time"

// ConnStatus is the connection state machine position
type ConnStatus string

const (
	ConnDisconnected ConnStatus = "disconnected"
	ConnConnecting   ConnStatus = "connecting"
	ConnConnected    ConnStatus = "connected"
)

// ConnectionState is the monitor's view of connectivity. One instance
// per engine; mutated only by the ConnectionMonitor and handed to
// subscribers by value.
type ConnectionState struct {
	Status               ConnStatus    `json:"status"`
	IsConnected          bool          `json:"isConnected"`
	IsOnline             bool          `json:"isOnline"`
	LastConnectedAt      *time.Time    `json:"lastConnectedAt,omitempty"`
	ReconnectAttempts    int           `json:"reconnectAttempts"`
	MaxReconnectAttempts int           `json:"maxReconnectAttempts"`
	BackoffBase          time.Duration `json:"backoffBaseMs"`
}

// NewConnectionState creates the initial disconnected state. The device
// is assumed online until the platform says otherwise.
func NewConnectionState(backoffBase time.Duration, maxAttempts int) ConnectionState {
	return ConnectionState{
		Status:               ConnDisconnected,
		IsOnline:             true,
		MaxReconnectAttempts: maxAttempts,
		BackoffBase:          backoffBase,
	}
}
