package services

import (
	"context"
	"sync"
	"time"

	"github.com/relaycrm/syncengine/internal/models"
	"github.com/relaycrm/syncengine/internal/observability"
)

// ConnectFunc establishes the realtime channel to the shared store
type ConnectFunc func(ctx context.Context) error

// ConnectionMonitor tracks whether the process is online and whether
// the change-feed subscription is live, and drives reconnection with
// exponential backoff. State transitions are broadcast to subscribers;
// no subscriber may block a transition.
type ConnectionMonitor struct {
	mu          sync.Mutex
	state       models.ConnectionState
	connect     ConnectFunc
	subscribers []func(models.ConnectionState)
	timer       *time.Timer
	closed      bool

	logger *observability.Logger

	// injectable for tests
	now      func() time.Time
	schedule func(d time.Duration, f func()) *time.Timer
}

// NewConnectionMonitor creates a monitor in the disconnected state
func NewConnectionMonitor(backoffBase time.Duration, maxAttempts int, logger *observability.Logger) *ConnectionMonitor {
	return &ConnectionMonitor{
		state:    models.NewConnectionState(backoffBase, maxAttempts),
		logger:   logger,
		now:      time.Now,
		schedule: time.AfterFunc,
	}
}

// SetConnectFunc wires the subscription setup used on every attempt
func (m *ConnectionMonitor) SetConnectFunc(f ConnectFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connect = f
}

// Subscribe registers a state-change callback. Callbacks run on their
// own goroutine so they cannot block transitions.
func (m *ConnectionMonitor) Subscribe(cb func(models.ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, cb)
}

// State returns a snapshot of the current connection state
func (m *ConnectionMonitor) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the change-feed subscription is live
func (m *ConnectionMonitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IsConnected
}

// Connect attempts to establish the subscription now. This is also the
// explicit retry entry point once the automatic reconnect cap has been
// reached; it resets the attempt counter.
func (m *ConnectionMonitor) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.state.ReconnectAttempts = 0
	m.stopTimerLocked()
	m.mu.Unlock()

	return m.attempt(ctx)
}

// SetOnline consumes the platform online/offline signal. Coming online
// reconnects immediately regardless of backoff state.
func (m *ConnectionMonitor) SetOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	if m.state.IsOnline == online {
		m.mu.Unlock()
		return
	}
	m.state.IsOnline = online

	if !online {
		m.stopTimerLocked()
		m.transitionLocked(models.ConnDisconnected)
		m.mu.Unlock()
		return
	}

	m.state.ReconnectAttempts = 0
	m.stopTimerLocked()
	m.mu.Unlock()

	go func() {
		if err := m.attempt(ctx); err != nil {
			m.logger.Warnf("reconnect after coming online failed: %v", err)
		}
	}()
}

// HandleSubscriptionLoss transitions to disconnected and schedules a
// reconnect attempt with backoff
func (m *ConnectionMonitor) HandleSubscriptionLoss(ctx context.Context) {
	m.mu.Lock()
	if m.state.Status == models.ConnDisconnected {
		m.mu.Unlock()
		return
	}
	m.transitionLocked(models.ConnDisconnected)
	m.mu.Unlock()

	m.scheduleReconnect(ctx)
}

func (m *ConnectionMonitor) attempt(ctx context.Context) error {
	m.mu.Lock()
	if m.closed || !m.state.IsOnline {
		m.mu.Unlock()
		return nil
	}
	connect := m.connect
	m.transitionLocked(models.ConnConnecting)
	m.mu.Unlock()

	var err error
	if connect != nil {
		err = connect(ctx)
	}

	m.mu.Lock()
	if err != nil {
		m.state.ReconnectAttempts++
		m.transitionLocked(models.ConnDisconnected)
		m.mu.Unlock()

		m.logger.Warnf("connection attempt failed: %v", err)
		m.scheduleReconnect(ctx)
		return err
	}

	now := m.now().UTC()
	m.state.LastConnectedAt = &now
	m.state.ReconnectAttempts = 0
	m.transitionLocked(models.ConnConnected)
	m.mu.Unlock()
	return nil
}

func (m *ConnectionMonitor) scheduleReconnect(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !m.state.IsOnline || m.timer != nil {
		return
	}
	if m.state.ReconnectAttempts >= m.state.MaxReconnectAttempts {
		// Automatic reconnection stops here; a caller must retry
		// explicitly via Connect.
		m.logger.Errorf("reconnect attempts exhausted after %d tries", m.state.ReconnectAttempts)
		return
	}

	delay := m.backoffDelay(m.state.ReconnectAttempts)
	m.timer = m.schedule(delay, func() {
		m.mu.Lock()
		m.timer = nil
		m.mu.Unlock()

		if err := m.attempt(ctx); err != nil {
			m.logger.Warnf("scheduled reconnect failed: %v", err)
		}
	})
}

// backoffDelay computes backoffBase * 2^attempts
func (m *ConnectionMonitor) backoffDelay(attempts int) time.Duration {
	return m.state.BackoffBase * time.Duration(1<<attempts)
}

func (m *ConnectionMonitor) transitionLocked(status models.ConnStatus) {
	if m.state.Status == status {
		return
	}
	m.state.Status = status
	m.state.IsConnected = status == models.ConnConnected
	snapshot := m.state

	for _, cb := range m.subscribers {
		go cb(snapshot)
	}
}

func (m *ConnectionMonitor) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Close stops any pending reconnect attempt
func (m *ConnectionMonitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stopTimerLocked()
	m.transitionLocked(models.ConnDisconnected)
}
