package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/syncengine/internal/models"
)

func newTestMonitor(maxAttempts int) (*ConnectionMonitor, *[]time.Duration, *[]func()) {
	m := NewConnectionMonitor(2*time.Second, maxAttempts, newTestLogger())
	delays := &[]time.Duration{}
	funcs := &[]func(){}
	m.schedule = func(d time.Duration, f func()) *time.Timer {
		*delays = append(*delays, d)
		*funcs = append(*funcs, f)
		return time.NewTimer(time.Hour)
	}
	return m, delays, funcs
}

func TestConnectionMonitor_Connect(t *testing.T) {
	ctx := context.Background()

	t.Run("successful connect reaches connected", func(t *testing.T) {
		m, _, _ := newTestMonitor(8)
		m.SetConnectFunc(func(ctx context.Context) error { return nil })

		require.NoError(t, m.Connect(ctx))

		state := m.State()
		assert.Equal(t, models.ConnConnected, state.Status)
		assert.True(t, state.IsConnected)
		assert.Zero(t, state.ReconnectAttempts)
		require.NotNil(t, state.LastConnectedAt)
	})

	t.Run("failed connect falls back to disconnected and schedules retry", func(t *testing.T) {
		m, delays, _ := newTestMonitor(8)
		m.SetConnectFunc(func(ctx context.Context) error { return errors.New("refused") })

		err := m.Connect(ctx)
		require.Error(t, err)

		state := m.State()
		assert.Equal(t, models.ConnDisconnected, state.Status)
		assert.False(t, state.IsConnected)
		assert.Equal(t, 1, state.ReconnectAttempts)
		require.Len(t, *delays, 1)
		assert.Equal(t, 4*time.Second, (*delays)[0]) // base * 2^1
	})
}

func TestConnectionMonitor_BackoffGrowth(t *testing.T) {
	ctx := context.Background()
	m, delays, funcs := newTestMonitor(8)
	m.SetConnectFunc(func(ctx context.Context) error { return errors.New("refused") })

	require.Error(t, m.Connect(ctx))
	require.Len(t, *funcs, 1)

	// Drive the scheduled attempts; each failure doubles the delay.
	(*funcs)[0]()
	(*funcs)[1]()
	(*funcs)[2]()

	require.Len(t, *delays, 4)
	assert.Equal(t, 4*time.Second, (*delays)[0])
	assert.Equal(t, 8*time.Second, (*delays)[1])
	assert.Equal(t, 16*time.Second, (*delays)[2])
	assert.Equal(t, 32*time.Second, (*delays)[3])
}

func TestConnectionMonitor_ReconnectCap(t *testing.T) {
	ctx := context.Background()
	m, _, funcs := newTestMonitor(2)
	m.SetConnectFunc(func(ctx context.Context) error { return errors.New("refused") })

	require.Error(t, m.Connect(ctx))
	for len(*funcs) > 0 {
		f := (*funcs)[0]
		*funcs = (*funcs)[1:]
		f()
	}

	// Attempts exhausted: no more timers, still disconnected.
	state := m.State()
	assert.Equal(t, models.ConnDisconnected, state.Status)
	assert.GreaterOrEqual(t, state.ReconnectAttempts, 2)
	assert.Empty(t, *funcs)

	// Explicit Connect resets the counter and tries again.
	connected := false
	m.SetConnectFunc(func(ctx context.Context) error {
		connected = true
		return nil
	})
	require.NoError(t, m.Connect(ctx))
	assert.True(t, connected)
	assert.True(t, m.IsConnected())
}

func TestConnectionMonitor_SetOnline(t *testing.T) {
	ctx := context.Background()

	t.Run("going offline disconnects and stops retries", func(t *testing.T) {
		m, _, _ := newTestMonitor(8)
		m.SetConnectFunc(func(ctx context.Context) error { return nil })
		require.NoError(t, m.Connect(ctx))

		m.SetOnline(ctx, false)

		state := m.State()
		assert.Equal(t, models.ConnDisconnected, state.Status)
		assert.False(t, state.IsOnline)
	})

	t.Run("no attempts while offline", func(t *testing.T) {
		m, _, _ := newTestMonitor(8)
		attempts := 0
		m.SetConnectFunc(func(ctx context.Context) error {
			attempts++
			return nil
		})

		m.SetOnline(ctx, false)
		require.NoError(t, m.Connect(ctx))
		assert.Zero(t, attempts)
	})

	t.Run("coming online reconnects immediately", func(t *testing.T) {
		m, _, _ := newTestMonitor(8)
		connected := make(chan struct{})
		m.SetConnectFunc(func(ctx context.Context) error {
			close(connected)
			return nil
		})

		m.SetOnline(ctx, false)
		m.SetOnline(ctx, true)

		select {
		case <-connected:
		case <-time.After(time.Second):
			t.Fatal("expected a reconnect attempt after coming online")
		}
	})
}

func TestConnectionMonitor_SubscriptionLoss(t *testing.T) {
	ctx := context.Background()
	m, delays, _ := newTestMonitor(8)
	m.SetConnectFunc(func(ctx context.Context) error { return nil })
	require.NoError(t, m.Connect(ctx))

	m.HandleSubscriptionLoss(ctx)

	state := m.State()
	assert.Equal(t, models.ConnDisconnected, state.Status)
	require.Len(t, *delays, 1)
	assert.Equal(t, 2*time.Second, (*delays)[0]) // base * 2^0

	// A second loss signal while already disconnected is ignored.
	m.HandleSubscriptionLoss(ctx)
	assert.Len(t, *delays, 1)
}

func TestConnectionMonitor_Subscribers(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMonitor(8)
	m.SetConnectFunc(func(ctx context.Context) error { return nil })

	states := make(chan models.ConnectionState, 8)
	m.Subscribe(func(s models.ConnectionState) { states <- s })

	require.NoError(t, m.Connect(ctx))

	seen := map[models.ConnStatus]bool{}
	timeout := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case s := <-states:
			seen[s.Status] = true
		case <-timeout:
			t.Fatal("missing subscriber notifications")
		}
	}
	assert.True(t, seen[models.ConnConnecting])
	assert.True(t, seen[models.ConnConnected])
}
