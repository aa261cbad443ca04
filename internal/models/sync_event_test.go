package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSyncEvent(t *testing.T) {
	name := "Ada Lovelace"
	payload := &ProfileUpdatePayload{UserID: "u1", Name: &name}

	t.Run("creates event with valid parameters", func(t *testing.T) {
		e, err := NewSyncEvent(payload, "device-a", PriorityHigh, false)

		require.NoError(t, err)
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, EventProfileUpdate, e.Type)
		assert.Equal(t, "device-a", e.OriginDevice)
		assert.Equal(t, PriorityHigh, e.Priority)
		assert.False(t, e.Encrypted)
		assert.Zero(t, e.RetryCount)
		assert.WithinDuration(t, time.Now().UTC(), e.CreatedAt, time.Second*5)
	})

	t.Run("rejects nil payload", func(t *testing.T) {
		_, err := NewSyncEvent(nil, "device-a", PriorityNormal, false)
		assert.Error(t, err)
	})

	t.Run("rejects invalid payload", func(t *testing.T) {
		_, err := NewSyncEvent(&ProfileUpdatePayload{UserID: ""}, "device-a", PriorityNormal, false)
		assert.ErrorIs(t, err, ErrEmptyUserID)
	})

	t.Run("rejects empty origin device", func(t *testing.T) {
		_, err := NewSyncEvent(payload, "", PriorityNormal, false)
		assert.ErrorIs(t, err, ErrEmptyOriginDevice)
	})

	t.Run("rejects invalid priority", func(t *testing.T) {
		_, err := NewSyncEvent(payload, "device-a", Priority("urgent"), false)
		assert.ErrorIs(t, err, ErrInvalidPriority)
	})
}

func TestParsePriority(t *testing.T) {
	t.Run("accepts the four known levels", func(t *testing.T) {
		for _, s := range []string{"critical", "high", "normal", "low"} {
			p, err := ParsePriority(s)
			require.NoError(t, err, s)
			assert.Equal(t, Priority(s), p)
		}
	})

	t.Run("rejects unknown strings", func(t *testing.T) {
		for _, s := range []string{"", "urgent", "CRITICAL", "medium"} {
			_, err := ParsePriority(s)
			assert.ErrorIs(t, err, ErrInvalidPriority, s)
		}
	})
}

func TestPriorityWeight(t *testing.T) {
	assert.Greater(t, PriorityCritical.Weight(), PriorityHigh.Weight())
	assert.Greater(t, PriorityHigh.Weight(), PriorityNormal.Weight())
	assert.Greater(t, PriorityNormal.Weight(), PriorityLow.Weight())
	assert.Negative(t, Priority("bogus").Weight())
}

func TestSyncEventJSON(t *testing.T) {
	t.Run("round trips the typed payload", func(t *testing.T) {
		theme := "dark"
		version := 7
		payload := &SettingsSyncPayload{UserID: "u1", Theme: &theme, Version: &version}
		e, err := NewSyncEvent(payload, "device-a", PriorityCritical, true)
		require.NoError(t, err)
		e.RetryCount = 2

		data, err := json.Marshal(e)
		require.NoError(t, err)

		var got SyncEvent
		require.NoError(t, json.Unmarshal(data, &got))

		assert.Equal(t, e.ID, got.ID)
		assert.Equal(t, e.Type, got.Type)
		assert.Equal(t, e.OriginDevice, got.OriginDevice)
		assert.Equal(t, e.Priority, got.Priority)
		assert.True(t, got.Encrypted)
		assert.Equal(t, 2, got.RetryCount)
		assert.True(t, e.CreatedAt.Equal(got.CreatedAt))

		settings, ok := got.Payload.(*SettingsSyncPayload)
		require.True(t, ok)
		assert.Equal(t, "u1", settings.UserID)
		require.NotNil(t, settings.Theme)
		assert.Equal(t, "dark", *settings.Theme)
		require.NotNil(t, settings.Version)
		assert.Equal(t, 7, *settings.Version)
	})

	t.Run("rejects unknown payload type on decode", func(t *testing.T) {
		var got SyncEvent
		err := json.Unmarshal([]byte(`{"id":"x","type":"contact_merged","payload":{"userId":"u1"},"originDevice":"d","createdAt":"2026-01-02T03:04:05Z","priority":"normal"}`), &got)
		assert.ErrorIs(t, err, ErrUnknownEventType)
	})

	t.Run("rejects invalid priority on decode", func(t *testing.T) {
		var got SyncEvent
		err := json.Unmarshal([]byte(`{"id":"x","type":"settings_sync","payload":{"userId":"u1"},"originDevice":"d","createdAt":"2026-01-02T03:04:05Z","priority":"urgent"}`), &got)
		assert.ErrorIs(t, err, ErrInvalidPriority)
	})
}
