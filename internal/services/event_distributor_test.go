package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/syncengine/internal/models"
)

type distributorFixture struct {
	dist    *EventDistributor
	store   *fakeStore
	feed    *fakeFeed
	records *fakeRecords
	crypto  *CryptoService

	mu        sync.Mutex
	events    []*models.SyncEvent
	conflicts []*models.ConflictRecord
	errKinds  []string
}

func newDistributorFixture(t *testing.T, deviceID string) *distributorFixture {
	t.Helper()
	crypto, err := NewCryptoService("test-secret-key")
	require.NoError(t, err)

	f := &distributorFixture{
		store:   &fakeStore{},
		feed:    &fakeFeed{},
		records: newFakeRecords(),
		crypto:  crypto,
	}
	logger := newTestLogger()
	f.dist = NewEventDistributor(deviceID, "u1", f.store, f.feed, crypto,
		NewConflictDetector(logger), f.records, NewAuditService(nil, logger), logger, nil)
	f.dist.SetCallbacks(
		func(e *models.SyncEvent) {
			f.mu.Lock()
			f.events = append(f.events, e)
			f.mu.Unlock()
		},
		func(c *models.ConflictRecord) {
			f.mu.Lock()
			f.conflicts = append(f.conflicts, c)
			f.mu.Unlock()
		},
		func(kind string, err error) {
			f.mu.Lock()
			f.errKinds = append(f.errKinds, kind)
			f.mu.Unlock()
		},
	)
	return f
}

func mustEvent(t *testing.T, payload models.EventPayload, device string, priority models.Priority, encrypted bool) *models.SyncEvent {
	t.Helper()
	e, err := models.NewSyncEvent(payload, device, priority, encrypted)
	require.NoError(t, err)
	return e
}

func TestEventDistributor_Publish(t *testing.T) {
	ctx := context.Background()

	t.Run("writes the tagged envelope", func(t *testing.T) {
		f := newDistributorFixture(t, "device-a")
		e := mustEvent(t, profilePayload("u1", "Ada"), "device-a", models.PriorityNormal, false)

		require.NoError(t, f.dist.Publish(ctx, e))

		row := f.store.last()
		require.NotNil(t, row)
		assert.Equal(t, e.ID, row["id"])
		assert.Equal(t, "u1", row["user_id"])
		assert.Equal(t, "profile_update", row["event_type"])
		assert.Equal(t, "device-a", row["origin_device"])
		assert.Equal(t, "normal", row["priority"])
		assert.Equal(t, false, row["encrypted"])
		assert.Contains(t, row["payload"], "Ada")
	})

	t.Run("encrypts flagged payloads", func(t *testing.T) {
		f := newDistributorFixture(t, "device-a")
		payload := &models.CredentialsRotatedPayload{UserID: "u1", CredentialID: "cred-1", EncryptedSecret: "s3cret"}
		e := mustEvent(t, payload, "device-a", models.PriorityCritical, true)

		require.NoError(t, f.dist.Publish(ctx, e))

		row := f.store.last()
		ciphertext, _ := row["payload"].(string)
		assert.NotContains(t, ciphertext, "s3cret")

		plain, err := f.crypto.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Contains(t, string(plain), "s3cret")
	})

	t.Run("propagates store failures", func(t *testing.T) {
		f := newDistributorFixture(t, "device-a")
		f.store.setFail(errors.New("connection refused"))
		e := mustEvent(t, profilePayload("u1", "Ada"), "device-a", models.PriorityNormal, false)

		assert.Error(t, f.dist.Publish(ctx, e))
	})
}

func TestEventDistributor_Subscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("idempotent while subscribed", func(t *testing.T) {
		f := newDistributorFixture(t, "device-a")

		require.NoError(t, f.dist.Subscribe(ctx))
		require.NoError(t, f.dist.Subscribe(ctx))
		assert.Equal(t, 1, f.feed.subscribes)
		assert.Equal(t, "u1", f.feed.filter.UserID)
	})

	t.Run("failed subscribe can be retried", func(t *testing.T) {
		f := newDistributorFixture(t, "device-a")
		f.feed.fail = errors.New("refused")
		require.Error(t, f.dist.Subscribe(ctx))

		f.feed.fail = nil
		require.NoError(t, f.dist.Subscribe(ctx))
		assert.Equal(t, 1, f.feed.subscribes)
	})

	t.Run("teardown allows resubscription", func(t *testing.T) {
		f := newDistributorFixture(t, "device-a")
		require.NoError(t, f.dist.Subscribe(ctx))
		require.NoError(t, f.dist.Teardown())
		require.NoError(t, f.dist.Subscribe(ctx))
		assert.Equal(t, 2, f.feed.subscribes)
	})
}

// publishRow writes the event through a distributor owned by the event's
// origin device, the way a real peer would, and returns the stored row.
func publishRow(t *testing.T, f *distributorFixture, e *models.SyncEvent) map[string]any {
	t.Helper()
	logger := newTestLogger()
	peer := NewEventDistributor(e.OriginDevice, "u1", f.store, &fakeFeed{}, f.crypto,
		NewConflictDetector(logger), newFakeRecords(), NewAuditService(nil, logger), logger, nil)
	require.NoError(t, peer.Publish(context.Background(), e))
	return f.store.last()
}

func TestEventDistributor_HandleRemoteChange(t *testing.T) {

	t.Run("own events are suppressed", func(t *testing.T) {
		f := newDistributorFixture(t, "device-a")
		row := publishRow(t, f, mustEvent(t, profilePayload("u1", "Ada"), "device-a", models.PriorityNormal, false))

		f.dist.HandleRemoteChange(models.ChangeNotification{EventType: models.ChangeInsert, Table: "sync_events", New: row})

		assert.Empty(t, f.events)
		assert.Empty(t, f.errKinds)
	})

	t.Run("foreign events reach the consumer typed", func(t *testing.T) {
		f := newDistributorFixture(t, "device-a")
		row := publishRow(t, f, mustEvent(t, profilePayload("u1", "Ada"), "device-b", models.PriorityHigh, false))

		f.dist.HandleRemoteChange(models.ChangeNotification{EventType: models.ChangeInsert, Table: "sync_events", New: row})

		require.Len(t, f.events, 1)
		got := f.events[0]
		assert.Equal(t, models.EventProfileUpdate, got.Type)
		assert.Equal(t, "device-b", got.OriginDevice)
		assert.Equal(t, models.PriorityHigh, got.Priority)
		p, ok := got.Payload.(*models.ProfileUpdatePayload)
		require.True(t, ok)
		assert.Equal(t, "Ada", *p.Name)
	})

	t.Run("duplicate deliveries are collapsed", func(t *testing.T) {
		f := newDistributorFixture(t, "device-a")
		row := publishRow(t, f, mustEvent(t, profilePayload("u1", "Ada"), "device-b", models.PriorityNormal, false))

		n := models.ChangeNotification{EventType: models.ChangeInsert, Table: "sync_events", New: row}
		f.dist.HandleRemoteChange(n)
		f.dist.HandleRemoteChange(n)

		assert.Len(t, f.events, 1)
	})

	t.Run("encrypted payloads are decrypted in flight", func(t *testing.T) {
		f := newDistributorFixture(t, "device-a")
		payload := &models.CredentialsRotatedPayload{UserID: "u1", CredentialID: "cred-1", EncryptedSecret: "s3cret"}
		row := publishRow(t, f, mustEvent(t, payload, "device-b", models.PriorityCritical, true))

		f.dist.HandleRemoteChange(models.ChangeNotification{EventType: models.ChangeInsert, Table: "sync_events", New: row})

		require.Len(t, f.events, 1)
		p, ok := f.events[0].Payload.(*models.CredentialsRotatedPayload)
		require.True(t, ok)
		assert.Equal(t, "s3cret", p.EncryptedSecret)
	})

	t.Run("undecryptable payloads are discarded", func(t *testing.T) {
		f := newDistributorFixture(t, "device-a")
		row := map[string]any{
			"id":            "evt-1",
			"user_id":       "u1",
			"event_type":    "credentials_rotated",
			"payload":       "bm90LXJlYWwtY2lwaGVydGV4dA==",
			"origin_device": "device-b",
			"priority":      "critical",
			"encrypted":     true,
		}

		f.dist.HandleRemoteChange(models.ChangeNotification{EventType: models.ChangeInsert, Table: "sync_events", New: row})

		assert.Empty(t, f.events)
		require.Len(t, f.errKinds, 1)
		assert.Equal(t, ErrKindDecryptFailed, f.errKinds[0])
	})

	t.Run("unknown event types are rejected at the boundary", func(t *testing.T) {
		f := newDistributorFixture(t, "device-a")
		row := map[string]any{
			"id":            "evt-2",
			"user_id":       "u1",
			"event_type":    "calendar_moved",
			"payload":       `{"userId":"u1"}`,
			"origin_device": "device-b",
			"priority":      "normal",
			"encrypted":     false,
		}

		f.dist.HandleRemoteChange(models.ChangeNotification{EventType: models.ChangeInsert, Table: "sync_events", New: row})

		assert.Empty(t, f.events)
		require.Len(t, f.errKinds, 1)
		assert.Equal(t, ErrKindBadPayload, f.errKinds[0])
	})
}

func TestEventDistributor_Reconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("clean local copy is updated in place", func(t *testing.T) {
		f := newDistributorFixture(t, "device-a")
		require.NoError(t, f.records.Put(ctx, &models.CachedRecord{
			Table:    "users",
			RecordID: "u1",
			Data:     map[string]any{"user_id": "u1", "name": "Old"},
		}))

		row := publishRow(t, f, mustEvent(t, profilePayload("u1", "New"), "device-b", models.PriorityNormal, false))
		f.dist.HandleRemoteChange(models.ChangeNotification{EventType: models.ChangeInsert, Table: "sync_events", New: row})

		assert.Empty(t, f.conflicts)
		rec, err := f.records.Get(ctx, "users", "u1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "New", rec.Data["name"])
	})

	t.Run("pending local edits trigger conflict detection", func(t *testing.T) {
		f := newDistributorFixture(t, "device-a")
		require.NoError(t, f.records.Put(ctx, &models.CachedRecord{
			Table:        "users",
			RecordID:     "u1",
			Data:         map[string]any{"user_id": "u1", "name": "Mine"},
			PendingLocal: true,
		}))

		row := publishRow(t, f, mustEvent(t, profilePayload("u1", "Theirs"), "device-b", models.PriorityNormal, false))
		f.dist.HandleRemoteChange(models.ChangeNotification{EventType: models.ChangeInsert, Table: "sync_events", New: row})

		require.Len(t, f.conflicts, 1)
		c := f.conflicts[0]
		assert.Equal(t, "users", c.Table)
		assert.Equal(t, []string{"name"}, c.ConflictingFields)
		assert.Equal(t, "device-b", c.OriginDevice)
	})

	t.Run("pending edits that happen to agree do not conflict", func(t *testing.T) {
		f := newDistributorFixture(t, "device-a")
		require.NoError(t, f.records.Put(ctx, &models.CachedRecord{
			Table:        "users",
			RecordID:     "u1",
			Data:         map[string]any{"user_id": "u1", "name": "Same"},
			PendingLocal: true,
		}))

		row := publishRow(t, f, mustEvent(t, profilePayload("u1", "Same"), "device-b", models.PriorityNormal, false))
		f.dist.HandleRemoteChange(models.ChangeNotification{EventType: models.ChangeInsert, Table: "sync_events", New: row})

		assert.Empty(t, f.conflicts)
	})
}
