package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/syncengine/internal/config"
	"github.com/relaycrm/syncengine/internal/models"
)

func testEngineConfig() config.Engine {
	return config.Engine{
		QueueMaxSize:     500,
		BatchSize:        25,
		MaxRetries:       5,
		RetryBaseDelayMs: 1000,
		DrainIntervalMs:  15000,
	}
}

func newTestQueue(t *testing.T, cfg config.Engine) (*SyncQueue, *fakeCache) {
	t.Helper()
	cache := newFakeCache()
	q := NewSyncQueue("device-a", cfg, cache, nil, newTestLogger(), nil)
	return q, cache
}

func profilePayload(userID, name string) *models.ProfileUpdatePayload {
	return &models.ProfileUpdatePayload{UserID: userID, Name: strPtr(name)}
}

func TestSyncQueue_PriorityOrdering(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, testEngineConfig())

	t.Run("higher priorities drain first", func(t *testing.T) {
		low, err := q.Enqueue(ctx, profilePayload("u1", "a"), models.PriorityLow, false)
		require.NoError(t, err)
		normal, err := q.Enqueue(ctx, profilePayload("u1", "b"), models.PriorityNormal, false)
		require.NoError(t, err)
		critical, err := q.Enqueue(ctx, profilePayload("u1", "c"), models.PriorityCritical, false)
		require.NoError(t, err)

		snapshot := q.Snapshot()
		require.Len(t, snapshot, 3)
		assert.Equal(t, critical.ID, snapshot[0].ID)
		assert.Equal(t, normal.ID, snapshot[1].ID)
		assert.Equal(t, low.ID, snapshot[2].ID)
	})

	t.Run("same priority keeps arrival order", func(t *testing.T) {
		q, _ := newTestQueue(t, testEngineConfig())

		first, err := q.Enqueue(ctx, profilePayload("u1", "first"), models.PriorityNormal, false)
		require.NoError(t, err)
		second, err := q.Enqueue(ctx, profilePayload("u1", "second"), models.PriorityNormal, false)
		require.NoError(t, err)
		third, err := q.Enqueue(ctx, profilePayload("u1", "third"), models.PriorityNormal, false)
		require.NoError(t, err)

		snapshot := q.Snapshot()
		require.Len(t, snapshot, 3)
		assert.Equal(t, first.ID, snapshot[0].ID)
		assert.Equal(t, second.ID, snapshot[1].ID)
		assert.Equal(t, third.ID, snapshot[2].ID)
	})

	t.Run("rejects invalid priority", func(t *testing.T) {
		q, _ := newTestQueue(t, testEngineConfig())
		_, err := q.Enqueue(ctx, profilePayload("u1", "x"), models.Priority("urgent"), false)
		assert.ErrorIs(t, err, models.ErrInvalidPriority)
	})
}

func TestSyncQueue_Eviction(t *testing.T) {
	ctx := context.Background()
	cfg := testEngineConfig()
	cfg.QueueMaxSize = 3

	t.Run("evicts oldest lowest-priority when full", func(t *testing.T) {
		q, _ := newTestQueue(t, cfg)

		oldLow, err := q.Enqueue(ctx, profilePayload("u1", "old-low"), models.PriorityLow, false)
		require.NoError(t, err)
		newLow, err := q.Enqueue(ctx, profilePayload("u1", "new-low"), models.PriorityLow, false)
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, profilePayload("u1", "normal"), models.PriorityNormal, false)
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, profilePayload("u1", "critical"), models.PriorityCritical, false)
		require.NoError(t, err)

		assert.Equal(t, 3, q.Depth())
		for _, e := range q.Snapshot() {
			assert.NotEqual(t, oldLow.ID, e.ID)
		}
		// The newer low survives; only the oldest in the class goes.
		ids := []string{}
		for _, e := range q.Snapshot() {
			ids = append(ids, e.ID)
		}
		assert.Contains(t, ids, newLow.ID)
	})

	t.Run("never evicts when under the cap", func(t *testing.T) {
		q, _ := newTestQueue(t, cfg)
		for i := 0; i < 3; i++ {
			_, err := q.Enqueue(ctx, profilePayload("u1", "n"), models.PriorityNormal, false)
			require.NoError(t, err)
		}
		assert.Equal(t, 3, q.Depth())
	})
}

func TestSyncQueue_RetryDelay(t *testing.T) {
	q, _ := newTestQueue(t, testEngineConfig())

	assert.Equal(t, 1*time.Second, q.RetryDelay(1))
	assert.Equal(t, 2*time.Second, q.RetryDelay(2))
	assert.Equal(t, 4*time.Second, q.RetryDelay(3))
	assert.Equal(t, 8*time.Second, q.RetryDelay(4))
	assert.Equal(t, 16*time.Second, q.RetryDelay(5))
}

func TestSyncQueue_ProcessQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers in order and empties the queue", func(t *testing.T) {
		q, _ := newTestQueue(t, testEngineConfig())
		var delivered []string
		q.SetPublishFunc(func(ctx context.Context, e *models.SyncEvent) error {
			delivered = append(delivered, string(e.Priority))
			return nil
		})

		_, err := q.Enqueue(ctx, profilePayload("u1", "a"), models.PriorityLow, false)
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, profilePayload("u1", "b"), models.PriorityCritical, false)
		require.NoError(t, err)

		q.ProcessQueue(ctx)

		assert.Equal(t, []string{"critical", "low"}, delivered)
		assert.Equal(t, 0, q.Depth())
	})

	t.Run("respects the batch size", func(t *testing.T) {
		cfg := testEngineConfig()
		cfg.BatchSize = 2
		q, _ := newTestQueue(t, cfg)

		count := 0
		q.SetPublishFunc(func(ctx context.Context, e *models.SyncEvent) error {
			count++
			return nil
		})

		for i := 0; i < 5; i++ {
			_, err := q.Enqueue(ctx, profilePayload("u1", "n"), models.PriorityNormal, false)
			require.NoError(t, err)
		}

		q.ProcessQueue(ctx)
		assert.Equal(t, 2, count)
		assert.Equal(t, 3, q.Depth())

		q.ProcessQueue(ctx)
		assert.Equal(t, 4, count)
		assert.Equal(t, 1, q.Depth())
	})

	t.Run("second drain during a run is a no-op", func(t *testing.T) {
		q, _ := newTestQueue(t, testEngineConfig())

		entered := make(chan struct{})
		release := make(chan struct{})
		count := 0
		q.SetPublishFunc(func(ctx context.Context, e *models.SyncEvent) error {
			count++
			close(entered)
			<-release
			return nil
		})

		_, err := q.Enqueue(ctx, profilePayload("u1", "a"), models.PriorityNormal, false)
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			q.ProcessQueue(ctx)
			close(done)
		}()

		<-entered
		q.ProcessQueue(ctx) // reentrant call must return immediately
		close(release)
		<-done

		assert.Equal(t, 1, count)
	})

	t.Run("one failing event does not block the rest", func(t *testing.T) {
		q, _ := newTestQueue(t, testEngineConfig())
		q.schedule = func(d time.Duration, f func()) *time.Timer {
			return time.NewTimer(time.Hour)
		}

		delivered := 0
		q.SetPublishFunc(func(ctx context.Context, e *models.SyncEvent) error {
			if e.Priority == models.PriorityHigh {
				return errors.New("store unavailable")
			}
			delivered++
			return nil
		})

		_, err := q.Enqueue(ctx, profilePayload("u1", "bad"), models.PriorityHigh, false)
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, profilePayload("u1", "good"), models.PriorityNormal, false)
		require.NoError(t, err)

		q.ProcessQueue(ctx)
		assert.Equal(t, 1, delivered)
	})
}

func TestSyncQueue_RetryLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := testEngineConfig()
	cfg.MaxRetries = 2

	q, _ := newTestQueue(t, cfg)

	var scheduled []func()
	var delays []time.Duration
	q.schedule = func(d time.Duration, f func()) *time.Timer {
		delays = append(delays, d)
		scheduled = append(scheduled, f)
		return time.NewTimer(time.Hour)
	}

	var dropKind string
	var dropErr error
	q.SetCallbacks(func(kind string, err error) {
		dropKind = kind
		dropErr = err
	}, nil)

	q.SetPublishFunc(func(ctx context.Context, e *models.SyncEvent) error {
		return errors.New("store unavailable")
	})

	event, err := q.Enqueue(ctx, profilePayload("u1", "a"), models.PriorityNormal, false)
	require.NoError(t, err)

	// First failure: rescheduled with the base delay.
	q.ProcessQueue(ctx)
	require.Len(t, scheduled, 1)
	assert.Equal(t, 1*time.Second, delays[0])
	assert.Equal(t, 1, event.RetryCount)

	// Second failure: delay doubles.
	scheduled[0]()
	q.ProcessQueue(ctx)
	require.Len(t, scheduled, 2)
	assert.Equal(t, 2*time.Second, delays[1])
	assert.Equal(t, 2, event.RetryCount)

	// Third failure exceeds the cap: dropped and reported.
	scheduled[1]()
	q.ProcessQueue(ctx)
	require.Len(t, scheduled, 2)
	assert.Equal(t, 0, q.Depth())
	assert.Equal(t, ErrKindMaxRetries, dropKind)
	require.Error(t, dropErr)
	assert.Contains(t, dropErr.Error(), event.ID)
}

func TestSyncQueue_Persistence(t *testing.T) {
	ctx := context.Background()

	t.Run("restores pending events across restarts", func(t *testing.T) {
		cache := newFakeCache()
		q1 := NewSyncQueue("device-a", testEngineConfig(), cache, nil, newTestLogger(), nil)

		_, err := q1.Enqueue(ctx, profilePayload("u1", "a"), models.PriorityLow, false)
		require.NoError(t, err)
		critical, err := q1.Enqueue(ctx, profilePayload("u1", "b"), models.PriorityCritical, false)
		require.NoError(t, err)

		q2 := NewSyncQueue("device-a", testEngineConfig(), cache, nil, newTestLogger(), nil)
		require.NoError(t, q2.Restore(ctx))

		assert.Equal(t, 2, q2.Depth())
		snapshot := q2.Snapshot()
		assert.Equal(t, critical.ID, snapshot[0].ID)
		assert.Equal(t, models.EventProfileUpdate, snapshot[0].Type)
	})

	t.Run("empty cache restores an empty queue", func(t *testing.T) {
		q, _ := newTestQueue(t, testEngineConfig())
		require.NoError(t, q.Restore(ctx))
		assert.Equal(t, 0, q.Depth())
	})

	t.Run("corrupt snapshot is discarded", func(t *testing.T) {
		cache := newFakeCache()
		require.NoError(t, cache.Set(ctx, queueCacheKey, "{not json"))

		q := NewSyncQueue("device-a", testEngineConfig(), cache, nil, newTestLogger(), nil)
		require.NoError(t, q.Restore(ctx))
		assert.Equal(t, 0, q.Depth())
	})

	t.Run("cache failures never fail the enqueue", func(t *testing.T) {
		cache := newFakeCache()
		cache.fail = errors.New("disk gone")
		q := NewSyncQueue("device-a", testEngineConfig(), cache, nil, newTestLogger(), nil)

		_, err := q.Enqueue(ctx, profilePayload("u1", "a"), models.PriorityNormal, false)
		require.NoError(t, err)
		assert.Equal(t, 1, q.Depth())
	})
}
