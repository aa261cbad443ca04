package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/relaycrm/syncengine/internal/config"
	"github.com/relaycrm/syncengine/internal/models"
	"github.com/relaycrm/syncengine/internal/observability"
	"github.com/relaycrm/syncengine/internal/repository"
)

const queueCacheKey = "sync_queue:v1"

// Error kinds surfaced through the OnError callback
const (
	ErrKindMaxRetries    = "max_retries_exceeded"
	ErrKindDecryptFailed = "decrypt_failed"
	ErrKindBadPayload    = "bad_payload"
)

// PublishFunc delivers one event to the shared store
type PublishFunc func(ctx context.Context, event *models.SyncEvent) error

// SyncQueue buffers outbound change events so writes survive restarts
// and transient connectivity loss, and delivers them in priority order.
// Failed deliveries are rescheduled with exponential backoff until the
// retry cap, then dropped and reported.
type SyncQueue struct {
	mu         sync.Mutex
	events     []*models.SyncEvent
	processing bool

	deviceID string
	cfg      config.Engine
	cache    repository.LocalCache
	publish  PublishFunc
	monitor  *ConnectionMonitor

	onError     func(kind string, err error)
	onProcessed func(processed, remaining int)

	logger  *observability.Logger
	metrics *observability.EngineMetrics

	stop     chan struct{}
	stopOnce sync.Once

	// injectable for tests
	schedule func(d time.Duration, f func()) *time.Timer
}

// NewSyncQueue creates an empty queue. The publish function is wired by
// the engine once the distributor exists.
func NewSyncQueue(deviceID string, cfg config.Engine, cache repository.LocalCache, monitor *ConnectionMonitor, logger *observability.Logger, metrics *observability.EngineMetrics) *SyncQueue {
	return &SyncQueue{
		deviceID: deviceID,
		cfg:      cfg,
		cache:    cache,
		monitor:  monitor,
		logger:   logger,
		metrics:  metrics,
		stop:     make(chan struct{}),
		schedule: time.AfterFunc,
	}
}

// SetPublishFunc wires the delivery path
func (q *SyncQueue) SetPublishFunc(f PublishFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.publish = f
}

// SetCallbacks wires the caller-supplied error and progress handlers
func (q *SyncQueue) SetCallbacks(onError func(kind string, err error), onProcessed func(processed, remaining int)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onError = onError
	q.onProcessed = onProcessed
}

// Enqueue inserts a new event in priority order and persists the queue.
// Returns the queued event immediately; delivery happens on the next
// drain.
func (q *SyncQueue) Enqueue(ctx context.Context, payload models.EventPayload, priority models.Priority, encrypted bool) (*models.SyncEvent, error) {
	event, err := models.NewSyncEvent(payload, q.deviceID, priority, encrypted)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.insertLocked(event)
	if q.cfg.QueueMaxSize > 0 && len(q.events) > q.cfg.QueueMaxSize {
		q.evictLocked(ctx)
	}
	q.mu.Unlock()

	q.metrics.RecordEnqueue(ctx, string(priority))
	q.persist(ctx)
	return event, nil
}

// EnqueueCritical enqueues at critical priority and additionally makes
// a synchronous best-effort delivery attempt.
func (q *SyncQueue) EnqueueCritical(ctx context.Context, payload models.EventPayload, encrypted bool) (*models.SyncEvent, error) {
	event, err := q.Enqueue(ctx, payload, models.PriorityCritical, encrypted)
	if err != nil {
		return nil, err
	}
	if q.monitor == nil || q.monitor.IsConnected() {
		q.ProcessQueue(ctx)
	}
	return event, nil
}

// insertLocked keeps the slice ordered by priority weight, FIFO within
// the same priority.
func (q *SyncQueue) insertLocked(event *models.SyncEvent) {
	weight := event.Priority.Weight()
	idx := len(q.events)
	for i, existing := range q.events {
		if existing.Priority.Weight() < weight {
			idx = i
			break
		}
	}
	q.events = append(q.events, nil)
	copy(q.events[idx+1:], q.events[idx:])
	q.events[idx] = event
}

// evictLocked removes the oldest event of the lowest priority present.
// The slice is sorted with low priorities at the tail and FIFO within a
// class, so the victim is the first element of the last class region.
func (q *SyncQueue) evictLocked(ctx context.Context) {
	for weight := 0; weight <= models.PriorityCritical.Weight(); weight++ {
		for i, event := range q.events {
			if event.Priority.Weight() == weight {
				q.logger.WithField("event_id", event.ID).Warn("queue full, evicting oldest low-priority event")
				q.events = append(q.events[:i], q.events[i+1:]...)
				q.metrics.RecordEvicted(ctx)
				return
			}
		}
	}
}

// ProcessQueue drains one bounded batch. Non-reentrant: a second
// trigger while a run is in progress is ignored, and whatever remains
// is picked up by the next run.
func (q *SyncQueue) ProcessQueue(ctx context.Context) {
	q.mu.Lock()
	if q.processing || len(q.events) == 0 {
		q.mu.Unlock()
		return
	}
	q.processing = true

	batchSize := q.cfg.BatchSize
	if batchSize <= 0 || batchSize > len(q.events) {
		batchSize = len(q.events)
	}
	batch := make([]*models.SyncEvent, batchSize)
	copy(batch, q.events[:batchSize])
	q.events = q.events[batchSize:]
	publish := q.publish
	q.mu.Unlock()

	processed := 0
	for _, event := range batch {
		if err := q.deliver(ctx, publish, event); err != nil {
			q.handleFailure(ctx, event, err)
			continue
		}
		processed++
		q.metrics.RecordPublished(ctx, string(event.Type))
	}

	q.mu.Lock()
	q.processing = false
	remaining := len(q.events)
	onProcessed := q.onProcessed
	q.mu.Unlock()

	q.persist(ctx)
	if onProcessed != nil {
		onProcessed(processed, remaining)
	}
}

func (q *SyncQueue) deliver(ctx context.Context, publish PublishFunc, event *models.SyncEvent) error {
	if publish == nil {
		return fmt.Errorf("no publish path configured")
	}
	return publish(ctx, event)
}

// handleFailure reschedules a failed event with exponential backoff, or
// drops it once the retry cap is exceeded.
func (q *SyncQueue) handleFailure(ctx context.Context, event *models.SyncEvent, cause error) {
	event.RetryCount++

	if event.RetryCount > q.cfg.MaxRetries {
		q.metrics.RecordDropped(ctx)
		q.logger.WithField("event_id", event.ID).
			Errorf("dropping event after %d retries: %v", event.RetryCount-1, cause)

		q.mu.Lock()
		onError := q.onError
		q.mu.Unlock()
		if onError != nil {
			onError(ErrKindMaxRetries, fmt.Errorf("event %s (%s) exceeded %d retries: %w",
				event.ID, event.Type, q.cfg.MaxRetries, cause))
		}
		return
	}

	delay := q.RetryDelay(event.RetryCount)
	q.metrics.RecordRetry(ctx, event.RetryCount)
	q.logger.WithField("event_id", event.ID).
		Debugf("delivery failed (attempt %d), retrying in %s: %v", event.RetryCount, delay, cause)

	q.schedule(delay, func() {
		q.mu.Lock()
		q.insertLocked(event)
		q.mu.Unlock()
		q.persist(context.Background())
	})
}

// RetryDelay computes baseDelay * 2^(retryCount-1)
func (q *SyncQueue) RetryDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	return q.cfg.RetryBaseDelay() * time.Duration(1<<(retryCount-1))
}

// Start launches the periodic drain loop, gated on the connection state
func (q *SyncQueue) Start(ctx context.Context) {
	interval := q.cfg.DrainInterval()
	if interval <= 0 {
		interval = 15 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-q.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if q.monitor == nil || q.monitor.IsConnected() {
					q.ProcessQueue(ctx)
				}
			}
		}
	}()
}

// Stop halts the periodic drain loop
func (q *SyncQueue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
}

// Depth returns the number of events waiting in the queue
func (q *SyncQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Snapshot returns a copy of the queued events in drain order
func (q *SyncQueue) Snapshot() []*models.SyncEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.SyncEvent, len(q.events))
	copy(out, q.events)
	return out
}

// Restore reloads the persisted queue after a process restart
func (q *SyncQueue) Restore(ctx context.Context) error {
	raw, err := q.cache.Get(ctx, queueCacheKey)
	if err != nil {
		if err == repository.ErrCacheMiss {
			return nil
		}
		// Cache failures are non-fatal; carry on in memory only.
		q.logger.Warnf("queue restore failed: %v", err)
		return nil
	}

	var events []*models.SyncEvent
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		q.logger.Warnf("discarding corrupt queue snapshot: %v", err)
		return nil
	}

	q.mu.Lock()
	q.events = nil
	for _, event := range events {
		q.insertLocked(event)
	}
	restored := len(q.events)
	q.mu.Unlock()

	if restored > 0 {
		q.logger.Infof("restored %d pending events from cache", restored)
	}
	return nil
}

// persist snapshots the queue to the durable cache. Failures are
// logged, never fatal.
func (q *SyncQueue) persist(ctx context.Context) {
	q.mu.Lock()
	data, err := json.Marshal(q.events)
	q.mu.Unlock()
	if err != nil {
		q.logger.Warnf("queue snapshot marshal failed: %v", err)
		return
	}
	if err := q.cache.Set(ctx, queueCacheKey, string(data)); err != nil {
		q.logger.Warnf("queue snapshot write failed: %v", err)
	}
}
