package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/relaycrm/syncengine/internal/config"
	"github.com/relaycrm/syncengine/internal/models"
	"github.com/relaycrm/syncengine/internal/observability"
	"github.com/relaycrm/syncengine/internal/repository"
)

// disconnectNotifier is implemented by feeds that can report losing
// their stream (the websocket client; the Postgres listener reconnects
// internally).
type disconnectNotifier interface {
	SetOnDisconnect(func())
}

// Engine is the sync engine facade: one instance per device session.
// It owns the queue, the connection monitor, the distributor, and the
// conflict pipeline, and wires their callbacks together.
type Engine struct {
	cfg *config.Config

	queue       *SyncQueue
	monitor     *ConnectionMonitor
	distributor *EventDistributor
	detector    *ConflictDetector
	resolver    *ConflictResolver
	crypto      *CryptoService
	audit       *AuditService
	records     repository.RecordCacheRepo

	logger  *observability.Logger
	metrics *observability.EngineMetrics

	mu          sync.Mutex
	onEventSubs []func(*models.SyncEvent)
	onErrorSubs []func(kind string, err error)
}

// NewEngine assembles the engine from its storage and transport
// dependencies and wires the internal callback graph.
func NewEngine(cfg *config.Config, cache repository.LocalCache, store repository.SharedStore, feed repository.ChangeFeed, records repository.RecordCacheRepo, auditRepo repository.AuditRepo, logger *observability.Logger, metrics *observability.EngineMetrics) (*Engine, error) {
	crypto, err := NewCryptoService(cfg.Security.EncryptionKey)
	if err != nil {
		return nil, err
	}

	audit := NewAuditService(auditRepo, logger)
	monitor := NewConnectionMonitor(cfg.Engine.ReconnectBase(), cfg.Engine.MaxReconnectAttempts, logger)
	detector := NewConflictDetector(logger)
	resolver := NewConflictResolver(cfg.Engine.HistoryLimit, audit, logger, metrics)
	distributor := NewEventDistributor(cfg.DeviceID, cfg.UserID, store, feed, crypto, detector, records, audit, logger, metrics)
	queue := NewSyncQueue(cfg.DeviceID, cfg.Engine, cache, monitor, logger, metrics)

	e := &Engine{
		cfg:         cfg,
		queue:       queue,
		monitor:     monitor,
		distributor: distributor,
		detector:    detector,
		resolver:    resolver,
		crypto:      crypto,
		audit:       audit,
		records:     records,
		logger:      logger,
		metrics:     metrics,
	}

	queue.SetPublishFunc(distributor.Publish)
	queue.SetCallbacks(e.fanOutError, e.logDrain)

	// Being "connected" means the feed subscription is live.
	monitor.SetConnectFunc(distributor.Subscribe)
	monitor.Subscribe(func(state models.ConnectionState) {
		if state.Status == models.ConnConnected {
			// Drain out of band as soon as connectivity returns.
			go queue.ProcessQueue(context.Background())
		}
	})

	if notifier, ok := feed.(disconnectNotifier); ok {
		notifier.SetOnDisconnect(func() {
			monitor.HandleSubscriptionLoss(context.Background())
		})
	}

	distributor.SetCallbacks(e.fanOutEvent, e.handleConflict, e.fanOutError)
	return e, nil
}

// Initialize restores persisted state and brings the engine online
func (e *Engine) Initialize(ctx context.Context) error {
	if err := e.queue.Restore(ctx); err != nil {
		return err
	}
	if err := e.monitor.Connect(ctx); err != nil {
		// Backoff takes over; the engine still works offline.
		e.logger.Warnf("initial connect failed, retrying in background: %v", err)
	}
	e.queue.Start(ctx)
	e.audit.Record(ctx, "engine_started", e.cfg.DeviceID, "success", nil)
	return nil
}

// Shutdown stops background work and detaches from the feed
func (e *Engine) Shutdown(ctx context.Context) {
	e.queue.Stop()
	if err := e.distributor.Teardown(); err != nil {
		e.logger.Warnf("feed teardown failed: %v", err)
	}
	e.monitor.Close()
	e.audit.Record(ctx, "engine_stopped", e.cfg.DeviceID, "success", nil)
}

// Enqueue records a local mutation: the target record is marked as
// having unsynced local edits, then the event is queued for delivery.
func (e *Engine) Enqueue(ctx context.Context, payload models.EventPayload, priority models.Priority, encrypted bool) (*models.SyncEvent, error) {
	if err := validateMutation(payload, priority); err != nil {
		return nil, err
	}
	e.markPendingLocal(ctx, payload)
	return e.queue.Enqueue(ctx, payload, priority, encrypted)
}

// EnqueueCritical queues at critical priority with an immediate
// synchronous delivery attempt.
func (e *Engine) EnqueueCritical(ctx context.Context, payload models.EventPayload, encrypted bool) (*models.SyncEvent, error) {
	if err := validateMutation(payload, models.PriorityCritical); err != nil {
		return nil, err
	}
	// Mark before delivery so a synchronous publish observes the edit.
	e.markPendingLocal(ctx, payload)
	return e.queue.EnqueueCritical(ctx, payload, encrypted)
}

func validateMutation(payload models.EventPayload, priority models.Priority) error {
	if payload == nil {
		return errors.New("payload is nil")
	}
	if err := payload.Validate(); err != nil {
		return err
	}
	if priority.Weight() < 0 {
		return models.ErrInvalidPriority
	}
	return nil
}

// FlushNow forces a drain attempt regardless of the periodic timer
func (e *Engine) FlushNow(ctx context.Context) {
	e.queue.ProcessQueue(ctx)
}

// SetOnline feeds an external connectivity signal into the monitor
func (e *Engine) SetOnline(ctx context.Context, online bool) {
	e.monitor.SetOnline(ctx, online)
}

// Reconnect clears the backoff cap and tries again immediately
func (e *Engine) Reconnect(ctx context.Context) error {
	return e.monitor.Connect(ctx)
}

// Status reports the engine's current externally visible state
func (e *Engine) Status() models.SyncStatusResponse {
	return models.SyncStatusResponse{
		Connection:       e.monitor.State(),
		QueueDepth:       e.queue.Depth(),
		PendingConflicts: len(e.resolver.PendingConflicts(e.cfg.UserID)),
		DeviceID:         e.cfg.DeviceID,
	}
}

// Audit exposes the audit trail for the status API
func (e *Engine) Audit() *AuditService {
	return e.audit
}

// PendingConflicts lists unresolved conflicts for a user
func (e *Engine) PendingConflicts(userID string) []*models.ConflictRecord {
	return e.resolver.PendingConflicts(userID)
}

// ResolutionHistory lists a user's recent resolution outcomes
func (e *Engine) ResolutionHistory(userID string) []models.ResolutionResult {
	return e.resolver.ResolutionHistory(userID)
}

// ResolveManually settles a pending conflict with an explicit choice
// and writes the winning data back to the record cache.
func (e *Engine) ResolveManually(ctx context.Context, conflictID, userID string, choice models.ManualChoice, custom map[string]any) (*models.ResolutionResult, error) {
	conflict := e.findPending(userID, conflictID)
	result, err := e.resolver.ResolveManually(ctx, conflictID, userID, choice, custom)
	if err != nil {
		return nil, err
	}
	if conflict != nil {
		if err := e.distributor.ApplyResolution(ctx, conflict, result.ResolvedData); err != nil {
			e.logger.Warnf("applying manual resolution %s: %v", conflictID, err)
		}
	}
	return result, nil
}

// OnSyncEvent registers a consumer of incoming remote events
func (e *Engine) OnSyncEvent(cb func(*models.SyncEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEventSubs = append(e.onEventSubs, cb)
}

// OnError registers a consumer of delivery and decode failures
func (e *Engine) OnError(cb func(kind string, err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onErrorSubs = append(e.onErrorSubs, cb)
}

// handleConflict runs the automatic resolution pipeline for a conflict
// surfaced by the distributor.
func (e *Engine) handleConflict(conflict *models.ConflictRecord) {
	ctx := context.Background()
	result := e.resolver.Resolve(ctx, conflict)
	if !result.Success {
		e.logger.WithField("conflict_id", conflict.ConflictID).
			Info("conflict pending manual resolution")
		return
	}
	if err := e.distributor.ApplyResolution(ctx, conflict, result.ResolvedData); err != nil {
		e.logger.Warnf("applying resolution %s: %v", conflict.ConflictID, err)
	}
}

// markPendingLocal updates the cached copy of the record this payload
// mutates, flagged as unsynced so incoming changes diff against it.
func (e *Engine) markPendingLocal(ctx context.Context, payload models.EventPayload) {
	table := targetTable(payload.Kind())
	recordID := payload.UserKey()

	data := payload.Record()
	if cached, err := e.records.Get(ctx, table, recordID); err == nil && cached != nil {
		merged := make(map[string]any, len(cached.Data)+len(data))
		for k, v := range cached.Data {
			merged[k] = v
		}
		for k, v := range data {
			merged[k] = v
		}
		data = merged
	}

	rec := &models.CachedRecord{
		Table:        table,
		RecordID:     recordID,
		Data:         data,
		UpdatedAt:    time.Now().UTC(),
		PendingLocal: true,
	}
	if err := e.records.Put(ctx, rec); err != nil {
		e.logger.Warnf("record cache write failed for %s/%s: %v", table, recordID, err)
	}
}

func (e *Engine) findPending(userID, conflictID string) *models.ConflictRecord {
	for _, c := range e.resolver.PendingConflicts(userID) {
		if c.ConflictID == conflictID {
			return c
		}
	}
	return nil
}

func (e *Engine) fanOutEvent(event *models.SyncEvent) {
	e.mu.Lock()
	subs := make([]func(*models.SyncEvent), len(e.onEventSubs))
	copy(subs, e.onEventSubs)
	e.mu.Unlock()
	for _, cb := range subs {
		cb(event)
	}
}

func (e *Engine) fanOutError(kind string, err error) {
	e.mu.Lock()
	subs := make([]func(string, error), len(e.onErrorSubs))
	copy(subs, e.onErrorSubs)
	e.mu.Unlock()
	for _, cb := range subs {
		cb(kind, err)
	}
}

func (e *Engine) logDrain(processed, remaining int) {
	if processed > 0 || remaining > 0 {
		e.logger.Debugf("queue drain: %d delivered, %d remaining", processed, remaining)
	}
}
