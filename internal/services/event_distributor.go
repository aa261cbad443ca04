package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/relaycrm/syncengine/internal/models"
	"github.com/relaycrm/syncengine/internal/observability"
	"github.com/relaycrm/syncengine/internal/repository"
)

// eventLogTable is the shared-store table every device publishes to and
// every device's feed subscription watches.
const eventLogTable = "sync_events"

// seenCap bounds the dedup window. The feed is at-least-once, so the
// same event id can arrive more than once within a session.
const seenCap = 1024

// EventDistributor is the fan-out layer: it publishes queued events to
// the shared store and turns incoming feed notifications back into
// typed events, dropping self-echoes and duplicates, and handing
// suspected conflicts to the resolver path.
type EventDistributor struct {
	deviceID string
	userID   string

	store    repository.SharedStore
	feed     repository.ChangeFeed
	crypto   *CryptoService
	detector *ConflictDetector
	records  repository.RecordCacheRepo
	audit    *AuditService
	logger   *observability.Logger
	metrics  *observability.EngineMetrics

	mu         sync.Mutex
	subscribed bool
	seen       map[string]bool
	seenOrder  []string

	onEvent    func(event *models.SyncEvent)
	onConflict func(conflict *models.ConflictRecord)
	onError    func(kind string, err error)
}

func NewEventDistributor(deviceID, userID string, store repository.SharedStore, feed repository.ChangeFeed, crypto *CryptoService, detector *ConflictDetector, records repository.RecordCacheRepo, audit *AuditService, logger *observability.Logger, metrics *observability.EngineMetrics) *EventDistributor {
	return &EventDistributor{
		deviceID: deviceID,
		userID:   userID,
		store:    store,
		feed:     feed,
		crypto:   crypto,
		detector: detector,
		records:  records,
		audit:    audit,
		logger:   logger,
		metrics:  metrics,
		seen:     make(map[string]bool),
	}
}

// SetCallbacks wires the consumers of incoming events and conflicts
func (d *EventDistributor) SetCallbacks(onEvent func(*models.SyncEvent), onConflict func(*models.ConflictRecord), onError func(kind string, err error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onEvent = onEvent
	d.onConflict = onConflict
	d.onError = onError
}

// Publish writes one event to the shared event log. Encrypted events
// carry their payload as ciphertext; everything else travels as JSON.
func (d *EventDistributor) Publish(ctx context.Context, event *models.SyncEvent) error {
	raw, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event.Type, err)
	}

	payload := string(raw)
	if event.Encrypted {
		payload, err = d.crypto.Encrypt(raw)
		if err != nil {
			return fmt.Errorf("encrypt %s payload: %w", event.Type, err)
		}
	}

	record := map[string]any{
		"id":            event.ID,
		"user_id":       event.Payload.UserKey(),
		"event_type":    string(event.Type),
		"payload":       payload,
		"origin_device": event.OriginDevice,
		"priority":      string(event.Priority),
		"encrypted":     event.Encrypted,
		"created_at":    event.CreatedAt.Format(time.RFC3339Nano),
	}

	if err := d.store.Insert(ctx, eventLogTable, record); err != nil {
		return fmt.Errorf("publish event %s: %w", event.ID, err)
	}

	// The local copy is no longer ahead of the shared store.
	if err := d.records.MarkSynced(ctx, targetTable(event.Type), event.Payload.UserKey()); err != nil {
		d.logger.Warnf("marking %s/%s synced: %v", targetTable(event.Type), event.Payload.UserKey(), err)
	}

	if event.Priority == models.PriorityCritical || isSensitiveEventType(event.Type) {
		d.audit.Record(ctx, "event_published", string(event.Type), "success", map[string]any{
			"event_id":  event.ID,
			"priority":  event.Priority,
			"encrypted": event.Encrypted,
		})
	}
	return nil
}

// Subscribe attaches to the change feed for this user. Idempotent: a
// second call while subscribed is a no-op.
func (d *EventDistributor) Subscribe(ctx context.Context) error {
	d.mu.Lock()
	if d.subscribed {
		d.mu.Unlock()
		return nil
	}
	d.subscribed = true
	d.mu.Unlock()

	filter := models.ChangeFilter{UserID: d.userID, Table: eventLogTable}
	if err := d.feed.Subscribe(ctx, filter, d.HandleRemoteChange); err != nil {
		d.mu.Lock()
		d.subscribed = false
		d.mu.Unlock()
		return err
	}
	d.logger.WithField("user_id", d.userID).Info("subscribed to change feed")
	return nil
}

// Teardown detaches from the change feed
func (d *EventDistributor) Teardown() error {
	d.mu.Lock()
	if !d.subscribed {
		d.mu.Unlock()
		return nil
	}
	d.subscribed = false
	d.mu.Unlock()
	return d.feed.Unsubscribe()
}

// HandleRemoteChange processes one feed notification: drop self-echoes
// and duplicates, decrypt and decode the payload, then hand the event
// to the consumer and run conflict detection against the local copy.
// Malformed or undecryptable notifications are discarded, never fatal.
func (d *EventDistributor) HandleRemoteChange(n models.ChangeNotification) {
	ctx := context.Background()
	row := n.New
	if row == nil {
		return
	}

	origin, _ := row["origin_device"].(string)
	if origin == d.deviceID {
		d.metrics.RecordSelfEcho(ctx)
		return
	}

	id, _ := row["id"].(string)
	if id == "" || d.alreadySeen(id) {
		return
	}

	event, err := d.decodeRow(row)
	if err != nil {
		d.logger.WithField("event_id", id).Warnf("discarding feed entry: %v", err)
		d.reportError(errKindFor(err), err)
		return
	}

	d.mu.Lock()
	onEvent := d.onEvent
	d.mu.Unlock()
	if onEvent != nil {
		onEvent(event)
	}

	d.reconcile(ctx, event)
}

// decodeRow rebuilds a typed event from a feed row
func (d *EventDistributor) decodeRow(row map[string]any) (*models.SyncEvent, error) {
	kind := models.EventType(stringField(row, "event_type"))
	payload := stringField(row, "payload")
	encrypted, _ := row["encrypted"].(bool)

	if encrypted {
		plain, err := d.crypto.Decrypt(payload)
		if err != nil {
			return nil, errDecrypt{err}
		}
		payload = string(plain)
	}

	typed, err := models.DecodePayload(kind, []byte(payload))
	if err != nil {
		return nil, err
	}

	priority, err := models.ParsePriority(stringField(row, "priority"))
	if err != nil {
		priority = models.PriorityNormal
	}

	event := &models.SyncEvent{
		ID:           stringField(row, "id"),
		Type:         kind,
		Payload:      typed,
		OriginDevice: stringField(row, "origin_device"),
		Priority:     priority,
		Encrypted:    encrypted,
	}
	if ts, err := time.Parse(time.RFC3339Nano, stringField(row, "created_at")); err == nil {
		event.CreatedAt = ts
	}
	return event, nil
}

// reconcile diffs the incoming change against the locally cached copy.
// A clean local copy just gets updated; a copy with unsynced local
// edits goes through conflict detection.
func (d *EventDistributor) reconcile(ctx context.Context, event *models.SyncEvent) {
	table := targetTable(event.Type)
	recordID := event.Payload.UserKey()
	remote := event.Payload.Record()

	cached, err := d.records.Get(ctx, table, recordID)
	if err != nil {
		d.logger.Warnf("record cache read failed for %s/%s: %v", table, recordID, err)
		return
	}

	if cached == nil || !cached.PendingLocal {
		d.applyRemote(ctx, table, recordID, cached, remote)
		return
	}

	conflict := d.detector.DetectConflicts(d.userID, table, recordID, event.OriginDevice, cached.Data, remote)
	if conflict == nil {
		d.applyRemote(ctx, table, recordID, cached, remote)
		return
	}

	d.metrics.RecordConflictDetected(ctx, string(conflict.ConflictType), string(conflict.Severity))
	d.logger.WithField("conflict_id", conflict.ConflictID).
		Warnf("conflict detected on %s/%s (%s, %s)", table, recordID, conflict.ConflictType, conflict.Severity)

	d.mu.Lock()
	onConflict := d.onConflict
	d.mu.Unlock()
	if onConflict != nil {
		onConflict(conflict)
	}
}

func (d *EventDistributor) applyRemote(ctx context.Context, table, recordID string, cached *models.CachedRecord, remote map[string]any) {
	data := remote
	if cached != nil {
		// Remote payloads are partial; merge them over the known copy.
		data = make(map[string]any, len(cached.Data)+len(remote))
		for k, v := range cached.Data {
			data[k] = v
		}
		for k, v := range remote {
			data[k] = v
		}
	}

	rec := &models.CachedRecord{
		Table:     table,
		RecordID:  recordID,
		Data:      data,
		UpdatedAt: time.Now().UTC(),
	}
	if err := d.records.Put(ctx, rec); err != nil {
		d.logger.Warnf("record cache write failed for %s/%s: %v", table, recordID, err)
	}
}

// ApplyResolution writes resolver output back to the record cache and
// clears the pending-local flag.
func (d *EventDistributor) ApplyResolution(ctx context.Context, conflict *models.ConflictRecord, resolved map[string]any) error {
	rec := &models.CachedRecord{
		Table:     conflict.Table,
		RecordID:  conflict.RecordID,
		Data:      resolved,
		UpdatedAt: time.Now().UTC(),
	}
	if err := d.records.Put(ctx, rec); err != nil {
		return err
	}
	return d.records.MarkSynced(ctx, conflict.Table, conflict.RecordID)
}

// alreadySeen records the id and reports whether it was a duplicate.
// The window is bounded FIFO.
func (d *EventDistributor) alreadySeen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[id] {
		return true
	}
	d.seen[id] = true
	d.seenOrder = append(d.seenOrder, id)
	if len(d.seenOrder) > seenCap {
		delete(d.seen, d.seenOrder[0])
		d.seenOrder = d.seenOrder[1:]
	}
	return false
}

func (d *EventDistributor) reportError(kind string, err error) {
	d.mu.Lock()
	onError := d.onError
	d.mu.Unlock()
	if onError != nil {
		onError(kind, err)
	}
}

// targetTable maps an event kind to the logical record table it mutates
func targetTable(kind models.EventType) string {
	switch kind {
	case models.EventProfileUpdate, models.EventAvatarChanged:
		return "users"
	case models.EventSettingsSync, models.EventNotificationPrefs:
		return "settings"
	case models.EventCredentialsRotated:
		return "credentials"
	default:
		return string(kind)
	}
}

func isSensitiveEventType(kind models.EventType) bool {
	if kind == models.EventCredentialsRotated {
		return true
	}
	lower := strings.ToLower(string(kind))
	return strings.Contains(lower, "credential") || strings.Contains(lower, "security")
}

func stringField(row map[string]any, key string) string {
	s, _ := row[key].(string)
	return s
}

// errDecrypt wraps decryption failures so callers can classify them
type errDecrypt struct{ cause error }

func (e errDecrypt) Error() string { return "decrypt failed: " + e.cause.Error() }
func (e errDecrypt) Unwrap() error { return e.cause }

func errKindFor(err error) string {
	var de errDecrypt
	if errors.As(err, &de) {
		return ErrKindDecryptFailed
	}
	return ErrKindBadPayload
}
