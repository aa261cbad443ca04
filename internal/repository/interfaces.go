package repository

import (
	"context"
	"errors"

	"github.com/relaycrm/syncengine/internal/models"
)

// ErrCacheMiss is returned when a key is absent from the local cache
var ErrCacheMiss = errors.New("cache miss")

// LocalCache is the durable key/value store that survives restarts.
// Failures are tolerated by callers: logged, never fatal.
type LocalCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// SharedStore is the remote backing store all devices write to
type SharedStore interface {
	Insert(ctx context.Context, table string, record map[string]any) error
}

// ChangeFeed streams change notifications from the shared store.
// At-least-once delivery; consumers de-duplicate by event id.
type ChangeFeed interface {
	Subscribe(ctx context.Context, filter models.ChangeFilter, handler func(models.ChangeNotification)) error
	Unsubscribe() error
}

// AuditRepo persists fire-and-forget audit records
type AuditRepo interface {
	Record(ctx context.Context, entry *models.AuditEntry) error
	ListRecent(ctx context.Context, limit int) ([]*models.AuditEntry, error)
}

// DeviceRegistry tracks the devices participating in a user's mesh
type DeviceRegistry interface {
	GetByID(ctx context.Context, id string) (*models.Device, error)
	ListForUser(ctx context.Context, userID string) ([]*models.Device, error)
	Upsert(ctx context.Context, device *models.Device) error
	Touch(ctx context.Context, id string) error
	Deactivate(ctx context.Context, id string) (bool, error)
}

// RecordCacheRepo tracks the engine's local copy of logical records so
// incoming remote changes can be diffed against them
type RecordCacheRepo interface {
	Put(ctx context.Context, rec *models.CachedRecord) error
	Get(ctx context.Context, table, recordID string) (*models.CachedRecord, error)
	MarkSynced(ctx context.Context, table, recordID string) error
}
