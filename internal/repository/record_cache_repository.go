package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/relaycrm/syncengine/internal/models"
)

// RecordCacheRepository implements RecordCacheRepo over sqlite
type RecordCacheRepository struct {
	db *sql.DB
}

// NewRecordCacheRepository creates a new record cache repository
func NewRecordCacheRepository(db *sql.DB) *RecordCacheRepository {
	return &RecordCacheRepository{db: db}
}

// Put stores or replaces the cached copy of a record
func (r *RecordCacheRepository) Put(ctx context.Context, rec *models.CachedRecord) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return err
	}

	pending := 0
	if rec.PendingLocal {
		pending = 1
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO record_cache (table_name, record_id, data, updated_at, pending_local)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(table_name, record_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at,
			pending_local = excluded.pending_local
	`, rec.Table, rec.RecordID, string(data), rec.UpdatedAt, pending)
	return err
}

// Get returns the cached record, or nil when the record is unknown
func (r *RecordCacheRepository) Get(ctx context.Context, table, recordID string) (*models.CachedRecord, error) {
	var (
		data      string
		updatedAt time.Time
		pending   int
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT data, updated_at, pending_local FROM record_cache
		WHERE table_name = ? AND record_id = ?
	`, table, recordID).Scan(&data, &updatedAt, &pending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec := &models.CachedRecord{
		Table:        table,
		RecordID:     recordID,
		UpdatedAt:    updatedAt,
		PendingLocal: pending == 1,
	}
	if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkSynced clears the pending-local flag after a successful delivery
func (r *RecordCacheRepository) MarkSynced(ctx context.Context, table, recordID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE record_cache SET pending_local = 0
		WHERE table_name = ? AND record_id = ?
	`, table, recordID)
	return err
}
