package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/relaycrm/syncengine/internal/models"
)

// AuditRepository implements AuditRepo over the sqlite audit_log table
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record inserts one audit entry
func (r *AuditRepository) Record(ctx context.Context, entry *models.AuditEntry) error {
	var metadata sql.NullString
	if entry.Metadata != nil {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return err
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, resource, outcome, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Action, entry.Resource, entry.Outcome, metadata, entry.CreatedAt)
	return err
}

// ListRecent returns the newest audit entries up to limit
func (r *AuditRepository) ListRecent(ctx context.Context, limit int) ([]*models.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, action, resource, outcome, metadata, created_at
		FROM audit_log ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		entry := &models.AuditEntry{}
		var metadata sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Resource, &entry.Outcome, &metadata, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &entry.Metadata); err != nil {
				return nil, err
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
