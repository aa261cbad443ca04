package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// LocalCacheRepository implements LocalCache over the sqlite kv_cache table
type LocalCacheRepository struct {
	db *sql.DB
}

// NewLocalCacheRepository creates a new local cache repository
func NewLocalCacheRepository(db *sql.DB) *LocalCacheRepository {
	return &LocalCacheRepository{db: db}
}

// Get returns the value for key, or ErrCacheMiss when absent
func (r *LocalCacheRepository) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM kv_cache WHERE key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Set stores or replaces the value for key
func (r *LocalCacheRepository) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO kv_cache (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	return err
}

// Delete removes a key; absent keys are not an error
func (r *LocalCacheRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM kv_cache WHERE key = ?`, key)
	return err
}
