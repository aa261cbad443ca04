package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/relaycrm/syncengine/internal/models"
)

// DeviceRepository implements DeviceRegistry over the shared PostgreSQL
// store, so every device in a user's mesh sees the same roster.
type DeviceRepository struct {
	db *sql.DB
}

// NewDeviceRepository creates a new DeviceRepository
func NewDeviceRepository(db *sql.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

func (r *DeviceRepository) GetByID(ctx context.Context, id string) (*models.Device, error) {
	query := `SELECT id, user_id, device_name, platform, registered_at, last_seen_at, is_active
			  FROM devices WHERE id = $1`

	var device models.Device
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&device.ID, &device.UserID, &device.Name, &device.Platform,
		&device.RegisteredAt, &device.LastSeenAt, &device.IsActive,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *DeviceRepository) ListForUser(ctx context.Context, userID string) ([]*models.Device, error) {
	query := `SELECT id, user_id, device_name, platform, registered_at, last_seen_at, is_active
			  FROM devices WHERE user_id = $1 ORDER BY last_seen_at DESC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		var device models.Device
		if err := rows.Scan(&device.ID, &device.UserID, &device.Name, &device.Platform,
			&device.RegisteredAt, &device.LastSeenAt, &device.IsActive); err != nil {
			return nil, err
		}
		devices = append(devices, &device)
	}
	return devices, rows.Err()
}

// Upsert registers a device, or refreshes its name, platform and
// last-seen time when it is already known. Re-registering reactivates
// a deactivated device.
func (r *DeviceRepository) Upsert(ctx context.Context, device *models.Device) error {
	query := `INSERT INTO devices (id, user_id, device_name, platform, registered_at, last_seen_at, is_active)
			  VALUES ($1, $2, $3, $4, $5, $6, $7)
			  ON CONFLICT (id) DO UPDATE
			  SET device_name = EXCLUDED.device_name,
				  platform = EXCLUDED.platform,
				  last_seen_at = EXCLUDED.last_seen_at,
				  is_active = true`

	_, err := r.db.ExecContext(ctx, query,
		device.ID, device.UserID, device.Name, device.Platform,
		device.RegisteredAt, device.LastSeenAt, device.IsActive,
	)
	return err
}

func (r *DeviceRepository) Touch(ctx context.Context, id string) error {
	query := `UPDATE devices SET last_seen_at = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, time.Now().UTC())
	return err
}

func (r *DeviceRepository) Deactivate(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `UPDATE devices SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}
