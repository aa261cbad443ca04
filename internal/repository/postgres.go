package repository

import (
	"database/sql"

	_ "github.com/lib/pq"
)

// NewPostgresDB connects to the shared backing store and ensures the
// event log schema exists
func NewPostgresDB(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := createPostgresTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createPostgresTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_events (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		origin_device TEXT NOT NULL,
		priority TEXT NOT NULL,
		encrypted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_sync_events_user ON sync_events(user_id, created_at);

	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		device_name TEXT NOT NULL,
		platform TEXT NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE INDEX IF NOT EXISTS idx_devices_user ON devices(user_id, last_seen_at);

	CREATE OR REPLACE FUNCTION notify_sync_event() RETURNS trigger AS $$
	BEGIN
		PERFORM pg_notify('sync_events_feed', row_to_json(NEW)::text);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS sync_events_notify ON sync_events;
	CREATE TRIGGER sync_events_notify
		AFTER INSERT ON sync_events
		FOR EACH ROW EXECUTE FUNCTION notify_sync_event();
	`

	_, err := db.Exec(schema)
	return err
}
