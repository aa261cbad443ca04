package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/relaycrm/syncengine/internal/models"
)

const feedChannel = "sync_events_feed"

// EventLogRepository implements SharedStore over the PostgreSQL
// append-only event log. Inserts are idempotent by event id so benign
// at-least-once retries never duplicate rows.
type EventLogRepository struct {
	db *sql.DB
}

// NewEventLogRepository creates a new event log repository
func NewEventLogRepository(db *sql.DB) *EventLogRepository {
	return &EventLogRepository{db: db}
}

// Insert appends one event record to the log. The insert trigger fans
// the row out to every feed subscriber, including the writer.
func (r *EventLogRepository) Insert(ctx context.Context, table string, record map[string]any) error {
	if table != "sync_events" {
		return fmt.Errorf("unknown shared store table %q", table)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_events (id, user_id, event_type, payload, origin_device, priority, encrypted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`,
		record["id"],
		record["user_id"],
		record["event_type"],
		record["payload"],
		record["origin_device"],
		record["priority"],
		record["encrypted"],
		record["created_at"],
	)
	return err
}

// Prune deletes event rows older than the retention window
func (r *EventLogRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM sync_events WHERE created_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// EventLogFeed implements ChangeFeed over LISTEN/NOTIFY
type EventLogFeed struct {
	listener *pq.Listener
	dsn      string

	mu       sync.Mutex
	active   bool
	done     chan struct{}
	onOnline func(connected bool)
}

// NewEventLogFeed creates a change feed over the given connection
// string. onOnline, when non-nil, is told about listener connectivity
// transitions so the connection monitor can track subscription loss.
func NewEventLogFeed(dsn string, onOnline func(connected bool)) *EventLogFeed {
	return &EventLogFeed{dsn: dsn, onOnline: onOnline}
}

// Subscribe starts listening for event log inserts matching the filter.
// Re-subscribing while already subscribed is a no-op.
func (f *EventLogFeed) Subscribe(ctx context.Context, filter models.ChangeFilter, handler func(models.ChangeNotification)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active {
		return nil
	}

	listener := pq.NewListener(f.dsn, 2*time.Second, time.Minute, func(event pq.ListenerEventType, err error) {
		switch event {
		case pq.ListenerEventConnected, pq.ListenerEventReconnected:
			f.notifyOnline(true)
		case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
			f.notifyOnline(false)
		}
	})
	if err := listener.Listen(feedChannel); err != nil {
		listener.Close()
		return fmt.Errorf("listen on %s: %w", feedChannel, err)
	}

	f.listener = listener
	f.active = true
	f.done = make(chan struct{})

	go f.dispatch(ctx, filter, handler)
	return nil
}

func (f *EventLogFeed) dispatch(ctx context.Context, filter models.ChangeFilter, handler func(models.ChangeNotification)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case n, ok := <-f.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Reconnect marker from pq; nothing to deliver.
				continue
			}

			var record map[string]any
			if err := json.Unmarshal([]byte(n.Extra), &record); err != nil {
				continue
			}
			if filter.UserID != "" {
				if uid, _ := record["user_id"].(string); uid != filter.UserID {
					continue
				}
			}

			handler(models.ChangeNotification{
				EventType: models.ChangeInsert,
				Table:     "sync_events",
				New:       record,
			})
		}
	}
}

// Unsubscribe tears down the listener. Safe to call repeatedly.
func (f *EventLogFeed) Unsubscribe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return nil
	}
	f.active = false
	close(f.done)
	return f.listener.Close()
}

func (f *EventLogFeed) notifyOnline(connected bool) {
	if f.onOnline != nil {
		f.onOnline(connected)
	}
}
