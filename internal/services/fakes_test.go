package services

import (
	"context"
	"sync"

	"github.com/relaycrm/syncengine/internal/models"
	"github.com/relaycrm/syncengine/internal/observability"
	"github.com/relaycrm/syncengine/internal/repository"
)

func newTestLogger() *observability.Logger {
	return observability.NewLogger("test", observability.LevelError)
}

// fakeCache is an in-memory LocalCache
type fakeCache struct {
	mu   sync.Mutex
	data map[string]string
	fail error
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string]string)}
}

func (c *fakeCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return "", c.fail
	}
	v, ok := c.data[key]
	if !ok {
		return "", repository.ErrCacheMiss
	}
	return v, nil
}

func (c *fakeCache) Set(ctx context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.data[key] = value
	return nil
}

func (c *fakeCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// fakeStore records inserts and can be told to fail
type fakeStore struct {
	mu      sync.Mutex
	inserts []map[string]any
	fail    error
}

func (s *fakeStore) Insert(ctx context.Context, table string, record map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.inserts = append(s.inserts, record)
	return nil
}

func (s *fakeStore) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserts)
}

func (s *fakeStore) last() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inserts) == 0 {
		return nil
	}
	return s.inserts[len(s.inserts)-1]
}

// fakeFeed captures the subscription so tests can inject notifications
type fakeFeed struct {
	mu         sync.Mutex
	handler    func(models.ChangeNotification)
	filter     models.ChangeFilter
	subscribes int
	fail       error
}

func (f *fakeFeed) Subscribe(ctx context.Context, filter models.ChangeFilter, handler func(models.ChangeNotification)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.subscribes++
	f.filter = filter
	f.handler = handler
	return nil
}

func (f *fakeFeed) Unsubscribe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = nil
	return nil
}

func (f *fakeFeed) emit(n models.ChangeNotification) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(n)
	}
}

// fakeRecords is an in-memory RecordCacheRepo
type fakeRecords struct {
	mu   sync.Mutex
	data map[string]*models.CachedRecord
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{data: make(map[string]*models.CachedRecord)}
}

func (r *fakeRecords) Put(ctx context.Context, rec *models.CachedRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *rec
	r.data[rec.Table+"/"+rec.RecordID] = &clone
	return nil
}

func (r *fakeRecords) Get(ctx context.Context, table, recordID string) (*models.CachedRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.data[table+"/"+recordID]
	if !ok {
		return nil, nil
	}
	clone := *rec
	return &clone, nil
}

func (r *fakeRecords) MarkSynced(ctx context.Context, table, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.data[table+"/"+recordID]; ok {
		rec.PendingLocal = false
	}
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []*models.AuditEntry
}

func (a *fakeAudit) Record(ctx context.Context, entry *models.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *fakeAudit) ListRecent(ctx context.Context, limit int) ([]*models.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit > len(a.entries) {
		limit = len(a.entries)
	}
	out := make([]*models.AuditEntry, limit)
	copy(out, a.entries[len(a.entries)-limit:])
	return out, nil
}

func (a *fakeAudit) last() *models.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.entries) == 0 {
		return nil
	}
	return a.entries[len(a.entries)-1]
}

func strPtr(s string) *string { return &s }
