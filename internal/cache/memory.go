package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry), now: time.Now}
}

// WithClock sets the clock used to stamp entries.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Get(_ context.Context, candidates []string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metas := make([]Meta, 0, len(m.entries))
	for _, e := range m.entries {
		metas = append(metas, Meta{Key: e.Key, StoredAt: e.StoredAt, Size: int64(len(e.Data))})
	}
	sel, ok := Select(candidates, metas)
	if !ok {
		return nil, nil
	}
	e := m.entries[sel.Key]
	return &Entry{Key: e.Key, Data: append([]byte(nil), e.Data...), StoredAt: e.StoredAt}, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = Entry{Key: key, Data: append([]byte(nil), data...), StoredAt: m.now()}
	return nil
}
