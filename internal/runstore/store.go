// Package runstore persists job run records so they can be queried after
// the run, from the CLI or the server API.
package runstore

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"blockci/internal/core"
)

// ErrNotFound is returned when no run has the requested ID.
var ErrNotFound = errors.New("run not found")

// Summary is the listing view of a run.
type Summary struct {
	ID         string         `json:"id"`
	Pipeline   string         `json:"pipeline"`
	Job        string         `json:"job"`
	Status     core.JobStatus `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Query filters ListRuns. Zero fields match everything.
type Query struct {
	Job    string
	Status core.JobStatus
	Limit  int // DefaultLimit when zero
}

// DefaultLimit caps listings that set no limit.
const DefaultLimit = 50

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}

// Store saves and retrieves run records. Saving an existing ID replaces it.
type Store interface {
	SaveRun(ctx context.Context, rec *core.RunRecord) error
	GetRun(ctx context.Context, id string) (*core.RunRecord, error)
	// ListRuns returns the newest runs first.
	ListRuns(ctx context.Context, q Query) ([]Summary, error)
	Close() error
}

func summarize(rec *core.RunRecord) Summary {
	return Summary{
		ID:         rec.ID,
		Pipeline:   rec.Pipeline,
		Job:        rec.Job,
		Status:     rec.Status,
		Reason:     rec.Reason,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
	}
}

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*core.RunRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*core.RunRecord)}
}

func (m *MemoryStore) SaveRun(_ context.Context, rec *core.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	cp.Containers = slices.Clone(rec.Containers)
	cp.Warnings = slices.Clone(rec.Warnings)
	m.runs[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*core.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ListRuns(_ context.Context, q Query) ([]Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Summary
	for _, rec := range m.runs {
		if q.Job != "" && rec.Job != q.Job {
			continue
		}
		if q.Status != "" && rec.Status != q.Status {
			continue
		}
		out = append(out, summarize(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > q.limit() {
		out = out[:q.limit()]
	}
	return out, nil
}

// Close is a no-op for in-memory store.
func (m *MemoryStore) Close() error { return nil }
