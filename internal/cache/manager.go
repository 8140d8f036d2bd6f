package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	cierrors "blockci/internal/errors"
	"blockci/internal/logfields"
	"blockci/internal/metrics"
	"blockci/internal/retry"
)

// ErrNothingToSave is returned by Save when the cache path does not exist.
var ErrNothingToSave = errors.New("cache path does not exist")

// Manager moves cached directories between a job workspace and a Store.
type Manager struct {
	store       Store
	compression Compression
	policy      retry.Policy
	recorder    metrics.Recorder
	logger      *slog.Logger
}

// ManagerOptions configures a Manager. Zero values pick defaults.
type ManagerOptions struct {
	Compression Compression
	Retry       *retry.Policy
	Recorder    metrics.Recorder
	Logger      *slog.Logger
}

// NewManager returns a Manager over store. The zero Compression stores
// archives uncompressed; use ParseCompression("") for the zstd default.
func NewManager(store Store, opts ManagerOptions) *Manager {
	m := &Manager{
		store:       store,
		compression: opts.Compression,
		policy:      retry.DefaultPolicy(),
		recorder:    metrics.OrNoop(opts.Recorder),
		logger:      opts.Logger,
	}
	if opts.Retry != nil {
		m.policy = *opts.Retry
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// RestoreResult reports what a restore found.
type RestoreResult struct {
	// Key is the stored key that was restored, empty on a miss.
	Key string
	// Exact is true when Key equals the first candidate.
	Exact bool
}

// Hit reports whether anything was restored.
func (r RestoreResult) Hit() bool { return r.Key != "" }

// Restore looks up candidates in order and extracts the selected entry to
// dest. Store errors are returned unretried: a failed lookup means the job
// runs without this cache.
func (m *Manager) Restore(ctx context.Context, candidates []string, dest string) (RestoreResult, error) {
	if len(candidates) == 0 {
		return RestoreResult{}, nil
	}
	entry, err := m.store.Get(ctx, candidates)
	if err != nil {
		m.recorder.IncCacheResult(metrics.CacheError)
		return RestoreResult{}, fmt.Errorf("cache lookup: %w", err)
	}
	if entry == nil {
		m.recorder.IncCacheResult(metrics.CacheMiss)
		return RestoreResult{}, nil
	}
	if err := Unpack(entry.Data, dest); err != nil {
		m.recorder.IncCacheResult(metrics.CacheError)
		return RestoreResult{}, fmt.Errorf("restoring %q: %w", entry.Key, err)
	}

	res := RestoreResult{Key: entry.Key, Exact: entry.Key == candidates[0]}
	if res.Exact {
		m.recorder.IncCacheResult(metrics.CacheHit)
	} else {
		m.recorder.IncCacheResult(metrics.CachePartial)
	}
	return res, nil
}

// Save archives src and stores it under key, retrying while the store is
// unavailable.
func (m *Manager) Save(ctx context.Context, key, src string) error {
	if _, err := os.Lstat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNothingToSave
		}
		return err
	}
	data, err := Pack(src, m.compression)
	if err != nil {
		m.recorder.IncCacheResult(metrics.CacheError)
		return err
	}

	err = retry.Do(ctx, m.policy, func(ctx context.Context) error {
		return m.store.Put(ctx, key, data)
	}, func(attempt int, err error) {
		m.recorder.IncStoreRetry("cache")
		m.logger.Warn("Cache store unavailable, retrying",
			logfields.CacheKey(key), logfields.Attempt(attempt), logfields.Error(err))
	})
	if err != nil {
		m.recorder.IncCacheResult(metrics.CacheError)
		if !cierrors.IsKind(err, cierrors.KindStoreUnavailable) {
			return cierrors.Wrap(err, cierrors.KindInternal, "storing cache")
		}
		return err
	}
	m.recorder.IncCacheResult(metrics.CacheStored)
	return nil
}
