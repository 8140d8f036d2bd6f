package server

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"blockci/internal/logfields"
	"blockci/internal/pipeline"
)

// Watcher reloads the pipeline file when it changes. Bursts of writes are
// debounced into one reload; a file that fails to load keeps the previous
// pipeline active.
type Watcher struct {
	path     string
	debounce time.Duration
	apply    func(*pipeline.Pipeline) error
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher watches path and hands every successfully loaded version to
// apply.
func NewWatcher(path string, debounce time.Duration, apply func(*pipeline.Pipeline) error, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pipeline path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: abs, debounce: debounce, apply: apply, logger: logger, watcher: fw}, nil
}

// Run processes file events until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	w.logger.Info("Watching pipeline file", slog.String("path", w.path))

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op.Has(fsnotify.Remove) {
				w.logger.Warn("Pipeline file removed", slog.String("path", w.path))
				continue
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Pipeline watcher error", logfields.Error(err))
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	p, err := pipeline.Load(w.path)
	if err != nil {
		w.logger.Error("Pipeline reload failed, keeping previous version", logfields.Error(err))
		return
	}
	if err := w.apply(p); err != nil {
		w.logger.Error("Pipeline reload rejected", logfields.Error(err))
		return
	}
	w.logger.Info("Pipeline reloaded", slog.String("pipeline", p.Name))
}
