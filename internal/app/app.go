// Package app assembles the stores, runtime and scheduler described by a
// config.Config. The CLI and the server share it so both run jobs the same
// way.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"blockci/internal/artifact"
	"blockci/internal/blockchain"
	"blockci/internal/cache"
	"blockci/internal/config"
	"blockci/internal/core"
	"blockci/internal/metrics"
	"blockci/internal/pipeline"
	"blockci/internal/retry"
	"blockci/internal/runstore"
	"blockci/internal/runtime"
	"blockci/internal/security"
	"blockci/internal/storage"
)

// App holds every long-lived component built from the configuration.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Registry  *prometheus.Registry
	Recorder  metrics.Recorder
	Runs      runstore.Store
	Ledger    *blockchain.Ledger // nil when the ledger is disabled
	Keys      security.KeyPair
	Artifacts artifact.Reader
	Runner    *core.Runner
	Scheduler *core.Scheduler

	closers []io.Closer
}

// New builds an App. The caller must Close it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	a.Recorder = metrics.NewPrometheusRecorder(a.Registry)

	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	policy := cfg.RetryPolicy()

	rt, err := NewRuntime(cfg.Runtime)
	if err != nil {
		return err
	}

	runs, err := OpenRunStore(cfg.Runs)
	if err != nil {
		return err
	}
	a.Runs = runs
	a.closers = append(a.closers, runs)

	caches, err := a.cacheManager(ctx, &policy)
	if err != nil {
		return err
	}

	var artifacts interface {
		artifact.Store
		artifact.Reader
	}
	switch cfg.Artifacts.Backend {
	case "memory":
		artifacts = artifact.NewMemoryStore()
	default:
		artifacts = artifact.NewFSStore(cfg.Artifacts.Dir)
	}
	a.Artifacts = artifacts

	if !cfg.Ledger.Disabled {
		if a.Ledger, err = blockchain.OpenLedger(cfg.Ledger.Path); err != nil {
			return fmt.Errorf("opening ledger: %w", err)
		}
		if a.Keys, err = security.EnsureKeyPair(cfg.Ledger.KeyDir); err != nil {
			return fmt.Errorf("loading signing keys: %w", err)
		}
	}

	artifactPolicy := artifact.PolicyWarn
	if cfg.StrictArtifacts {
		artifactPolicy = artifact.PolicyStrict
	}

	a.Runner = &core.Runner{
		Executor:       core.NewExecutor(rt, storage.NewLogStorage(cfg.LogsDir)),
		Caches:         caches,
		Artifacts:      artifact.NewCollector(artifacts, &policy, a.Recorder, a.Logger),
		ArtifactPolicy: artifactPolicy,
		EnvResolver:    pipeline.EnvResolver{Getenv: os.Getenv},
		JobTimeout:     cfg.JobTimeout,
		Services:       &core.ServiceChecker{Timeout: cfg.ServiceTimeout},
		Ledger:         a.Ledger,
		Keys:           a.Keys,
		AgentID:        cfg.Ledger.AgentID,
		Recorder:       a.Recorder,
		Sink:           a.Runs,
	}
	a.Scheduler = core.NewScheduler(a.Runner, Workspaces(cfg.Workspace), cfg.MaxParallel, a.Logger)
	return nil
}

func (a *App) cacheManager(ctx context.Context, policy *retry.Policy) (*cache.Manager, error) {
	cfg := a.Config.Cache
	compression, err := cache.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}

	var store cache.Store
	switch cfg.Backend {
	case "none":
		return nil, nil
	case "memory":
		store = cache.NewMemoryStore()
	case "nats":
		ns, err := cache.DialNATSStore(ctx, cfg.NATSURL, cfg.Bucket)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ns)
		store = ns
	default:
		store = cache.NewFileStore(cfg.Dir)
	}
	return cache.NewManager(store, cache.ManagerOptions{
		Compression: compression,
		Retry:       policy,
		Recorder:    a.Recorder,
		Logger:      a.Logger,
	}), nil
}

// LoadPipeline reads and validates the configured pipeline file.
func (a *App) LoadPipeline() (*pipeline.Pipeline, error) {
	p, err := pipeline.Load(a.Config.Pipeline)
	if err != nil {
		return nil, err
	}
	if a.Config.StrictArtifacts {
		p.StrictArtifacts = true
	}
	return p, nil
}

// Close releases stores and connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewRuntime returns the container runtime selected by cfg.
func NewRuntime(cfg config.RuntimeConfig) (runtime.Runtime, error) {
	switch cfg.Kind {
	case "", "shell":
		return runtime.NewShell(), nil
	case "docker":
		d := runtime.NewDocker(cfg.DockerBinary)
		d.ExtraArgs = cfg.DockerArgs
		return d, nil
	case "agent":
		if cfg.AgentURL == "" {
			return nil, errors.New("agent runtime requires agent_url")
		}
		return runtime.NewAgent(cfg.AgentURL), nil
	default:
		return nil, fmt.Errorf("unknown runtime %q", cfg.Kind)
	}
}

// OpenRunStore opens the run record store selected by cfg.
func OpenRunStore(cfg config.RunsConfig) (runstore.Store, error) {
	switch cfg.Backend {
	case "memory":
		return runstore.NewMemoryStore(), nil
	case "postgres":
		return runstore.NewPostgresStore(cfg.DSN)
	default:
		if cfg.DSN != ":memory:" && !strings.HasPrefix(cfg.DSN, "file:") {
			if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
				return nil, fmt.Errorf("creating run store directory: %w", err)
			}
		}
		return runstore.NewSQLiteStore(cfg.DSN)
	}
}

// Workspaces returns shared or per-run cloned workspaces.
func Workspaces(cfg config.WorkspaceConfig) core.Workspaces {
	if cfg.Isolate {
		return core.CloneWorkspaces{Source: cfg.Dir, Root: cfg.Root, Keep: cfg.Keep}
	}
	return core.SharedWorkspace{Dir: cfg.Dir}
}

// NewLogger builds the slog logger described by cfg.
func NewLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
