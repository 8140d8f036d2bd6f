// Package server exposes the pipeline engine over HTTP: repository webhooks
// and generic events trigger jobs, and run records and the ledger can be
// queried. It also fires schedule events and reloads the pipeline file.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"blockci/internal/agent"
	"blockci/internal/artifact"
	"blockci/internal/blockchain"
	"blockci/internal/core"
	"blockci/internal/events"
	"blockci/internal/logfields"
	"blockci/internal/metrics"
	"blockci/internal/pipeline"
	"blockci/internal/runstore"
	"blockci/internal/storage"
	"blockci/internal/trigger"
)

// errNoPipeline is returned when an event arrives before any pipeline is
// loaded.
var errNoPipeline = errors.New("no pipeline loaded")

// Options wires a Server to the engine.
type Options struct {
	Addr      string
	Scheduler *core.Scheduler
	Runs      runstore.Store
	Ledger    *blockchain.Ledger  // optional
	Logs      *storage.LogStorage // optional, serves container logs
	Artifacts artifact.Reader     // optional, serves published artifacts
	// TrustedKey is the hex public key ledger blocks must be signed with.
	TrustedKey    string
	Registry      *prometheus.Registry // optional, serves /metrics
	WebhookSecret string
	// PipelinePath is reloaded on change when Watch is set.
	PipelinePath string
	Watch        bool
	Debounce     time.Duration
	Sources      []events.Source
	Logger       *slog.Logger
}

// Server represents the API server.
type Server struct {
	opts   Options
	router *chi.Mux
	logger *slog.Logger
	cron   *Cron

	mu       sync.RWMutex
	pipeline *pipeline.Pipeline
	agents   map[string]registeredAgent

	// runCtx outlives requests; background dispatches use it.
	runCtx    context.Context
	cancelRun context.CancelFunc
	inflight  sync.WaitGroup
}

type registeredAgent struct {
	agent.Info
	RegisteredAt time.Time `json:"registered_at"`
}

// New creates a server serving p. p may be nil until a pipeline is
// submitted or the watcher loads one.
func New(opts Options, p *pipeline.Pipeline) (*Server, error) {
	if opts.Scheduler == nil {
		return nil, errors.New("server requires a scheduler")
	}
	if opts.Runs == nil {
		opts.Runs = runstore.NewMemoryStore()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts:   opts,
		router: chi.NewRouter(),
		logger: logger,
		agents: make(map[string]registeredAgent),
	}
	s.runCtx, s.cancelRun = context.WithCancel(context.Background())

	cron, err := NewCron(s.fireSchedule, logger)
	if err != nil {
		return nil, err
	}
	s.cron = cron
	if p != nil {
		if err := s.SetPipeline(p); err != nil {
			_ = cron.Stop()
			return nil, err
		}
	}
	s.setupRoutes()
	return s, nil
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)

	s.router.Post("/webhook", s.handleWebhook)
	s.router.Post("/events", s.handleEvent)
	s.router.Post("/jobs/{name}/run", s.handleRunJob)

	s.router.Get("/pipeline", s.handleGetPipeline)
	s.router.Post("/pipelines", s.handleSubmitPipeline)

	s.router.Get("/runs", s.handleListRuns)
	s.router.Get("/runs/{id}", s.handleGetRun)
	s.router.Get("/runs/{id}/ledger", s.handleRunLedger)
	s.router.Get("/runs/{id}/logs/{container}", s.handleRunLog)
	s.router.Get("/ledger/verify", s.handleVerifyLedger)
	s.router.Get("/artifacts/*", s.handleArtifact)

	s.router.Post("/agents/register", s.handleRegisterAgent)
	s.router.Get("/agents", s.handleListAgents)

	if s.opts.Registry != nil {
		s.router.Handle("/metrics", metrics.HTTPHandler(s.opts.Registry))
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Pipeline returns the pipeline events are evaluated against.
func (s *Server) Pipeline() *pipeline.Pipeline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pipeline
}

// SetPipeline swaps the active pipeline and reschedules its cron triggers.
// Runs already dispatched keep the pipeline they started with.
func (s *Server) SetPipeline(p *pipeline.Pipeline) error {
	if err := s.cron.Sync(p.Schedules()); err != nil {
		return err
	}
	s.mu.Lock()
	s.pipeline = p
	s.mu.Unlock()
	s.logger.Info("Pipeline loaded", slog.String("pipeline", p.Name), slog.Int("jobs", len(p.Jobs)))
	return nil
}

// Accepted describes what an event started.
type Accepted struct {
	Event     trigger.Event     `json:"event"`
	Activated []string          `json:"activated"`
	Pending   []string          `json:"pending"`
	Runs      []*core.RunRecord `json:"runs,omitempty"`
}

// Trigger evaluates ev against the current pipeline. Activated jobs run in
// the background unless wait is set, in which case Trigger returns once
// they finish, with their records.
func (s *Server) Trigger(ctx context.Context, ev trigger.Event, wait bool) (Accepted, error) {
	p := s.Pipeline()
	if p == nil {
		return Accepted{}, errNoPipeline
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	if err := ev.Validate(); err != nil {
		return Accepted{}, err
	}

	activated, pending := core.Plan(p, ev)
	acc := Accepted{Event: ev, Activated: make([]string, 0, len(activated)), Pending: pending}
	for _, job := range activated {
		acc.Activated = append(acc.Activated, job.Name)
	}
	if len(activated) == 0 {
		return acc, nil
	}

	if wait {
		res, err := s.opts.Scheduler.Dispatch(ctx, p, ev)
		acc.Runs = res.Runs
		return acc, err
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if _, err := s.opts.Scheduler.Dispatch(s.runCtx, p, ev); err != nil {
			s.logger.Error("Dispatch failed", logfields.Event(string(ev.Kind)), logfields.Error(err))
		}
	}()
	return acc, nil
}

func (s *Server) fireSchedule(schedule string) {
	ev := trigger.Event{Kind: trigger.EventSchedule, Schedule: schedule}
	acc, err := s.Trigger(s.runCtx, ev, false)
	if err != nil {
		s.logger.Error("Scheduled trigger failed", slog.String("schedule", schedule), logfields.Error(err))
		return
	}
	s.logger.Info("Schedule fired", slog.String("schedule", schedule), slog.Any("jobs", acc.Activated))
}

// Serve listens on the configured address and runs the event sources, the
// cron scheduler and, when enabled, the pipeline watcher until ctx is
// canceled. It then waits up to grace for running jobs before canceling
// them.
func (s *Server) Serve(ctx context.Context, grace time.Duration) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("Server listening", slog.String("addr", ln.Addr().String()))

	s.cron.Start()

	var bg sync.WaitGroup
	for _, src := range s.opts.Sources {
		bg.Add(1)
		go func() {
			defer bg.Done()
			handler := func(ctx context.Context, ev trigger.Event) {
				if _, err := s.Trigger(ctx, ev, false); err != nil {
					s.logger.Warn("Event not dispatched", logfields.Error(err))
				}
			}
			if err := src.Run(ctx, handler); err != nil {
				s.logger.Error("Event source stopped", logfields.Error(err))
			}
		}()
	}
	if s.opts.Watch && s.opts.PipelinePath != "" {
		w, err := NewWatcher(s.opts.PipelinePath, s.opts.Debounce, s.SetPipeline, s.logger)
		if err != nil {
			s.logger.Error("Pipeline watcher disabled", logfields.Error(err))
		} else {
			bg.Add(1)
			go func() {
				defer bg.Done()
				if err := w.Run(ctx); err != nil {
					s.logger.Error("Pipeline watcher stopped", logfields.Error(err))
				}
			}()
		}
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if stopErr := s.cron.Stop(); stopErr != nil {
		s.logger.Warn("Stopping cron", logfields.Error(stopErr))
	}
	bg.Wait()
	s.Shutdown(shutdownCtx)
	return err
}

// Shutdown waits for background dispatches until ctx is done, then
// cancels whatever is still running and waits for it to record.
func (s *Server) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Canceling running jobs")
		s.cancelRun()
		<-done
	}
	s.cancelRun()
}

// Response represents a standard API response.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) fail(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, Response{Error: message})
}

func (s *Server) ok(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, Response{Success: true, Data: data})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
