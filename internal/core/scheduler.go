package core

import (
	"context"
	"log/slog"
	"sync"

	"blockci/internal/logfields"
	"blockci/internal/pipeline"
	"blockci/internal/trigger"
)

// Scheduler decides which jobs an event activates and runs them
type Scheduler struct {
	Runner     *Runner
	Workspaces Workspaces
	// MaxParallel bounds concurrently running jobs. Zero or less means one
	// goroutine per activated job.
	MaxParallel int
	Logger      *slog.Logger
}

// NewScheduler creates a new scheduler
func NewScheduler(runner *Runner, ws Workspaces, maxParallel int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{Runner: runner, Workspaces: ws, MaxParallel: maxParallel, Logger: logger}
}

// DispatchResult lists the runs an event started, in pipeline order, and
// the jobs it left pending.
type DispatchResult struct {
	Runs    []*RunRecord
	Pending []string
}

// Plan splits the pipeline's jobs into those ev activates and those that
// stay pending.
func Plan(p *pipeline.Pipeline, ev trigger.Event) (activated []*pipeline.Job, pending []string) {
	for i := range p.Jobs {
		job := &p.Jobs[i]
		if trigger.Activates(job, ev) {
			activated = append(activated, job)
		} else {
			pending = append(pending, job.Name)
		}
	}
	return activated, pending
}

// Dispatch evaluates every job against ev and runs the activated ones in
// parallel. A malformed event activates nothing; the TriggerEvaluation
// error is returned together with every job pending.
func (s *Scheduler) Dispatch(ctx context.Context, p *pipeline.Pipeline, ev trigger.Event) (DispatchResult, error) {
	logger := s.logger().With(logfields.Event(string(ev.Kind)), logfields.Ref(ev.Ref))
	if err := ev.Validate(); err != nil {
		logger.Warn("Ignoring malformed event", logfields.Error(err))
		_, pending := Plan(p, trigger.Event{})
		return DispatchResult{Pending: pending}, err
	}

	activated, pending := Plan(p, ev)
	res := DispatchResult{Runs: make([]*RunRecord, len(activated)), Pending: pending}
	for _, name := range pending {
		logger.Debug("Job not triggered", logfields.Job(name))
	}
	if len(activated) == 0 {
		logger.Info("Event activated no jobs")
		return res, nil
	}

	var sem chan struct{}
	if s.MaxParallel > 0 {
		sem = make(chan struct{}, s.MaxParallel)
	}
	var wg sync.WaitGroup
	for i, job := range activated {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
				}
			}
			res.Runs[i] = s.runOne(ctx, p, ev, job, logger)
		}()
	}
	wg.Wait()
	return res, nil
}

func (s *Scheduler) runOne(ctx context.Context, p *pipeline.Pipeline, ev trigger.Event, job *pipeline.Job, logger *slog.Logger) *RunRecord {
	rc := NewRunContext(p, ev, "", logger)
	if ctx.Err() != nil {
		return s.Runner.Abort(ctx, rc, job, ReasonCanceled, ctx.Err())
	}

	ws := s.Workspaces
	if ws == nil {
		ws = SharedWorkspace{Dir: "."}
	}
	dir, commit, err := ws.Prepare(ctx, rc.RunID, ev)
	if err != nil {
		if ctx.Err() != nil {
			return s.Runner.Abort(ctx, rc, job, ReasonCanceled, err)
		}
		return s.Runner.Abort(ctx, rc, job, ReasonWorkspace, err)
	}
	defer func() {
		if err := ws.Release(dir); err != nil {
			rc.Logger.Warn("Failed to release workspace", slog.String("workspace", dir), logfields.Error(err))
		}
	}()

	rc.Workspace = dir
	rc.Env = BuiltinEnv(rc, job.Name, commit)
	return s.Runner.RunJob(ctx, rc, job)
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
