package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"blockci/internal/artifact"
	"blockci/internal/blockchain"
	"blockci/internal/cache"
	"blockci/internal/cachekey"
	cierrors "blockci/internal/errors"
	"blockci/internal/logfields"
	"blockci/internal/metrics"
	"blockci/internal/pipeline"
	"blockci/internal/security"
)

// RunSink persists finished run records.
type RunSink interface {
	SaveRun(ctx context.Context, rec *RunRecord) error
}

// Runner ties together Executor + caches + artifacts + ledger for one job.
type Runner struct {
	Executor *Executor
	// Caches and Artifacts are optional; nil disables the feature.
	Caches         *cache.Manager
	Artifacts      *artifact.Collector
	ArtifactPolicy artifact.Policy
	EnvResolver    pipeline.EnvResolver
	// JobTimeout bounds a whole job run. Zero means no limit.
	JobTimeout time.Duration
	// Services checks the job's declared services; nil uses a default checker.
	Services *ServiceChecker

	Ledger  *blockchain.Ledger // optional
	Keys    security.KeyPair
	AgentID string

	Recorder metrics.Recorder
	Sink     RunSink // optional

	running atomic.Int64
}

// restoredCache tracks one declared cache between restore and save.
type restoredCache struct {
	spec    pipeline.CacheSpec
	local   string
	outcome CacheOutcome
	exact   bool
}

// RunJob drives job through its lifecycle and returns the final record.
// Containers run strictly in declared order; the first failure skips the
// rest. RunJob never returns a nil record.
func (r *Runner) RunJob(ctx context.Context, rc *RunContext, job *pipeline.Job) *RunRecord {
	recorder := metrics.OrNoop(r.Recorder)
	logger := rc.Logger.With(logfields.Job(job.Name))

	rec := NewRunRecord(rc.RunID, rc.pipelineName(), job.Name, rc.Event)
	rec.Workspace = rc.Workspace
	rec.StartedAt = time.Now().UTC()
	_ = Transition(rec, StatusTriggered)

	if r.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.JobTimeout)
		defer cancel()
	}

	env, err := r.jobEnv(rc, job)
	if err != nil {
		logger.Error("Cannot resolve job environment", logfields.Error(err))
		rec.Warn("", err)
		return r.finish(ctx, logger, rec, StatusFailed, ReasonEnvironment)
	}
	rc.Env = env

	if err := r.Services.CheckAll(ctx, logger, job.Services); err != nil {
		logger.Error("Required service is not running", logfields.Error(err))
		rec.Warn("", err)
		if ctx.Err() != nil {
			return r.finish(ctx, logger, rec, StatusFailed, ReasonCanceled)
		}
		return r.finish(ctx, logger, rec, StatusFailed, ReasonServices)
	}

	_ = Transition(rec, StatusRunning)
	recorder.SetRunningJobs(int(r.running.Add(1)))
	defer func() { recorder.SetRunningJobs(int(r.running.Add(-1))) }()
	logger.Info("Job started", logfields.Event(string(rc.Event.Kind)), logfields.Ref(rc.Event.Ref))

	failed, reason := false, ""
	for i := range job.Containers {
		c := &job.Containers[i]
		crec := ContainerRecord{Name: c.Name, Image: c.Image}
		if failed {
			crec.Status = ContainerSkipped
			rec.Containers = append(rec.Containers, crec)
			continue
		}

		crec.StartedAt = time.Now().UTC()
		caches := r.restoreCaches(ctx, rc, rec, job, c)

		res, err := r.Executor.Run(ctx, rc, job, c, rc.Workspace)
		crec.ExitCode = res.ExitCode
		crec.Output = res.Output
		crec.LogPath = res.LogPath
		crec.Duration = res.Duration
		recorder.ObserveStepDuration(job.Name, c.Name, res.Duration, err == nil)

		switch {
		case err != nil && ctx.Err() != nil:
			crec.Status = ContainerCanceled
			failed, reason = true, ReasonCanceled
		case err != nil:
			crec.Status = ContainerFailed
			failed, reason = true, ReasonStepFailed
		default:
			crec.Status = ContainerSucceeded
		}
		r.appendBlock(logger, rec, rc, job, &crec, res)

		if !failed {
			r.saveCaches(ctx, logger, rec, c, caches)
			arts, err := r.publishArtifacts(ctx, logger, rc, rec, c)
			crec.Artifacts = arts
			if err != nil {
				failed, reason = true, ReasonArtifact
			}
		}
		for _, st := range caches {
			crec.Caches = append(crec.Caches, st.outcome)
		}
		rec.Containers = append(rec.Containers, crec)
	}

	if failed {
		return r.finish(ctx, logger, rec, StatusFailed, reason)
	}
	return r.finish(ctx, logger, rec, StatusSucceeded, "")
}

func (r *Runner) finish(ctx context.Context, logger *slog.Logger, rec *RunRecord, status JobStatus, reason string) *RunRecord {
	recorder := metrics.OrNoop(r.Recorder)
	if err := Transition(rec, status); err != nil {
		logger.Error("Invalid job transition", logfields.Error(err))
		rec.Status = StatusFailed
	}
	rec.Reason = reason
	rec.FinishedAt = time.Now().UTC()
	recorder.ObserveJobDuration(rec.Job, rec.Duration())
	recorder.IncJobOutcome(rec.Job, string(rec.Status))

	if r.Sink != nil {
		if err := r.Sink.SaveRun(context.WithoutCancel(ctx), rec); err != nil {
			logger.Warn("Failed to persist run record", logfields.Error(err))
		}
	}

	attrs := []any{logfields.JobStatus(string(rec.Status)), logfields.DurationMS(float64(rec.Duration().Milliseconds()))}
	if reason != "" {
		attrs = append(attrs, slog.String("reason", reason))
	}
	if rec.Status == StatusSucceeded {
		logger.Info("Job finished", attrs...)
	} else {
		logger.Error("Job finished", attrs...)
	}
	return rec
}

// jobEnv layers the job's named environment over the built-in variables
// already in rc.Env.
func (r *Runner) jobEnv(rc *RunContext, job *pipeline.Job) (map[string]string, error) {
	env := maps.Clone(rc.Env)
	if env == nil {
		env = map[string]string{}
	}
	if job.Environment == "" || rc.Pipeline == nil {
		return env, nil
	}
	resolver := r.EnvResolver
	if resolver.Dir == "" {
		resolver.Dir = rc.Workspace
	}
	vars, err := resolver.Resolve(rc.Pipeline, job.Environment)
	if err != nil {
		return nil, err
	}
	for k, v := range vars {
		env[k] = pipeline.Expand(v, rc.Env)
	}
	return env, nil
}

// restoreCaches resolves every cache key once and restores the best
// candidate. Every failure is a warning: the container runs without that
// cache.
func (r *Runner) restoreCaches(ctx context.Context, rc *RunContext, rec *RunRecord, job *pipeline.Job, c *pipeline.Container) []*restoredCache {
	if r.Caches == nil || len(c.Caches) == 0 {
		return nil
	}
	logger := rc.Logger.With(logfields.Job(job.Name), logfields.Container(c.Name))
	resolver := cachekey.Resolver{Data: cachekey.NewData(job.Name, c.Name, rc.Env)}
	view := os.DirFS(rc.Workspace)

	var out []*restoredCache
	for _, spec := range c.Caches {
		st := &restoredCache{spec: spec, outcome: CacheOutcome{Path: spec.Path}}
		out = append(out, st)

		rel, err := c.WorkspacePath(spec.Path)
		if err != nil {
			st.outcome.Restore = metrics.CacheSkipped
			rec.Warn(c.Name, cierrors.Wrap(err, cierrors.KindConfig, "cache path"))
			continue
		}
		st.local = filepath.Join(rc.Workspace, filepath.FromSlash(rel))

		key, err := resolver.ResolveKey(spec, view)
		if err != nil {
			st.outcome.Restore = metrics.CacheSkipped
			logger.Warn("Cache key not resolved, continuing without cache",
				logfields.CachePath(spec.Path), logfields.Error(err))
			rec.Warn(c.Name, err)
			continue
		}
		st.outcome.Key = key

		res, err := r.Caches.Restore(ctx, cachekey.ResolveCandidates(spec, key), st.local)
		switch {
		case err != nil:
			st.outcome.Restore = metrics.CacheError
			logger.Warn("Cache restore failed, continuing without cache",
				logfields.CacheKey(key), logfields.Error(err))
			rec.Warn(c.Name, err)
		case !res.Hit():
			st.outcome.Restore = metrics.CacheMiss
			logger.Info("Cache miss", logfields.CacheKey(key))
		case res.Exact:
			st.outcome.Restore = metrics.CacheHit
			st.outcome.RestoredKey = res.Key
			st.exact = true
			logger.Info("Cache hit", logfields.CacheKey(key))
		default:
			st.outcome.Restore = metrics.CachePartial
			st.outcome.RestoredKey = res.Key
			logger.Info("Cache restored from fallback key", logfields.CacheKey(key), slog.String("restored_key", res.Key))
		}
	}
	return out
}

// saveCaches stores caches under the key resolved before the step. Exact
// hits are not stored again.
func (r *Runner) saveCaches(ctx context.Context, logger *slog.Logger, rec *RunRecord, c *pipeline.Container, caches []*restoredCache) {
	recorder := metrics.OrNoop(r.Recorder)
	for _, st := range caches {
		if st.outcome.Key == "" {
			continue
		}
		if st.exact {
			st.outcome.Save = metrics.CacheSkipped
			recorder.IncCacheResult(metrics.CacheSkipped)
			continue
		}
		err := r.Caches.Save(ctx, st.outcome.Key, st.local)
		switch {
		case errors.Is(err, cache.ErrNothingToSave):
			st.outcome.Save = metrics.CacheSkipped
			logger.Warn("Cache path missing after step, nothing stored",
				logfields.Container(c.Name), logfields.CachePath(st.spec.Path))
			rec.Warn(c.Name, fmt.Errorf("cache path %s: %w", st.spec.Path, err))
		case err != nil:
			st.outcome.Save = metrics.CacheError
			logger.Warn("Cache store failed", logfields.Container(c.Name), logfields.CacheKey(st.outcome.Key), logfields.Error(err))
			rec.Warn(c.Name, err)
		default:
			st.outcome.Save = metrics.CacheStored
			logger.Info("Cache stored", logfields.Container(c.Name), logfields.CacheKey(st.outcome.Key))
		}
	}
}

// publishArtifacts uploads every declared artifact. Under the strict
// policy the first failure is returned and fails the job; otherwise
// failures become warnings.
func (r *Runner) publishArtifacts(ctx context.Context, logger *slog.Logger, rc *RunContext, rec *RunRecord, c *pipeline.Container) ([]artifact.Artifact, error) {
	if len(c.Artifacts) == 0 {
		return nil, nil
	}
	if r.Artifacts == nil {
		logger.Debug("Artifact publishing disabled", logfields.Container(c.Name))
		return nil, nil
	}
	strict := r.ArtifactPolicy == artifact.PolicyStrict || (rc.Pipeline != nil && rc.Pipeline.StrictArtifacts)

	var out []artifact.Artifact
	for _, spec := range c.Artifacts {
		a, err := r.Artifacts.Publish(ctx, c, spec, rc.Workspace)
		if err != nil {
			rec.Warn(c.Name, err)
			if strict {
				logger.Error("Artifact publish failed", logfields.Container(c.Name), logfields.Artifact(spec.Path), logfields.Error(err))
				return out, err
			}
			logger.Warn("Artifact publish failed", logfields.Container(c.Name), logfields.Artifact(spec.Path), logfields.Error(err))
			continue
		}
		logger.Info("Artifact published", logfields.Container(c.Name),
			logfields.Artifact(a.Path), logfields.Remote(a.Remote), slog.String("version", a.Version))
		out = append(out, a)
	}
	return out, nil
}

// appendBlock records the container outcome in the ledger. A ledger
// failure never fails the job.
func (r *Runner) appendBlock(logger *slog.Logger, rec *RunRecord, rc *RunContext, job *pipeline.Job, crec *ContainerRecord, res StepResult) {
	if r.Ledger == nil {
		return
	}
	blk, err := r.Ledger.Append(blockchain.Entry{
		RunID:     rc.RunID,
		Job:       job.Name,
		Container: crec.Name,
		Status:    string(crec.Status),
		ExitCode:  crec.ExitCode,
		LogPath:   res.LogPath,
		LogHash:   res.LogHash,
		AgentID:   r.AgentID,
	}, r.Keys)
	if err != nil {
		logger.Warn("Cannot append ledger block", logfields.Container(crec.Name), logfields.Error(err))
		rec.Warn(crec.Name, fmt.Errorf("ledger: %w", err))
		return
	}
	logger.Debug("Ledger block appended", slog.Int("index", blk.Index), slog.String("hash", blk.Hash[:16]))
}

// Abort records a job that was activated but could not start.
func (r *Runner) Abort(ctx context.Context, rc *RunContext, job *pipeline.Job, reason string, err error) *RunRecord {
	logger := rc.Logger.With(logfields.Job(job.Name))
	rec := NewRunRecord(rc.RunID, rc.pipelineName(), job.Name, rc.Event)
	rec.Workspace = rc.Workspace
	rec.StartedAt = time.Now().UTC()
	_ = Transition(rec, StatusTriggered)
	rec.Warn("", err)
	logger.Error("Job could not start", logfields.Error(err))
	return r.finish(ctx, logger, rec, StatusFailed, reason)
}
