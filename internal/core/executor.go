package core

import (
	"context"
	"io"
	"time"

	"blockci/internal/blockchain"
	cierrors "blockci/internal/errors"
	"blockci/internal/logfields"
	"blockci/internal/pipeline"
	"blockci/internal/runtime"
	"blockci/internal/storage"
)

// StepResult is the outcome of one container script.
type StepResult struct {
	ExitCode int
	Output   string
	Duration time.Duration
	LogPath  string
	LogHash  string
}

// Executor is responsible for running container scripts
type Executor struct {
	Runtime runtime.Runtime
	Logs    *storage.LogStorage // optional
	// Stream, when set, receives script output as it is produced.
	Stream func(job, container string) io.Writer
}

func NewExecutor(rt runtime.Runtime, logs *storage.LogStorage) *Executor {
	return &Executor{Runtime: rt, Logs: logs}
}

// Run executes c's script with workspace mounted at the container mount
// directory. A non-zero exit returns the result together with a StepFailed
// error; cancellation returns the context error.
func (e *Executor) Run(ctx context.Context, rc *RunContext, job *pipeline.Job, c *pipeline.Container, workspace string) (StepResult, error) {
	logger := rc.Logger.With(logfields.Job(job.Name), logfields.Container(c.Name), logfields.Image(c.Image))

	req := runtime.Request{
		Name:      job.Name + "-" + c.Name,
		Image:     c.Image,
		Mount:     c.MountDir(),
		Workspace: workspace,
		Script:    c.Script,
		Env:       containerEnv(rc.Env, c),
	}
	if e.Stream != nil {
		req.Output = e.Stream(job.Name, c.Name)
	}

	logger.Info("Running container")
	res, err := e.Runtime.Execute(ctx, req)
	out := StepResult{ExitCode: res.ExitCode, Output: res.Output, Duration: res.Duration}

	// Save log
	if e.Logs != nil {
		path, logErr := e.Logs.SaveLog(rc.RunID, job.Name, c.Name, res.Output)
		if logErr != nil {
			logger.Warn("Failed to save step log", logfields.Error(logErr))
		} else {
			out.LogPath = path
			out.LogHash = blockchain.HashLog([]byte(res.Output))
		}
	}

	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("Container canceled", logfields.Error(ctx.Err()))
			return out, ctx.Err()
		}
		logger.Error("Container could not run", logfields.Error(err))
		return out, cierrors.StepFailed(c.Name, res.ExitCode, err)
	}
	if res.ExitCode != 0 {
		logger.Error("Container failed",
			logfields.ExitCode(res.ExitCode), logfields.DurationMS(float64(res.Duration.Milliseconds())))
		return out, cierrors.StepFailed(c.Name, res.ExitCode, nil)
	}
	logger.Info("Container succeeded", logfields.DurationMS(float64(res.Duration.Milliseconds())))
	return out, nil
}
