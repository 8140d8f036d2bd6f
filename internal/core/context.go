package core

import (
	"log/slog"
	"maps"

	"github.com/google/uuid"

	"blockci/internal/gitinfo"
	"blockci/internal/logfields"
	"blockci/internal/pipeline"
	"blockci/internal/trigger"
)

// RunContext carries everything one job run needs. Each activated job gets
// its own, so jobs of one dispatch never share mutable state.
type RunContext struct {
	RunID     string
	Pipeline  *pipeline.Pipeline
	Event     trigger.Event
	Workspace string
	// Env is the resolved job environment, before container overrides.
	Env    map[string]string
	Logger *slog.Logger
}

// NewRunContext returns a context with a fresh run ID.
func NewRunContext(p *pipeline.Pipeline, ev trigger.Event, workspace string, logger *slog.Logger) *RunContext {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &RunContext{
		RunID:     id,
		Pipeline:  p,
		Event:     ev,
		Workspace: workspace,
		Env:       map[string]string{},
		Logger:    logger.With(logfields.RunID(id)),
	}
}

func (rc *RunContext) pipelineName() string {
	if rc.Pipeline == nil {
		return ""
	}
	return rc.Pipeline.Name
}

// BuiltinEnv returns the CI_* variables every container sees.
func BuiltinEnv(rc *RunContext, job string, commit gitinfo.Commit) map[string]string {
	env := commit.Env()
	if rc.Event.Commit != "" && env["CI_COMMIT_SHA"] == "" {
		env["CI_COMMIT_SHA"] = rc.Event.Commit
		env["CI_COMMIT_SHA_SHORT"] = gitinfo.Commit{SHA: rc.Event.Commit}.Short()
	}
	env["CI"] = "true"
	env["CI_EVENT"] = string(rc.Event.Kind)
	env["CI_REF"] = rc.Event.Ref
	env["CI_JOB"] = job
	env["CI_PIPELINE"] = rc.pipelineName()
	env["CI_RUN_ID"] = rc.RunID
	env["CI_WORKSPACE"] = rc.Workspace
	return env
}

// containerEnv layers the container's own variables over the job
// environment, expanding ${VAR} references against it.
func containerEnv(jobEnv map[string]string, c *pipeline.Container) map[string]string {
	env := maps.Clone(jobEnv)
	if env == nil {
		env = map[string]string{}
	}
	for k, v := range c.Env {
		env[k] = pipeline.Expand(v, jobEnv)
	}
	return env
}
