package core

import (
	"os"

	"blockci/internal/cachekey"
	"blockci/internal/pipeline"
)

// CachePlan is the lookup a declared cache would perform: the resolved
// exact key followed by its fallbacks.
type CachePlan struct {
	Container  string   `json:"container"`
	Path       string   `json:"path"`
	Key        string   `json:"key,omitempty"`
	Candidates []string `json:"candidates,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// PlanCaches resolves every cache key of job against the workspace in rc,
// the same way a run would, without touching any store. rc.Env must hold
// the built-in variables.
func (r *Runner) PlanCaches(rc *RunContext, job *pipeline.Job) ([]CachePlan, error) {
	env, err := r.jobEnv(rc, job)
	if err != nil {
		return nil, err
	}
	view := os.DirFS(rc.Workspace)

	var out []CachePlan
	for i := range job.Containers {
		c := &job.Containers[i]
		resolver := cachekey.Resolver{Data: cachekey.NewData(job.Name, c.Name, env)}
		for _, spec := range c.Caches {
			plan := CachePlan{Container: c.Name, Path: spec.Path}
			key, err := resolver.ResolveKey(spec, view)
			if err != nil {
				plan.Error = err.Error()
			} else {
				plan.Key = key
				plan.Candidates = cachekey.ResolveCandidates(spec, key)
			}
			out = append(out, plan)
		}
	}
	return out, nil
}
