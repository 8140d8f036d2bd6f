package pipeline

import (
	"fmt"
	"strings"
	"text/template"

	cierrors "blockci/internal/errors"
)

// keyFuncs lets cache key templates be parsed without resolving them.
var keyFuncs = template.FuncMap{
	"hashFiles": func(...string) (string, error) { return "", nil },
}

// Validate checks a pipeline for structural issues and returns them as a
// single config error, or nil when the pipeline is valid.
func Validate(p *Pipeline) error {
	issues := Issues(p)
	if len(issues) == 0 {
		return nil
	}
	return cierrors.Config("invalid pipeline:\n  - " + strings.Join(issues, "\n  - "))
}

// Issues lists human readable problems with p. An empty list means valid.
func Issues(p *Pipeline) []string {
	var issues []string

	envs := make(map[string]bool, len(p.Environments))
	for i, env := range p.Environments {
		if env.Name == "" {
			issues = append(issues, fmt.Sprintf("environments[%d]: name is required", i))
			continue
		}
		if envs[env.Name] {
			issues = append(issues, fmt.Sprintf("environments[%d] %q: duplicate environment name", i, env.Name))
		}
		envs[env.Name] = true
	}
	for _, env := range p.Environments {
		for _, parent := range env.Inherits {
			if !envs[parent] {
				issues = append(issues, fmt.Sprintf("environment %q inherits unknown environment %q", env.Name, parent))
			}
		}
	}
	if len(issues) == 0 {
		// Cycles are only meaningful once every name resolves.
		for _, env := range p.Environments {
			if cyc := inheritanceCycle(p, env.Name, nil); cyc != "" {
				issues = append(issues, "environment inheritance cycle: "+cyc)
				break
			}
		}
	}

	if len(p.Jobs) == 0 {
		issues = append(issues, "pipeline has no jobs (at least one job is required)")
	}
	names := make(map[string]int, len(p.Jobs))
	for i, job := range p.Jobs {
		prefix := fmt.Sprintf("jobs[%d]", i)
		if job.Name == "" {
			issues = append(issues, prefix+": name is required")
		} else if first, dup := names[job.Name]; dup {
			issues = append(issues, fmt.Sprintf("%s %q: duplicate job name (first used at jobs[%d])", prefix, job.Name, first))
		} else {
			names[job.Name] = i
		}
		issues = append(issues, validateJob(job, prefix, envs)...)
	}
	return issues
}

func validateJob(job Job, prefix string, envs map[string]bool) []string {
	var issues []string
	if job.Environment != "" && !envs[job.Environment] {
		issues = append(issues, fmt.Sprintf("%s: unknown environment %q", prefix, job.Environment))
	}
	if job.Trigger != nil && job.Trigger.Kind() == "" {
		issues = append(issues, prefix+": trigger must set exactly one of push, manual or schedule")
	}
	if job.Trigger != nil && job.Trigger.Push != nil && len(job.Trigger.Push.Tags) == 0 {
		issues = append(issues, prefix+": push trigger needs at least one tag pattern")
	}
	if len(job.Containers) == 0 {
		issues = append(issues, prefix+": job has no containers (at least one is required)")
	}
	for si, svc := range job.Services {
		sp := fmt.Sprintf("%s.services[%d]", prefix, si)
		if svc.Name == "" {
			issues = append(issues, sp+": name is required")
		}
		if svc.URI == "" {
			issues = append(issues, sp+": uri is required")
		}
		switch svc.Protocol {
		case ServiceHTTP, ServiceTCP:
		default:
			issues = append(issues, fmt.Sprintf("%s: protocol must be http or tcp, got %q", sp, svc.Protocol))
		}
	}

	for ci, c := range job.Containers {
		cp := fmt.Sprintf("%s.containers[%d]", prefix, ci)
		if c.Image == "" {
			issues = append(issues, cp+": image is required")
		}
		if strings.TrimSpace(c.Script) == "" {
			issues = append(issues, cp+": script is required")
		}
		for ki, spec := range c.Caches {
			kp := fmt.Sprintf("%s.caches[%d]", cp, ki)
			if spec.Key == "" {
				issues = append(issues, kp+": key is required")
			} else if _, err := template.New("key").Funcs(keyFuncs).Parse(spec.Key); err != nil {
				issues = append(issues, fmt.Sprintf("%s: key template: %v", kp, err))
			}
			if spec.Path == "" {
				issues = append(issues, kp+": path is required")
			} else if _, err := c.WorkspacePath(spec.Path); err != nil {
				issues = append(issues, fmt.Sprintf("%s: %v", kp, err))
			}
			for ri, rk := range spec.RestoreKeys {
				if rk == "" {
					issues = append(issues, fmt.Sprintf("%s.restore_keys[%d]: empty restore key", kp, ri))
				}
			}
		}
		for ai, a := range c.Artifacts {
			ap := fmt.Sprintf("%s.artifacts[%d]", cp, ai)
			if a.Path == "" {
				issues = append(issues, ap+": path is required")
			} else if _, err := c.WorkspacePath(a.Path); err != nil {
				issues = append(issues, fmt.Sprintf("%s: %v", ap, err))
			}
			if a.Remote == "" {
				issues = append(issues, ap+": remote is required")
			}
		}
	}
	return issues
}

func inheritanceCycle(p *Pipeline, name string, stack []string) string {
	for _, s := range stack {
		if s == name {
			return strings.Join(append(stack, name), " -> ")
		}
	}
	env, ok := p.Environment(name)
	if !ok {
		return ""
	}
	stack = append(stack, name)
	for _, parent := range env.Inherits {
		if cyc := inheritanceCycle(p, parent, stack); cyc != "" {
			return cyc
		}
	}
	return ""
}
