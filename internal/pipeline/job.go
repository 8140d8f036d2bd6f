package pipeline

import (
	"fmt"
	"path"
	"strings"
)

// Job is a named unit of pipeline work: containers run in declared order,
// optionally gated by a trigger. A job without trigger only runs on manual
// request.
type Job struct {
	Name        string      `yaml:"name"`
	Environment string      `yaml:"environment"`
	Trigger     *Trigger    `yaml:"trigger"`
	Services    []Service   `yaml:"services"`
	Containers  []Container `yaml:"containers"`
}

// ServiceProtocol says how a service's readiness is checked.
type ServiceProtocol string

const (
	// ServiceHTTP services are up when a GET on the URI answers 200.
	ServiceHTTP ServiceProtocol = "http"
	// ServiceTCP services are up when the host:port URI accepts a connection.
	ServiceTCP ServiceProtocol = "tcp"
)

// Service is an external dependency that must be reachable before any of
// the job's containers runs.
type Service struct {
	Name     string          `yaml:"name"`
	Protocol ServiceProtocol `yaml:"protocol"`
	URI      string          `yaml:"uri"`
}

// TriggerKind names the trigger variants.
type TriggerKind string

const (
	TriggerPush     TriggerKind = "push"
	TriggerManual   TriggerKind = "manual"
	TriggerSchedule TriggerKind = "schedule"
)

// Trigger is a tagged variant: exactly one of Push, Manual or Schedule is set.
type Trigger struct {
	Push     *PushTrigger `yaml:"push,omitempty"`
	Manual   bool         `yaml:"manual,omitempty"`
	Schedule string       `yaml:"schedule,omitempty"` // cron expression
}

// PushTrigger fires on push events whose ref matches one of Tags.
type PushTrigger struct {
	Tags []string `yaml:"tags"`
}

// Kind returns the variant that is set, or "" when none or several are.
func (t *Trigger) Kind() TriggerKind {
	if t == nil {
		return ""
	}
	var kinds []TriggerKind
	if t.Push != nil {
		kinds = append(kinds, TriggerPush)
	}
	if t.Manual {
		kinds = append(kinds, TriggerManual)
	}
	if t.Schedule != "" {
		kinds = append(kinds, TriggerSchedule)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// Container is the unit of isolation: one image, one script, the caches it
// restores and stores, and the artifacts it publishes.
type Container struct {
	Name      string            `yaml:"name"`
	Image     string            `yaml:"image"`
	Mount     string            `yaml:"mount"` // workspace mount point inside the container
	Script    string            `yaml:"script"`
	Env       map[string]string `yaml:"env"`
	Caches    []CacheSpec       `yaml:"caches"`
	Artifacts []ArtifactSpec    `yaml:"artifacts"`
}

// CacheSpec declares a restorable directory tied to a templated key.
type CacheSpec struct {
	Key         string   `yaml:"key"`          // template, e.g. cargo-{{ hashFiles "Cargo.lock" }}
	Path        string   `yaml:"path"`         // persisted path
	RestoreKeys []string `yaml:"restore_keys"` // fallback prefixes, checked in order
}

// ArtifactSpec declares a produced file and where it is published.
type ArtifactSpec struct {
	Path   string `yaml:"path"`
	Remote string `yaml:"remote"`
}

// DefaultMount is the workspace mount point of a container that declares none.
const DefaultMount = "/workspace"

// MountDir returns the container's mount point, DefaultMount when unset.
func (c *Container) MountDir() string {
	if c.Mount == "" {
		return DefaultMount
	}
	return c.Mount
}

// WorkspacePath maps a path declared on the container to a slash separated
// path relative to the job workspace. Relative paths are taken as relative
// to the workspace; absolute paths must live under the container mount.
func (c *Container) WorkspacePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if path.IsAbs(p) {
		mount := path.Clean(c.MountDir())
		cleaned := path.Clean(p)
		if cleaned == mount {
			return ".", nil
		}
		rel, ok := strings.CutPrefix(cleaned, strings.TrimSuffix(mount, "/")+"/")
		if !ok {
			return "", fmt.Errorf("path %q is outside mount %q", p, mount)
		}
		return rel, nil
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path %q escapes the workspace", p)
	}
	return cleaned, nil
}
