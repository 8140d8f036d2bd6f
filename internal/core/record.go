package core

import (
	"time"

	"blockci/internal/artifact"
	cierrors "blockci/internal/errors"
	"blockci/internal/metrics"
	"blockci/internal/trigger"
)

// ContainerStatus is the outcome of one container within a job run.
type ContainerStatus string

const (
	ContainerSucceeded ContainerStatus = "succeeded"
	ContainerFailed    ContainerStatus = "failed"
	ContainerCanceled  ContainerStatus = "canceled"
	ContainerSkipped   ContainerStatus = "skipped"
)

// Reasons recorded when a job fails.
const (
	ReasonStepFailed  = "step_failed"
	ReasonCanceled    = "canceled"
	ReasonArtifact    = "artifact"
	ReasonEnvironment = "environment"
	ReasonWorkspace   = "workspace"
	ReasonServices    = "services"
)

// Warning is a non-fatal problem attached to a run record.
type Warning struct {
	Container string        `json:"container,omitempty"`
	Kind      cierrors.Kind `json:"kind"`
	Message   string        `json:"message"`
}

// CacheOutcome records what happened to one declared cache.
type CacheOutcome struct {
	Path        string              `json:"path"`
	Key         string              `json:"key,omitempty"`
	RestoredKey string              `json:"restored_key,omitempty"`
	Restore     metrics.CacheResult `json:"restore"`
	Save        metrics.CacheResult `json:"save,omitempty"`
}

// ContainerRecord is the outcome of one container, in declared order.
type ContainerRecord struct {
	Name      string              `json:"name"`
	Image     string              `json:"image"`
	Status    ContainerStatus     `json:"status"`
	ExitCode  int                 `json:"exit_code"`
	Output    string              `json:"output,omitempty"`
	LogPath   string              `json:"log_path,omitempty"`
	StartedAt time.Time           `json:"started_at"`
	Duration  time.Duration       `json:"duration"`
	Caches    []CacheOutcome      `json:"caches,omitempty"`
	Artifacts []artifact.Artifact `json:"artifacts,omitempty"`
}

// RunRecord is the user visible report of one job run.
type RunRecord struct {
	ID         string            `json:"id"`
	Pipeline   string            `json:"pipeline"`
	Job        string            `json:"job"`
	Event      trigger.Event     `json:"event"`
	Status     JobStatus         `json:"status"`
	Reason     string            `json:"reason,omitempty"`
	Workspace  string            `json:"workspace,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Containers []ContainerRecord `json:"containers"`
	Warnings   []Warning         `json:"warnings,omitempty"`
}

// NewRunRecord returns a pending record for job.
func NewRunRecord(runID, pipelineName, job string, ev trigger.Event) *RunRecord {
	return &RunRecord{ID: runID, Pipeline: pipelineName, Job: job, Event: ev, Status: StatusPending}
}

// Warn attaches a warning for err.
func (r *RunRecord) Warn(container string, err error) {
	r.Warnings = append(r.Warnings, Warning{Container: container, Kind: cierrors.KindOf(err), Message: err.Error()})
}

// Duration is the wall time of the run, zero until it finished.
func (r *RunRecord) Duration() time.Duration {
	if r.FinishedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Container returns the record for the named container, or nil.
func (r *RunRecord) Container(name string) *ContainerRecord {
	for i := range r.Containers {
		if r.Containers[i].Name == name {
			return &r.Containers[i]
		}
	}
	return nil
}
