package core

import "fmt"

// JobStatus is the lifecycle state of one job run.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusTriggered JobStatus = "triggered"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether the status is final.
func (s JobStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

func isAllowedTransition(from, to JobStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusTriggered
	case StatusTriggered:
		// a job can fail before any container starts, e.g. on a bad environment
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed
	default:
		return false
	}
}

// Transition moves rec from its current status to to, rejecting moves the
// job lifecycle does not allow.
func Transition(rec *RunRecord, to JobStatus) error {
	if !isAllowedTransition(rec.Status, to) {
		return fmt.Errorf("disallowed transition for job %q: %s -> %s", rec.Job, rec.Status, to)
	}
	rec.Status = to
	return nil
}
