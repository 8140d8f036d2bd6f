// Package metrics exposes pipeline observability hooks. Components take a
// Recorder and default to NoopRecorder, so metrics never need nil checks.
package metrics

import "time"

// CacheResult labels the outcome of a cache operation.
type CacheResult string

const (
	CacheHit     CacheResult = "hit"     // exact key restored
	CachePartial CacheResult = "partial" // restored from a restore key
	CacheMiss    CacheResult = "miss"
	CacheError   CacheResult = "error"
	CacheStored  CacheResult = "stored"
	CacheSkipped CacheResult = "skipped" // save skipped after an exact hit
)

// ArtifactResult labels the outcome of publishing one artifact.
type ArtifactResult string

const (
	ArtifactPublished ArtifactResult = "published"
	ArtifactMissing   ArtifactResult = "missing"
	ArtifactFailed    ArtifactResult = "failed"
)

// Recorder defines the metrics emitted while running jobs.
type Recorder interface {
	ObserveJobDuration(job string, d time.Duration)
	IncJobOutcome(job, status string)
	ObserveStepDuration(job, container string, d time.Duration, success bool)
	IncCacheResult(result CacheResult)
	IncArtifactResult(result ArtifactResult)
	IncStoreRetry(store string)
	SetRunningJobs(n int)
}

// NoopRecorder is a Recorder that does nothing.
type NoopRecorder struct{}

func (NoopRecorder) ObserveJobDuration(string, time.Duration)                 {}
func (NoopRecorder) IncJobOutcome(string, string)                             {}
func (NoopRecorder) ObserveStepDuration(string, string, time.Duration, bool) {}
func (NoopRecorder) IncCacheResult(CacheResult)                               {}
func (NoopRecorder) IncArtifactResult(ArtifactResult)                         {}
func (NoopRecorder) IncStoreRetry(string)                                     {}
func (NoopRecorder) SetRunningJobs(int)                                       {}

// OrNoop returns r, or NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
