package logfields

import "log/slog"

// Canonical log field names shared by every package.
const (
	KeyRunID      = "run_id"
	KeyJob        = "job"
	KeyJobStatus  = "job_status"
	KeyContainer  = "container"
	KeyImage      = "image"
	KeyEvent      = "event"
	KeyRef        = "ref"
	KeyCacheKey   = "cache_key"
	KeyCachePath  = "cache_path"
	KeyArtifact   = "artifact"
	KeyRemote     = "remote"
	KeyExitCode   = "exit_code"
	KeyDurationMS = "duration_ms"
	KeyAttempt    = "attempt"
	KeyError      = "error"
)

func RunID(id string) slog.Attr         { return slog.String(KeyRunID, id) }
func Job(name string) slog.Attr         { return slog.String(KeyJob, name) }
func JobStatus(s string) slog.Attr      { return slog.String(KeyJobStatus, s) }
func Container(name string) slog.Attr   { return slog.String(KeyContainer, name) }
func Image(ref string) slog.Attr        { return slog.String(KeyImage, ref) }
func Event(kind string) slog.Attr       { return slog.String(KeyEvent, kind) }
func Ref(ref string) slog.Attr          { return slog.String(KeyRef, ref) }
func CacheKey(key string) slog.Attr     { return slog.String(KeyCacheKey, key) }
func CachePath(p string) slog.Attr      { return slog.String(KeyCachePath, p) }
func Artifact(p string) slog.Attr       { return slog.String(KeyArtifact, p) }
func Remote(p string) slog.Attr         { return slog.String(KeyRemote, p) }
func ExitCode(code int) slog.Attr       { return slog.Int(KeyExitCode, code) }
func DurationMS(ms float64) slog.Attr   { return slog.Float64(KeyDurationMS, ms) }
func Attempt(n int) slog.Attr           { return slog.Int(KeyAttempt, n) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
