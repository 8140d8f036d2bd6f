// Package errors provides the structured error type used across blockci to
// classify pipeline failures (trigger, cache, step, artifact, store) and to
// decide which of them are fatal to a job and which can be retried.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a pipeline error.
type Kind string

const (
	// KindTriggerEvaluation marks a malformed repository event. The job is
	// treated as not triggered.
	KindTriggerEvaluation Kind = "trigger_evaluation"
	// KindResolution marks a cache key template that could not be resolved,
	// typically because a hashFiles pattern matched nothing.
	KindResolution Kind = "resolution"
	// KindStepFailed marks a container script that exited non-zero or could
	// not be run. Always fatal to the job.
	KindStepFailed Kind = "step_failed"
	// KindArtifactNotFound marks a declared artifact missing after a
	// successful container.
	KindArtifactNotFound Kind = "artifact_not_found"
	// KindStoreUnavailable marks an unreachable cache or artifact store.
	KindStoreUnavailable Kind = "store_unavailable"
	// KindConfig marks invalid pipeline or service configuration.
	KindConfig Kind = "config"
	// KindInternal is used for anything that is not one of the above.
	KindInternal Kind = "internal"
)

// Error is a classified error with optional cause and retry hint.
type Error struct {
	Kind      Kind           `json:"kind"`
	Op        string         `json:"op,omitempty"`
	Message   string         `json:"message"`
	Cause     error          `json:"-"`
	Retryable bool           `json:"retryable"`
	Context   map[string]any `json:"context,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Op != "" {
		prefix = e.Op + ": " + prefix
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is match on kind alone: errors.Is(err, &Error{Kind: KindStepFailed}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Op == ""
}

// WithContext attaches a structured field and returns the error for chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithOp sets the operation name.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps cause with a kind and message.
func Wrap(cause error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WrapRetryable wraps cause and marks the result as retryable.
func WrapRetryable(cause error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause, Retryable: true}
}

// TriggerEvaluation reports a malformed event.
func TriggerEvaluation(message string, cause error) *Error {
	return &Error{Kind: KindTriggerEvaluation, Message: message, Cause: cause}
}

// Resolution reports an unresolvable cache key.
func Resolution(message string, cause error) *Error {
	return &Error{Kind: KindResolution, Message: message, Cause: cause}
}

// StepFailed reports a failed container step.
func StepFailed(container string, exitCode int, cause error) *Error {
	msg := fmt.Sprintf("container %q exited with code %d", container, exitCode)
	return (&Error{Kind: KindStepFailed, Message: msg, Cause: cause}).
		WithContext("container", container).
		WithContext("exit_code", exitCode)
}

// ArtifactNotFound reports a missing artifact.
func ArtifactNotFound(path string) *Error {
	return (&Error{Kind: KindArtifactNotFound, Message: fmt.Sprintf("artifact %q not found", path)}).
		WithContext("path", path)
}

// StoreUnavailable reports an unreachable store. These are always retryable.
func StoreUnavailable(store string, cause error) *Error {
	return &Error{Kind: KindStoreUnavailable, Message: store + " unavailable", Cause: cause, Retryable: true}
}

// Config reports invalid configuration.
func Config(message string) *Error {
	return &Error{Kind: KindConfig, Message: message}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err's chain contains an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// IsRetryable reports whether err's chain contains a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}
