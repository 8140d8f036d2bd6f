// Package trigger decides which jobs a repository event activates.
package trigger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	cierrors "blockci/internal/errors"
	"blockci/internal/glob"
	"blockci/internal/pipeline"
)

// EventKind is the kind of repository event.
type EventKind string

const (
	EventPush     EventKind = "push"
	EventManual   EventKind = "manual"
	EventSchedule EventKind = "schedule"
)

// RefType tells tags from branches once a ref is shortened.
type RefType string

const (
	RefTag    RefType = "tag"
	RefBranch RefType = "branch"
)

// Event is a repository event. Ref is the short ref ("v1.2.3", "main"),
// never the fully qualified "refs/tags/..." form. An event without RefType
// is taken to name a tag.
type Event struct {
	Kind       EventKind `json:"kind"`
	Ref        string    `json:"ref,omitempty"`
	RefType    RefType   `json:"ref_type,omitempty"`
	Commit     string    `json:"commit,omitempty"`
	Repository string    `json:"repository,omitempty"`
	// Job restricts a manual event to a single job. Empty means every job.
	Job string `json:"job,omitempty"`
	// Schedule is the cron expression that fired a schedule event.
	Schedule   string    `json:"schedule,omitempty"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// Validate reports a TriggerEvaluation error when the event cannot be
// evaluated.
func (e Event) Validate() error {
	switch e.Kind {
	case EventPush:
		if e.Ref == "" {
			return cierrors.TriggerEvaluation("push event without ref", nil)
		}
	case EventManual:
	case EventSchedule:
		if e.Schedule == "" {
			return cierrors.TriggerEvaluation("schedule event without schedule", nil)
		}
	case "":
		return cierrors.TriggerEvaluation("event kind is required", nil)
	default:
		return cierrors.TriggerEvaluation(fmt.Sprintf("unknown event kind %q", e.Kind), nil)
	}
	switch e.RefType {
	case "", RefTag, RefBranch:
	default:
		return cierrors.TriggerEvaluation(fmt.Sprintf("unknown ref type %q", e.RefType), nil)
	}
	return nil
}

// IsTag reports whether the event ref names a tag.
func (e Event) IsTag() bool { return e.RefType != RefBranch }

// DecodeEvent parses a JSON event. Refs given in fully qualified form are
// shortened and their prefix decides the ref type.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, cierrors.TriggerEvaluation("decoding event", err)
	}
	ev.SetRef(ev.Ref)
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// ParseRef strips the refs/tags/ or refs/heads/ prefix from a git ref and
// reports which one it was. Short refs come back with an empty type.
func ParseRef(ref string) (string, RefType) {
	if s, ok := strings.CutPrefix(ref, "refs/tags/"); ok {
		return s, RefTag
	}
	if s, ok := strings.CutPrefix(ref, "refs/heads/"); ok {
		return s, RefBranch
	}
	return ref, ""
}

// SetRef stores ref in short form. A qualified ref overrides RefType, a
// short one keeps it.
func (e *Event) SetRef(ref string) {
	short, typ := ParseRef(ref)
	e.Ref = short
	if typ != "" {
		e.RefType = typ
	}
}

// Matches reports whether ev activates a job gated by t. It never fails:
// malformed patterns or refs simply do not match.
//
// Manual events activate any job, whatever its trigger. Automatic events
// never activate a job without trigger. Push triggers list tag patterns, so
// branch pushes never match them.
func Matches(t *pipeline.Trigger, ev Event) bool {
	if ev.Kind == EventManual {
		return true
	}
	if t == nil {
		return false
	}
	switch t.Kind() {
	case pipeline.TriggerPush:
		return ev.Kind == EventPush && ev.Ref != "" && ev.IsTag() && glob.MatchAny(t.Push.Tags, ev.Ref)
	case pipeline.TriggerSchedule:
		return ev.Kind == EventSchedule && ev.Schedule == t.Schedule
	case pipeline.TriggerManual:
		return false
	default:
		return false
	}
}

// Activates reports whether ev activates job, honouring manual targeting.
func Activates(job *pipeline.Job, ev Event) bool {
	if ev.Kind == EventManual && ev.Job != "" && ev.Job != job.Name {
		return false
	}
	return Matches(job.Trigger, ev)
}
