// Package runtime runs container scripts. A Runtime receives the job
// workspace, already populated with restored caches, and executes one
// script against it.
package runtime

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"
)

// DefaultMount is used when a container declares no mount directory.
const DefaultMount = "/workspace"

// Request describes one script execution.
type Request struct {
	Name      string            // container display name
	Image     string
	Mount     string            // workspace mount point inside the container
	Workspace string            // host directory holding the job workspace
	Script    string
	Env       map[string]string
	// Output, when set, receives combined stdout and stderr as it is produced.
	Output io.Writer
}

// Result is the outcome of a script that ran to completion.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// Runtime executes scripts. A non-zero exit is reported in Result with a nil
// error; an error means the script could not be run or was canceled.
type Runtime interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

func (r Request) mount() string {
	if r.Mount == "" {
		return DefaultMount
	}
	return r.Mount
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// outputBuffer collects combined output and tees it to an optional writer.
// exec.Cmd writes stdout and stderr from separate goroutines when they are
// different writers, so it is locked.
type outputBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	tee io.Writer
}

func (o *outputBuffer) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buf.Write(p)
	if o.tee != nil {
		_, _ = o.tee.Write(p)
	}
	return len(p), nil
}

func (o *outputBuffer) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}
