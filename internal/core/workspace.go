package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"blockci/internal/gitinfo"
	"blockci/internal/trigger"
)

// Workspaces hands out the directory a job run works in.
type Workspaces interface {
	Prepare(ctx context.Context, runID string, ev trigger.Event) (dir string, commit gitinfo.Commit, err error)
	Release(dir string) error
}

// SharedWorkspace runs every job in the same directory. Runs holding the
// directory exclude each other: Prepare blocks until the previous run
// released it, whatever the scheduler's parallelism.
type SharedWorkspace struct {
	Dir string
}

var (
	sharedMu    sync.Mutex
	sharedLocks = map[string]chan struct{}{}
)

func sharedLock(dir string) chan struct{} {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	l, ok := sharedLocks[dir]
	if !ok {
		l = make(chan struct{}, 1)
		sharedLocks[dir] = l
	}
	return l
}

func (s SharedWorkspace) Prepare(ctx context.Context, _ string, ev trigger.Event) (string, gitinfo.Commit, error) {
	dir, err := filepath.Abs(s.Dir)
	if err != nil {
		return "", gitinfo.Commit{}, err
	}
	select {
	case sharedLock(dir) <- struct{}{}:
	case <-ctx.Done():
		return "", gitinfo.Commit{}, ctx.Err()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		<-sharedLock(dir)
		return "", gitinfo.Commit{}, err
	}
	commit, err := gitinfo.Read(dir, "")
	if err != nil {
		<-sharedLock(dir)
		return "", gitinfo.Commit{}, err
	}
	return dir, commit, nil
}

// Release hands the directory to the next waiting run.
func (SharedWorkspace) Release(dir string) error {
	select {
	case <-sharedLock(dir):
		return nil
	default:
		return fmt.Errorf("workspace %s is not held", dir)
	}
}

// CloneWorkspaces gives every run a fresh clone of Source under Root,
// checked out at the event commit. Keep leaves clones behind for debugging.
type CloneWorkspaces struct {
	Source string
	Root   string
	Keep   bool
}

func (c CloneWorkspaces) Prepare(ctx context.Context, runID string, ev trigger.Event) (string, gitinfo.Commit, error) {
	dir, err := filepath.Abs(filepath.Join(c.Root, runID))
	if err != nil {
		return "", gitinfo.Commit{}, err
	}
	rev := ev.Commit
	if rev == "" && ev.Kind == trigger.EventPush {
		rev = ev.Ref
	}
	commit, err := gitinfo.Clone(ctx, c.Source, dir, rev)
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", gitinfo.Commit{}, fmt.Errorf("preparing workspace: %w", err)
	}
	return dir, commit, nil
}

func (c CloneWorkspaces) Release(dir string) error {
	if c.Keep {
		return nil
	}
	return os.RemoveAll(dir)
}
