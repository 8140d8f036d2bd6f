package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellRunsInWorkspace(t *testing.T) {
	ws := t.TempDir()
	var live bytes.Buffer

	res, err := NewShell().Execute(context.Background(), Request{
		Name:      "build",
		Workspace: ws,
		Script:    "echo \"$GREETING\" > out.txt; echo done; echo oops >&2",
		Env:       map[string]string{"GREETING": "hello"},
		Output:    &live,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Output, "done")
	assert.Contains(t, res.Output, "oops")
	assert.Equal(t, res.Output, live.String())

	b, err := os.ReadFile(filepath.Join(ws, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(b))
}

func TestShellNonZeroExitIsAResult(t *testing.T) {
	res, err := NewShell().Execute(context.Background(), Request{Workspace: t.TempDir(), Script: "set -e\nfalse\necho unreachable"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.NotContains(t, res.Output, "unreachable")
}

func TestShellCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewShell().Execute(ctx, Request{Workspace: t.TempDir(), Script: "sleep 30"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestShellCancelKillsBackgroundChildren(t *testing.T) {
	ws := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewShell().Execute(ctx, Request{Workspace: ws, Script: "sh -c 'sleep 1; touch survived'; echo done"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	time.Sleep(1500 * time.Millisecond)
	assert.NoFileExists(t, filepath.Join(ws, "survived"))
}

func TestDockerArgs(t *testing.T) {
	d := NewDocker("")
	args := d.Args(Request{
		Image:     "rust:1.75",
		Mount:     "/src",
		Workspace: "/tmp/ws",
		Script:    "cargo build",
		Env:       map[string]string{"B": "2", "A": "1"},
	}, "blockci-build-1")

	assert.Equal(t, []string{
		"run", "--rm", "--name", "blockci-build-1",
		"-v", "/tmp/ws:/src", "-w", "/src",
		"-e", "A=1", "-e", "B=2",
		"rust:1.75", "sh", "-c", "cargo build",
	}, args)

	args = d.Args(Request{Image: "alpine", Workspace: "/w", Script: "true"}, "n")
	assert.Contains(t, strings.Join(args, " "), "-v /w:/workspace -w /workspace")
}

func TestContainerName(t *testing.T) {
	n := containerName("Build Release!")
	assert.True(t, strings.HasPrefix(n, "blockci-buildrelease-"), n)
	assert.NotEqual(t, n, containerName("Build Release!"))
}

func TestAgentRuntime(t *testing.T) {
	var got AgentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/run", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(AgentResponse{ExitCode: 2, Output: "boom", DurationMS: 1500})
	}))
	defer srv.Close()

	var live bytes.Buffer
	res, err := NewAgent(srv.URL+"/").Execute(context.Background(), Request{
		Name: "test", Image: "alpine", Workspace: "/shared/ws", Script: "exit 2", Output: &live,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, "boom", res.Output)
	assert.Equal(t, "boom", live.String())
	assert.Equal(t, 1500*time.Millisecond, res.Duration)
	assert.Equal(t, "/shared/ws", got.Workspace)
}

func TestAgentRuntimeHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewAgent(srv.URL).Execute(context.Background(), Request{Script: "true"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad request")
}
