package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockci/internal/runtime"
)

type stubRuntime struct {
	got runtime.Request
	res runtime.Result
	err error
}

func (s *stubRuntime) Execute(_ context.Context, req runtime.Request) (runtime.Result, error) {
	s.got = req
	return s.res, s.err
}

func newAgent(rt runtime.Runtime) *Agent {
	return &Agent{ID: "agent-1", Runtime: rt, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func postRun(t *testing.T, h http.Handler, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/run", bytes.NewReader(data)))
	return rr
}

func TestRunExecutesScript(t *testing.T) {
	rt := &stubRuntime{res: runtime.Result{ExitCode: 3, Output: "nope", Duration: 1200 * time.Millisecond}}
	rr := postRun(t, newAgent(rt).Router(), runtime.AgentRequest{
		Name: "build", Image: "alpine", Workspace: "/tmp/ws", Script: "exit 3", Env: map[string]string{"A": "1"},
	})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp runtime.AgentResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.ExitCode)
	assert.Equal(t, "nope", resp.Output)
	assert.Equal(t, int64(1200), resp.DurationMS)
	assert.Empty(t, resp.Error)

	assert.Equal(t, "/tmp/ws", rt.got.Workspace)
	assert.Equal(t, "1", rt.got.Env["A"])
}

func TestRunReportsRuntimeError(t *testing.T) {
	rt := &stubRuntime{res: runtime.Result{ExitCode: -1}, err: errors.New("image pull failed")}
	rr := postRun(t, newAgent(rt).Router(), runtime.AgentRequest{Workspace: "/ws", Script: "true"})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp runtime.AgentResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "image pull failed", resp.Error)
}

func TestRunRejectsBadRequests(t *testing.T) {
	h := newAgent(&stubRuntime{}).Router()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/run", bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	assert.Equal(t, http.StatusBadRequest, postRun(t, h, runtime.AgentRequest{Workspace: "/ws"}).Code)
	assert.Equal(t, http.StatusBadRequest, postRun(t, h, runtime.AgentRequest{Script: "true"}).Code)
}

func TestAgentRuntimeRoundTrip(t *testing.T) {
	rt := &stubRuntime{res: runtime.Result{ExitCode: 0, Output: "ok\n"}}
	srv := httptest.NewServer(newAgent(rt).Router())
	defer srv.Close()

	res, err := runtime.NewAgent(srv.URL).Execute(context.Background(), runtime.Request{
		Name: "test", Workspace: "/ws", Script: "echo ok",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "ok\n", res.Output)
	assert.Equal(t, "echo ok", rt.got.Script)
}

func TestRegister(t *testing.T) {
	var got Info
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agents/register", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, Register(context.Background(), nil, srv.URL+"/", Info{ID: "a1", URL: "http://a1:8081"}))
	assert.Equal(t, "a1", got.ID)
	assert.Equal(t, "http://a1:8081", got.URL)
}

func TestRegisterRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad agent", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := Register(context.Background(), nil, srv.URL, Info{ID: "a1"})
	assert.ErrorContains(t, err, "bad agent")
}
