// Package agent serves the remote execution endpoint used by the agent
// runtime: the server posts a script to /run, the agent executes it on its
// own host and replies with the exit code and output.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"blockci/internal/logfields"
	"blockci/internal/runtime"
)

// Info identifies an agent to the server.
type Info struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Agent executes scripts received over HTTP.
type Agent struct {
	ID      string
	Runtime runtime.Runtime
	Logger  *slog.Logger
	// Timeout bounds a single script. Zero means the request context only.
	Timeout time.Duration
}

// Router returns the agent HTTP handler.
func (a *Agent) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/run", a.handleRun)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": a.ID})
	})
	return r
}

func (a *Agent) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runtime.AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Script) == "" {
		http.Error(w, "script is required", http.StatusBadRequest)
		return
	}
	if req.Workspace == "" {
		http.Error(w, "workspace is required", http.StatusBadRequest)
		return
	}

	logger := a.logger().With(logfields.Container(req.Name), logfields.Image(req.Image))
	logger.Info("Agent running script")

	ctx := r.Context()
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	res, err := a.Runtime.Execute(ctx, runtime.Request{
		Name:      req.Name,
		Image:     req.Image,
		Mount:     req.Mount,
		Workspace: req.Workspace,
		Script:    req.Script,
		Env:       req.Env,
	})
	resp := runtime.AgentResponse{
		ExitCode:   res.ExitCode,
		Output:     res.Output,
		DurationMS: res.Duration.Milliseconds(),
	}
	if err != nil {
		resp.Error = err.Error()
		logger.Warn("Script could not run", logfields.Error(err))
	} else {
		logger.Info("Script finished", logfields.ExitCode(res.ExitCode),
			logfields.DurationMS(float64(res.Duration.Milliseconds())))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *Agent) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

// Register announces the agent to a blockci server.
func Register(ctx context.Context, client *http.Client, serverURL string, info Info) error {
	body, err := json.Marshal(info)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(serverURL, "/")+"/agents/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("registering with %s: %w", serverURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("registering with %s: %s: %s", serverURL, resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
