package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AgentRequest is the body of POST /run on a remote agent.
type AgentRequest struct {
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	Mount     string            `json:"mount,omitempty"`
	Workspace string            `json:"workspace"`
	Script    string            `json:"script"`
	Env       map[string]string `json:"env,omitempty"`
}

// AgentResponse is the reply to POST /run.
type AgentResponse struct {
	ExitCode   int    `json:"exit_code"`
	Output     string `json:"output"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Agent forwards scripts to a remote agent over HTTP. The agent must see
// the workspace at the same path, typically through a shared volume.
// Canceling the context aborts the request, and the agent stops the script.
type Agent struct {
	URL    string
	Client *http.Client
}

// NewAgent returns an Agent runtime talking to baseURL.
func NewAgent(baseURL string) *Agent {
	return &Agent{URL: strings.TrimSuffix(baseURL, "/"), Client: &http.Client{}}
}

func (a *Agent) Execute(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(AgentRequest{
		Name:      req.Name,
		Image:     req.Image,
		Mount:     req.Mount,
		Workspace: req.Workspace,
		Script:    req.Script,
		Env:       req.Env,
	})
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL+"/run", bytes.NewReader(body))
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{ExitCode: -1, Duration: time.Since(start)}, ctx.Err()
		}
		return Result{ExitCode: -1}, fmt.Errorf("agent %s: %w", a.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{ExitCode: -1}, fmt.Errorf("agent %s: %s: %s", a.URL, resp.Status, strings.TrimSpace(string(msg)))
	}
	var ar AgentResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("agent %s: decoding response: %w", a.URL, err)
	}
	if req.Output != nil {
		_, _ = io.WriteString(req.Output, ar.Output)
	}
	res := Result{ExitCode: ar.ExitCode, Output: ar.Output, Duration: time.Duration(ar.DurationMS) * time.Millisecond}
	if ar.Error != "" {
		return res, fmt.Errorf("agent %s: %s", a.URL, ar.Error)
	}
	return res, nil
}
