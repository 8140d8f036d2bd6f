package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"blockci/internal/artifact"
	"blockci/internal/blockchain"
	"blockci/internal/core"
	cierrors "blockci/internal/errors"
	"blockci/internal/events"
	"blockci/internal/logfields"
	"blockci/internal/pipeline"
	"blockci/internal/runstore"
	"blockci/internal/trigger"
)

// maxBodySize caps request bodies: webhook payloads, events and pipelines.
const maxBodySize = 4 << 20

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{"status": "healthy", "pipeline_loaded": s.Pipeline() != nil}
	writeJSON(w, http.StatusOK, status)
}

// POST /webhook: GitHub or Gitea push deliveries.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "cannot read body")
		return
	}
	provider, eventType, ok := events.DetectProvider(r.Header)
	if !ok {
		s.fail(w, http.StatusBadRequest, "unknown webhook provider")
		return
	}
	if s.opts.WebhookSecret != "" &&
		!events.ValidateSignature(body, events.Signature(provider, r.Header), s.opts.WebhookSecret) {
		s.logger.Warn("Rejected webhook with bad signature", slog.String("provider", string(provider)))
		s.fail(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	ev, err := events.ParseWebhook(eventType, body)
	if errors.Is(err, events.ErrIgnored) {
		s.ok(w, http.StatusOK, map[string]string{"ignored": eventType})
		return
	}
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	s.dispatch(w, r, ev)
}

// POST /events: a trigger.Event as JSON.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "cannot read body")
		return
	}
	ev, err := trigger.DecodeEvent(body)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	s.dispatch(w, r, ev)
}

type runJobRequest struct {
	Ref    string `json:"ref"`
	Commit string `json:"commit"`
}

// POST /jobs/{name}/run: manual trigger of one job.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	p := s.Pipeline()
	if p == nil {
		s.fail(w, http.StatusServiceUnavailable, errNoPipeline.Error())
		return
	}
	if _, ok := p.Job(name); !ok {
		s.fail(w, http.StatusNotFound, "job not found: "+name)
		return
	}

	var req runJobRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.fail(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	ev := trigger.Event{Kind: trigger.EventManual, Job: name, Commit: req.Commit}
	ev.SetRef(req.Ref)
	s.dispatch(w, r, ev)
}

// dispatch triggers ev. With ?wait=true the response carries the finished
// run records.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, ev trigger.Event) {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	acc, err := s.Trigger(r.Context(), ev, wait)
	switch {
	case errors.Is(err, errNoPipeline):
		s.fail(w, http.StatusServiceUnavailable, err.Error())
		return
	case cierrors.IsKind(err, cierrors.KindTriggerEvaluation):
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("Event accepted", logfields.Event(string(ev.Kind)), logfields.Ref(ev.Ref),
		slog.Any("activated", acc.Activated))
	code := http.StatusAccepted
	if wait {
		code = http.StatusOK
	}
	s.ok(w, code, acc)
}

type jobSummary struct {
	Name        string   `json:"name"`
	Trigger     string   `json:"trigger,omitempty"`
	Environment string   `json:"environment,omitempty"`
	Containers  []string `json:"containers"`
}

type pipelineSummary struct {
	Name      string       `json:"name"`
	Jobs      []jobSummary `json:"jobs"`
	Schedules []string     `json:"schedules,omitempty"`
}

func summarizePipeline(p *pipeline.Pipeline) pipelineSummary {
	out := pipelineSummary{Name: p.Name, Schedules: p.Schedules()}
	for _, j := range p.Jobs {
		js := jobSummary{Name: j.Name, Trigger: string(j.Trigger.Kind()), Environment: j.Environment}
		for _, c := range j.Containers {
			js.Containers = append(js.Containers, c.Name)
		}
		out.Jobs = append(out.Jobs, js)
	}
	return out
}

// GET /pipeline
func (s *Server) handleGetPipeline(w http.ResponseWriter, _ *http.Request) {
	p := s.Pipeline()
	if p == nil {
		s.fail(w, http.StatusNotFound, errNoPipeline.Error())
		return
	}
	s.ok(w, http.StatusOK, summarizePipeline(p))
}

// POST /pipelines replaces the active pipeline. YAML unless the content
// type or ?format= says JSON.
func (s *Server) handleSubmitPipeline(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.fail(w, http.StatusBadRequest, "cannot read body")
		return
	}
	format := pipeline.FormatYAML
	if f := r.URL.Query().Get("format"); f == "json" || f == "jsonc" ||
		strings.Contains(r.Header.Get("Content-Type"), "json") {
		format = pipeline.FormatJSONC
	}

	p, err := pipeline.Parse(data, format)
	if err == nil {
		if p.Name == "" {
			p.Name = "submitted"
		}
		err = pipeline.Validate(p)
	}
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid pipeline: "+err.Error())
		return
	}
	if err := s.SetPipeline(p); err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	s.ok(w, http.StatusCreated, summarizePipeline(p))
}

// GET /runs?job=&status=&limit=
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := runstore.Query{
		Job:    r.URL.Query().Get("job"),
		Status: core.JobStatus(r.URL.Query().Get("status")),
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			s.fail(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = n
	}
	runs, err := s.opts.Runs.ListRuns(r.Context(), q)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []runstore.Summary{}
	}
	s.ok(w, http.StatusOK, runs)
}

// GET /runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.opts.Runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, runstore.ErrNotFound) {
		s.fail(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.ok(w, http.StatusOK, rec)
}

// GET /runs/{id}/logs/{container} returns the saved output as plain text.
func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request) {
	if s.opts.Logs == nil {
		s.fail(w, http.StatusNotFound, "log storage disabled")
		return
	}
	rec, err := s.opts.Runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, runstore.ErrNotFound) {
		s.fail(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	c := rec.Container(chi.URLParam(r, "container"))
	if c == nil || c.LogPath == "" {
		s.fail(w, http.StatusNotFound, "no log for container")
		return
	}
	out, err := s.opts.Logs.ReadLog(c.LogPath)
	if err != nil {
		s.fail(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, out)
}

// GET /artifacts/{remote}?version=N. Without version the latest one is served.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	if s.opts.Artifacts == nil {
		s.fail(w, http.StatusNotFound, "artifact store disabled")
		return
	}
	data, version, err := s.opts.Artifacts.Open(chi.URLParam(r, "*"), r.URL.Query().Get("version"))
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		s.fail(w, http.StatusNotFound, err.Error())
		return
	case cierrors.IsKind(err, cierrors.KindStoreUnavailable):
		s.fail(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Artifact-Version", version)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// GET /runs/{id}/ledger
func (s *Server) handleRunLedger(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ledger == nil {
		s.fail(w, http.StatusNotFound, "ledger disabled")
		return
	}
	blocks := s.opts.Ledger.RunBlocks(chi.URLParam(r, "id"))
	if blocks == nil {
		blocks = []*blockchain.Block{}
	}
	s.ok(w, http.StatusOK, blocks)
}

// GET /ledger/verify
func (s *Server) handleVerifyLedger(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Ledger == nil {
		s.fail(w, http.StatusNotFound, "ledger disabled")
		return
	}
	if err := s.opts.Ledger.VerifyChain(s.opts.TrustedKey); err != nil {
		s.logger.Error("Ledger verification failed", logfields.Error(err))
		s.fail(w, http.StatusInternalServerError, "ledger verification failed: "+err.Error())
		return
	}
	s.ok(w, http.StatusOK, map[string]any{
		"verified": true,
		"blocks":   s.opts.Ledger.NextIndex(),
		"tip":      s.opts.Ledger.LastHash(),
	})
}

// POST /agents/register
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var ra registeredAgent
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&ra.Info); err != nil {
		s.fail(w, http.StatusBadRequest, "bad request")
		return
	}
	if ra.ID == "" || ra.URL == "" {
		s.fail(w, http.StatusBadRequest, "id and url are required")
		return
	}
	ra.RegisteredAt = time.Now().UTC()

	s.mu.Lock()
	s.agents[ra.ID] = ra
	s.mu.Unlock()

	s.logger.Info("Agent registered", slog.String("agent", ra.ID), slog.String("url", ra.URL))
	s.ok(w, http.StatusOK, ra)
}

// GET /agents
func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	out := make([]registeredAgent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	s.ok(w, http.StatusOK, out)
}
