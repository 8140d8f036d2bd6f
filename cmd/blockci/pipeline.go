package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"blockci/internal/core"
	"blockci/internal/pipeline"
	"blockci/internal/trigger"
)

// ValidateCmd loads a pipeline file and lists its jobs.
type ValidateCmd struct {
	File string `arg:"" optional:"" help:"Pipeline file, defaults to the configured one" type:"path"`
}

func (v *ValidateCmd) Run(cli *CLI) error {
	path := v.File
	if path == "" {
		cfg, err := cli.loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Pipeline
	}
	p, err := pipeline.Load(path)
	if err != nil {
		return err
	}

	fmt.Printf("Pipeline %q is valid: %d job(s), %d environment(s)\n", p.Name, len(p.Jobs), len(p.Environments))
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tTRIGGER\tCONTAINERS\tENVIRONMENT")
	for _, job := range p.Jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", job.Name, describeTrigger(job.Trigger), len(job.Containers), job.Environment)
	}
	return tw.Flush()
}

func describeTrigger(t *pipeline.Trigger) string {
	if t == nil {
		return "manual only"
	}
	switch t.Kind() {
	case pipeline.TriggerPush:
		if len(t.Push.Tags) > 0 {
			return "push tags " + strings.Join(t.Push.Tags, ",")
		}
		return "push"
	case pipeline.TriggerSchedule:
		return "schedule " + t.Schedule
	case pipeline.TriggerManual:
		return "manual"
	default:
		return "none"
	}
}

// CandidatesCmd prints the cache key a job would resolve against the
// current workspace, with the fallback keys in lookup order.
type CandidatesCmd struct {
	Job  string `arg:"" help:"Job to plan"`
	Ref  string `help:"Git ref exposed as CI_REF"`
	JSON bool   `help:"Print the plan as JSON"`
}

func (c *CandidatesCmd) Run(g *Global, cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	p, err := pipeline.Load(cfg.Pipeline)
	if err != nil {
		return err
	}
	job, ok := p.Job(c.Job)
	if !ok {
		return fmt.Errorf("job %q not found in pipeline %q", c.Job, p.Name)
	}

	ev := trigger.Event{Kind: trigger.EventManual, Job: c.Job, ReceivedAt: time.Now().UTC()}
	ev.SetRef(c.Ref)
	ws := core.SharedWorkspace{Dir: cfg.Workspace.Dir}
	dir, commit, err := ws.Prepare(g.ctx, "", ev)
	if err != nil {
		return err
	}
	defer ws.Release(dir)
	rc := core.NewRunContext(p, ev, dir, g.Logger)
	rc.Env = core.BuiltinEnv(rc, job.Name, commit)

	runner := &core.Runner{EnvResolver: pipeline.EnvResolver{Getenv: os.Getenv}}
	plans, err := runner.PlanCaches(rc, job)
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(os.Stdout, plans)
	}
	if len(plans) == 0 {
		fmt.Printf("Job %q declares no caches.\n", job.Name)
		return nil
	}
	for _, plan := range plans {
		fmt.Printf("%s %s\n", plan.Container, plan.Path)
		if plan.Error != "" {
			fmt.Printf("  error: %s\n", plan.Error)
			continue
		}
		for i, key := range plan.Candidates {
			fmt.Printf("  %d. %s\n", i+1, key)
		}
	}
	return nil
}

// SubmitCmd sends a pipeline file to a running server.
type SubmitCmd struct {
	File   string `arg:"" help:"Pipeline file to submit" type:"existingfile"`
	Server string `help:"Server base URL" default:"http://localhost:8080" env:"BLOCKCI_SERVER"`
}

func (s *SubmitCmd) Run() error {
	data, err := os.ReadFile(s.File)
	if err != nil {
		return fmt.Errorf("failed to read pipeline file: %w", err)
	}

	contentType := "application/x-yaml"
	if pipeline.FormatFromPath(s.File) == pipeline.FormatJSONC {
		contentType = "application/json"
	}
	url := strings.TrimRight(s.Server, "/") + "/pipelines"
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(url, contentType, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("server rejected pipeline (%s): %s", resp.Status, strings.TrimSpace(string(body)))
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}
