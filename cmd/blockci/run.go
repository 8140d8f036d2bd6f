package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"blockci/internal/core"
	"blockci/internal/events"
	"blockci/internal/pipeline"
	"blockci/internal/trigger"
)

// RunCmd runs a single job, whatever its trigger.
type RunCmd struct {
	Job    string `arg:"" help:"Job to run"`
	Ref    string `help:"Git ref exposed as CI_REF"`
	Commit string `help:"Commit recorded on the event"`
	JSON   bool   `help:"Print run records as JSON"`
}

func (r *RunCmd) Run(g *Global, cli *CLI) error {
	ev := trigger.Event{
		Kind:   trigger.EventManual,
		Commit: r.Commit,
		Job:    r.Job,
	}
	ev.SetRef(r.Ref)
	return dispatch(g, cli, ev, r.JSON, func(p *pipeline.Pipeline) error {
		if _, ok := p.Job(r.Job); !ok {
			return fmt.Errorf("job %q not found in pipeline %q", r.Job, p.Name)
		}
		return nil
	})
}

// TriggerCmd evaluates an event against the pipeline, or publishes it to an
// event bus consumed by a running server.
type TriggerCmd struct {
	Kind     string `help:"Event kind" enum:"push,manual,schedule" default:"push"`
	Ref      string `help:"Git ref, e.g. v1.2.3, refs/tags/v1.2.3 or refs/heads/main"`
	Branch   bool   `help:"Treat a short ref as a branch rather than a tag"`
	Commit   string `help:"Commit SHA"`
	Job      string `help:"Restrict a manual event to one job"`
	Schedule string `help:"Cron expression of a schedule event"`
	JSON     bool   `help:"Print run records as JSON"`

	Publish string   `help:"Publish the event instead of running it (nats or kafka)" placeholder:"BUS"`
	NATSURL string   `name:"nats-url" help:"NATS server URL" default:"nats://127.0.0.1:4222"`
	Subject string   `help:"NATS subject" default:"blockci.events"`
	Brokers []string `help:"Kafka broker addresses" default:"localhost:9092"`
	Topic   string   `help:"Kafka topic" default:"blockci-events"`
}

func (t *TriggerCmd) event() trigger.Event {
	ev := trigger.Event{
		Kind:     trigger.EventKind(t.Kind),
		Commit:   t.Commit,
		Job:      t.Job,
		Schedule: t.Schedule,
	}
	if t.Branch {
		ev.RefType = trigger.RefBranch
	}
	ev.SetRef(t.Ref)
	return ev
}

func (t *TriggerCmd) Run(g *Global, cli *CLI) error {
	ev := t.event()
	if err := ev.Validate(); err != nil {
		return err
	}
	if t.Publish == "" {
		return dispatch(g, cli, ev, t.JSON, nil)
	}

	ev.ReceivedAt = time.Now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	switch strings.ToLower(t.Publish) {
	case "nats":
		err = events.PublishNATS(t.NATSURL, t.Subject, data)
	case "kafka":
		err = events.PublishKafka(g.ctx, t.Brokers, t.Topic, ev.Ref, data)
	default:
		return fmt.Errorf("unknown event bus %q (want nats or kafka)", t.Publish)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Published %s event to %s\n", ev.Kind, t.Publish)
	return nil
}

// dispatch runs the jobs ev activates in-process and prints their records.
// check, when set, vets the loaded pipeline before anything runs.
func dispatch(g *Global, cli *CLI, ev trigger.Event, asJSON bool, check func(*pipeline.Pipeline) error) error {
	a, err := cli.openApp(g)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.LoadPipeline()
	if err != nil {
		return err
	}
	if check != nil {
		if err := check(p); err != nil {
			return err
		}
	}
	if !asJSON {
		a.Runner.Executor.Stream = newStreams().writer
	}

	ev.ReceivedAt = time.Now().UTC()
	res, err := a.Scheduler.Dispatch(g.ctx, p, ev)
	if err != nil {
		return err
	}

	if asJSON {
		out := struct {
			Runs    []*core.RunRecord `json:"runs"`
			Pending []string          `json:"pending"`
		}{res.Runs, res.Pending}
		if err := printJSON(os.Stdout, out); err != nil {
			return err
		}
	} else {
		if len(res.Runs) == 0 {
			fmt.Println("No jobs activated.")
		}
		printRecords(os.Stdout, res.Runs, res.Pending)
	}

	if n := failed(res.Runs); n > 0 {
		return fmt.Errorf("%d of %d job(s) did not succeed", n, len(res.Runs))
	}
	if g.ctx.Err() != nil {
		return errors.New("interrupted")
	}
	return nil
}
