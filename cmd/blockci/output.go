package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"blockci/internal/core"
	"blockci/internal/runstore"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printCompactJSON writes v on a single line.
func printCompactJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

// printRecords prints one line per run and one per container, followed by
// any warnings.
func printRecords(w io.Writer, recs []*core.RunRecord, pending []string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATUS\tDURATION\tRUN")
	for _, rec := range recs {
		if rec == nil {
			continue
		}
		status := string(rec.Status)
		if rec.Reason != "" {
			status += " (" + rec.Reason + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", rec.Job, status, rec.Duration().Round(time.Millisecond), rec.ID)
		for _, c := range rec.Containers {
			fmt.Fprintf(tw, "  %s\t%s\texit %d\t%s\n", c.Name, c.Status, c.ExitCode, c.Duration.Round(time.Millisecond))
		}
	}
	_ = tw.Flush()

	for _, rec := range recs {
		if rec == nil {
			continue
		}
		for _, warn := range rec.Warnings {
			fmt.Fprintf(w, "warning: %s/%s: %s\n", rec.Job, warn.Container, warn.Message)
		}
	}
	if len(pending) > 0 {
		fmt.Fprintf(w, "pending: %v\n", pending)
	}
}

func printSummaries(w io.Writer, runs []runstore.Summary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPIPELINE\tJOB\tSTATUS\tSTARTED\tDURATION")
	for _, s := range runs {
		status := string(s.Status)
		if s.Reason != "" {
			status += " (" + s.Reason + ")"
		}
		var dur time.Duration
		if !s.FinishedAt.IsZero() {
			dur = s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Pipeline, s.Job, status, s.StartedAt.Local().Format(time.DateTime), dur)
	}
	_ = tw.Flush()
}

// failed counts runs that did not succeed.
func failed(recs []*core.RunRecord) int {
	n := 0
	for _, rec := range recs {
		if rec != nil && rec.Status != core.StatusSucceeded {
			n++
		}
	}
	return n
}

// streams hands out writers that prefix each output line with the job and
// container it came from. Lines of concurrent jobs never interleave.
type streams struct {
	mu  sync.Mutex
	out io.Writer
}

func newStreams() *streams { return &streams{out: os.Stdout} }

func (s *streams) writer(job, container string) io.Writer {
	return &prefixWriter{s: s, prefix: "[" + job + "/" + container + "] "}
}

type prefixWriter struct {
	s      *streams
	prefix string
	buf    []byte
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			return len(b), nil
		}
		p.s.mu.Lock()
		_, err := fmt.Fprintf(p.s.out, "%s%s\n", p.prefix, p.buf[:i])
		p.s.mu.Unlock()
		p.buf = p.buf[i+1:]
		if err != nil {
			return len(b), err
		}
	}
}
