package main

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockci/internal/core"
	"blockci/internal/pipeline"
)

func TestPrefixWriterSplitsLines(t *testing.T) {
	var out bytes.Buffer
	s := &streams{out: &out}
	w := s.writer("build", "compile")

	_, err := fmt.Fprint(w, "one\ntw")
	require.NoError(t, err)
	_, err = fmt.Fprint(w, "o\nthree")
	require.NoError(t, err)

	assert.Equal(t, "[build/compile] one\n[build/compile] two\n", out.String())
}

func TestPrintRecords(t *testing.T) {
	recs := []*core.RunRecord{
		{ID: "r1", Job: "build", Status: core.StatusSucceeded,
			Containers: []core.ContainerRecord{{Name: "compile", Status: core.ContainerSucceeded}}},
		{ID: "r2", Job: "release", Status: core.StatusFailed, Reason: core.ReasonStepFailed,
			Warnings: []core.Warning{{Container: "upload", Message: "no files matched dist/*"}}},
		nil,
	}
	var out bytes.Buffer
	printRecords(&out, recs, []string{"nightly"})

	text := out.String()
	assert.Contains(t, text, "build")
	assert.Contains(t, text, "failed (step_failed)")
	assert.Contains(t, text, "compile")
	assert.Contains(t, text, "warning: release/upload: no files matched dist/*")
	assert.Contains(t, text, "pending: [nightly]")
	assert.Equal(t, 1, failed(recs))
}

func TestDescribeTrigger(t *testing.T) {
	assert.Equal(t, "manual only", describeTrigger(nil))
	assert.Equal(t, "push tags v*", describeTrigger(&pipeline.Trigger{Push: &pipeline.PushTrigger{Tags: []string{"v*"}}}))
	assert.Equal(t, "schedule 0 3 * * *", describeTrigger(&pipeline.Trigger{Schedule: "0 3 * * *"}))
	assert.Equal(t, "manual", describeTrigger(&pipeline.Trigger{Manual: true}))
}
