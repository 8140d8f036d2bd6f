package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"blockci/internal/trigger"
)

func TestTriggerEventRefType(t *testing.T) {
	ev := (&TriggerCmd{Kind: "push", Ref: "refs/heads/v2-wip"}).event()
	assert.Equal(t, "v2-wip", ev.Ref)
	assert.Equal(t, trigger.RefBranch, ev.RefType)

	ev = (&TriggerCmd{Kind: "push", Ref: "v2-wip", Branch: true}).event()
	assert.Equal(t, trigger.RefBranch, ev.RefType)

	ev = (&TriggerCmd{Kind: "push", Ref: "v2.0.0"}).event()
	assert.True(t, ev.IsTag())
}
