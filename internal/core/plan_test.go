package core

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockci/internal/cachekey"
	"blockci/internal/pipeline"
)

func TestPlanCaches(t *testing.T) {
	h := newHarness(t)
	h.write(t, "Cargo.lock", "lock v1")
	p := cargoPipeline()
	p.Jobs[0].Containers[0].Caches = append(p.Jobs[0].Containers[0].Caches, pipeline.CacheSpec{
		Key:  `npm-{{ hashFiles "package-lock.json" }}`,
		Path: "node_modules",
	})

	rc := NewRunContext(p, push("v1.0.0"), h.ws, nil)
	plans, err := h.runner.PlanCaches(rc, &p.Jobs[0])
	require.NoError(t, err)
	require.Len(t, plans, 2)

	hash, err := cachekey.HashFiles(os.DirFS(h.ws), "Cargo.lock")
	require.NoError(t, err)
	assert.Equal(t, "build", plans[0].Container)
	assert.Equal(t, "cargo-"+hash, plans[0].Key)
	assert.Equal(t, []string{"cargo-" + hash, "cargo-base"}, plans[0].Candidates)
	assert.Empty(t, plans[0].Error)

	assert.Empty(t, plans[1].Key)
	assert.NotEmpty(t, plans[1].Error)
	assert.Empty(t, h.caches.puts)
}

func TestPlanCachesUsesJobEnvironment(t *testing.T) {
	h := newHarness(t)
	p := &pipeline.Pipeline{
		Environments: []pipeline.Environment{{Name: "ci", Values: map[string]string{"TOOLCHAIN": "stable"}}},
		Jobs: []pipeline.Job{{
			Name:        "build",
			Environment: "ci",
			Containers: []pipeline.Container{{
				Name:   "compile",
				Image:  "rust",
				Script: "true",
				Caches: []pipeline.CacheSpec{{Key: "rust-{{ .Env.TOOLCHAIN }}-{{ .Job }}", Path: "target"}},
			}},
		}},
	}
	rc := NewRunContext(p, push("v1"), h.ws, nil)
	plans, err := h.runner.PlanCaches(rc, &p.Jobs[0])
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "rust-stable-build", plans[0].Key)
}
