package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cierrors "blockci/internal/errors"
	"blockci/internal/retry"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blockci.config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, ".blockci", c.StateDir)
	assert.Equal(t, "blockci.yaml", c.Pipeline)
	assert.Equal(t, 4, c.MaxParallel)
	assert.Equal(t, "shell", c.Runtime.Kind)
	assert.Equal(t, "fs", c.Cache.Backend)
	assert.Equal(t, filepath.Join(".blockci", "cache"), c.Cache.Dir)
	assert.Equal(t, "zstd", c.Cache.Compression)
	assert.Equal(t, filepath.Join(".blockci", "runs.db"), c.Runs.DSN)
	assert.Equal(t, filepath.Join(".blockci", "ledger.jsonl"), c.Ledger.Path)
	assert.NotEmpty(t, c.Ledger.AgentID)
	assert.Equal(t, ":8080", c.Server.Addr)
	assert.NoError(t, c.Validate())
}

func TestLoadFile(t *testing.T) {
	t.Setenv("TEST_CACHE_BUCKET", "ci-cache")
	path := writeConfig(t, `
state_dir: /var/lib/blockci
pipeline: ci/pipeline.yaml
max_parallel: 8
job_timeout: 30m
runtime:
  kind: docker
  docker_args: ["--network", "host"]
cache:
  backend: nats
  nats_url: nats://localhost:4222
  bucket: ${TEST_CACHE_BUCKET}
  compression: lz4
retry:
  mode: linear
  initial: 50ms
  max_retries: 5
events:
  kafka:
    brokers: ["localhost:9092"]
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ci/pipeline.yaml", c.Pipeline)
	assert.Equal(t, 8, c.MaxParallel)
	assert.Equal(t, 30*time.Minute, c.JobTimeout)
	assert.Equal(t, 5*time.Second, c.ServiceTimeout)
	assert.Equal(t, []string{"--network", "host"}, c.Runtime.DockerArgs)
	assert.Equal(t, "ci-cache", c.Cache.Bucket)
	assert.Equal(t, "lz4", c.Cache.Compression)
	assert.Equal(t, "/var/lib/blockci/artifacts", c.Artifacts.Dir)
	require.NotNil(t, c.Events.Kafka)
	assert.Equal(t, "blockci-events", c.Events.Kafka.Topic)
	assert.Equal(t, "blockci", c.Events.Kafka.Group)
	assert.Nil(t, c.Events.NATS)

	p := c.RetryPolicy()
	assert.Equal(t, retry.ModeLinear, p.Mode)
	assert.Equal(t, 50*time.Millisecond, p.Initial)
	assert.Equal(t, 5, p.MaxRetries)
}

func TestRetriesCanBeTurnedOff(t *testing.T) {
	c, err := Load(writeConfig(t, "retry:\n  max_retries: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, c.RetryPolicy().MaxRetries)

	c, err = Load(writeConfig(t, "retry:\n  mode: fixed\n"))
	require.NoError(t, err)
	assert.Equal(t, retry.DefaultPolicy().MaxRetries, c.RetryPolicy().MaxRetries)

	_, err = Load(writeConfig(t, "retry:\n  max_retries: -2\n"))
	assert.Error(t, err)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Pipeline, c.Pipeline)
}

func TestLoadEmptyFile(t *testing.T) {
	c, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, "shell", c.Runtime.Kind)
}

func TestLoadRejectsUnknownField(t *testing.T) {
	_, err := Load(writeConfig(t, "max_paralel: 3\n"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BLOCKCI_MAX_PARALLEL", "2")
	t.Setenv("BLOCKCI_JOB_TIMEOUT", "90s")
	t.Setenv("BLOCKCI_RUNTIME", "agent")
	t.Setenv("BLOCKCI_AGENT_URL", "http://agent:8081")
	t.Setenv("BLOCKCI_STRICT_ARTIFACTS", "true")

	c, err := Load(writeConfig(t, "max_parallel: 6\nruntime:\n  kind: shell\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, c.MaxParallel)
	assert.Equal(t, 90*time.Second, c.JobTimeout)
	assert.Equal(t, "agent", c.Runtime.Kind)
	assert.Equal(t, "http://agent:8081", c.Runtime.AgentURL)
	assert.True(t, c.StrictArtifacts)
}

func TestEnvOverrideBadValue(t *testing.T) {
	env := map[string]string{"BLOCKCI_MAX_PARALLEL": "many"}
	err := applyEnvOverrides(&Config{}, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.ErrorContains(t, err, "BLOCKCI_MAX_PARALLEL")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"runtime kind", func(c *Config) { c.Runtime.Kind = "podman" }, "runtime.kind"},
		{"agent url", func(c *Config) { c.Runtime.Kind = "agent" }, "runtime.agent_url"},
		{"nats cache url", func(c *Config) { c.Cache.Backend = "nats" }, "cache.nats_url"},
		{"compression", func(c *Config) { c.Cache.Compression = "gzip" }, "cache.compression"},
		{"postgres dsn", func(c *Config) { c.Runs.Backend = "postgres"; c.Runs.DSN = "" }, "runs.dsn"},
		{"parallelism", func(c *Config) { c.MaxParallel = 0 }, "max_parallel"},
		{"kafka brokers", func(c *Config) { c.Events.Kafka = &KafkaEventsConfig{} }, "events.kafka.brokers"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, cierrors.IsKind(err, cierrors.KindConfig))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
