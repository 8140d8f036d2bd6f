package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	cierrors "blockci/internal/errors"
	"blockci/internal/retry"
)

// lookupFunc matches os.LookupEnv.
type lookupFunc func(key string) (string, bool)

// applyEnvOverrides copies BLOCKCI_* variables over file values.
func applyEnvOverrides(c *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("BLOCKCI_STATE_DIR", &c.StateDir)
	str("BLOCKCI_PIPELINE", &c.Pipeline)
	str("BLOCKCI_WORKSPACE", &c.Workspace.Dir)
	str("BLOCKCI_LOGS_DIR", &c.LogsDir)
	str("BLOCKCI_RUNTIME", &c.Runtime.Kind)
	str("BLOCKCI_AGENT_URL", &c.Runtime.AgentURL)
	str("BLOCKCI_CACHE_BACKEND", &c.Cache.Backend)
	str("BLOCKCI_CACHE_DIR", &c.Cache.Dir)
	str("BLOCKCI_CACHE_COMPRESSION", &c.Cache.Compression)
	str("BLOCKCI_NATS_URL", &c.Cache.NATSURL)
	str("BLOCKCI_ARTIFACTS_DIR", &c.Artifacts.Dir)
	str("BLOCKCI_RUNS_BACKEND", &c.Runs.Backend)
	str("BLOCKCI_RUNS_DSN", &c.Runs.DSN)
	str("BLOCKCI_LEDGER_PATH", &c.Ledger.Path)
	str("BLOCKCI_KEY_DIR", &c.Ledger.KeyDir)
	str("BLOCKCI_AGENT_ID", &c.Ledger.AgentID)
	str("BLOCKCI_SERVER_ADDR", &c.Server.Addr)
	str("BLOCKCI_WEBHOOK_SECRET", &c.Server.WebhookSecret)
	str("BLOCKCI_LOG_LEVEL", &c.Logging.Level)
	str("BLOCKCI_LOG_FORMAT", &c.Logging.Format)

	if v, ok := lookup("BLOCKCI_MAX_PARALLEL"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BLOCKCI_MAX_PARALLEL: %w", err)
		}
		c.MaxParallel = n
	}
	if v, ok := lookup("BLOCKCI_JOB_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("BLOCKCI_JOB_TIMEOUT: %w", err)
		}
		c.JobTimeout = d
	}
	if v, ok := lookup("BLOCKCI_STRICT_ARTIFACTS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BLOCKCI_STRICT_ARTIFACTS: %w", err)
		}
		c.StrictArtifacts = b
	}
	return nil
}

// Validate checks enumerated fields and the settings each backend needs.
func (c *Config) Validate() error {
	var problems []string
	oneOf := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		problems = append(problems, fmt.Sprintf("%s: unsupported value %q (want %s)", field, value, strings.Join(allowed, "|")))
	}

	if c.MaxParallel < 1 {
		problems = append(problems, "max_parallel: must be at least 1")
	}
	if c.JobTimeout < 0 {
		problems = append(problems, "job_timeout: must not be negative")
	}
	if c.ServiceTimeout < 0 {
		problems = append(problems, "service_timeout: must not be negative")
	}

	oneOf("runtime.kind", c.Runtime.Kind, "shell", "docker", "agent")
	if c.Runtime.Kind == "agent" && c.Runtime.AgentURL == "" {
		problems = append(problems, "runtime.agent_url: required for the agent runtime")
	}

	oneOf("cache.backend", c.Cache.Backend, "fs", "nats", "memory", "none")
	if c.Cache.Backend == "nats" && c.Cache.NATSURL == "" {
		problems = append(problems, "cache.nats_url: required for the nats backend")
	}
	oneOf("cache.compression", c.Cache.Compression, "zstd", "lz4", "none")

	oneOf("artifacts.backend", c.Artifacts.Backend, "fs", "memory")
	oneOf("runs.backend", c.Runs.Backend, "sqlite", "postgres", "memory")
	if c.Runs.Backend == "postgres" && c.Runs.DSN == "" {
		problems = append(problems, "runs.dsn: required for the postgres backend")
	}

	oneOf("retry.mode", c.Retry.Mode, string(retry.ModeFixed), string(retry.ModeLinear), string(retry.ModeExponential))
	if c.Retry.MaxRetries != nil && *c.Retry.MaxRetries < 0 {
		problems = append(problems, "retry.max_retries: must not be negative")
	}

	if c.Events.NATS != nil && c.Events.NATS.URL == "" {
		problems = append(problems, "events.nats.url: required when the nats source is enabled")
	}
	if c.Events.Kafka != nil && len(c.Events.Kafka.Brokers) == 0 {
		problems = append(problems, "events.kafka.brokers: required when the kafka source is enabled")
	}

	oneOf("logging.level", strings.ToLower(c.Logging.Level), "debug", "info", "warn", "error")
	oneOf("logging.format", c.Logging.Format, "text", "json")

	if len(problems) > 0 {
		return cierrors.Config(strings.Join(problems, "; "))
	}
	return nil
}
