// Package config loads the blockci service configuration: where pipelines
// and workspaces live, which runtime and stores to use, and how the server
// listens for events.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"blockci/internal/retry"
)

// Config is the root configuration document.
type Config struct {
	// StateDir holds default locations for caches, artifacts, runs, the
	// ledger and logs.
	StateDir        string          `yaml:"state_dir"`
	Pipeline        string          `yaml:"pipeline"`
	Workspace       WorkspaceConfig `yaml:"workspace"`
	MaxParallel     int             `yaml:"max_parallel"`
	JobTimeout      time.Duration   `yaml:"job_timeout"`
	ServiceTimeout  time.Duration   `yaml:"service_timeout"`
	StrictArtifacts bool            `yaml:"strict_artifacts"`
	LogsDir         string          `yaml:"logs_dir"`
	Runtime         RuntimeConfig   `yaml:"runtime"`
	Cache           CacheConfig     `yaml:"cache"`
	Artifacts       ArtifactsConfig `yaml:"artifacts"`
	Runs            RunsConfig      `yaml:"runs"`
	Ledger          LedgerConfig    `yaml:"ledger"`
	Retry           RetryConfig     `yaml:"retry"`
	Server          ServerConfig    `yaml:"server"`
	Events          EventsConfig    `yaml:"events"`
	Logging         LoggingConfig   `yaml:"logging"`
}

// WorkspaceConfig selects where jobs run. With Isolate set every run gets
// a fresh clone of Dir under Root.
type WorkspaceConfig struct {
	Dir     string `yaml:"dir"`
	Isolate bool   `yaml:"isolate"`
	Root    string `yaml:"root"`
	Keep    bool   `yaml:"keep"`
}

// RuntimeConfig selects the container runtime.
type RuntimeConfig struct {
	Kind         string   `yaml:"kind"` // shell|docker|agent
	AgentURL     string   `yaml:"agent_url"`
	DockerBinary string   `yaml:"docker_binary"`
	DockerArgs   []string `yaml:"docker_args"`
}

// CacheConfig selects the cache store.
type CacheConfig struct {
	Backend     string `yaml:"backend"` // fs|nats|memory|none
	Dir         string `yaml:"dir"`
	NATSURL     string `yaml:"nats_url"`
	Bucket      string `yaml:"bucket"`
	Compression string `yaml:"compression"` // zstd|lz4|none
}

// ArtifactsConfig selects the artifact store.
type ArtifactsConfig struct {
	Backend string `yaml:"backend"` // fs|memory
	Dir     string `yaml:"dir"`
}

// RunsConfig selects the run record store.
type RunsConfig struct {
	Backend string `yaml:"backend"` // sqlite|postgres|memory
	DSN     string `yaml:"dsn"`
}

// LedgerConfig configures the signed run ledger.
type LedgerConfig struct {
	Disabled bool   `yaml:"disabled"`
	Path     string `yaml:"path"`
	KeyDir   string `yaml:"key_dir"`
	AgentID  string `yaml:"agent_id"`
}

// RetryConfig is the store put/upload retry policy.
type RetryConfig struct {
	Mode       string        `yaml:"mode"`
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	// MaxRetries is a pointer so that an explicit 0 turns retries off
	// while an absent value keeps the default.
	MaxRetries *int `yaml:"max_retries"`
}

// ServerConfig configures cmd/server.
type ServerConfig struct {
	Addr          string        `yaml:"addr"`
	WebhookSecret string        `yaml:"webhook_secret"`
	Watch         bool          `yaml:"watch"`
	Debounce      time.Duration `yaml:"debounce"`
}

// EventsConfig lists optional event bus sources.
type EventsConfig struct {
	NATS  *NATSEventsConfig  `yaml:"nats"`
	Kafka *KafkaEventsConfig `yaml:"kafka"`
}

type NATSEventsConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Queue   string `yaml:"queue"`
}

type KafkaEventsConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Group   string   `yaml:"group"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	applyDefaults(c)
	return c
}

// Load reads the configuration file at path. An empty path yields the
// defaults. A .env file in the working directory is loaded first, without
// overriding variables already set, and ${VAR} references in the file are
// expanded. BLOCKCI_* variables override file values.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(c *Config) {
	if c.StateDir == "" {
		c.StateDir = ".blockci"
	}
	state := func(name string) string { return filepath.Join(c.StateDir, name) }

	if c.Pipeline == "" {
		c.Pipeline = "blockci.yaml"
	}
	if c.Workspace.Dir == "" {
		c.Workspace.Dir = "."
	}
	if c.Workspace.Root == "" {
		c.Workspace.Root = state("workspaces")
	}
	if c.MaxParallel == 0 {
		c.MaxParallel = 4
	}
	if c.LogsDir == "" {
		c.LogsDir = state("logs")
	}
	if c.Runtime.Kind == "" {
		c.Runtime.Kind = "shell"
	}
	if c.Runtime.DockerBinary == "" {
		c.Runtime.DockerBinary = "docker"
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "fs"
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = state("cache")
	}
	if c.Cache.Bucket == "" {
		c.Cache.Bucket = "blockci-cache"
	}
	if c.Cache.Compression == "" {
		c.Cache.Compression = "zstd"
	}
	if c.Artifacts.Backend == "" {
		c.Artifacts.Backend = "fs"
	}
	if c.Artifacts.Dir == "" {
		c.Artifacts.Dir = state("artifacts")
	}
	if c.Runs.Backend == "" {
		c.Runs.Backend = "sqlite"
	}
	if c.Runs.DSN == "" && c.Runs.Backend == "sqlite" {
		c.Runs.DSN = state("runs.db")
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = state("ledger.jsonl")
	}
	if c.Ledger.KeyDir == "" {
		c.Ledger.KeyDir = state("keys")
	}
	if c.Ledger.AgentID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Ledger.AgentID = host
		} else {
			c.Ledger.AgentID = "local-agent"
		}
	}
	if c.Retry.Mode == "" {
		c.Retry.Mode = string(retry.ModeExponential)
	}
	if c.Retry.MaxRetries == nil {
		n := retry.DefaultPolicy().MaxRetries
		c.Retry.MaxRetries = &n
	}
	if c.ServiceTimeout == 0 {
		c.ServiceTimeout = 5 * time.Second
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.Debounce == 0 {
		c.Server.Debounce = 500 * time.Millisecond
	}
	if c.Events.NATS != nil && c.Events.NATS.Subject == "" {
		c.Events.NATS.Subject = "blockci.events"
	}
	if c.Events.Kafka != nil {
		if c.Events.Kafka.Topic == "" {
			c.Events.Kafka.Topic = "blockci-events"
		}
		if c.Events.Kafka.Group == "" {
			c.Events.Kafka.Group = "blockci"
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// RetryPolicy returns the configured store retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	maxRetries := -1
	if c.Retry.MaxRetries != nil {
		maxRetries = *c.Retry.MaxRetries
	}
	return retry.NewPolicy(retry.Mode(c.Retry.Mode), c.Retry.Initial, c.Retry.Max, maxRetries)
}
