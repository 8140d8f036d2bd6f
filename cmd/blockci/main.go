// Command blockci runs pipeline jobs locally and inspects run records and
// the signed run ledger.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"blockci/internal/app"
	"blockci/internal/config"
)

// CLI definition & global flags.
type CLI struct {
	Config   string `short:"c" help:"Service configuration file" env:"BLOCKCI_CONFIG" type:"path"`
	Pipeline string `short:"p" help:"Pipeline file, overrides the configuration"`
	Verbose  bool   `short:"v" help:"Enable verbose logging"`

	Run        RunCmd        `cmd:"" help:"Run one job manually"`
	Trigger    TriggerCmd    `cmd:"" help:"Evaluate a repository event and run the jobs it activates"`
	Validate   ValidateCmd   `cmd:"" help:"Check a pipeline file"`
	Candidates CandidatesCmd `cmd:"" help:"Print the cache keys and lookup order of a job"`
	Submit     SubmitCmd     `cmd:"" help:"Send a pipeline to a running server"`
	Runs       RunsCmd       `cmd:"" help:"Query recorded runs"`
	Ledger     LedgerCmd     `cmd:"" help:"Inspect and verify the run ledger"`
	Keygen     KeygenCmd     `cmd:"" help:"Generate the ledger signing key pair"`
}

// Global is shared with every command.
type Global struct {
	Logger *slog.Logger
	ctx    context.Context
}

// AfterApply runs after flag parsing; setup logging once.
func (c *CLI) AfterApply(g *Global) error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	g.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(g.Logger)
	return nil
}

// loadConfig reads the service configuration and applies CLI overrides.
func (c *CLI) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, err
	}
	if c.Pipeline != "" {
		cfg.Pipeline = c.Pipeline
	}
	return cfg, nil
}

// openApp builds the engine from the configuration.
func (c *CLI) openApp(g *Global) (*app.App, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := g.Logger
	if !c.Verbose {
		logger = app.NewLogger(cfg.Logging, os.Stderr)
	}
	return app.New(g.ctx, cfg, logger)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cli CLI
	global := &Global{ctx: ctx}
	parser := kong.Parse(&cli,
		kong.Name("blockci"),
		kong.Description("Declarative CI pipelines with caches, artifacts and a signed run ledger."),
		kong.UsageOnError(),
		kong.Bind(global, &cli),
	)
	if err := parser.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
