// Command server runs the blockci API: webhooks, event buses and cron
// schedules trigger pipeline jobs, and run records and the ledger are served
// over HTTP.
package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"blockci/internal/app"
	"blockci/internal/config"
	"blockci/internal/events"
	"blockci/internal/logfields"
	"blockci/internal/server"
)

type CLI struct {
	Config   string        `short:"c" help:"Service configuration file" env:"BLOCKCI_CONFIG" type:"path"`
	Pipeline string        `short:"p" help:"Pipeline file, overrides the configuration"`
	Addr     string        `help:"Listen address, overrides the configuration"`
	Watch    bool          `help:"Reload the pipeline file when it changes"`
	Grace    time.Duration `help:"How long running jobs may finish on shutdown" default:"30s"`
}

func (c *CLI) Run(ctx context.Context) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	if c.Pipeline != "" {
		cfg.Pipeline = c.Pipeline
	}
	if c.Addr != "" {
		cfg.Server.Addr = c.Addr
	}
	if c.Watch {
		cfg.Server.Watch = true
	}

	logger := app.NewLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// The server can start empty and receive its pipeline over the API.
	p, err := a.LoadPipeline()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		logger.Warn("No pipeline file, waiting for a submitted pipeline", slog.String("path", cfg.Pipeline))
		p = nil
	}

	opts := server.Options{
		Addr:          cfg.Server.Addr,
		Scheduler:     a.Scheduler,
		Runs:          a.Runs,
		Ledger:        a.Ledger,
		Logs:          a.Runner.Executor.Logs,
		Artifacts:     a.Artifacts,
		Registry:      a.Registry,
		WebhookSecret: cfg.Server.WebhookSecret,
		PipelinePath:  cfg.Pipeline,
		Watch:         cfg.Server.Watch,
		Debounce:      cfg.Server.Debounce,
		Sources:       eventSources(cfg.Events, logger),
		Logger:        logger,
	}
	if a.Ledger != nil {
		opts.TrustedKey = a.Keys.PublicHex()
	}
	srv, err := server.New(opts, p)
	if err != nil {
		return err
	}
	return srv.Serve(ctx, c.Grace)
}

func eventSources(cfg config.EventsConfig, logger *slog.Logger) []events.Source {
	var sources []events.Source
	if cfg.NATS != nil {
		sources = append(sources, &events.NATSSource{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
			Queue:   cfg.NATS.Queue,
			Logger:  logger,
		})
	}
	if cfg.Kafka != nil {
		sources = append(sources, &events.KafkaSource{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Group:   cfg.Kafka.Group,
			Logger:  logger,
		})
	}
	return sources
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cli CLI
	parser := kong.Parse(&cli,
		kong.Name("blockci-server"),
		kong.Description("blockci API server."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	if err := parser.Run(); err != nil {
		slog.Error("Server stopped", logfields.Error(err))
		os.Exit(1)
	}
}
