// Command agent executes container scripts on behalf of a blockci server
// configured with the agent runtime.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"blockci/internal/agent"
	"blockci/internal/app"
	"blockci/internal/config"
	"blockci/internal/logfields"
)

type CLI struct {
	Addr         string        `help:"Listen address" default:":9090" env:"BLOCKCI_AGENT_ADDR"`
	ID           string        `help:"Agent ID, defaults to the hostname" env:"BLOCKCI_AGENT_ID"`
	Runtime      string        `help:"Runtime used for scripts" enum:"shell,docker" default:"shell"`
	DockerBinary string        `help:"Docker compatible CLI" default:"docker"`
	Timeout      time.Duration `help:"Maximum duration of one script, zero for none"`
	Server       string        `help:"Server to register with, e.g. http://ci:8080" env:"BLOCKCI_SERVER"`
	URL          string        `help:"URL the server reaches this agent at" env:"BLOCKCI_AGENT_URL"`
	LogLevel     string        `help:"Log level" default:"info" enum:"debug,info,warn,error"`
}

func (c *CLI) Run(ctx context.Context) error {
	logger := app.NewLogger(config.LoggingConfig{Level: c.LogLevel, Format: "text"}, os.Stderr)
	slog.SetDefault(logger)

	rt, err := app.NewRuntime(config.RuntimeConfig{Kind: c.Runtime, DockerBinary: c.DockerBinary})
	if err != nil {
		return err
	}
	id := c.ID
	if id == "" {
		if id, err = os.Hostname(); err != nil {
			id = "agent"
		}
	}
	a := &agent.Agent{ID: id, Runtime: rt, Logger: logger.With(slog.String("agent", id)), Timeout: c.Timeout}

	srv := &http.Server{
		Addr:              c.Addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Agent listening", slog.String("addr", c.Addr), slog.String("runtime", c.Runtime))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if c.Server != "" {
		if c.URL == "" {
			return errors.New("--url is required to register with a server")
		}
		regCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := agent.Register(regCtx, &http.Client{}, c.Server, agent.Info{ID: id, URL: c.URL})
		cancel()
		if err != nil {
			_ = srv.Close()
			return fmt.Errorf("registering with %s: %w", c.Server, err)
		}
		logger.Info("Registered with server", slog.String("server", c.Server))
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down agent")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cli CLI
	parser := kong.Parse(&cli,
		kong.Name("blockci-agent"),
		kong.Description("Runs container scripts for a blockci server."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	if err := parser.Run(); err != nil {
		slog.Error("Agent stopped", logfields.Error(err))
		os.Exit(1)
	}
}
