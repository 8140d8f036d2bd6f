package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"blockci/internal/pipeline"
)

// DefaultServiceTimeout bounds one readiness check.
const DefaultServiceTimeout = 5 * time.Second

// ServiceChecker tells whether the services a job depends on are up.
type ServiceChecker struct {
	Client  *http.Client
	Timeout time.Duration
}

// CheckAll checks services in declared order and returns the first failure.
// A nil checker uses the defaults.
func (c *ServiceChecker) CheckAll(ctx context.Context, logger *slog.Logger, services []pipeline.Service) error {
	if len(services) == 0 {
		return nil
	}
	if c == nil {
		c = &ServiceChecker{}
	}
	for _, svc := range services {
		if err := c.Check(ctx, svc); err != nil {
			return fmt.Errorf("service %q is not running: %w", svc.Name, err)
		}
		logger.Debug("Service is running", slog.String("service", svc.Name))
	}
	return nil
}

// Check probes one service.
func (c *ServiceChecker) Check(ctx context.Context, svc pipeline.Service) error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultServiceTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch svc.Protocol {
	case pipeline.ServiceHTTP:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.URI, nil)
		if err != nil {
			return err
		}
		client := c.Client
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("GET %s: %s", svc.URI, resp.Status)
		}
		return nil

	case pipeline.ServiceTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", svc.URI)
		if err != nil {
			return err
		}
		return conn.Close()

	default:
		return fmt.Errorf("unknown protocol %q", svc.Protocol)
	}
}
