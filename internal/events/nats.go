package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSSource subscribes to a subject carrying JSON trigger events. With a
// queue group set, several servers share the subscription and each event
// is dispatched once.
type NATSSource struct {
	URL     string
	Subject string
	Queue   string
	Logger  *slog.Logger
}

func (s *NATSSource) Run(ctx context.Context, h Handler) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(s.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer conn.Close()

	cb := func(msg *nats.Msg) {
		deliver(ctx, logger, "nats", msg.Data, h)
	}
	var sub *nats.Subscription
	if s.Queue != "" {
		sub, err = conn.QueueSubscribe(s.Subject, s.Queue, cb)
	} else {
		sub, err = conn.Subscribe(s.Subject, cb)
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.Subject, err)
	}
	logger.Info("Listening for events on NATS", "url", s.URL, "subject", s.Subject)

	<-ctx.Done()
	_ = sub.Drain()
	return nil
}

// PublishNATS sends one encoded event to subject.
func PublishNATS(url, subject string, data []byte) error {
	conn, err := nats.Connect(url)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer conn.Close()
	if err := conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return conn.Flush()
}
