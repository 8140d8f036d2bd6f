package events

import (
	"context"
	"log/slog"
	"time"

	"blockci/internal/logfields"
	"blockci/internal/trigger"
)

// Handler receives decoded events.
type Handler func(ctx context.Context, ev trigger.Event)

// Source delivers events to a handler until ctx is canceled.
type Source interface {
	Run(ctx context.Context, h Handler) error
}

// deliver decodes one message and hands it to h. Malformed messages are
// logged and dropped: they trigger nothing.
func deliver(ctx context.Context, logger *slog.Logger, origin string, data []byte, h Handler) bool {
	ev, err := trigger.DecodeEvent(data)
	if err != nil {
		logger.Warn("Dropping malformed event", slog.String("source", origin), logfields.Error(err))
		return false
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	logger.Debug("Event received", slog.String("source", origin),
		logfields.Event(string(ev.Kind)), logfields.Ref(ev.Ref))
	h(ctx, ev)
	return true
}
