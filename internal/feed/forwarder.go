package feed

import (
	"context"
	"log/slog"

	"github.com/example/cab-dispatch/internal/models"
	"github.com/example/cab-dispatch/internal/observability"
)

// Sink delivers position events to something outside the process.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev models.PositionEvent) error
}

// Forwarder drains a hub subscription into a sink. It is a suture service:
// Serve returns when ctx is cancelled and is restarted by the supervisor if
// it panics. Delivery failures are logged and the event is skipped.
type Forwarder struct {
	hub    *Hub
	sink   Sink
	buffer int
	logger *slog.Logger
}

func NewForwarder(hub *Hub, sink Sink, buffer int, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{hub: hub, sink: sink, buffer: buffer, logger: logger.With("sink", sink.Name())}
}

func (f *Forwarder) Serve(ctx context.Context) error {
	sub := f.hub.Subscribe("sink:"+f.sink.Name(), f.buffer)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := f.sink.Deliver(ctx, ev); err != nil {
				observability.FeedSinkErrors.WithLabelValues(f.sink.Name()).Inc()
				f.logger.Warn("feed delivery failed", "cab_id", ev.CabID, "error", err)
			}
		}
	}
}

func (f *Forwarder) String() string { return "feed-forwarder-" + f.sink.Name() }
