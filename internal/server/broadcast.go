package server

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Tyrowin/relaychat/internal/server"

// Broadcaster fans messages out to every registered session but the sender.
// Recipients whose delivery fails are evicted in the same pass.
type Broadcaster struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
}

// NewBroadcaster creates a Broadcaster over registry.
func NewBroadcaster(registry *Registry, logger *slog.Logger, metrics *Metrics) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		logger:   logger,
		metrics:  metrics,
		tracer:   otel.Tracer(tracerName),
	}
}

// Broadcast delivers msg to every member except exclude and returns how many
// recipients received it. Failed recipients are removed from the registry and
// their connections closed; they never abort delivery to the others. The only
// error returned is a failure to encode msg, in which case nothing is sent.
func (b *Broadcaster) Broadcast(ctx context.Context, msg OutboundMessage, exclude *Session) (int, error) {
	ctx, span := b.tracer.Start(ctx, "relay.broadcast", trace.WithAttributes(
		attribute.String("relay.sender", msg.Name),
	))
	defer span.End()

	payload, err := msg.encode()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return 0, fmt.Errorf("encode broadcast from %q: %w", msg.Name, err)
	}

	recipients := b.registry.Snapshot()
	delivered, failed := b.deliver(recipients, payload, exclude)
	evicted := b.evict(ctx, failed)

	span.SetAttributes(
		attribute.Int("relay.recipients", delivered+len(failed)),
		attribute.Int("relay.delivered", delivered),
		attribute.Int("relay.evicted", len(evicted)),
	)
	if len(failed) > 0 {
		span.SetStatus(codes.Error, "partial delivery")
	}

	b.logger.DebugContext(ctx, "broadcast complete",
		"sender", msg.Name,
		"delivered", delivered,
		"evicted", len(evicted),
	)
	return delivered, nil
}

// deliver sends payload to each recipient other than exclude. No lock is held
// while sending.
func (b *Broadcaster) deliver(recipients []*Session, payload []byte, exclude *Session) (int, []*Session) {
	delivered := 0
	var failed []*Session

	for _, s := range recipients {
		if s == exclude {
			continue
		}
		if err := s.Send(payload); err != nil {
			b.logger.Warn("delivery failed, evicting recipient",
				"session_id", s.ID(),
				"name", s.Name(),
				"remote_addr", s.RemoteAddr(),
				"error", err,
			)
			b.metrics.deliveryFailures.Inc()
			failed = append(failed, s)
			continue
		}
		delivered++
	}

	b.metrics.deliveries.Add(float64(delivered))
	return delivered, failed
}

// evict removes failed recipients in one registry operation and closes their
// connections. Each evicted session finishes its own teardown when its read
// loop observes the closed connection.
func (b *Broadcaster) evict(ctx context.Context, failed []*Session) []*Session {
	evicted := b.registry.RemoveAll(failed)
	if len(evicted) > 0 {
		b.metrics.activeSessions.Sub(float64(len(evicted)))
	}
	for _, s := range evicted {
		s.closeWith(closeReasonEvicted)
		b.logger.InfoContext(ctx, "session evicted",
			"session_id", s.ID(),
			"name", s.Name(),
			"remote_addr", s.RemoteAddr(),
		)
	}
	return evicted
}
