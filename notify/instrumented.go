package notify

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cobrun/tripwatch/logging"
	"github.com/cobrun/tripwatch/telemetry"
)

// Metrics counts notification requests. *telemetry.MonitorMetrics implements it.
type Metrics interface {
	RecordNotification(ctx context.Context, notificationType, priority string, err error)
}

// Instrumented validates every request before handing it to the wrapped
// Notifier, and records the outcome in logs, metrics and traces.
type Instrumented struct {
	next    Notifier
	metrics Metrics
	tracer  trace.Tracer
	logger  *logging.Logger
}

// Instrument wraps next. metrics and tracer may be nil.
func Instrument(next Notifier, metrics Metrics, tracer trace.Tracer, logger *logging.Logger) *Instrumented {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Instrumented{
		next:    next,
		metrics: metrics,
		tracer:  tracer,
		logger:  logger.WithComponent("notify"),
	}
}

// CreateNotification implements Notifier.
func (n *Instrumented) CreateNotification(ctx context.Context, req Request) (string, error) {
	if n.tracer != nil {
		var span trace.Span
		ctx, span = n.tracer.Start(ctx, "notify.create",
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(telemetry.TripAttributes(req.TripID(), req.RelatedData["driver_id"])...),
			trace.WithAttributes(
				attribute.String("notification.type", string(req.Type)),
				attribute.String("notification.priority", string(req.Priority)),
			),
		)
		defer span.End()
	}

	id, err := n.create(ctx, req)
	if n.metrics != nil {
		n.metrics.RecordNotification(ctx, string(req.Type), string(req.Priority), err)
	}

	log := n.logger.WithTripID(req.TripID()).With("type", req.Type, "priority", req.Priority)
	if err != nil {
		telemetry.SetSpanError(ctx, err)
		log.WithError(err).Warn("notification request failed")
		return "", err
	}
	log.Info("notification requested", "notification_id", id)
	return id, nil
}

func (n *Instrumented) create(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	return n.next.CreateNotification(ctx, req)
}
