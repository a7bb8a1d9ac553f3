package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/cobrun/tripwatch/messaging"
	"github.com/cobrun/tripwatch/telemetry"
)

// Publisher is the part of *messaging.Publisher the queue notifier uses.
type Publisher interface {
	SendJSON(ctx context.Context, id string, data interface{}, opts ...messaging.MessageOption) error
}

// QueueMessage is the body enqueued for the delivery workers.
type QueueMessage struct {
	ID          string    `json:"id"`
	RequestedAt time.Time `json:"requested_at"`
	Request
}

// QueueNotifier enqueues requests on a Service Bus queue. The message ID is
// the notification identifier, which also lets Service Bus drop duplicates.
type QueueNotifier struct {
	publisher Publisher
	queue     string
	tracer    trace.Tracer
	now       func() time.Time
}

// NewQueueNotifier creates a notifier sending to queue through publisher.
// tracer may be nil.
func NewQueueNotifier(publisher Publisher, queue string, tracer trace.Tracer) *QueueNotifier {
	return &QueueNotifier{publisher: publisher, queue: queue, tracer: tracer, now: time.Now}
}

// CreateNotification implements Notifier.
func (n *QueueNotifier) CreateNotification(ctx context.Context, req Request) (string, error) {
	id := uuid.NewString()

	opts := []messaging.MessageOption{
		messaging.WithSubject(string(req.Type)),
		messaging.WithProperty("priority", string(req.Priority)),
	}
	if tripID := req.TripID(); tripID != "" {
		opts = append(opts, messaging.WithCorrelationID(tripID))
	}

	msg := QueueMessage{ID: id, RequestedAt: n.now().UTC(), Request: req}
	err := telemetry.WrapMessagingOperation(ctx, n.tracer, "servicebus", n.queue, "send", func(ctx context.Context) error {
		return n.publisher.SendJSON(ctx, id, msg, opts...)
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return id, nil
}
