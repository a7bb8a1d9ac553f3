package hooks

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/cobrun/tripwatch/errors"
	"github.com/cobrun/tripwatch/logging"
	"github.com/cobrun/tripwatch/messaging"
	"github.com/cobrun/tripwatch/records"
	"github.com/cobrun/tripwatch/validation"
)

// EventType names a trip lifecycle event.
type EventType string

const (
	EventAssigned  EventType = "trip.assigned"
	EventStarted   EventType = "trip.started"
	EventCompleted EventType = "trip.completed"
	EventCancelled EventType = "trip.cancelled"
	EventLocation  EventType = "trip.location"
)

// TripEvent is the JSON body the trip platform publishes to Event Hubs.
// Lifecycle events carry only the trip ID; the trip itself is re-read so a
// stale event cannot resurrect old state.
type TripEvent struct {
	Type       EventType               `json:"type" validate:"required,oneof=trip.assigned trip.started trip.completed trip.cancelled trip.location"`
	TripID     string                  `json:"trip_id" validate:"required"`
	OccurredAt time.Time               `json:"occurred_at"`
	Reason     string                  `json:"reason,omitempty"`
	Location   *records.LocationSample `json:"location,omitempty" validate:"required_if=Type trip.location"`
}

// EventSource delivers events to a handler until ctx is cancelled.
// *messaging.EventHubsConsumer implements it.
type EventSource interface {
	Run(ctx context.Context, handler messaging.EventHandler) error
}

// Consumer feeds trip events from an EventSource into a Lifecycle.
type Consumer struct {
	source    EventSource
	lifecycle *Lifecycle
	logger    *logging.Logger
}

// NewConsumer creates a consumer.
func NewConsumer(source EventSource, lifecycle *Lifecycle, logger *logging.Logger) *Consumer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Consumer{
		source:    source,
		lifecycle: lifecycle,
		logger:    logger.WithComponent("trip-events"),
	}
}

// Run consumes events until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.source.Run(ctx, c.Handle)
}

// Handle decodes one received event and dispatches it.
func (c *Consumer) Handle(ctx context.Context, event *messaging.ReceivedEvent) error {
	var e TripEvent
	if err := event.UnmarshalJSON(&e); err != nil {
		return apperrors.Wrap(err, apperrors.CodeValidation, "malformed trip event")
	}
	if err := validation.Check(e); err != nil {
		return err
	}

	logger := c.logger.WithTripID(e.TripID).With("event_type", e.Type, "sequence_number", event.SequenceNumber)
	if err := c.Dispatch(ctx, e); err != nil {
		return err
	}
	logger.Debug("trip event handled")
	return nil
}

// Dispatch routes e to the matching lifecycle handler.
func (c *Consumer) Dispatch(ctx context.Context, e TripEvent) error {
	if e.Type == EventLocation {
		return c.lifecycle.OnLocationUpdate(ctx, e.TripID, *e.Location)
	}

	trip, err := c.lifecycle.trips.Get(ctx, e.TripID)
	if err != nil {
		return fmt.Errorf("failed to read trip for %s: %w", e.Type, err)
	}

	switch e.Type {
	case EventAssigned:
		return c.lifecycle.OnAssigned(ctx, trip)
	case EventStarted:
		return c.lifecycle.OnStarted(ctx, trip)
	case EventCompleted:
		return c.lifecycle.OnCompleted(ctx, trip)
	case EventCancelled:
		return c.lifecycle.OnCancelled(ctx, trip, e.Reason)
	default:
		return apperrors.Validation("unknown trip event type").WithDetail("type", string(e.Type))
	}
}
