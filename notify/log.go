package notify

import (
	"context"

	"github.com/google/uuid"

	"github.com/cobrun/tripwatch/logging"
)

// LogNotifier only logs requests. It backs local development when no
// notification service is configured.
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LogNotifier{logger: logger.WithComponent("notify")}
}

// CreateNotification implements Notifier.
func (n *LogNotifier) CreateNotification(_ context.Context, req Request) (string, error) {
	id := uuid.NewString()
	n.logger.Info("notification (not delivered)",
		"notification_id", id,
		"type", req.Type,
		"priority", req.Priority,
		"recipient_id", req.RecipientID,
		"recipient_role", req.RecipientRole,
		"title", req.Title,
		"trip_id", req.TripID(),
	)
	return id, nil
}
