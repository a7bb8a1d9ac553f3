package notify

import (
	"context"

	"github.com/google/uuid"

	"github.com/cobrun/tripwatch/clients"
)

// ClientNotifier sends requests to the notification service over HTTP.
type ClientNotifier struct {
	client *clients.NotificationClient
}

// NewClientNotifier creates a notifier over client.
func NewClientNotifier(client *clients.NotificationClient) *ClientNotifier {
	return &ClientNotifier{client: client}
}

// CreateNotification implements Notifier. The returned identifier is the
// service's notification ID, or the idempotency key when the service
// returned none.
func (n *ClientNotifier) CreateNotification(ctx context.Context, req Request) (string, error) {
	key := uuid.NewString()

	resp, err := n.client.Send(ctx, &clients.SendNotificationRequest{
		UserID:         req.RecipientID,
		Role:           req.RecipientRole,
		Type:           string(req.Type),
		Title:          req.Title,
		Body:           req.Message,
		Data:           req.RelatedData,
		ReferenceID:    req.TripID(),
		Priority:       string(req.Priority),
		IdempotencyKey: key,
	})
	if err != nil {
		return "", err
	}

	if id := resp.PrimaryID(); id != "" {
		return id, nil
	}
	return key, nil
}
