// Package clients provides HTTP clients for platform services tripwatch calls.
package clients

import (
	"context"
	"fmt"
	"time"

	pkghttp "github.com/cobrun/tripwatch/http"
)

// NotificationClient is an HTTP client for the notifications service.
type NotificationClient struct {
	client *pkghttp.ResilientClient
}

// NotificationClientConfig holds configuration for the notification client.
type NotificationClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	// Authorizer supplies the service token. Optional in development.
	Authorizer pkghttp.Authorizer
}

// DefaultNotificationClientConfig returns sensible defaults.
func DefaultNotificationClientConfig(baseURL string) NotificationClientConfig {
	return NotificationClientConfig{
		BaseURL:    baseURL,
		Timeout:    10 * time.Second,
		MaxRetries: 2,
	}
}

// NewNotificationClient creates a new notification service client.
func NewNotificationClient(config NotificationClientConfig) *NotificationClient {
	resilientConfig := pkghttp.DefaultResilientClientConfig("notification-service", config.BaseURL)
	if config.Timeout > 0 {
		resilientConfig.Timeout = config.Timeout
	}
	if config.MaxRetries >= 0 {
		resilientConfig.Retry.MaxRetries = config.MaxRetries
	}
	resilientConfig.Authorizer = config.Authorizer

	return NewNotificationClientWith(pkghttp.NewResilientClient(resilientConfig))
}

// NewNotificationClientWith wraps an existing resilient client.
func NewNotificationClientWith(client *pkghttp.ResilientClient) *NotificationClient {
	return &NotificationClient{client: client}
}

// SendNotificationRequest asks the notification service to deliver a
// message to one user or to everyone holding a role.
type SendNotificationRequest struct {
	UserID      string            `json:"user_id,omitempty"`
	Role        string            `json:"role,omitempty"`
	Type        string            `json:"type"`
	Channels    []string          `json:"channels,omitempty"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	ReferenceID string            `json:"reference_id,omitempty"`
	Priority    string            `json:"priority"`
	// IdempotencyKey is sent as a header so retried requests are delivered once.
	IdempotencyKey string `json:"-"`
}

// SendNotificationResponse is the service's answer to a send.
type SendNotificationResponse struct {
	ID            string `json:"id"`
	Notifications []struct {
		ID      string `json:"id"`
		Channel string `json:"channel"`
		Status  string `json:"status"`
	} `json:"notifications"`
}

// PrimaryID returns the request ID, or the first per-channel ID when the
// service did not return one.
func (r *SendNotificationResponse) PrimaryID() string {
	if r.ID != "" {
		return r.ID
	}
	if len(r.Notifications) > 0 {
		return r.Notifications[0].ID
	}
	return ""
}

// Send posts a notification request.
func (c *NotificationClient) Send(ctx context.Context, req *SendNotificationRequest) (*SendNotificationResponse, error) {
	var headers map[string]string
	if req.IdempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": req.IdempotencyKey}
	}

	var resp SendNotificationResponse
	if err := c.client.PostJSON(ctx, "/api/v1/notifications", req, &resp, headers); err != nil {
		return nil, fmt.Errorf("failed to send notification: %w", err)
	}
	return &resp, nil
}

// Health checks if the notification service is healthy.
func (c *NotificationClient) Health(ctx context.Context) error {
	_, err := c.client.Get(ctx, "/health", nil)
	return err
}
