// Package messaging wraps the Azure messaging services tripwatch uses:
// Service Bus for outgoing notification requests and Event Hubs for
// incoming trip lifecycle events.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
)

// ServiceBusConfig holds Service Bus configuration.
type ServiceBusConfig struct {
	Namespace        string
	ConnectionString string // Optional - if empty, uses managed identity
}

// ServiceBusClient wraps the Azure Service Bus client.
type ServiceBusClient struct {
	client *azservicebus.Client
	config ServiceBusConfig
}

// NewServiceBusClient creates a new Service Bus client.
func NewServiceBusClient(config ServiceBusConfig) (*ServiceBusClient, error) {
	var (
		client *azservicebus.Client
		err    error
	)

	if config.ConnectionString != "" {
		client, err = azservicebus.NewClientFromConnectionString(config.ConnectionString, nil)
	} else {
		cred, credErr := azidentity.NewDefaultAzureCredential(nil)
		if credErr != nil {
			return nil, fmt.Errorf("failed to create credential: %w", credErr)
		}
		client, err = azservicebus.NewClient(FullyQualifiedNamespace(config.Namespace), cred, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus client: %w", err)
	}

	return &ServiceBusClient{client: client, config: config}, nil
}

// FullyQualifiedNamespace expands a bare namespace name.
func FullyQualifiedNamespace(namespace string) string {
	return fmt.Sprintf("%s.servicebus.windows.net", namespace)
}

// Close closes the client.
func (c *ServiceBusClient) Close(ctx context.Context) error {
	return c.client.Close(ctx)
}

// Publisher publishes messages to a queue.
type Publisher struct {
	sender *azservicebus.Sender
}

// NewQueuePublisher creates a publisher for a queue.
func (c *ServiceBusClient) NewQueuePublisher(queueName string) (*Publisher, error) {
	sender, err := c.client.NewSender(queueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender for queue %s: %w", queueName, err)
	}
	return &Publisher{sender: sender}, nil
}

// Close closes the publisher.
func (p *Publisher) Close(ctx context.Context) error {
	return p.sender.Close(ctx)
}

// Send sends a message.
func (p *Publisher) Send(ctx context.Context, msg *Message) error {
	return p.sender.SendMessage(ctx, msg.toServiceBus(), nil)
}

// SendJSON sends data JSON-encoded with message ID id.
func (p *Publisher) SendJSON(ctx context.Context, id string, data interface{}, opts ...MessageOption) error {
	msg, err := NewJSONMessage(id, data, opts...)
	if err != nil {
		return err
	}
	return p.Send(ctx, msg)
}

// Message represents a message to be sent.
type Message struct {
	ID            string
	Body          []byte
	ContentType   string
	CorrelationID string
	Subject       string
	Properties    map[string]string
}

// NewJSONMessage encodes data into a message.
func NewJSONMessage(id string, data interface{}, opts ...MessageOption) (*Message, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	msg := &Message{
		ID:          id,
		Body:        body,
		ContentType: "application/json",
	}
	for _, opt := range opts {
		opt(msg)
	}
	return msg, nil
}

func (m *Message) toServiceBus() *azservicebus.Message {
	sbMsg := &azservicebus.Message{
		Body:      m.Body,
		MessageID: &m.ID,
	}
	if m.ContentType != "" {
		sbMsg.ContentType = &m.ContentType
	}
	if m.CorrelationID != "" {
		sbMsg.CorrelationID = &m.CorrelationID
	}
	if m.Subject != "" {
		sbMsg.Subject = &m.Subject
	}
	if len(m.Properties) > 0 {
		sbMsg.ApplicationProperties = make(map[string]any, len(m.Properties))
		for k, v := range m.Properties {
			sbMsg.ApplicationProperties[k] = v
		}
	}
	return sbMsg
}

// MessageOption configures a message.
type MessageOption func(*Message)

// WithCorrelationID sets the correlation ID.
func WithCorrelationID(id string) MessageOption {
	return func(m *Message) {
		m.CorrelationID = id
	}
}

// WithSubject sets the subject.
func WithSubject(subject string) MessageOption {
	return func(m *Message) {
		m.Subject = subject
	}
}

// WithProperty sets a custom property.
func WithProperty(key, value string) MessageOption {
	return func(m *Message) {
		if m.Properties == nil {
			m.Properties = make(map[string]string)
		}
		m.Properties[key] = value
	}
}
