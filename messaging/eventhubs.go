package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azeventhubs"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azeventhubs/checkpoints"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/cobrun/tripwatch/logging"
)

// EventHubsConsumerConfig holds consumer configuration.
type EventHubsConsumerConfig struct {
	Namespace        string
	EventHubName     string
	ConnectionString string // Optional - if empty, uses managed identity
	ConsumerGroup    string // Default is "$Default"

	// Checkpoints live in a blob container, addressed either by a storage
	// connection string or by the container URL with managed identity.
	StorageConnectionString string
	StorageContainerURL     string
	StorageContainerName    string

	// ReceiveBatch bounds the events read per partition call.
	ReceiveBatch int
	// ReceiveWait bounds how long one partition call waits for a full batch.
	ReceiveWait time.Duration
}

// ReceivedEvent represents a received event.
type ReceivedEvent struct {
	Body           []byte
	ContentType    string
	Properties     map[string]string
	EnqueuedTime   time.Time
	SequenceNumber int64
	Offset         int64
	PartitionKey   string
	PartitionID    string
}

// UnmarshalJSON decodes the event body.
func (e *ReceivedEvent) UnmarshalJSON(v interface{}) error {
	return json.Unmarshal(e.Body, v)
}

// EventHandler handles one event. A returned error is logged; the event is
// still checkpointed so one bad event cannot stall its partition.
type EventHandler func(ctx context.Context, event *ReceivedEvent) error

// EventHubsConsumer consumes events with a load-balanced processor and
// blob checkpoints.
type EventHubsConsumer struct {
	client    *azeventhubs.ConsumerClient
	processor *azeventhubs.Processor
	config    EventHubsConsumerConfig
	logger    *logging.Logger
}

// NewEventHubsConsumer creates a consumer with a blob checkpoint store.
func NewEventHubsConsumer(config EventHubsConsumerConfig, logger *logging.Logger) (*EventHubsConsumer, error) {
	if config.ReceiveBatch <= 0 {
		config.ReceiveBatch = 100
	}
	if config.ReceiveWait <= 0 {
		config.ReceiveWait = 5 * time.Second
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = azeventhubs.DefaultConsumerGroup
	}
	if logger == nil {
		logger = logging.Nop()
	}

	containerClient, err := checkpointContainer(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create container client: %w", err)
	}

	checkpointStore, err := checkpoints.NewBlobStore(containerClient, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	var consumerClient *azeventhubs.ConsumerClient
	if config.ConnectionString != "" {
		consumerClient, err = azeventhubs.NewConsumerClientFromConnectionString(
			config.ConnectionString,
			config.EventHubName,
			config.ConsumerGroup,
			nil,
		)
	} else {
		cred, credErr := azidentity.NewDefaultAzureCredential(nil)
		if credErr != nil {
			return nil, fmt.Errorf("failed to create credential: %w", credErr)
		}
		consumerClient, err = azeventhubs.NewConsumerClient(
			FullyQualifiedNamespace(config.Namespace),
			config.EventHubName,
			config.ConsumerGroup,
			cred,
			nil,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer client: %w", err)
	}

	processor, err := azeventhubs.NewProcessor(consumerClient, checkpointStore, nil)
	if err != nil {
		_ = consumerClient.Close(context.Background())
		return nil, fmt.Errorf("failed to create processor: %w", err)
	}

	return &EventHubsConsumer{
		client:    consumerClient,
		processor: processor,
		config:    config,
		logger:    logger.WithComponent("eventhubs").With("event_hub", config.EventHubName),
	}, nil
}

func checkpointContainer(config EventHubsConsumerConfig) (*container.Client, error) {
	if config.StorageConnectionString != "" {
		return container.NewClientFromConnectionString(config.StorageConnectionString, config.StorageContainerName, nil)
	}
	if config.StorageContainerURL == "" {
		return nil, errors.New("no checkpoint storage configured")
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential: %w", err)
	}
	return container.NewClient(config.StorageContainerURL, cred, nil)
}

// Run processes events until ctx is cancelled. Each owned partition is read
// in its own goroutine; Run returns after all of them have stopped.
func (c *EventHubsConsumer) Run(ctx context.Context, handler EventHandler) error {
	wait := dispatchPartitions(ctx,
		func(ctx context.Context) (*azeventhubs.ProcessorPartitionClient, bool) {
			pc := c.processor.NextPartitionClient(ctx)
			return pc, pc != nil
		},
		func(ctx context.Context, pc *azeventhubs.ProcessorPartitionClient) {
			c.processPartition(ctx, pc, handler)
		},
	)

	err := c.processor.Run(ctx)
	wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// dispatchPartitions hands every partition returned by next to its own
// process goroutine until next reports no more. The returned wait blocks
// until next is exhausted and every process call has returned.
func dispatchPartitions[P any](ctx context.Context, next func(context.Context) (P, bool), process func(context.Context, P)) (wait func()) {
	var partitions sync.WaitGroup
	exhausted := make(chan struct{})

	go func() {
		defer close(exhausted)
		for {
			p, ok := next(ctx)
			if !ok {
				return
			}
			partitions.Add(1)
			go func() {
				defer partitions.Done()
				process(ctx, p)
			}()
		}
	}()

	return func() {
		<-exhausted
		partitions.Wait()
	}
}

func (c *EventHubsConsumer) processPartition(ctx context.Context, partitionClient *azeventhubs.ProcessorPartitionClient, handler EventHandler) {
	partitionID := partitionClient.PartitionID()
	logger := c.logger.With("partition_id", partitionID)
	defer partitionClient.Close(context.Background())

	logger.Info("partition claimed")

	for {
		receiveCtx, cancel := context.WithTimeout(ctx, c.config.ReceiveWait)
		events, err := partitionClient.ReceiveEvents(receiveCtx, c.config.ReceiveBatch, nil)
		cancel()

		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			var ehErr *azeventhubs.Error
			if errors.As(err, &ehErr) && ehErr.Code == azeventhubs.ErrorCodeOwnershipLost {
				logger.Info("partition ownership lost")
			} else if ctx.Err() == nil {
				logger.WithError(err).Warn("receive failed")
			}
			return
		}

		for _, event := range events {
			received := toReceivedEvent(event, partitionID)
			if err := handler(ctx, received); err != nil {
				logger.WithError(err).Warn("event handler failed",
					"sequence_number", received.SequenceNumber,
				)
			}
		}

		if len(events) > 0 {
			if err := partitionClient.UpdateCheckpoint(ctx, events[len(events)-1], nil); err != nil {
				logger.WithError(err).Warn("checkpoint update failed")
			}
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func toReceivedEvent(event *azeventhubs.ReceivedEventData, partitionID string) *ReceivedEvent {
	received := &ReceivedEvent{
		Body:           event.Body,
		SequenceNumber: event.SequenceNumber,
		Offset:         event.Offset,
		PartitionID:    partitionID,
	}
	if event.EnqueuedTime != nil {
		received.EnqueuedTime = *event.EnqueuedTime
	}
	if event.ContentType != nil {
		received.ContentType = *event.ContentType
	}
	if event.PartitionKey != nil {
		received.PartitionKey = *event.PartitionKey
	}
	if event.Properties != nil {
		received.Properties = make(map[string]string, len(event.Properties))
		for k, v := range event.Properties {
			if s, ok := v.(string); ok {
				received.Properties[k] = s
			}
		}
	}
	return received
}

// Close closes the underlying consumer client.
func (c *EventHubsConsumer) Close(ctx context.Context) error {
	return c.client.Close(ctx)
}
