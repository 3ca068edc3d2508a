package eventbridge

import (
	"context"
	"encoding/json"
	"fmt"

	"threatgraph/application/ports"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"
)

const (
	eventSource              = "threatgraph"
	detailCollectionImported = "collection.imported"
)

// Publisher implements ports.EventPublisher using AWS EventBridge.
type Publisher struct {
	client       *eventbridge.Client
	eventBusName string
	logger       *zap.Logger
}

// NewPublisher creates a new EventBridge publisher
func NewPublisher(client *eventbridge.Client, eventBusName string, logger *zap.Logger) ports.EventPublisher {
	return &Publisher{
		client:       client,
		eventBusName: eventBusName,
		logger:       logger,
	}
}

// PublishCollectionImported sends a collection-imported summary event.
func (p *Publisher) PublishCollectionImported(ctx context.Context, event ports.CollectionImportedEvent) error {
	detail, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal import event: %w", err)
	}

	result, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{
			{
				EventBusName: aws.String(p.eventBusName),
				Source:       aws.String(eventSource),
				DetailType:   aws.String(detailCollectionImported),
				Detail:       aws.String(string(detail)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish import event: %w", err)
	}
	if result.FailedEntryCount > 0 {
		return fmt.Errorf("event bus rejected import event for %s", event.CollectionRef)
	}

	p.logger.Debug("Collection import event published",
		zap.String("collectionRef", event.CollectionRef),
		zap.Int("objectCount", event.ObjectCount),
	)
	return nil
}
