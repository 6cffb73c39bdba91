package eventbus

import (
	"context"

	"github.com/dukex/convoflow/pkg/events"
	"github.com/dukex/convoflow/pkg/models"
)

// ExecutionNotifier publishes a FlowExecutionFinished event for every finished run.
type ExecutionNotifier struct {
	Publisher EventPublisher
}

func (n ExecutionNotifier) ExecutionFinished(ctx context.Context, record *models.ExecutionRecord) error {
	return n.Publisher.Publish(ctx, record.FlowID, events.NewFlowExecutionFinished(record))
}

// PublishInbound validates and publishes a normalized platform event.
func PublishInbound(ctx context.Context, publisher EventPublisher, event models.InboundEvent) (*events.InboundEventReceived, error) {
	msg := events.NewInboundEventReceived(event)

	err := msg.Validate()
	if err != nil {
		return nil, err
	}

	err = publisher.Publish(ctx, msg.Key(), msg)
	if err != nil {
		return nil, err
	}

	return msg, nil
}
