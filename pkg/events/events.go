// Package events defines the messages exchanged over the event bus.
package events

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dukex/convoflow/pkg/models"
)

type EventType string

// Topics.
const (
	InboundTopic   = "convoflow.inbound-events"
	ExecutionTopic = "convoflow.executions"
)

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	InboundEventReceivedType  EventType = "inbound.event.received"
	FlowExecutionFinishedType EventType = "flow.execution.finished"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	OrgID     string         `json:"org_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func newBase(eventType EventType, orgID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		OrgID:     orgID,
	}
}

// InboundEventReceived carries a normalized platform event from the API to the workers.
type InboundEventReceived struct {
	BaseEvent

	Event models.InboundEvent `json:"event"`
}

func NewInboundEventReceived(event models.InboundEvent) *InboundEventReceived {
	return &InboundEventReceived{
		BaseEvent: newBase(InboundEventReceivedType, event.OrgID),
		Event:     event,
	}
}

func (e InboundEventReceived) GetType() EventType {
	return InboundEventReceivedType
}

// Key partitions inbound events by conversation so one conversation is processed in order.
func (e InboundEventReceived) Key() string {
	if conversationID := models.ConversationID(e.Event.TriggerData); conversationID != "" {
		return e.Event.OrgID + ":" + conversationID
	}

	return e.Event.OrgID
}

// Validate checks the event has everything the engine needs to match triggers.
func (e InboundEventReceived) Validate() error {
	err := validate.Struct(e.Event)
	if err != nil {
		return fmt.Errorf("invalid inbound event: %w", err)
	}

	return nil
}

// FlowExecutionFinished announces the outcome of a flow run.
type FlowExecutionFinished struct {
	BaseEvent

	ExecutionID    string                 `json:"execution_id"`
	FlowID         string                 `json:"flow_id"`
	TriggerType    string                 `json:"trigger_type"`
	Status         models.ExecutionStatus `json:"status"`
	Error          string                 `json:"error,omitempty"`
	FailedNodeID   string                 `json:"failed_node_id,omitempty"`
	ScheduledJobID string                 `json:"scheduled_job_id,omitempty"`
	DurationMS     int64                  `json:"duration_ms"`
}

func NewFlowExecutionFinished(record *models.ExecutionRecord) *FlowExecutionFinished {
	event := &FlowExecutionFinished{
		BaseEvent:      newBase(FlowExecutionFinishedType, record.OrgID),
		ExecutionID:    record.ID,
		FlowID:         record.FlowID,
		TriggerType:    record.TriggerType,
		Status:         record.Status,
		ScheduledJobID: record.ScheduledJobID,
		DurationMS:     record.DurationMS,
	}

	if record.Error != nil {
		event.Error = record.Error.Message
		event.FailedNodeID = record.Error.NodeID
	}

	return event
}

func (e FlowExecutionFinished) GetType() EventType {
	return FlowExecutionFinishedType
}
