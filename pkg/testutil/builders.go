// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/dukex/convoflow/pkg/models"
)

// CreateTestFlow creates a draft Flow with default values that can be overridden.
func CreateTestFlow(overrides ...func(*models.Flow)) *models.Flow {
	now := time.Now().UTC()

	flow := &models.Flow{
		ID:        uuid.New().String(),
		OrgID:     "org-test",
		Name:      "Test Flow",
		Status:    models.FlowStatusDraft,
		Version:   1,
		FlowData:  *NewFlowData().Build(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, override := range overrides {
		override(flow)
	}

	return flow
}

// WithOrg sets the owning organization.
func WithOrg(orgID string) func(*models.Flow) {
	return func(f *models.Flow) {
		f.OrgID = orgID
	}
}

// WithStatus sets the flow status.
func WithStatus(status models.FlowStatus) func(*models.Flow) {
	return func(f *models.Flow) {
		f.Status = status
	}
}

// WithFlowData sets the flow graph.
func WithFlowData(data *models.FlowData) func(*models.Flow) {
	return func(f *models.Flow) {
		f.FlowData = *data
	}
}

// FlowDataBuilder assembles a flow graph node by node.
type FlowDataBuilder struct {
	data models.FlowData
}

func NewFlowData() *FlowDataBuilder {
	return &FlowDataBuilder{
		data: models.FlowData{
			Nodes:       map[string]*models.Node{},
			Connections: []*models.Connection{},
			Triggers:    []*models.FlowTrigger{},
		},
	}
}

// Trigger adds a trigger node and declares it as a flow entry point.
func (b *FlowDataBuilder) Trigger(id string, kind models.NodeKind, config map[string]any) *FlowDataBuilder {
	b.data.Nodes[id] = &models.Node{Type: string(kind), App: models.PlatformOf(string(kind)), Config: config}
	b.data.Triggers = append(b.data.Triggers, &models.FlowTrigger{Type: string(kind), StartNodeID: id})

	return b
}

func (b *FlowDataBuilder) Node(id string, kind models.NodeKind, config map[string]any) *FlowDataBuilder {
	b.data.Nodes[id] = &models.Node{Type: string(kind), Config: config}

	return b
}

func (b *FlowDataBuilder) Connect(source, target string) *FlowDataBuilder {
	return b.ConnectHandle(source, target, "")
}

// ConnectHandle adds an edge leaving source through handle, such as "true" or "false" on conditions.
func (b *FlowDataBuilder) ConnectHandle(source, target, handle string) *FlowDataBuilder {
	b.data.Connections = append(b.data.Connections, &models.Connection{Source: source, Target: target, SourceHandle: handle})

	return b
}

func (b *FlowDataBuilder) Build() *models.FlowData {
	data := b.data

	return &data
}

// WhatsAppMessage builds a normalized inbound WhatsApp message event.
func WhatsAppMessage(orgID, conversationID, messageID, text string) models.InboundEvent {
	return models.InboundEvent{
		OrgID:     orgID,
		Platform:  models.PlatformWhatsApp,
		EventType: models.EventMessageReceived,
		MessageID: messageID,
		TriggerData: map[string]any{
			"conversation_id": conversationID,
			"platform_id":     "wa-phone-1",
			"customer_id":     "5511999990000",
			"customer_name":   "Ana",
			"message_text":    text,
			"message_id":      messageID,
		},
	}
}

// CreateTestJob creates a pending follow-up job due now with default values that can be overridden.
func CreateTestJob(overrides ...func(*models.ScheduledJob)) *models.ScheduledJob {
	now := time.Now().UTC()

	job := &models.ScheduledJob{
		ID:             uuid.New().String(),
		OrgID:          "org-test",
		FlowID:         "flow-test",
		ConversationID: "conv-test",
		MessageConfig:  map[string]any{"text": "Still there?"},
		FireAt:         now,
		Status:         models.JobStatusPending,
		MaxRetries:     models.DefaultMaxRetries,
		CreatedAt:      now,
	}

	for _, override := range overrides {
		override(job)
	}

	return job
}
