// Package web exposes the flow management HTTP API.
package web

import (
	"time"

	"github.com/dukex/convoflow/pkg/actions"
	"github.com/dukex/convoflow/pkg/models"
)

// FollowUpRequest schedules a plain follow-up message. Exactly one of FireAt and DelaySeconds is
// expected; DelaySeconds wins when both are set.
type FollowUpRequest struct {
	FlowID         string     `json:"flow_id"                 validate:"required"`
	ConversationID string     `json:"conversation_id"         validate:"required"`
	Text           string     `json:"text"                    validate:"required"`
	FireAt         *time.Time `json:"fire_at,omitempty"       validate:"required_without=DelaySeconds"`
	DelaySeconds   int64      `json:"delay_seconds,omitempty" validate:"omitempty,gt=0"`
	MaxRetries     *int       `json:"max_retries,omitempty"   validate:"omitempty,gte=0"`
}

// FollowUpResponse is returned once the job is stored.
type FollowUpResponse struct {
	JobID  string    `json:"job_id"`
	FireAt time.Time `json:"fire_at"`
}

// EventAccepted is returned when an inbound event was handed to the event bus.
type EventAccepted struct {
	EventID string `json:"event_id"`
	Key     string `json:"key"`
}

// NodeKindsResponse lists the node kinds the engine can execute.
type NodeKindsResponse struct {
	Triggers []models.NodeKind    `json:"triggers"`
	Actions  []actions.Descriptor `json:"actions"`
}
