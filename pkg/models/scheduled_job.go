package models

import "time"

// JobStatus is the persisted lifecycle state of a scheduled job. It is the single source of truth
// for whether a job may still fire.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// DefaultMaxRetries is applied to jobs scheduled without an explicit retry budget.
const DefaultMaxRetries = 3

// ScheduledJob is a future flow step persisted by the durable scheduler.
//
// A job with a StartNodeID resumes the flow after that node. A job without one is a plain
// follow-up that sends MessageConfig["text"] to the conversation.
type ScheduledJob struct {
	ID             string         `json:"job_id"                  bson:"_id"`
	OrgID          string         `json:"org_id"                  bson:"org_id"`
	FlowID         string         `json:"flow_id"                 bson:"flow_id"`
	ConversationID string         `json:"conversation_id"         bson:"conversation_id"`
	StartNodeID    string         `json:"start_node_id,omitempty" bson:"start_node_id"`
	TriggerType    string         `json:"trigger_type,omitempty"  bson:"trigger_type"`
	TriggerData    map[string]any `json:"trigger_data,omitempty"  bson:"trigger_data"`
	MessageConfig  map[string]any `json:"message_config,omitempty" bson:"message_config"`
	FireAt         time.Time      `json:"fire_at"                 bson:"fire_at"`
	Status         JobStatus      `json:"status"                  bson:"status"`
	RetryCount     int            `json:"retry_count"             bson:"retry_count"`
	MaxRetries     int            `json:"max_retries"             bson:"max_retries"`
	CreatedAt      time.Time      `json:"created_at"              bson:"created_at"`
	ExecutedAt     *time.Time     `json:"executed_at,omitempty"   bson:"executed_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"  bson:"completed_at"`
	CancelledAt    *time.Time     `json:"cancelled_at,omitempty"  bson:"cancelled_at"`
	CancelReason   string         `json:"cancel_reason,omitempty" bson:"cancel_reason,omitempty"`
	Error          string         `json:"error,omitempty"         bson:"error,omitempty"`
}

// IsFollowUp reports whether the job sends a plain message instead of resuming a flow.
func (j *ScheduledJob) IsFollowUp() bool {
	return j.StartNodeID == ""
}

// CanRetry reports whether a failed run should be rescheduled.
func (j *ScheduledJob) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}
