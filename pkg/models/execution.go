package models

import "time"

// ExecutionStatus represents the state of a single flow run.
type ExecutionStatus string

const (
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
)

// Ledger actions written by the executor itself. Action handlers log their own action names.
const (
	LogActionExecutionStart    = "execution_start"
	LogActionExecutionComplete = "execution_complete"
	LogActionExecutionFailed   = "execution_failed"
	LogActionNodeStart         = "node_start"
	LogActionNodeError         = "node_error"
	LogActionNodeNotFound      = "node_not_found"
	LogActionTrigger           = "trigger"
	LogActionConditionEval     = "condition_evaluated"
	LogActionConditionFallback = "condition_fallback"
	LogActionPathSelected      = "path_selected"
	LogActionDelayScheduled    = "delay_scheduled"
	LogActionDelayComplete     = "delay_complete"
)

// ExecutionRecord is the append-only ledger of one flow run.
type ExecutionRecord struct {
	ID             string          `json:"execution_id"               bson:"_id"`
	FlowID         string          `json:"flow_id"                    bson:"flow_id"`
	OrgID          string          `json:"org_id"                     bson:"org_id"`
	TriggerType    string          `json:"trigger_type"               bson:"trigger_type"`
	TriggerData    map[string]any  `json:"trigger_data"               bson:"trigger_data"`
	Variables      map[string]any  `json:"variables"                  bson:"variables"`
	Logs           []ExecutionLog  `json:"logs"                       bson:"logs"`
	Status         ExecutionStatus `json:"status"                     bson:"status"`
	Error          *ExecutionError `json:"error,omitempty"            bson:"error,omitempty"`
	ScheduledJobID string          `json:"scheduled_job_id,omitempty" bson:"scheduled_job_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"                 bson:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"     bson:"completed_at"`
	DurationMS     int64           `json:"duration_ms"                bson:"duration_ms"`
}

// ExecutionLog is a single ledger entry.
type ExecutionLog struct {
	Timestamp time.Time      `json:"timestamp"         bson:"timestamp"`
	NodeID    string         `json:"node_id"           bson:"node_id"`
	NodeType  string         `json:"node_type"         bson:"node_type"`
	Action    string         `json:"action"            bson:"action"`
	Message   string         `json:"message"           bson:"message"`
	Success   bool           `json:"success"           bson:"success"`
	Details   map[string]any `json:"details,omitempty" bson:"details,omitempty"`
}

// ExecutionError captures the unhandled error that failed a run.
type ExecutionError struct {
	Message   string    `json:"message"           bson:"message"`
	NodeID    string    `json:"node_id,omitempty" bson:"node_id,omitempty"`
	Timestamp time.Time `json:"timestamp"         bson:"timestamp"`
}
