// Package ledger records what happened during a flow run and persists the resulting execution
// records.
package ledger

import (
	"maps"
	"sync"
	"time"

	"github.com/dukex/convoflow/pkg/models"
)

// Recorder accumulates the append-only log of one flow run. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	record *models.ExecutionRecord
	now    func() time.Time
}

// NewRecorder starts a running execution record.
func NewRecorder(executionID, orgID, flowID, triggerType string, triggerData map[string]any) *Recorder {
	r := &Recorder{now: func() time.Time { return time.Now().UTC() }}
	r.record = &models.ExecutionRecord{
		ID:          executionID,
		FlowID:      flowID,
		OrgID:       orgID,
		TriggerType: triggerType,
		TriggerData: triggerData,
		Variables:   map[string]any{},
		Logs:        []models.ExecutionLog{},
		Status:      models.ExecutionStatusRunning,
		CreatedAt:   r.now(),
	}

	return r
}

func (r *Recorder) ID() string {
	return r.record.ID
}

// SetScheduledJob links the run to the job it scheduled or, for a resumed run, the job that
// resumed it.
func (r *Recorder) SetScheduledJob(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record.ScheduledJobID = jobID
}

// Log appends an entry.
func (r *Recorder) Log(nodeID, nodeType, action, message string, success bool, details map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record.Logs = append(r.record.Logs, models.ExecutionLog{
		Timestamp: r.now(),
		NodeID:    nodeID,
		NodeType:  nodeType,
		Action:    action,
		Message:   message,
		Success:   success,
		Details:   details,
	})
}

// Fail marks the run failed with err, attributing it to nodeID when known.
func (r *Recorder) Fail(err error, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record.Status = models.ExecutionStatusFailed
	r.record.Error = &models.ExecutionError{
		Message:   err.Error(),
		NodeID:    nodeID,
		Timestamp: r.now(),
	}
}

// Failed reports whether Fail was called.
func (r *Recorder) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.record.Status == models.ExecutionStatusFailed
}

// Finish closes the run, snapshotting variables. A run that did not fail becomes successful.
// The returned record must not be mutated through the recorder afterwards.
func (r *Recorder) Finish(variables map[string]any) *models.ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.record.Status == models.ExecutionStatusRunning {
		r.record.Status = models.ExecutionStatusSuccess
	}

	completed := r.now()
	r.record.CompletedAt = &completed
	r.record.DurationMS = completed.Sub(r.record.CreatedAt).Milliseconds()

	if variables != nil {
		r.record.Variables = maps.Clone(variables)
	}

	return r.record
}
