// Package persistence provides the storage abstraction for flows, trigger registrations,
// scheduled jobs and execution records.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/convoflow/pkg/models"
)

type Persistence interface {
	FlowRepository() FlowRepository
	TriggerRepository() TriggerRepository
	JobRepository() JobRepository
	ExecutionRepository() ExecutionRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// FlowRepository stores flow definitions. GetByID returns nil, nil when the flow does not exist.
type FlowRepository interface {
	Save(ctx context.Context, flow *models.Flow) error
	GetByID(ctx context.Context, orgID, flowID string) (*models.Flow, error)
	List(ctx context.Context, orgID string, status models.FlowStatus) ([]*models.Flow, error)
	Delete(ctx context.Context, orgID, flowID string) error
	IncrementExecutionCount(ctx context.Context, orgID, flowID string, at time.Time) error
}

// TriggerRepository stores the matchable projection of published flows' triggers.
type TriggerRepository interface {
	// ReplaceForFlow removes every registration of flowID and stores registrations in one step.
	ReplaceForFlow(ctx context.Context, flowID string, registrations []*models.TriggerRegistration) error
	DeactivateByFlow(ctx context.Context, flowID string) (int, error)
	FindActive(ctx context.Context, orgID, triggerType string) ([]*models.TriggerRegistration, error)
	ListByFlow(ctx context.Context, flowID string) ([]*models.TriggerRegistration, error)
	Touch(ctx context.Context, triggerID string, at time.Time) error
}

// JobFilter selects scheduled jobs. Empty fields do not constrain the selection.
type JobFilter struct {
	OrgID          string
	FlowID         string
	ConversationID string
	JobID          string
	Status         models.JobStatus
	Limit          int
}

// JobRepository stores scheduled jobs. Every state transition is a single conditional write
// guarded by the job's current status, so concurrent workers never both move the same job.
type JobRepository interface {
	Create(ctx context.Context, job *models.ScheduledJob) error
	GetByID(ctx context.Context, jobID string) (*models.ScheduledJob, error)
	// List returns jobs matching filter, newest first.
	List(ctx context.Context, filter JobFilter) ([]*models.ScheduledJob, error)
	// FindDue returns up to limit pending jobs with fire_at <= now, oldest first.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledJob, error)

	// Claim moves a job from pending to running. It returns nil, nil when the job was not pending.
	Claim(ctx context.Context, jobID string, now time.Time) (*models.ScheduledJob, error)
	Complete(ctx context.Context, jobID string, now time.Time) error
	Reschedule(ctx context.Context, jobID string, fireAt time.Time, reason string) error
	Fail(ctx context.Context, jobID string, now time.Time, reason string) error

	// Cancel moves every pending job matching filter to cancelled and returns how many moved.
	Cancel(ctx context.Context, filter JobFilter, reason string, now time.Time) (int, error)
	// RecoverStuck returns running jobs claimed before cutoff to pending, counting the attempt.
	RecoverStuck(ctx context.Context, cutoff time.Time) (int, error)
	// CancelOverdue cancels pending jobs whose fire_at is before cutoff.
	CancelOverdue(ctx context.Context, cutoff time.Time, reason string, now time.Time) (int, error)
}

// ExecutionRepository stores execution ledgers. GetByID returns nil, nil when absent.
type ExecutionRepository interface {
	Save(ctx context.Context, record *models.ExecutionRecord) error
	GetByID(ctx context.Context, orgID, executionID string) (*models.ExecutionRecord, error)
	ListByFlow(ctx context.Context, orgID, flowID string, limit int) ([]*models.ExecutionRecord, error)
}

// ExecutionCounter adapts a FlowRepository to protocol.ExecutionCounter.
type ExecutionCounter struct {
	Flows FlowRepository
}

func (c ExecutionCounter) Increment(ctx context.Context, orgID, flowID string) error {
	return c.Flows.IncrementExecutionCount(ctx, orgID, flowID, time.Now().UTC())
}
