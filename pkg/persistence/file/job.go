package file

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
)

// JobRepository stores scheduled jobs. Transitions are compare-and-set operations under the
// store lock.
type JobRepository struct {
	jobs collection[models.ScheduledJob]
	mu   *sync.Mutex
}

func (jr *JobRepository) Create(_ context.Context, job *models.ScheduledJob) error {
	if job.ID == "" || job.OrgID == "" {
		return persistence.NewJobError("Create", job.ID, persistence.ErrInvalidJob)
	}

	jr.mu.Lock()
	defer jr.mu.Unlock()

	err := jr.jobs.put(job.ID, job)
	if err != nil {
		return persistence.NewJobError("Create", job.ID, err)
	}

	return nil
}

func (jr *JobRepository) GetByID(_ context.Context, jobID string) (*models.ScheduledJob, error) {
	job, err := jr.jobs.get(jobID)
	if err != nil {
		return nil, persistence.NewJobError("GetByID", jobID, err)
	}

	return job, nil
}

func (jr *JobRepository) List(_ context.Context, filter persistence.JobFilter) ([]*models.ScheduledJob, error) {
	jobs, err := jr.matching(filter)
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}

	return jobs, nil
}

func (jr *JobRepository) FindDue(_ context.Context, now time.Time, limit int) ([]*models.ScheduledJob, error) {
	pending, err := jr.matching(persistence.JobFilter{Status: models.JobStatusPending})
	if err != nil {
		return nil, err
	}

	var due []*models.ScheduledJob

	for _, job := range pending {
		if !job.FireAt.After(now) {
			due = append(due, job)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].FireAt.Before(due[j].FireAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (jr *JobRepository) Claim(_ context.Context, jobID string, now time.Time) (*models.ScheduledJob, error) {
	jr.mu.Lock()
	defer jr.mu.Unlock()

	job, err := jr.jobs.get(jobID)
	if err != nil {
		return nil, persistence.NewJobError("Claim", jobID, err)
	}

	if job == nil || job.Status != models.JobStatusPending {
		return nil, nil
	}

	job.Status = models.JobStatusRunning
	job.ExecutedAt = &now

	err = jr.jobs.put(jobID, job)
	if err != nil {
		return nil, persistence.NewJobError("Claim", jobID, err)
	}

	return job, nil
}

func (jr *JobRepository) Complete(_ context.Context, jobID string, now time.Time) error {
	return jr.transition("Complete", jobID, models.JobStatusRunning, func(job *models.ScheduledJob) {
		job.Status = models.JobStatusCompleted
		job.CompletedAt = &now
	})
}

func (jr *JobRepository) Reschedule(_ context.Context, jobID string, fireAt time.Time, reason string) error {
	return jr.transition("Reschedule", jobID, models.JobStatusRunning, func(job *models.ScheduledJob) {
		job.Status = models.JobStatusPending
		job.FireAt = fireAt
		job.RetryCount++
		job.Error = reason
	})
}

func (jr *JobRepository) Fail(_ context.Context, jobID string, now time.Time, reason string) error {
	return jr.transition("Fail", jobID, models.JobStatusRunning, func(job *models.ScheduledJob) {
		job.Status = models.JobStatusFailed
		job.CompletedAt = &now
		job.Error = reason
	})
}

func (jr *JobRepository) Cancel(_ context.Context, filter persistence.JobFilter, reason string, now time.Time) (int, error) {
	filter.Status = models.JobStatusPending

	return jr.updateMatching(filter, func(job *models.ScheduledJob) bool {
		job.Status = models.JobStatusCancelled
		job.CancelledAt = &now
		job.CancelReason = reason

		return true
	})
}

func (jr *JobRepository) RecoverStuck(_ context.Context, cutoff time.Time) (int, error) {
	return jr.updateMatching(persistence.JobFilter{Status: models.JobStatusRunning}, func(job *models.ScheduledJob) bool {
		if job.ExecutedAt == nil || !job.ExecutedAt.Before(cutoff) {
			return false
		}

		job.Status = models.JobStatusPending
		job.RetryCount++

		return true
	})
}

func (jr *JobRepository) CancelOverdue(_ context.Context, cutoff time.Time, reason string, now time.Time) (int, error) {
	return jr.updateMatching(persistence.JobFilter{Status: models.JobStatusPending}, func(job *models.ScheduledJob) bool {
		if !job.FireAt.Before(cutoff) {
			return false
		}

		job.Status = models.JobStatusCancelled
		job.CancelledAt = &now
		job.CancelReason = reason

		return true
	})
}

func (jr *JobRepository) transition(op, jobID string, from models.JobStatus, apply func(*models.ScheduledJob)) error {
	jr.mu.Lock()
	defer jr.mu.Unlock()

	job, err := jr.jobs.get(jobID)
	if err != nil {
		return persistence.NewJobError(op, jobID, err)
	}

	if job == nil {
		return persistence.NewJobError(op, jobID, persistence.ErrJobNotFound)
	}

	if job.Status != from {
		return persistence.NewJobError(op, jobID, persistence.ErrJobStateConflict)
	}

	apply(job)

	err = jr.jobs.put(jobID, job)
	if err != nil {
		return persistence.NewJobError(op, jobID, err)
	}

	return nil
}

// updateMatching applies mutate to every job matching filter and persists those it reports as
// changed.
func (jr *JobRepository) updateMatching(filter persistence.JobFilter, mutate func(*models.ScheduledJob) bool) (int, error) {
	jr.mu.Lock()
	defer jr.mu.Unlock()

	jobs, err := jr.matching(filter)
	if err != nil {
		return 0, err
	}

	count := 0

	for _, job := range jobs {
		if !mutate(job) {
			continue
		}

		err = jr.jobs.put(job.ID, job)
		if err != nil {
			return count, persistence.NewJobError("Update", job.ID, err)
		}

		count++
	}

	return count, nil
}

func (jr *JobRepository) matching(filter persistence.JobFilter) ([]*models.ScheduledJob, error) {
	if filter.JobID != "" {
		job, err := jr.jobs.get(filter.JobID)
		if err != nil || job == nil {
			return nil, err
		}

		if matches(job, filter) {
			return []*models.ScheduledJob{job}, nil
		}

		return nil, nil
	}

	all, err := jr.jobs.all()
	if err != nil {
		return nil, err
	}

	var jobs []*models.ScheduledJob

	for _, job := range all {
		if matches(job, filter) {
			jobs = append(jobs, job)
		}
	}

	return jobs, nil
}

func matches(job *models.ScheduledJob, filter persistence.JobFilter) bool {
	return (filter.OrgID == "" || job.OrgID == filter.OrgID) &&
		(filter.FlowID == "" || job.FlowID == filter.FlowID) &&
		(filter.ConversationID == "" || job.ConversationID == filter.ConversationID) &&
		(filter.JobID == "" || job.ID == filter.JobID) &&
		(filter.Status == "" || job.Status == filter.Status)
}
