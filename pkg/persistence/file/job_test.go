package file

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(id string, fireAt time.Time) *models.ScheduledJob {
	return &models.ScheduledJob{
		ID:             id,
		OrgID:          "org-1",
		FlowID:         "flow-1",
		ConversationID: "conv-1",
		StartNodeID:    "delay-1",
		FireAt:         fireAt,
		Status:         models.JobStatusPending,
		MaxRetries:     models.DefaultMaxRetries,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestJobRepository_ClaimIsExclusive(t *testing.T) {
	repo := NewPersistence(t.TempDir()).JobRepository()
	ctx := t.Context()

	require.NoError(t, repo.Create(ctx, newJob("sch_1", time.Now().Add(-time.Second))))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)

	for range 16 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			job, err := repo.Claim(ctx, "sch_1", time.Now().UTC())
			assert.NoError(t, err)

			if job != nil {
				wins.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())

	stored, err := repo.GetByID(ctx, "sch_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, stored.Status)
	assert.NotNil(t, stored.ExecutedAt)
}

func TestJobRepository_FindDue(t *testing.T) {
	repo := NewPersistence(t.TempDir()).JobRepository()
	ctx := t.Context()
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, newJob("sch_late", now.Add(-time.Minute))))
	require.NoError(t, repo.Create(ctx, newJob("sch_early", now.Add(-2*time.Minute))))
	require.NoError(t, repo.Create(ctx, newJob("sch_future", now.Add(time.Hour))))

	due, err := repo.FindDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "sch_early", due[0].ID)
	assert.Equal(t, "sch_late", due[1].ID)

	due, err = repo.FindDue(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestJobRepository_Transitions(t *testing.T) {
	repo := NewPersistence(t.TempDir()).JobRepository()
	ctx := t.Context()
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, newJob("sch_1", now)))

	err := repo.Complete(ctx, "sch_1", now)
	require.ErrorIs(t, err, persistence.ErrJobStateConflict)

	_, err = repo.Claim(ctx, "sch_1", now)
	require.NoError(t, err)

	retryAt := now.Add(5 * time.Minute)
	require.NoError(t, repo.Reschedule(ctx, "sch_1", retryAt, "send failed"))

	job, err := repo.GetByID(ctx, "sch_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, "send failed", job.Error)
	assert.True(t, job.FireAt.Equal(retryAt))

	_, err = repo.Claim(ctx, "sch_1", now)
	require.NoError(t, err)
	require.NoError(t, repo.Fail(ctx, "sch_1", now, "gave up"))

	job, err = repo.GetByID(ctx, "sch_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)

	err = repo.Complete(ctx, "missing", now)
	require.ErrorIs(t, err, persistence.ErrJobNotFound)
}

func TestJobRepository_CancelOnlyPending(t *testing.T) {
	repo := NewPersistence(t.TempDir()).JobRepository()
	ctx := t.Context()
	now := time.Now().UTC()

	running := newJob("sch_running", now)
	pending := newJob("sch_pending", now.Add(time.Hour))
	other := newJob("sch_other", now.Add(time.Hour))
	other.ConversationID = "conv-2"

	for _, job := range []*models.ScheduledJob{running, pending, other} {
		require.NoError(t, repo.Create(ctx, job))
	}

	_, err := repo.Claim(ctx, "sch_running", now)
	require.NoError(t, err)

	count, err := repo.Cancel(ctx, persistence.JobFilter{OrgID: "org-1", ConversationID: "conv-1"}, "new_message", now)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	job, err := repo.GetByID(ctx, "sch_running")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)

	job, err = repo.GetByID(ctx, "sch_pending")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Equal(t, "new_message", job.CancelReason)

	count, err = repo.Cancel(ctx, persistence.JobFilter{OrgID: "org-1", JobID: "sch_running"}, "manual_cancel", now)
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = repo.Cancel(ctx, persistence.JobFilter{OrgID: "org-2", JobID: "sch_other"}, "manual_cancel", now)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestJobRepository_RecoverStuck(t *testing.T) {
	repo := NewPersistence(t.TempDir()).JobRepository()
	ctx := t.Context()
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, newJob("sch_stuck", now.Add(-time.Hour))))
	require.NoError(t, repo.Create(ctx, newJob("sch_fresh", now)))

	_, err := repo.Claim(ctx, "sch_stuck", now.Add(-11*time.Minute))
	require.NoError(t, err)
	_, err = repo.Claim(ctx, "sch_fresh", now)
	require.NoError(t, err)

	count, err := repo.RecoverStuck(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	job, err := repo.GetByID(ctx, "sch_stuck")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.RetryCount)

	job, err = repo.GetByID(ctx, "sch_fresh")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)
}

func TestJobRepository_CancelOverdue(t *testing.T) {
	repo := NewPersistence(t.TempDir()).JobRepository()
	ctx := t.Context()
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, newJob("sch_old", now.Add(-time.Hour))))
	require.NoError(t, repo.Create(ctx, newJob("sch_recent", now.Add(-time.Minute))))

	count, err := repo.CancelOverdue(ctx, now.Add(-10*time.Minute), "missed on restart", now)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	job, err := repo.GetByID(ctx, "sch_old")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Equal(t, "missed on restart", job.CancelReason)
}

func TestJobRepository_ListNewestFirst(t *testing.T) {
	repo := NewPersistence(t.TempDir()).JobRepository()
	ctx := t.Context()
	now := time.Now().UTC()

	first := newJob("sch_a", now)
	first.CreatedAt = now.Add(-time.Hour)
	second := newJob("sch_b", now)

	require.NoError(t, repo.Create(ctx, first))
	require.NoError(t, repo.Create(ctx, second))

	jobs, err := repo.List(ctx, persistence.JobFilter{OrgID: "org-1", FlowID: "flow-1"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "sch_b", jobs[0].ID)

	jobs, err = repo.List(ctx, persistence.JobFilter{OrgID: "org-1", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestJobRepository_RejectsInvalid(t *testing.T) {
	repo := NewPersistence(t.TempDir()).JobRepository()

	err := repo.Create(t.Context(), &models.ScheduledJob{ID: "sch_1"})
	require.ErrorIs(t, err, persistence.ErrInvalidJob)

	err = repo.Create(t.Context(), newJob("../escape", time.Now()))
	require.Error(t, err)
}
