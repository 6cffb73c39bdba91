package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/convoflow/pkg/metrics"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
	"github.com/dukex/convoflow/pkg/persistence/file"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SweepSpec = ""

	return cfg
}

func newTestScheduler(t *testing.T, clk *clock) (*Scheduler, persistence.JobRepository) {
	t.Helper()

	store := file.NewPersistence(t.TempDir())
	s := New(store.JobRepository(), testConfig(), discardLogger(), WithClock(clk.Now), WithMetrics(metrics.New()))

	t.Cleanup(s.Stop)

	return s, store.JobRepository()
}

func followUp(fireAt time.Time) ScheduleRequest {
	return ScheduleRequest{
		OrgID:          "org-1",
		FlowID:         "flow-1",
		ConversationID: "conv-1",
		FireAt:         fireAt,
		MessageConfig:  map[string]any{"text": "Still there, {{customer_name}}?"},
	}
}

func TestSchedule_Validation(t *testing.T) {
	s, _ := newTestScheduler(t, newClock())

	_, err := s.Schedule(context.Background(), ScheduleRequest{OrgID: "org-1"})
	require.ErrorIs(t, err, persistence.ErrInvalidJob)
}

func TestProcessDue_CompletesDueJobs(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	s, jobs := newTestScheduler(t, clk)

	dueID, err := s.Schedule(ctx, followUp(clk.Now().Add(5*time.Second)))
	require.NoError(t, err)

	laterID, err := s.Schedule(ctx, followUp(clk.Now().Add(time.Hour)))
	require.NoError(t, err)

	var runs atomic.Int32
	runner := RunnerFunc(func(context.Context, *models.ScheduledJob) error {
		runs.Add(1)

		return nil
	})

	claimed, err := s.ProcessDue(ctx, runner)
	require.NoError(t, err)
	assert.Zero(t, claimed, "nothing is due yet")

	clk.Advance(5 * time.Second)

	claimed, err = s.ProcessDue(ctx, runner)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)
	assert.EqualValues(t, 1, runs.Load())

	job, err := jobs.GetByID(ctx, dueID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, DefaultConfig().MaxRetries, job.MaxRetries)

	later, err := jobs.GetByID(ctx, laterID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, later.Status)
}

func TestProcessDue_TwoPollersRunJobOnce(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	store := file.NewPersistence(t.TempDir())

	first := New(store.JobRepository(), testConfig(), discardLogger(), WithClock(clk.Now))
	second := New(store.JobRepository(), testConfig(), discardLogger(), WithClock(clk.Now))

	jobID, err := first.Schedule(ctx, followUp(clk.Now().Add(5*time.Second)))
	require.NoError(t, err)

	clk.Advance(6 * time.Second)

	var sends atomic.Int32
	runner := RunnerFunc(func(context.Context, *models.ScheduledJob) error {
		sends.Add(1)

		return nil
	})

	var (
		wg      sync.WaitGroup
		claimed atomic.Int32
	)

	for _, s := range []*Scheduler{first, second, first, second} {
		wg.Add(1)

		go func() {
			defer wg.Done()

			n, err := s.ProcessDue(ctx, runner)
			assert.NoError(t, err)
			claimed.Add(int32(n))
		}()
	}

	wg.Wait()

	assert.EqualValues(t, 1, claimed.Load())
	assert.EqualValues(t, 1, sends.Load())

	job, err := store.JobRepository().GetByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
}

func TestProcessDue_RetriesThenFails(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	s, jobs := newTestScheduler(t, clk)

	req := followUp(clk.Now())
	retries := 2
	req.MaxRetries = &retries

	jobID, err := s.Schedule(ctx, req)
	require.NoError(t, err)

	runner := RunnerFunc(func(context.Context, *models.ScheduledJob) error {
		return errors.New("gateway unavailable")
	})

	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := s.ProcessDue(ctx, runner)
		require.NoError(t, err)
		require.Equal(t, 1, claimed)

		job, err := jobs.GetByID(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPending, job.Status)
		assert.Equal(t, attempt, job.RetryCount)
		assert.Equal(t, clk.Now().Add(DefaultConfig().RetryBackoff), job.FireAt)
		assert.Equal(t, "gateway unavailable", job.Error)

		claimed, err = s.ProcessDue(ctx, runner)
		require.NoError(t, err)
		assert.Zero(t, claimed, "backoff delays the retry")

		clk.Advance(DefaultConfig().RetryBackoff)
	}

	claimed, err := s.ProcessDue(ctx, runner)
	require.NoError(t, err)
	require.Equal(t, 1, claimed)

	job, err := jobs.GetByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "gateway unavailable", job.Error)
}

func TestProcessDue_Timeout(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	store := file.NewPersistence(t.TempDir())

	cfg := testConfig()
	cfg.JobTimeout = 50 * time.Millisecond
	s := New(store.JobRepository(), cfg, discardLogger(), WithClock(clk.Now))

	jobID, err := s.Schedule(ctx, followUp(clk.Now()))
	require.NoError(t, err)

	release := make(chan struct{})
	defer close(release)

	_, err = s.ProcessDue(ctx, RunnerFunc(func(context.Context, *models.ScheduledJob) error {
		<-release

		return nil
	}))
	require.NoError(t, err)

	job, err := store.JobRepository().GetByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Contains(t, job.Error, ErrJobTimeout.Error())
}

func TestProcessDue_Panic(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	s, jobs := newTestScheduler(t, clk)

	jobID, err := s.Schedule(ctx, followUp(clk.Now()))
	require.NoError(t, err)

	_, err = s.ProcessDue(ctx, RunnerFunc(func(context.Context, *models.ScheduledJob) error {
		panic("boom")
	}))
	require.NoError(t, err)

	job, err := jobs.GetByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Contains(t, job.Error, "panicked")
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	s, jobs := newTestScheduler(t, clk)

	pendingID, err := s.Schedule(ctx, followUp(clk.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 1, s.ArmedTimers())

	ok, err := s.Cancel(ctx, "org-2", pendingID, ReasonManualCancel)
	require.NoError(t, err)
	assert.False(t, ok, "jobs are scoped to their organization")

	ok, err = s.Cancel(ctx, "org-1", pendingID, ReasonManualCancel)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, s.ArmedTimers())

	job, err := jobs.GetByID(ctx, pendingID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Equal(t, ReasonManualCancel, job.CancelReason)

	runningID, err := s.Schedule(ctx, followUp(clk.Now()))
	require.NoError(t, err)

	_, err = jobs.Claim(ctx, runningID, clk.Now())
	require.NoError(t, err)

	ok, err = s.Cancel(ctx, "org-1", runningID, ReasonManualCancel)
	require.NoError(t, err)
	assert.False(t, ok, "running jobs are not cancellable")

	count, err := s.CancelByConversation(ctx, "org-1", "conv-1", "customer replied")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCancelByConversationAndFlow(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	s, _ := newTestScheduler(t, clk)

	for _, conv := range []string{"conv-1", "conv-1", "conv-2"} {
		req := followUp(clk.Now().Add(time.Hour))
		req.ConversationID = conv

		_, err := s.Schedule(ctx, req)
		require.NoError(t, err)
	}

	count, err := s.CancelByConversation(ctx, "org-1", "conv-1", "customer replied")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = s.CancelByFlow(ctx, "org-1", "flow-1", "flow unpublished")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	cancelled, err := s.ListByFlow(ctx, "org-1", "flow-1", models.JobStatusCancelled)
	require.NoError(t, err)
	assert.Len(t, cancelled, 3)

	all, err := s.ListByOrg(ctx, "org-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRestoreOnStartup(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	s, jobs := newTestScheduler(t, clk)
	now := clk.Now()
	stale := now.Add(-15 * time.Minute)

	fixtures := []*models.ScheduledJob{
		{ID: "stuck", Status: models.JobStatusRunning, FireAt: stale, ExecutedAt: &stale},
		{ID: "fresh-running", Status: models.JobStatusRunning, FireAt: now, ExecutedAt: &now},
		{ID: "overdue", Status: models.JobStatusPending, FireAt: now.Add(-11 * time.Minute)},
		{ID: "slightly-late", Status: models.JobStatusPending, FireAt: now.Add(-time.Minute)},
		{ID: "future", Status: models.JobStatusPending, FireAt: now.Add(time.Hour)},
	}

	for _, job := range fixtures {
		job.OrgID, job.FlowID, job.ConversationID, job.MaxRetries = "org-1", "flow-1", "conv-1", 3
		require.NoError(t, jobs.Create(ctx, job))
	}

	report, err := s.RestoreOnStartup(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Recovered)
	assert.Equal(t, 1, report.Cancelled)
	assert.Equal(t, 3, report.Rearmed)

	stuck, err := jobs.GetByID(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, stuck.Status)
	assert.Equal(t, 1, stuck.RetryCount)

	overdue, err := jobs.GetByID(ctx, "overdue")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, overdue.Status)
	assert.Equal(t, ReasonMissedOnRestart, overdue.CancelReason)

	running, err := jobs.GetByID(ctx, "fresh-running")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, running.Status)
}

func TestStartStop_TimerWakesLoop(t *testing.T) {
	ctx := context.Background()
	store := file.NewPersistence(t.TempDir())

	cfg := testConfig()
	cfg.PollInterval = time.Hour
	s := New(store.JobRepository(), cfg, discardLogger())

	done := make(chan string, 1)
	runner := RunnerFunc(func(_ context.Context, job *models.ScheduledJob) error {
		done <- job.ID

		return nil
	})

	require.NoError(t, s.Start(ctx, runner))
	require.ErrorIs(t, s.Start(ctx, runner), ErrAlreadyRunning)

	jobID, err := s.Schedule(ctx, followUp(time.Now().Add(100*time.Millisecond)))
	require.NoError(t, err)

	select {
	case ran := <-done:
		assert.Equal(t, jobID, ran)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run before the next poll tick")
	}

	s.Stop()
	s.Stop()
}

func TestStart_InvalidSweepSpec(t *testing.T) {
	store := file.NewPersistence(t.TempDir())

	cfg := testConfig()
	cfg.SweepSpec = "every now and then"
	s := New(store.JobRepository(), cfg, discardLogger())

	err := s.Start(context.Background(), RunnerFunc(func(context.Context, *models.ScheduledJob) error { return nil }))
	require.Error(t, err)

	s.Stop()
}

func TestSchedule_ZeroRetriesFailsOnFirstError(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	s, jobs := newTestScheduler(t, clk)

	noRetries := 0
	req := followUp(clk.Now())
	req.MaxRetries = &noRetries

	jobID, err := s.Schedule(ctx, req)
	require.NoError(t, err)

	job, err := jobs.GetByID(ctx, jobID)
	require.NoError(t, err)
	assert.Zero(t, job.MaxRetries)

	claimed, err := s.ProcessDue(ctx, RunnerFunc(func(context.Context, *models.ScheduledJob) error {
		return errors.New("gateway unavailable")
	}))
	require.NoError(t, err)
	require.Equal(t, 1, claimed)

	job, err = jobs.GetByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Zero(t, job.RetryCount)
}

func TestSchedule_NegativeRetriesRejected(t *testing.T) {
	s, _ := newTestScheduler(t, newClock())

	negative := -1
	req := followUp(time.Now())
	req.MaxRetries = &negative

	_, err := s.Schedule(context.Background(), req)
	require.ErrorIs(t, err, persistence.ErrInvalidJob)
}

func TestStart_RestartsAfterParentContextIsDone(t *testing.T) {
	store := file.NewPersistence(t.TempDir())
	s := New(store.JobRepository(), testConfig(), discardLogger())
	t.Cleanup(s.Stop)

	runner := RunnerFunc(func(context.Context, *models.ScheduledJob) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, runner))

	cancel()

	require.Eventually(t, func() bool {
		return s.Start(context.Background(), runner) == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.ErrorIs(t, s.Start(context.Background(), runner), ErrAlreadyRunning)
}
