// Package scheduler persists future flow steps and runs them when due. Any number of workers may
// poll the same store: a job only runs on the worker whose conditional pending→running update
// succeeded.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dukex/convoflow/pkg/metrics"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/otelhelper"
	"github.com/dukex/convoflow/pkg/persistence"
)

const (
	// ReasonMissedOnRestart is recorded on jobs cancelled by RestoreOnStartup.
	ReasonMissedOnRestart = "missed on restart"
	// ReasonManualCancel is recorded on jobs cancelled through the API.
	ReasonManualCancel = "manual_cancel"
)

var (
	// ErrAlreadyRunning is returned by Start when the loop is already running.
	ErrAlreadyRunning = errors.New("scheduler already running")
	// ErrJobTimeout is returned when a job exceeds the configured timeout.
	ErrJobTimeout = errors.New("job timed out")
)

// JobRunner executes a claimed job.
type JobRunner interface {
	RunJob(ctx context.Context, job *models.ScheduledJob) error
}

// RunnerFunc adapts a function to JobRunner.
type RunnerFunc func(ctx context.Context, job *models.ScheduledJob) error

func (f RunnerFunc) RunJob(ctx context.Context, job *models.ScheduledJob) error {
	return f(ctx, job)
}

// ScheduleRequest describes a job to create. An empty StartNodeID makes a plain follow-up that
// sends MessageConfig["text"]. A nil MaxRetries takes the configured default; zero never retries.
type ScheduleRequest struct {
	OrgID          string         `json:"org_id"          validate:"required"`
	FlowID         string         `json:"flow_id"         validate:"required"`
	ConversationID string         `json:"conversation_id" validate:"required"`
	FireAt         time.Time      `json:"fire_at"         validate:"required"`
	StartNodeID    string         `json:"start_node_id,omitempty"`
	MessageConfig  map[string]any `json:"message_config,omitempty"`
	TriggerType    string         `json:"trigger_type,omitempty"`
	TriggerData    map[string]any `json:"trigger_data,omitempty"`
	MaxRetries     *int           `json:"max_retries,omitempty" validate:"omitempty,gte=0"`
}

// RestoreReport summarizes RestoreOnStartup.
type RestoreReport struct {
	Recovered int `json:"recovered"`
	Cancelled int `json:"cancelled"`
	Rearmed   int `json:"rearmed"`
}

type armedTimer struct {
	timer          *time.Timer
	orgID          string
	flowID         string
	conversationID string
}

type Scheduler struct {
	jobs     persistence.JobRepository
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	validate *validator.Validate
	now      func() time.Time

	mu      sync.Mutex
	timers  map[string]*armedTimer
	cancel  context.CancelFunc
	done    chan struct{}
	sweeper *cron.Cron

	wake chan struct{}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = tracer }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(jobs persistence.JobRepository, cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:     jobs,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("module", "scheduler"),
		tracer:   otelhelper.NoopTracer(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      func() time.Time { return time.Now().UTC() },
		timers:   make(map[string]*armedTimer),
		wake:     make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Schedule persists a pending job and returns its id.
func (s *Scheduler) Schedule(ctx context.Context, req ScheduleRequest) (string, error) {
	err := s.validate.Struct(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", persistence.ErrInvalidJob, err)
	}

	maxRetries := s.cfg.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	job := &models.ScheduledJob{
		ID:             uuid.NewString(),
		OrgID:          req.OrgID,
		FlowID:         req.FlowID,
		ConversationID: req.ConversationID,
		StartNodeID:    req.StartNodeID,
		TriggerType:    req.TriggerType,
		TriggerData:    req.TriggerData,
		MessageConfig:  req.MessageConfig,
		FireAt:         req.FireAt.UTC(),
		Status:         models.JobStatusPending,
		MaxRetries:     maxRetries,
		CreatedAt:      s.now(),
	}

	err = s.jobs.Create(ctx, job)
	if err != nil {
		return "", fmt.Errorf("failed to schedule job: %w", err)
	}

	kind := "resume"
	if job.IsFollowUp() {
		kind = "follow_up"
	}

	s.metrics.RecordJobScheduled(kind)
	s.arm(job)

	s.logger.InfoContext(ctx, "Scheduled job",
		"job_id", job.ID, "org_id", job.OrgID, "flow_id", job.FlowID,
		"conversation_id", job.ConversationID, "fire_at", job.FireAt, "kind", kind)

	return job.ID, nil
}

// Cancel cancels one pending job. It returns false when the job is not pending.
func (s *Scheduler) Cancel(ctx context.Context, orgID, jobID, reason string) (bool, error) {
	count, err := s.cancelJobs(ctx, persistence.JobFilter{OrgID: orgID, JobID: jobID}, reason)

	return count > 0, err
}

// CancelByConversation cancels every pending job of a conversation.
func (s *Scheduler) CancelByConversation(ctx context.Context, orgID, conversationID, reason string) (int, error) {
	if conversationID == "" {
		return 0, nil
	}

	return s.cancelJobs(ctx, persistence.JobFilter{OrgID: orgID, ConversationID: conversationID}, reason)
}

// CancelByFlow cancels every pending job of a flow.
func (s *Scheduler) CancelByFlow(ctx context.Context, orgID, flowID, reason string) (int, error) {
	return s.cancelJobs(ctx, persistence.JobFilter{OrgID: orgID, FlowID: flowID}, reason)
}

func (s *Scheduler) cancelJobs(ctx context.Context, filter persistence.JobFilter, reason string) (int, error) {
	count, err := s.jobs.Cancel(ctx, filter, reason, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to cancel jobs: %w", err)
	}

	s.disarm(filter)
	s.metrics.RecordJobsCancelled(reason, count)

	if count > 0 {
		s.logger.InfoContext(ctx, "Cancelled pending jobs",
			"org_id", filter.OrgID, "flow_id", filter.FlowID, "conversation_id", filter.ConversationID,
			"job_id", filter.JobID, "reason", reason, "count", count)
	}

	return count, nil
}

// ListByFlow returns the jobs of a flow, newest first. An empty status lists every status.
func (s *Scheduler) ListByFlow(ctx context.Context, orgID, flowID string, status models.JobStatus) ([]*models.ScheduledJob, error) {
	return s.jobs.List(ctx, persistence.JobFilter{OrgID: orgID, FlowID: flowID, Status: status})
}

// ListByOrg returns the jobs of an organization, newest first.
func (s *Scheduler) ListByOrg(ctx context.Context, orgID string, status models.JobStatus) ([]*models.ScheduledJob, error) {
	return s.jobs.List(ctx, persistence.JobFilter{OrgID: orgID, Status: status})
}

// RestoreOnStartup recovers jobs orphaned by a crashed worker, cancels jobs missed by too much and
// re-arms wake-up timers for the remaining pending jobs.
func (s *Scheduler) RestoreOnStartup(ctx context.Context) (RestoreReport, error) {
	var report RestoreReport

	now := s.now()

	// Overdue pending jobs are cancelled before recovery; recovered jobs are always older than
	// the overdue cutoff and must survive it.
	cancelled, err := s.jobs.CancelOverdue(ctx, now.Add(-s.cfg.OverdueThreshold), ReasonMissedOnRestart, now)
	if err != nil {
		return report, fmt.Errorf("failed to cancel overdue jobs: %w", err)
	}

	report.Cancelled = cancelled
	s.metrics.RecordJobsCancelled(ReasonMissedOnRestart, cancelled)

	recovered, err := s.jobs.RecoverStuck(ctx, now.Add(-s.cfg.StuckThreshold))
	if err != nil {
		return report, fmt.Errorf("failed to recover stuck jobs: %w", err)
	}

	report.Recovered = recovered
	s.metrics.RecordJobsRecovered(recovered)

	pending, err := s.jobs.List(ctx, persistence.JobFilter{Status: models.JobStatusPending})
	if err != nil {
		return report, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	for _, job := range pending {
		s.arm(job)
	}

	report.Rearmed = len(pending)

	s.logger.InfoContext(ctx, "Restored scheduled jobs",
		"recovered", report.Recovered, "cancelled", report.Cancelled, "rearmed", report.Rearmed)

	return report, nil
}

// Start runs the polling loop and the maintenance sweep in the background until ctx is done or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context, runner JobRunner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	if s.cfg.SweepSpec != "" {
		s.sweeper = cron.New()

		_, err := s.sweeper.AddFunc(s.cfg.SweepSpec, func() { s.sweep(loopCtx) })
		if err != nil {
			cancel()
			s.cancel, s.done, s.sweeper = nil, nil, nil

			return fmt.Errorf("invalid sweep spec %q: %w", s.cfg.SweepSpec, err)
		}

		s.sweeper.Start()
	}

	s.logger.InfoContext(ctx, "Starting scheduler",
		"poll_interval", s.cfg.PollInterval, "batch_size", s.cfg.BatchSize, "job_timeout", s.cfg.JobTimeout)

	go s.loop(loopCtx, runner, s.done)

	return nil
}

// Stop halts the loop, waits for in-flight jobs and stops every armed timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done, sweeper := s.cancel, s.done, s.sweeper
	s.cancel, s.done, s.sweeper = nil, nil, nil

	for id, t := range s.timers {
		t.timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if cancel == nil {
		return
	}

	if sweeper != nil {
		<-sweeper.Stop().Done()
	}

	cancel()
	<-done

	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, runner JobRunner, done chan struct{}) {
	defer close(done)
	defer s.release(done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		_, err := s.ProcessDue(ctx, runner)
		if err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "Failed to process due jobs", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// release clears the running state when the loop exits on its own, so Start can be called again
// after the parent context is done.
func (s *Scheduler) release(done chan struct{}) {
	s.mu.Lock()

	if s.done != done {
		s.mu.Unlock()

		return
	}

	cancel, sweeper := s.cancel, s.sweeper
	s.cancel, s.done, s.sweeper = nil, nil, nil
	s.mu.Unlock()

	cancel()

	if sweeper != nil {
		sweeper.Stop()
	}
}

// ProcessDue runs one poll: it claims up to BatchSize due jobs and executes the claimed ones
// concurrently. It returns how many jobs this call claimed.
func (s *Scheduler) ProcessDue(ctx context.Context, runner JobRunner) (int, error) {
	due, err := s.jobs.FindDue(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to find due jobs: %w", err)
	}

	var (
		claimed atomic.Int64
		group   errgroup.Group
	)

	group.SetLimit(s.cfg.Concurrency)

	for _, candidate := range due {
		group.Go(func() error {
			job, err := s.jobs.Claim(ctx, candidate.ID, s.now())
			if err != nil {
				s.logger.ErrorContext(ctx, "Failed to claim job", "job_id", candidate.ID, "error", err)

				return nil
			}

			if job == nil {
				return nil
			}

			claimed.Add(1)
			s.metrics.RecordJobClaimed()
			s.forget(job.ID)
			s.execute(ctx, runner, job)

			return nil
		})
	}

	_ = group.Wait()

	return int(claimed.Load()), nil
}

func (s *Scheduler) execute(ctx context.Context, runner JobRunner, job *models.ScheduledJob) {
	logger := s.logger.With("job_id", job.ID, "org_id", job.OrgID, "flow_id", job.FlowID,
		"conversation_id", job.ConversationID, "retry_count", job.RetryCount)

	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "scheduler.run_job",
		attribute.String(otelhelper.JobIDKey, job.ID),
		attribute.String(otelhelper.OrgIDKey, job.OrgID),
		attribute.String(otelhelper.FlowIDKey, job.FlowID),
	)
	defer span.End()

	started := time.Now()
	err := s.runWithTimeout(ctx, runner, job)
	elapsed := time.Since(started)

	// The outcome must be persisted even when the loop is shutting down.
	writeCtx := context.WithoutCancel(ctx)

	if err == nil {
		err = s.jobs.Complete(writeCtx, job.ID, s.now())
		if err != nil {
			logger.ErrorContext(ctx, "Failed to mark job completed", "error", err)
		}

		s.metrics.RecordJobFinished(metrics.JobCompleted, elapsed)
		logger.InfoContext(ctx, "Job completed", "duration", elapsed)

		return
	}

	otelhelper.SetError(span, err)

	if job.CanRetry() {
		fireAt := s.now().Add(s.cfg.RetryBackoff)

		rerr := s.jobs.Reschedule(writeCtx, job.ID, fireAt, err.Error())
		if rerr != nil {
			logger.ErrorContext(ctx, "Failed to reschedule job", "error", rerr)

			return
		}

		job.FireAt = fireAt
		s.arm(job)
		s.metrics.RecordJobFinished(metrics.JobRetried, elapsed)
		logger.WarnContext(ctx, "Job failed, retrying", "error", err, "fire_at", fireAt)

		return
	}

	ferr := s.jobs.Fail(writeCtx, job.ID, s.now(), err.Error())
	if ferr != nil {
		logger.ErrorContext(ctx, "Failed to mark job failed", "error", ferr)
	}

	s.metrics.RecordJobFinished(metrics.JobFailed, elapsed)
	logger.ErrorContext(ctx, "Job failed permanently", "error", err)
}

// runWithTimeout bounds a run by JobTimeout even when the runner ignores its context.
func (s *Scheduler) runWithTimeout(ctx context.Context, runner JobRunner, job *models.ScheduledJob) error {
	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	result := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("job panicked: %v", r)
			}
		}()

		result <- runner.RunJob(jobCtx, job)
	}()

	select {
	case err := <-result:
		return err
	case <-jobCtx.Done():
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrJobTimeout, s.cfg.JobTimeout)
		}

		return jobCtx.Err()
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	recovered, err := s.jobs.RecoverStuck(ctx, s.now().Add(-s.cfg.StuckThreshold))
	if err != nil {
		s.logger.ErrorContext(ctx, "Maintenance sweep failed", "error", err)

		return
	}

	s.metrics.RecordJobsRecovered(recovered)

	if recovered > 0 {
		s.logger.WarnContext(ctx, "Recovered stuck jobs", "count", recovered)
		s.signal()
	}
}

// arm wakes the loop when job becomes due, so short delays fire before the next poll tick.
func (s *Scheduler) arm(job *models.ScheduledJob) {
	delay := max(job.FireAt.Sub(s.now()), 0)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.timers[job.ID]; ok {
		existing.timer.Stop()
	}

	jobID := job.ID
	s.timers[jobID] = &armedTimer{
		timer: time.AfterFunc(delay, func() {
			s.forget(jobID)
			s.signal()
		}),
		orgID:          job.OrgID,
		flowID:         job.FlowID,
		conversationID: job.ConversationID,
	}
}

func (s *Scheduler) forget(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[jobID]; ok {
		t.timer.Stop()
		delete(s.timers, jobID)
	}
}

func (s *Scheduler) disarm(filter persistence.JobFilter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.timers {
		if (filter.JobID == "" || filter.JobID == id) &&
			(filter.OrgID == "" || filter.OrgID == t.orgID) &&
			(filter.FlowID == "" || filter.FlowID == t.flowID) &&
			(filter.ConversationID == "" || filter.ConversationID == t.conversationID) {
			t.timer.Stop()
			delete(s.timers, id)
		}
	}
}

// ArmedTimers reports how many wake-up timers are pending.
func (s *Scheduler) ArmedTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.timers)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
