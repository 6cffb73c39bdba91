package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
)

const jobColumns = `id, org_id, flow_id, conversation_id, start_node_id, trigger_type, trigger_data, message_config,
	fire_at, status, retry_count, max_retries, created_at, executed_at, completed_at, cancelled_at, cancel_reason, error`

// JobRepository handles scheduled job database operations. Transitions are single UPDATE
// statements guarded on the current status.
type JobRepository struct {
	db *sql.DB
}

func (jr *JobRepository) Create(ctx context.Context, job *models.ScheduledJob) error {
	if job.ID == "" || job.OrgID == "" {
		return persistence.NewJobError("Create", job.ID, persistence.ErrInvalidJob)
	}

	triggerData, err := marshalJSON(job.TriggerData)
	if err != nil {
		return persistence.NewJobError("Create", job.ID, err)
	}

	messageConfig, err := marshalJSON(job.MessageConfig)
	if err != nil {
		return persistence.NewJobError("Create", job.ID, err)
	}

	_, err = jr.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		job.ID, job.OrgID, job.FlowID, job.ConversationID, job.StartNodeID, job.TriggerType, triggerData, messageConfig,
		job.FireAt, job.Status, job.RetryCount, job.MaxRetries, job.CreatedAt,
		nullTime(job.ExecutedAt), nullTime(job.CompletedAt), nullTime(job.CancelledAt), job.CancelReason, job.Error,
	)
	if err != nil {
		return persistence.NewJobError("Create", job.ID, err)
	}

	return nil
}

func (jr *JobRepository) GetByID(ctx context.Context, jobID string) (*models.ScheduledJob, error) {
	job, err := scanJob(jr.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, persistence.NewJobError("GetByID", jobID, err)
	}

	return job, nil
}

func (jr *JobRepository) List(ctx context.Context, filter persistence.JobFilter) ([]*models.ScheduledJob, error) {
	where, args := jobWhere(filter)
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs` + where + ` ORDER BY created_at DESC`

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	return jr.query(ctx, query, args...)
}

func (jr *JobRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledJob, error) {
	return jr.query(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE status = $1 AND fire_at <= $2 ORDER BY fire_at LIMIT $3`,
		models.JobStatusPending, now, limit,
	)
}

func (jr *JobRepository) Claim(ctx context.Context, jobID string, now time.Time) (*models.ScheduledJob, error) {
	row := jr.db.QueryRowContext(ctx,
		`UPDATE scheduled_jobs SET status = $3, executed_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+jobColumns,
		jobID, models.JobStatusPending, models.JobStatusRunning, now,
	)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, persistence.NewJobError("Claim", jobID, err)
	}

	return job, nil
}

func (jr *JobRepository) Complete(ctx context.Context, jobID string, now time.Time) error {
	return jr.transition(ctx, "Complete", jobID,
		`UPDATE scheduled_jobs SET status = 'completed', completed_at = $3 WHERE id = $1 AND status = $2`, now)
}

func (jr *JobRepository) Reschedule(ctx context.Context, jobID string, fireAt time.Time, reason string) error {
	return jr.transition(ctx, "Reschedule", jobID,
		`UPDATE scheduled_jobs SET status = 'pending', fire_at = $3, error = $4, retry_count = retry_count + 1
		WHERE id = $1 AND status = $2`, fireAt, reason)
}

func (jr *JobRepository) Fail(ctx context.Context, jobID string, now time.Time, reason string) error {
	return jr.transition(ctx, "Fail", jobID,
		`UPDATE scheduled_jobs SET status = 'failed', completed_at = $3, error = $4 WHERE id = $1 AND status = $2`,
		now, reason)
}

func (jr *JobRepository) Cancel(ctx context.Context, filter persistence.JobFilter, reason string, now time.Time) (int, error) {
	filter.Status = models.JobStatusPending
	where, args := jobWhere(filter)

	args = append(args, reason, now)
	query := fmt.Sprintf(`UPDATE scheduled_jobs SET status = 'cancelled', cancel_reason = $%d, cancelled_at = $%d%s`,
		len(args)-1, len(args), where)

	return jr.exec(ctx, query, args...)
}

func (jr *JobRepository) RecoverStuck(ctx context.Context, cutoff time.Time) (int, error) {
	return jr.exec(ctx,
		`UPDATE scheduled_jobs SET status = 'pending', retry_count = retry_count + 1
		WHERE status = 'running' AND executed_at < $1`, cutoff)
}

func (jr *JobRepository) CancelOverdue(ctx context.Context, cutoff time.Time, reason string, now time.Time) (int, error) {
	return jr.exec(ctx,
		`UPDATE scheduled_jobs SET status = 'cancelled', cancel_reason = $2, cancelled_at = $3
		WHERE status = 'pending' AND fire_at < $1`, cutoff, reason, now)
}

// transition runs an update whose first two parameters are the job id and the running status.
func (jr *JobRepository) transition(ctx context.Context, op, jobID, query string, args ...any) error {
	args = append([]any{jobID, models.JobStatusRunning}, args...)

	affected, err := jr.exec(ctx, query, args...)
	if err != nil {
		return persistence.NewJobError(op, jobID, err)
	}

	if affected > 0 {
		return nil
	}

	var exists bool

	err = jr.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM scheduled_jobs WHERE id = $1)`, jobID).Scan(&exists)
	if err != nil {
		return persistence.NewJobError(op, jobID, err)
	}

	if !exists {
		return persistence.NewJobError(op, jobID, persistence.ErrJobNotFound)
	}

	return persistence.NewJobError(op, jobID, persistence.ErrJobStateConflict)
}

func (jr *JobRepository) exec(ctx context.Context, query string, args ...any) (int, error) {
	res, err := jr.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update scheduled jobs: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return int(affected), nil
}

func (jr *JobRepository) query(ctx context.Context, query string, args ...any) ([]*models.ScheduledJob, error) {
	rows, err := jr.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ScheduledJob

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled job: %w", err)
		}

		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

func jobWhere(filter persistence.JobFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)

	add := func(column, value string) {
		if value == "" {
			return
		}

		args = append(args, value)
		clauses = append(clauses, column+" = $"+strconv.Itoa(len(args)))
	}

	add("org_id", filter.OrgID)
	add("flow_id", filter.FlowID)
	add("conversation_id", filter.ConversationID)
	add("id", filter.JobID)
	add("status", string(filter.Status))

	if len(clauses) == 0 {
		return "", args
	}

	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanJob(row rowScanner) (*models.ScheduledJob, error) {
	var (
		job                                  models.ScheduledJob
		triggerData, messageConfig           []byte
		executedAt, completedAt, cancelledAt sql.NullTime
	)

	err := row.Scan(
		&job.ID, &job.OrgID, &job.FlowID, &job.ConversationID, &job.StartNodeID, &job.TriggerType,
		&triggerData, &messageConfig, &job.FireAt, &job.Status, &job.RetryCount, &job.MaxRetries, &job.CreatedAt,
		&executedAt, &completedAt, &cancelledAt, &job.CancelReason, &job.Error,
	)
	if err != nil {
		return nil, err
	}

	err = unmarshalJSON(triggerData, &job.TriggerData)
	if err != nil {
		return nil, err
	}

	err = unmarshalJSON(messageConfig, &job.MessageConfig)
	if err != nil {
		return nil, err
	}

	job.FireAt = job.FireAt.UTC()
	job.ExecutedAt = timePtr(executedAt)
	job.CompletedAt = timePtr(completedAt)
	job.CancelledAt = timePtr(cancelledAt)

	return &job, nil
}
