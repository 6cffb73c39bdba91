package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// JobRepository stores scheduled jobs in the automation_scheduled_jobs collection. Each transition
// is a single update whose filter includes the expected status.
type JobRepository struct {
	coll *mongo.Collection
}

func (jr *JobRepository) Create(ctx context.Context, job *models.ScheduledJob) error {
	if job.ID == "" || job.OrgID == "" {
		return persistence.NewJobError("Create", job.ID, persistence.ErrInvalidJob)
	}

	_, err := jr.coll.InsertOne(ctx, job)
	if err != nil {
		return persistence.NewJobError("Create", job.ID, err)
	}

	return nil
}

func (jr *JobRepository) GetByID(ctx context.Context, jobID string) (*models.ScheduledJob, error) {
	var job models.ScheduledJob

	err := jr.coll.FindOne(ctx, bson.M{"_id": jobID}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}

		return nil, persistence.NewJobError("GetByID", jobID, err)
	}

	normalizeJob(&job)

	return &job, nil
}

func (jr *JobRepository) List(ctx context.Context, filter persistence.JobFilter) ([]*models.ScheduledJob, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	return jr.find(ctx, jobQuery(filter), opts)
}

func (jr *JobRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledJob, error) {
	opts := options.Find().SetSort(bson.D{{Key: "fire_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	return jr.find(ctx, bson.M{"status": models.JobStatusPending, "fire_at": bson.M{"$lte": now}}, opts)
}

// Claim atomically flips a pending job to running. Only the caller whose update matched gets the
// job back.
func (jr *JobRepository) Claim(ctx context.Context, jobID string, now time.Time) (*models.ScheduledJob, error) {
	var job models.ScheduledJob

	err := jr.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": jobID, "status": models.JobStatusPending},
		bson.M{"$set": bson.M{"status": models.JobStatusRunning, "executed_at": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}

		return nil, persistence.NewJobError("Claim", jobID, err)
	}

	normalizeJob(&job)

	return &job, nil
}

func (jr *JobRepository) Complete(ctx context.Context, jobID string, now time.Time) error {
	return jr.transition(ctx, "Complete", jobID, bson.M{
		"$set": bson.M{"status": models.JobStatusCompleted, "completed_at": now},
	})
}

func (jr *JobRepository) Reschedule(ctx context.Context, jobID string, fireAt time.Time, reason string) error {
	return jr.transition(ctx, "Reschedule", jobID, bson.M{
		"$set": bson.M{"status": models.JobStatusPending, "fire_at": fireAt, "error": reason},
		"$inc": bson.M{"retry_count": 1},
	})
}

func (jr *JobRepository) Fail(ctx context.Context, jobID string, now time.Time, reason string) error {
	return jr.transition(ctx, "Fail", jobID, bson.M{
		"$set": bson.M{"status": models.JobStatusFailed, "completed_at": now, "error": reason},
	})
}

func (jr *JobRepository) Cancel(ctx context.Context, filter persistence.JobFilter, reason string, now time.Time) (int, error) {
	filter.Status = models.JobStatusPending

	return jr.updateMany(ctx, jobQuery(filter), bson.M{
		"$set": bson.M{"status": models.JobStatusCancelled, "cancelled_at": now, "cancel_reason": reason},
	})
}

func (jr *JobRepository) RecoverStuck(ctx context.Context, cutoff time.Time) (int, error) {
	return jr.updateMany(ctx,
		bson.M{"status": models.JobStatusRunning, "executed_at": bson.M{"$lt": cutoff}},
		bson.M{"$set": bson.M{"status": models.JobStatusPending}, "$inc": bson.M{"retry_count": 1}},
	)
}

func (jr *JobRepository) CancelOverdue(ctx context.Context, cutoff time.Time, reason string, now time.Time) (int, error) {
	return jr.updateMany(ctx,
		bson.M{"status": models.JobStatusPending, "fire_at": bson.M{"$lt": cutoff}},
		bson.M{"$set": bson.M{"status": models.JobStatusCancelled, "cancelled_at": now, "cancel_reason": reason}},
	)
}

// transition applies update to a running job.
func (jr *JobRepository) transition(ctx context.Context, op, jobID string, update bson.M) error {
	res, err := jr.coll.UpdateOne(ctx, bson.M{"_id": jobID, "status": models.JobStatusRunning}, update)
	if err != nil {
		return persistence.NewJobError(op, jobID, err)
	}

	if res.MatchedCount > 0 {
		return nil
	}

	count, err := jr.coll.CountDocuments(ctx, bson.M{"_id": jobID})
	if err != nil {
		return persistence.NewJobError(op, jobID, err)
	}

	if count == 0 {
		return persistence.NewJobError(op, jobID, persistence.ErrJobNotFound)
	}

	return persistence.NewJobError(op, jobID, persistence.ErrJobStateConflict)
}

func (jr *JobRepository) updateMany(ctx context.Context, filter, update bson.M) (int, error) {
	res, err := jr.coll.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("failed to update scheduled jobs: %w", err)
	}

	return int(res.ModifiedCount), nil
}

func (jr *JobRepository) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*models.ScheduledJob, error) {
	cursor, err := jr.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled jobs: %w", err)
	}

	var jobs []*models.ScheduledJob

	err = cursor.All(ctx, &jobs)
	if err != nil {
		return nil, fmt.Errorf("failed to decode scheduled jobs: %w", err)
	}

	for _, job := range jobs {
		normalizeJob(job)
	}

	return jobs, nil
}

func jobQuery(filter persistence.JobFilter) bson.M {
	query := bson.M{}

	if filter.OrgID != "" {
		query["org_id"] = filter.OrgID
	}

	if filter.FlowID != "" {
		query["flow_id"] = filter.FlowID
	}

	if filter.ConversationID != "" {
		query["conversation_id"] = filter.ConversationID
	}

	if filter.JobID != "" {
		query["_id"] = filter.JobID
	}

	if filter.Status != "" {
		query["status"] = filter.Status
	}

	return query
}

func normalizeJob(job *models.ScheduledJob) {
	job.TriggerData = normalizeMap(job.TriggerData)
	job.MessageConfig = normalizeMap(job.MessageConfig)
}
