package mongodb

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/convoflow/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ExecutionRepository stores execution ledgers in the automation_executions collection.
type ExecutionRepository struct {
	coll *mongo.Collection
}

func (er *ExecutionRepository) Save(ctx context.Context, record *models.ExecutionRecord) error {
	_, err := er.coll.ReplaceOne(ctx, bson.M{"_id": record.ID}, record, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save execution %s: %w", record.ID, err)
	}

	return nil
}

func (er *ExecutionRepository) GetByID(ctx context.Context, orgID, executionID string) (*models.ExecutionRecord, error) {
	var record models.ExecutionRecord

	err := er.coll.FindOne(ctx, bson.M{"_id": executionID, "org_id": orgID}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to fetch execution %s: %w", executionID, err)
	}

	normalizeExecution(&record)

	return &record, nil
}

func (er *ExecutionRepository) ListByFlow(ctx context.Context, orgID, flowID string, limit int) ([]*models.ExecutionRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := er.coll.Find(ctx, bson.M{"org_id": orgID, "flow_id": flowID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	var records []*models.ExecutionRecord

	err = cursor.All(ctx, &records)
	if err != nil {
		return nil, fmt.Errorf("failed to decode executions: %w", err)
	}

	for _, record := range records {
		normalizeExecution(record)
	}

	return records, nil
}

func normalizeExecution(record *models.ExecutionRecord) {
	record.TriggerData = normalizeMap(record.TriggerData)
	record.Variables = normalizeMap(record.Variables)

	for i := range record.Logs {
		record.Logs[i].Details = normalizeMap(record.Logs[i].Details)
	}
}
