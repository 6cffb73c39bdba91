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

// FlowRepository stores flows in the automation_flows collection.
type FlowRepository struct {
	coll *mongo.Collection
}

func (fr *FlowRepository) Save(ctx context.Context, flow *models.Flow) error {
	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	_, err := fr.coll.ReplaceOne(ctx, bson.M{"_id": flow.ID}, flow, options.Replace().SetUpsert(true))
	if err != nil {
		return persistence.NewFlowError("Save", flow.ID, err)
	}

	return nil
}

func (fr *FlowRepository) GetByID(ctx context.Context, orgID, flowID string) (*models.Flow, error) {
	var flow models.Flow

	err := fr.coll.FindOne(ctx, bson.M{"_id": flowID, "org_id": orgID}).Decode(&flow)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}

		return nil, persistence.NewFlowError("GetByID", flowID, err)
	}

	normalizeFlow(&flow)

	return &flow, nil
}

func (fr *FlowRepository) List(ctx context.Context, orgID string, status models.FlowStatus) ([]*models.Flow, error) {
	filter := bson.M{"org_id": orgID}
	if status != "" {
		filter["status"] = status
	}

	cursor, err := fr.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}

	var flows []*models.Flow

	err = cursor.All(ctx, &flows)
	if err != nil {
		return nil, fmt.Errorf("failed to decode flows: %w", err)
	}

	for _, flow := range flows {
		normalizeFlow(flow)
	}

	return flows, nil
}

func (fr *FlowRepository) Delete(ctx context.Context, orgID, flowID string) error {
	res, err := fr.coll.DeleteOne(ctx, bson.M{"_id": flowID, "org_id": orgID})
	if err != nil {
		return persistence.NewFlowError("Delete", flowID, err)
	}

	if res.DeletedCount == 0 {
		return persistence.NewFlowError("Delete", flowID, persistence.ErrFlowNotFound)
	}

	return nil
}

func (fr *FlowRepository) IncrementExecutionCount(ctx context.Context, orgID, flowID string, at time.Time) error {
	res, err := fr.coll.UpdateOne(ctx,
		bson.M{"_id": flowID, "org_id": orgID},
		bson.M{"$inc": bson.M{"execution_count": 1}, "$set": bson.M{"last_executed_at": at}},
	)
	if err != nil {
		return persistence.NewFlowError("IncrementExecutionCount", flowID, err)
	}

	if res.MatchedCount == 0 {
		return persistence.NewFlowError("IncrementExecutionCount", flowID, persistence.ErrFlowNotFound)
	}

	return nil
}

func normalizeFlow(flow *models.Flow) {
	for _, node := range flow.FlowData.Nodes {
		if node != nil {
			node.Config = normalizeMap(node.Config)
		}
	}

	for _, trigger := range flow.FlowData.Triggers {
		if trigger != nil {
			trigger.Config = normalizeMap(trigger.Config)
		}
	}
}
