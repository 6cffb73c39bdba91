package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// TriggerRepository stores trigger registrations in the automation_triggers collection.
type TriggerRepository struct {
	coll *mongo.Collection
}

// ReplaceForFlow upserts the new registrations and removes stale ones in one ordered bulk write.
func (tr *TriggerRepository) ReplaceForFlow(ctx context.Context, flowID string, registrations []*models.TriggerRegistration) error {
	ids := make([]string, 0, len(registrations))
	writes := make([]mongo.WriteModel, 0, len(registrations)+1)

	for _, reg := range registrations {
		ids = append(ids, reg.ID)
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": reg.ID}).
			SetReplacement(reg).
			SetUpsert(true))
	}

	writes = append(writes, mongo.NewDeleteManyModel().
		SetFilter(bson.M{"flow_id": flowID, "_id": bson.M{"$nin": ids}}))

	_, err := tr.coll.BulkWrite(ctx, writes)
	if err != nil {
		return fmt.Errorf("failed to replace registrations of flow %s: %w", flowID, err)
	}

	return nil
}

func (tr *TriggerRepository) DeactivateByFlow(ctx context.Context, flowID string) (int, error) {
	res, err := tr.coll.UpdateMany(ctx,
		bson.M{"flow_id": flowID, "status": models.RegistrationStatusActive},
		bson.M{"$set": bson.M{"status": models.RegistrationStatusInactive}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate registrations of flow %s: %w", flowID, err)
	}

	return int(res.ModifiedCount), nil
}

func (tr *TriggerRepository) FindActive(ctx context.Context, orgID, triggerType string) ([]*models.TriggerRegistration, error) {
	return tr.find(ctx, bson.M{"org_id": orgID, "trigger_type": triggerType, "status": models.RegistrationStatusActive})
}

func (tr *TriggerRepository) ListByFlow(ctx context.Context, flowID string) ([]*models.TriggerRegistration, error) {
	return tr.find(ctx, bson.M{"flow_id": flowID})
}

func (tr *TriggerRepository) Touch(ctx context.Context, triggerID string, at time.Time) error {
	_, err := tr.coll.UpdateOne(ctx, bson.M{"_id": triggerID}, bson.M{"$set": bson.M{"last_triggered_at": at}})
	if err != nil {
		return fmt.Errorf("failed to touch registration %s: %w", triggerID, err)
	}

	return nil
}

func (tr *TriggerRepository) find(ctx context.Context, filter bson.M) ([]*models.TriggerRegistration, error) {
	cursor, err := tr.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query registrations: %w", err)
	}

	var registrations []*models.TriggerRegistration

	err = cursor.All(ctx, &registrations)
	if err != nil {
		return nil, fmt.Errorf("failed to decode registrations: %w", err)
	}

	return registrations, nil
}
