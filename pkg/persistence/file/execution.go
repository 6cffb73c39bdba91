package file

import (
	"context"
	"fmt"
	"sort"

	"github.com/dukex/convoflow/pkg/models"
)

// ExecutionRepository stores execution ledgers as one file per run.
type ExecutionRepository struct {
	executions collection[models.ExecutionRecord]
}

func (er *ExecutionRepository) Save(_ context.Context, record *models.ExecutionRecord) error {
	err := er.executions.put(record.ID, record)
	if err != nil {
		return fmt.Errorf("failed to save execution %s: %w", record.ID, err)
	}

	return nil
}

func (er *ExecutionRepository) GetByID(_ context.Context, orgID, executionID string) (*models.ExecutionRecord, error) {
	record, err := er.executions.get(executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch execution %s: %w", executionID, err)
	}

	if record == nil || record.OrgID != orgID {
		return nil, nil
	}

	return record, nil
}

// ListByFlow returns the latest executions of a flow, newest first.
func (er *ExecutionRepository) ListByFlow(_ context.Context, orgID, flowID string, limit int) ([]*models.ExecutionRecord, error) {
	all, err := er.executions.all()
	if err != nil {
		return nil, err
	}

	var records []*models.ExecutionRecord

	for _, record := range all {
		if record.OrgID == orgID && record.FlowID == flowID {
			records = append(records, record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	return records, nil
}
