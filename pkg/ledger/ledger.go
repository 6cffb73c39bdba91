package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
)

const defaultListLimit = 50

// Ledger persists and queries execution records.
type Ledger struct {
	executions persistence.ExecutionRepository
	logger     *slog.Logger
}

func New(executions persistence.ExecutionRepository, logger *slog.Logger) *Ledger {
	return &Ledger{
		executions: executions,
		logger:     logger.With("module", "ledger"),
	}
}

func (l *Ledger) Save(ctx context.Context, record *models.ExecutionRecord) error {
	err := l.executions.Save(ctx, record)
	if err != nil {
		l.logger.ErrorContext(ctx, "Failed to persist execution record",
			"execution_id", record.ID, "flow_id", record.FlowID, "error", err)

		return fmt.Errorf("failed to save execution %s: %w", record.ID, err)
	}

	return nil
}

// Get returns nil, nil when the record does not exist.
func (l *Ledger) Get(ctx context.Context, orgID, executionID string) (*models.ExecutionRecord, error) {
	record, err := l.executions.GetByID(ctx, orgID, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", executionID, err)
	}

	return record, nil
}

// ListByFlow returns the most recent records of a flow, newest first.
func (l *Ledger) ListByFlow(ctx context.Context, orgID, flowID string, limit int) ([]*models.ExecutionRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	records, err := l.executions.ListByFlow(ctx, orgID, flowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions of flow %s: %w", flowID, err)
	}

	return records, nil
}
