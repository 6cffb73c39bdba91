package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dukex/convoflow/pkg/models"
)

const executionColumns = `id, flow_id, org_id, trigger_type, trigger_data, variables, logs, status, error,
	scheduled_job_id, created_at, completed_at, duration_ms`

// ExecutionRepository handles execution ledger database operations.
type ExecutionRepository struct {
	db *sql.DB
}

func (er *ExecutionRepository) Save(ctx context.Context, record *models.ExecutionRecord) error {
	triggerData, err := marshalJSON(record.TriggerData)
	if err != nil {
		return err
	}

	variables, err := marshalJSON(record.Variables)
	if err != nil {
		return err
	}

	logs, err := marshalJSON(record.Logs)
	if err != nil {
		return err
	}

	var execErr any
	if record.Error != nil {
		execErr, err = marshalJSON(record.Error)
		if err != nil {
			return err
		}
	}

	query := `
		INSERT INTO execution_records (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			variables = EXCLUDED.variables,
			logs = EXCLUDED.logs,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at,
			duration_ms = EXCLUDED.duration_ms`

	_, err = er.db.ExecContext(ctx, query,
		record.ID, record.FlowID, record.OrgID, record.TriggerType, triggerData, variables, logs, record.Status, execErr,
		record.ScheduledJobID, record.CreatedAt, nullTime(record.CompletedAt), record.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution %s: %w", record.ID, err)
	}

	return nil
}

func (er *ExecutionRepository) GetByID(ctx context.Context, orgID, executionID string) (*models.ExecutionRecord, error) {
	row := er.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM execution_records WHERE id = $1 AND org_id = $2`, executionID, orgID)

	record, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to fetch execution %s: %w", executionID, err)
	}

	return record, nil
}

func (er *ExecutionRepository) ListByFlow(ctx context.Context, orgID, flowID string, limit int) ([]*models.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := er.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM execution_records WHERE org_id = $1 AND flow_id = $2
		ORDER BY created_at DESC LIMIT $3`, orgID, flowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var records []*models.ExecutionRecord

	for rows.Next() {
		record, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		records = append(records, record)
	}

	return records, rows.Err()
}

func scanExecution(row rowScanner) (*models.ExecutionRecord, error) {
	var (
		record                              models.ExecutionRecord
		triggerData, variables, logs, errJS []byte
		completedAt                         sql.NullTime
	)

	err := row.Scan(&record.ID, &record.FlowID, &record.OrgID, &record.TriggerType, &triggerData, &variables, &logs,
		&record.Status, &errJS, &record.ScheduledJobID, &record.CreatedAt, &completedAt, &record.DurationMS)
	if err != nil {
		return nil, err
	}

	err = errors.Join(
		unmarshalJSON(triggerData, &record.TriggerData),
		unmarshalJSON(variables, &record.Variables),
		unmarshalJSON(logs, &record.Logs),
	)
	if err != nil {
		return nil, err
	}

	if len(errJS) > 0 {
		record.Error = &models.ExecutionError{}

		err = unmarshalJSON(errJS, record.Error)
		if err != nil {
			return nil, err
		}
	}

	record.CompletedAt = timePtr(completedAt)

	return &record, nil
}
