package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
)

const flowColumns = `id, org_id, name, description, status, version, flow_data, created_by,
	execution_count, created_at, updated_at, published_at, last_executed_at`

// FlowRepository handles flow-related database operations.
type FlowRepository struct {
	db *sql.DB
}

func (fr *FlowRepository) Save(ctx context.Context, flow *models.Flow) error {
	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	flowData, err := marshalJSON(flow.FlowData)
	if err != nil {
		return persistence.NewFlowError("Save", flow.ID, err)
	}

	query := `
		INSERT INTO flows (` + flowColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			version = EXCLUDED.version,
			flow_data = EXCLUDED.flow_data,
			updated_at = EXCLUDED.updated_at,
			published_at = EXCLUDED.published_at
		WHERE flows.org_id = EXCLUDED.org_id`

	_, err = fr.db.ExecContext(ctx, query,
		flow.ID, flow.OrgID, flow.Name, flow.Description, flow.Status, flow.Version, flowData, flow.CreatedBy,
		flow.ExecutionCount, flow.CreatedAt, flow.UpdatedAt, nullTime(flow.PublishedAt), nullTime(flow.LastExecutedAt),
	)
	if err != nil {
		return persistence.NewFlowError("Save", flow.ID, err)
	}

	return nil
}

func (fr *FlowRepository) GetByID(ctx context.Context, orgID, flowID string) (*models.Flow, error) {
	row := fr.db.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = $1 AND org_id = $2`, flowID, orgID)

	flow, err := scanFlow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, persistence.NewFlowError("GetByID", flowID, err)
	}

	return flow, nil
}

func (fr *FlowRepository) List(ctx context.Context, orgID string, status models.FlowStatus) ([]*models.Flow, error) {
	query := `SELECT ` + flowColumns + ` FROM flows WHERE org_id = $1 AND ($2 = '' OR status = $2) ORDER BY created_at DESC`

	rows, err := fr.db.QueryContext(ctx, query, orgID, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []*models.Flow

	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}

		flows = append(flows, flow)
	}

	return flows, rows.Err()
}

func (fr *FlowRepository) Delete(ctx context.Context, orgID, flowID string) error {
	res, err := fr.db.ExecContext(ctx, `DELETE FROM flows WHERE id = $1 AND org_id = $2`, flowID, orgID)
	if err != nil {
		return persistence.NewFlowError("Delete", flowID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return persistence.NewFlowError("Delete", flowID, err)
	}

	if affected == 0 {
		return persistence.NewFlowError("Delete", flowID, persistence.ErrFlowNotFound)
	}

	return nil
}

func (fr *FlowRepository) IncrementExecutionCount(ctx context.Context, orgID, flowID string, at time.Time) error {
	res, err := fr.db.ExecContext(ctx,
		`UPDATE flows SET execution_count = execution_count + 1, last_executed_at = $3 WHERE id = $1 AND org_id = $2`,
		flowID, orgID, at,
	)
	if err != nil {
		return persistence.NewFlowError("IncrementExecutionCount", flowID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return persistence.NewFlowError("IncrementExecutionCount", flowID, err)
	}

	if affected == 0 {
		return persistence.NewFlowError("IncrementExecutionCount", flowID, persistence.ErrFlowNotFound)
	}

	return nil
}

func scanFlow(row rowScanner) (*models.Flow, error) {
	var (
		flow           models.Flow
		flowData       []byte
		publishedAt    sql.NullTime
		lastExecutedAt sql.NullTime
	)

	err := row.Scan(
		&flow.ID, &flow.OrgID, &flow.Name, &flow.Description, &flow.Status, &flow.Version, &flowData, &flow.CreatedBy,
		&flow.ExecutionCount, &flow.CreatedAt, &flow.UpdatedAt, &publishedAt, &lastExecutedAt,
	)
	if err != nil {
		return nil, err
	}

	err = unmarshalJSON(flowData, &flow.FlowData)
	if err != nil {
		return nil, err
	}

	flow.PublishedAt = timePtr(publishedAt)
	flow.LastExecutedAt = timePtr(lastExecutedAt)

	return &flow, nil
}
