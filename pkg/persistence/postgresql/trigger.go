package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukex/convoflow/pkg/models"
)

const triggerColumns = `id, flow_id, org_id, platform, trigger_type, filters, start_node_id, status,
	registered_at, last_triggered_at`

// TriggerRepository handles trigger registration database operations.
type TriggerRepository struct {
	db *sql.DB
}

// ReplaceForFlow swaps the registrations of a flow inside one transaction.
func (tr *TriggerRepository) ReplaceForFlow(ctx context.Context, flowID string, registrations []*models.TriggerRegistration) error {
	tx, err := tr.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `DELETE FROM trigger_registrations WHERE flow_id = $1`, flowID)
	if err != nil {
		return fmt.Errorf("failed to delete registrations of flow %s: %w", flowID, err)
	}

	for _, reg := range registrations {
		filters, err := marshalJSON(reg.Filters)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO trigger_registrations (`+triggerColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			reg.ID, reg.FlowID, reg.OrgID, reg.Platform, reg.TriggerType, filters, reg.StartNodeID, reg.Status,
			reg.RegisteredAt, nullTime(reg.LastTriggeredAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert registration %s: %w", reg.ID, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit registrations of flow %s: %w", flowID, err)
	}

	return nil
}

func (tr *TriggerRepository) DeactivateByFlow(ctx context.Context, flowID string) (int, error) {
	res, err := tr.db.ExecContext(ctx,
		`UPDATE trigger_registrations SET status = $2 WHERE flow_id = $1 AND status = $3`,
		flowID, models.RegistrationStatusInactive, models.RegistrationStatusActive,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate registrations of flow %s: %w", flowID, err)
	}

	affected, err := res.RowsAffected()

	return int(affected), err
}

func (tr *TriggerRepository) FindActive(ctx context.Context, orgID, triggerType string) ([]*models.TriggerRegistration, error) {
	return tr.query(ctx,
		`SELECT `+triggerColumns+` FROM trigger_registrations WHERE org_id = $1 AND trigger_type = $2 AND status = $3`,
		orgID, triggerType, models.RegistrationStatusActive,
	)
}

func (tr *TriggerRepository) ListByFlow(ctx context.Context, flowID string) ([]*models.TriggerRegistration, error) {
	return tr.query(ctx, `SELECT `+triggerColumns+` FROM trigger_registrations WHERE flow_id = $1 ORDER BY id`, flowID)
}

func (tr *TriggerRepository) Touch(ctx context.Context, triggerID string, at time.Time) error {
	_, err := tr.db.ExecContext(ctx, `UPDATE trigger_registrations SET last_triggered_at = $2 WHERE id = $1`, triggerID, at)
	if err != nil {
		return fmt.Errorf("failed to touch registration %s: %w", triggerID, err)
	}

	return nil
}

func (tr *TriggerRepository) query(ctx context.Context, query string, args ...any) ([]*models.TriggerRegistration, error) {
	rows, err := tr.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query registrations: %w", err)
	}
	defer rows.Close()

	var registrations []*models.TriggerRegistration

	for rows.Next() {
		var (
			reg             models.TriggerRegistration
			filters         []byte
			lastTriggeredAt sql.NullTime
		)

		err := rows.Scan(&reg.ID, &reg.FlowID, &reg.OrgID, &reg.Platform, &reg.TriggerType, &filters,
			&reg.StartNodeID, &reg.Status, &reg.RegisteredAt, &lastTriggeredAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan registration: %w", err)
		}

		err = unmarshalJSON(filters, &reg.Filters)
		if err != nil {
			return nil, err
		}

		reg.LastTriggeredAt = timePtr(lastTriggeredAt)
		registrations = append(registrations, &reg)
	}

	return registrations, rows.Err()
}
