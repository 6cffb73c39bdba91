package file

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
)

// FlowRepository handles flow-related file operations.
type FlowRepository struct {
	flows collection[models.Flow]
	mu    *sync.Mutex
}

// Save stores a flow, stamping created_at and updated_at.
func (fr *FlowRepository) Save(_ context.Context, flow *models.Flow) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	err := fr.flows.put(flow.ID, flow)
	if err != nil {
		return persistence.NewFlowError("Save", flow.ID, err)
	}

	return nil
}

// GetByID returns the flow of orgID with flowID, or nil when absent.
func (fr *FlowRepository) GetByID(_ context.Context, orgID, flowID string) (*models.Flow, error) {
	flow, err := fr.flows.get(flowID)
	if err != nil {
		return nil, persistence.NewFlowError("GetByID", flowID, err)
	}

	if flow == nil || flow.OrgID != orgID {
		return nil, nil
	}

	return flow, nil
}

// List returns the flows of orgID, newest first. An empty status lists every flow.
func (fr *FlowRepository) List(_ context.Context, orgID string, status models.FlowStatus) ([]*models.Flow, error) {
	all, err := fr.flows.all()
	if err != nil {
		return nil, err
	}

	flows := make([]*models.Flow, 0, len(all))

	for _, flow := range all {
		if flow.OrgID != orgID || (status != "" && flow.Status != status) {
			continue
		}

		flows = append(flows, flow)
	}

	sort.Slice(flows, func(i, j int) bool {
		return flows[i].CreatedAt.After(flows[j].CreatedAt)
	})

	return flows, nil
}

// Delete removes a flow.
func (fr *FlowRepository) Delete(ctx context.Context, orgID, flowID string) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	flow, err := fr.GetByID(ctx, orgID, flowID)
	if err != nil {
		return err
	}

	if flow == nil {
		return persistence.NewFlowError("Delete", flowID, persistence.ErrFlowNotFound)
	}

	_, err = fr.flows.remove(flowID)
	if err != nil {
		return persistence.NewFlowError("Delete", flowID, err)
	}

	return nil
}

// IncrementExecutionCount bumps the run counter of a flow.
func (fr *FlowRepository) IncrementExecutionCount(ctx context.Context, orgID, flowID string, at time.Time) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	flow, err := fr.GetByID(ctx, orgID, flowID)
	if err != nil {
		return err
	}

	if flow == nil {
		return persistence.NewFlowError("IncrementExecutionCount", flowID, persistence.ErrFlowNotFound)
	}

	flow.ExecutionCount++
	flow.LastExecutedAt = &at

	err = fr.flows.put(flowID, flow)
	if err != nil {
		return persistence.NewFlowError("IncrementExecutionCount", flowID, err)
	}

	return nil
}
