package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
)

// CreateFlowRequest contains the fields of a new flow.
type CreateFlowRequest struct {
	Name        string           `json:"name"                validate:"required,min=3,max=255"`
	Description string           `json:"description"         validate:"max=500"`
	FlowData    *models.FlowData `json:"flow_data,omitempty"`
	CreatedBy   string           `json:"-"`
}

// UpdateFlowRequest contains the fields to change. Nil fields are left untouched.
type UpdateFlowRequest struct {
	Name        *string          `json:"name,omitempty"        validate:"omitempty,min=3,max=255"`
	Description *string          `json:"description,omitempty" validate:"omitempty,max=500"`
	FlowData    *models.FlowData `json:"flow_data,omitempty"`
}

// Flow handles flow CRUD. Lifecycle transitions are delegated to Publishing.
type Flow struct {
	flows      persistence.FlowRepository
	publishing *Publishing
	validate   *validator.Validate
	logger     *slog.Logger
}

func NewFlow(flows persistence.FlowRepository, publishing *Publishing, logger *slog.Logger) *Flow {
	return &Flow{
		flows:      flows,
		publishing: publishing,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger.With("module", "flow_service"),
	}
}

// Create stores a new draft flow.
func (f *Flow) Create(ctx context.Context, orgID string, req CreateFlowRequest) (*models.Flow, error) {
	if orgID == "" {
		return nil, NewValidationError("Create", "org_required", "", ErrOrgRequired)
	}

	err := f.validate.Struct(req)
	if err != nil {
		return nil, NewValidationError("Create", "invalid_request", err.Error(), ErrInvalidRequest)
	}

	data := emptyFlowData()
	if req.FlowData != nil {
		data = normalize(*req.FlowData)
	}

	if issues := ValidateStructure(data); len(issues) > 0 {
		return nil, NewValidationError("Create", "invalid_structure", strings.Join(issues, "; "), ErrInvalidConnection)
	}

	flow := &models.Flow{
		ID:          uuid.NewString(),
		OrgID:       orgID,
		Name:        req.Name,
		Description: req.Description,
		Status:      models.FlowStatusDraft,
		Version:     1,
		FlowData:    data,
		CreatedBy:   req.CreatedBy,
	}

	err = f.flows.Save(ctx, flow)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow: %w", err)
	}

	f.logger.InfoContext(ctx, "Created flow", "flow_id", flow.ID, "org_id", orgID)

	return flow, nil
}

// Get returns a flow of orgID.
func (f *Flow) Get(ctx context.Context, orgID, flowID string) (*models.Flow, error) {
	flow, err := f.flows.GetByID(ctx, orgID, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}

	if flow == nil {
		return nil, notFound("Get", flowID)
	}

	return flow, nil
}

// List returns the flows of orgID, newest first. status may be empty, draft or published.
func (f *Flow) List(ctx context.Context, orgID, status string) ([]*models.Flow, error) {
	switch models.FlowStatus(status) {
	case "", models.FlowStatusDraft, models.FlowStatusPublished:
	default:
		return nil, NewValidationError("List", "invalid_status", "unknown status "+status, ErrInvalidStatus)
	}

	flows, err := f.flows.List(ctx, orgID, models.FlowStatus(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}

	return flows, nil
}

// Update changes name, description or graph. A graph change bumps the version; on a published
// flow the new graph is validated and its triggers re-registered.
func (f *Flow) Update(ctx context.Context, orgID, flowID string, req UpdateFlowRequest) (*models.Flow, error) {
	err := f.validate.Struct(req)
	if err != nil {
		return nil, NewValidationError("Update", "invalid_request", err.Error(), ErrInvalidRequest)
	}

	flow, err := f.Get(ctx, orgID, flowID)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		flow.Name = *req.Name
	}

	if req.Description != nil {
		flow.Description = *req.Description
	}

	if req.FlowData != nil {
		data := normalize(*req.FlowData)

		if issues := ValidateStructure(data); len(issues) > 0 {
			return nil, NewValidationError("Update", "invalid_structure", strings.Join(issues, "; "), ErrInvalidConnection)
		}

		flow.FlowData = data
		flow.Version++

		if flow.IsPublished() {
			return f.publishing.republish(ctx, flow)
		}
	}

	err = f.flows.Save(ctx, flow)
	if err != nil {
		return nil, fmt.Errorf("failed to update flow: %w", err)
	}

	return flow, nil
}

// Delete removes a flow, unpublishing it first.
func (f *Flow) Delete(ctx context.Context, orgID, flowID string) error {
	flow, err := f.Get(ctx, orgID, flowID)
	if err != nil {
		return err
	}

	if flow.IsPublished() {
		_, err = f.publishing.Unpublish(ctx, orgID, flowID)
		if err != nil {
			return err
		}
	}

	err = f.flows.Delete(ctx, orgID, flowID)
	if err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}

	f.logger.InfoContext(ctx, "Deleted flow", "flow_id", flowID, "org_id", orgID)

	return nil
}

func emptyFlowData() models.FlowData {
	return models.FlowData{
		Nodes:       map[string]*models.Node{},
		Connections: []*models.Connection{},
		Triggers:    []*models.FlowTrigger{},
	}
}

func normalize(data models.FlowData) models.FlowData {
	if data.Nodes == nil {
		data.Nodes = map[string]*models.Node{}
	}

	if data.Connections == nil {
		data.Connections = []*models.Connection{}
	}

	if data.Triggers == nil {
		data.Triggers = []*models.FlowTrigger{}
	}

	for _, node := range data.Nodes {
		if node != nil && node.Config == nil {
			node.Config = map[string]any{}
		}
	}

	return data
}
