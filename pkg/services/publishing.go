package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/convoflow/pkg/actions"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
	"github.com/dukex/convoflow/pkg/trigger"
)

const (
	ReasonFlowUnpublished = "flow unpublished"
	ReasonFlowRepublished = "flow republished"
)

// JobCanceller cancels the pending jobs of a flow.
type JobCanceller interface {
	CancelByFlow(ctx context.Context, orgID, flowID, reason string) (int, error)
}

// Publishing moves flows between draft and published, keeping trigger registrations and
// scheduled jobs consistent with the status.
type Publishing struct {
	flows      persistence.FlowRepository
	registry   *trigger.Registry
	dispatcher *actions.Dispatcher
	jobs       JobCanceller
	logger     *slog.Logger
	now        func() time.Time
}

func NewPublishing(
	flows persistence.FlowRepository,
	registry *trigger.Registry,
	dispatcher *actions.Dispatcher,
	jobs JobCanceller,
	logger *slog.Logger,
) *Publishing {
	return &Publishing{
		flows:      flows,
		registry:   registry,
		dispatcher: dispatcher,
		jobs:       jobs,
		logger:     logger.With("module", "publishing"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Validate returns the problems that would prevent flow from being published.
func (p *Publishing) Validate(flow *models.Flow) []string {
	return ValidateForPublish(flow, p.dispatcher)
}

// Publish validates a flow, registers its triggers and marks it published. Publishing an already
// published flow refreshes its registrations.
func (p *Publishing) Publish(ctx context.Context, orgID, flowID string) (*models.Flow, error) {
	flow, err := p.flows.GetByID(ctx, orgID, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}

	if flow == nil {
		return nil, notFound("Publish", flowID)
	}

	return p.republish(ctx, flow)
}

func (p *Publishing) republish(ctx context.Context, flow *models.Flow) (*models.Flow, error) {
	if issues := p.Validate(flow); len(issues) > 0 {
		return nil, NewValidationError("Publish", "invalid_flow", strings.Join(issues, "; "), ErrInvalidFlow)
	}

	// Jobs snapshot node ids of the previous graph.
	p.cancelJobs(ctx, flow, ReasonFlowRepublished)

	now := p.now()
	flow.Status = models.FlowStatusPublished
	flow.PublishedAt = &now

	ids, err := p.registry.Register(ctx, flow)
	if err != nil {
		return nil, fmt.Errorf("failed to register triggers: %w", err)
	}

	err = p.flows.Save(ctx, flow)
	if err != nil {
		if _, deactivateErr := p.registry.Deactivate(ctx, flow.ID); deactivateErr != nil {
			p.logger.ErrorContext(ctx, "Failed to roll back trigger registrations", "flow_id", flow.ID, "error", deactivateErr)
		}

		return nil, fmt.Errorf("failed to publish flow: %w", err)
	}

	p.logger.InfoContext(ctx, "Published flow", "flow_id", flow.ID, "org_id", flow.OrgID, "triggers", ids)

	return flow, nil
}

// Unpublish deactivates a flow's triggers, cancels its pending jobs and returns it to draft.
func (p *Publishing) Unpublish(ctx context.Context, orgID, flowID string) (*models.Flow, error) {
	flow, err := p.flows.GetByID(ctx, orgID, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}

	if flow == nil {
		return nil, notFound("Unpublish", flowID)
	}

	deactivated, err := p.registry.Deactivate(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate triggers: %w", err)
	}

	p.cancelJobs(ctx, flow, ReasonFlowUnpublished)

	flow.Status = models.FlowStatusDraft

	err = p.flows.Save(ctx, flow)
	if err != nil {
		return nil, fmt.Errorf("failed to unpublish flow: %w", err)
	}

	p.logger.InfoContext(ctx, "Unpublished flow", "flow_id", flowID, "org_id", orgID, "deactivated", deactivated)

	return flow, nil
}

func (p *Publishing) cancelJobs(ctx context.Context, flow *models.Flow, reason string) {
	if p.jobs == nil {
		return
	}

	cancelled, err := p.jobs.CancelByFlow(ctx, flow.OrgID, flow.ID, reason)
	if err != nil {
		p.logger.WarnContext(ctx, "Failed to cancel pending jobs", "flow_id", flow.ID, "error", err)

		return
	}

	if cancelled > 0 {
		p.logger.InfoContext(ctx, "Cancelled pending jobs", "flow_id", flow.ID, "count", cancelled, "reason", reason)
	}
}
