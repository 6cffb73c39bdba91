package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/spf13/cast"

	"github.com/dukex/convoflow/pkg/actions"
	"github.com/dukex/convoflow/pkg/eventbus"
	"github.com/dukex/convoflow/pkg/ledger"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/scheduler"
	"github.com/dukex/convoflow/pkg/services"
)

// ReasonCancelledByAPI is recorded on jobs cancelled through DELETE /jobs/:jobId.
const ReasonCancelledByAPI = "cancelled via api"

// HealthChecker reports whether a backing store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies groups what the handlers need. Publisher and Health may be nil.
type Dependencies struct {
	Flows      *services.Flow
	Publishing *services.Publishing
	Ledger     *ledger.Ledger
	Scheduler  *scheduler.Scheduler
	Dispatcher *actions.Dispatcher
	Publisher  eventbus.EventPublisher
	Health     HealthChecker
}

type APIHandlers struct {
	deps      Dependencies
	validator *validator.Validate
	now       func() time.Time
}

func NewAPIHandlers(deps Dependencies, validator *validator.Validate) *APIHandlers {
	return &APIHandlers{
		deps:      deps,
		validator: validator,
		now:       time.Now,
	}
}

func (h *APIHandlers) CreateFlow(c fiber.Ctx) error {
	var req services.CreateFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	req.CreatedBy = c.Get("X-User-ID")

	flow, err := h.deps.Flows.Create(c.Context(), c.Params("orgId"), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(flow)
}

func (h *APIHandlers) ListFlows(c fiber.Ctx) error {
	flows, err := h.deps.Flows.List(c.Context(), c.Params("orgId"), c.Query("status"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"flows":       flows,
		"total_count": len(flows),
	})
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	flow, err := h.deps.Flows.Get(c.Context(), c.Params("orgId"), c.Params("flowId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) UpdateFlow(c fiber.Ctx) error {
	var req services.UpdateFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	flow, err := h.deps.Flows.Update(c.Context(), c.Params("orgId"), c.Params("flowId"), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) DeleteFlow(c fiber.Ctx) error {
	err := h.deps.Flows.Delete(c.Context(), c.Params("orgId"), c.Params("flowId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) PublishFlow(c fiber.Ctx) error {
	flow, err := h.deps.Publishing.Publish(c.Context(), c.Params("orgId"), c.Params("flowId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) UnpublishFlow(c fiber.Ctx) error {
	flow, err := h.deps.Publishing.Unpublish(c.Context(), c.Params("orgId"), c.Params("flowId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) ListExecutions(c fiber.Ctx) error {
	limit, err := cast.ToIntE(c.Query("limit", "0"))
	if err != nil || limit < 0 {
		return badRequest(c, "limit must be a positive integer")
	}

	records, err := h.deps.Ledger.ListByFlow(c.Context(), c.Params("orgId"), c.Params("flowId"), limit)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"executions":  records,
		"total_count": len(records),
	})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	record, err := h.deps.Ledger.Get(c.Context(), c.Params("orgId"), c.Params("executionId"))
	if err != nil {
		return internalError(c, err)
	}

	if record == nil {
		return notFound(c, "Execution not found")
	}

	return c.JSON(record)
}

func (h *APIHandlers) ListFlowJobs(c fiber.Ctx) error {
	status, ok := parseJobStatus(c.Query("status"))
	if !ok {
		return badRequest(c, "Invalid job status: "+c.Query("status"))
	}

	jobs, err := h.deps.Scheduler.ListByFlow(c.Context(), c.Params("orgId"), c.Params("flowId"), status)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"jobs": jobs, "total_count": len(jobs)})
}

func (h *APIHandlers) ListJobs(c fiber.Ctx) error {
	status, ok := parseJobStatus(c.Query("status"))
	if !ok {
		return badRequest(c, "Invalid job status: "+c.Query("status"))
	}

	jobs, err := h.deps.Scheduler.ListByOrg(c.Context(), c.Params("orgId"), status)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"jobs": jobs, "total_count": len(jobs)})
}

// ScheduleFollowUp stores a plain follow-up message job for a conversation.
func (h *APIHandlers) ScheduleFollowUp(c fiber.Ctx) error {
	var req FollowUpRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	orgID := c.Params("orgId")

	if _, err := h.deps.Flows.Get(c.Context(), orgID, req.FlowID); err != nil {
		return handleServiceError(c, err)
	}

	fireAt := h.now().UTC()
	if req.DelaySeconds > 0 {
		fireAt = fireAt.Add(time.Duration(req.DelaySeconds) * time.Second)
	} else {
		fireAt = req.FireAt.UTC()
	}

	jobID, err := h.deps.Scheduler.Schedule(c.Context(), scheduler.ScheduleRequest{
		OrgID:          orgID,
		FlowID:         req.FlowID,
		ConversationID: req.ConversationID,
		FireAt:         fireAt,
		MessageConfig:  map[string]any{"text": req.Text},
		MaxRetries:     req.MaxRetries,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(FollowUpResponse{JobID: jobID, FireAt: fireAt})
}

func (h *APIHandlers) CancelJob(c fiber.Ctx) error {
	cancelled, err := h.deps.Scheduler.Cancel(c.Context(), c.Params("orgId"), c.Params("jobId"), ReasonCancelledByAPI)
	if err != nil {
		return internalError(c, err)
	}

	if !cancelled {
		return notFound(c, "No pending job with this id")
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// ReceiveEvent accepts a normalized platform event and hands it to the event bus.
func (h *APIHandlers) ReceiveEvent(c fiber.Ctx) error {
	if h.deps.Publisher == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "event bus not configured"})
	}

	var event models.InboundEvent
	if err := c.Bind().JSON(&event); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	event.OrgID = c.Params("orgId")

	msg, err := eventbus.PublishInbound(c.Context(), h.deps.Publisher, event)
	if err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			return badRequest(c, err.Error())
		}

		return internalError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(EventAccepted{EventID: msg.ID, Key: msg.Key()})
}

func (h *APIHandlers) ListNodeKinds(c fiber.Ctx) error {
	return c.JSON(NodeKindsResponse{
		Triggers: models.TriggerKinds(),
		Actions:  h.deps.Dispatcher.Descriptors(),
	})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "convoflow is healthy"
	httpStatus := http.StatusOK
	checkers := fiber.Map{}

	if h.deps.Health != nil {
		if err := h.deps.Health.HealthCheck(c.Context()); err != nil {
			status = "unhealthy"
			message = "convoflow is unhealthy"
			httpStatus = http.StatusServiceUnavailable
			checkers["persistence"] = err.Error()
		} else {
			checkers["persistence"] = "ok"
		}
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"message":   message,
		"checkers":  checkers,
		"timestamp": h.now().UTC(),
	})
}

func parseJobStatus(value string) (models.JobStatus, bool) {
	switch status := models.JobStatus(value); status {
	case "", models.JobStatusPending, models.JobStatusRunning, models.JobStatusCompleted,
		models.JobStatusFailed, models.JobStatusCancelled:
		return status, true
	default:
		return "", false
	}
}
