package workflow

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/convoflow/pkg/dedup"
	"github.com/dukex/convoflow/pkg/metrics"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/otelhelper"
	"github.com/dukex/convoflow/pkg/trigger"
)

// ReasonCustomerReplied is recorded on follow-ups cancelled by an inbound message.
const ReasonCustomerReplied = "customer replied"

// Manager turns inbound events into flow executions.
type Manager struct {
	registry  *trigger.Registry
	executor  *Executor
	scheduler JobScheduler
	dedup     dedup.Deduplicator
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	wg        sync.WaitGroup
}

type ManagerOption func(*Manager)

// WithJobCancellation cancels a conversation's pending jobs when the customer writes again.
func WithJobCancellation(s JobScheduler) ManagerOption {
	return func(m *Manager) { m.scheduler = s }
}

func WithDeduplicator(d dedup.Deduplicator) ManagerOption {
	return func(m *Manager) { m.dedup = d }
}

func WithManagerMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

func WithManagerTracer(tracer trace.Tracer) ManagerOption {
	return func(m *Manager) { m.tracer = tracer }
}

func NewManager(registry *trigger.Registry, executor *Executor, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry: registry,
		executor: executor,
		tracer:   otelhelper.NoopTracer(),
		logger:   logger.With("module", "flow_manager"),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// HandleEvent starts one execution per matching registration and returns how many were started.
// Executions outlive ctx; use Wait to block until they finish. Errors are logged, never returned.
func (m *Manager) HandleEvent(ctx context.Context, event models.InboundEvent) int {
	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "flow.handle_event",
		attribute.String(otelhelper.OrgIDKey, event.OrgID),
		attribute.String(otelhelper.EventTypeKey, event.EventType),
	)
	defer span.End()

	logger := m.logger.With("org_id", event.OrgID, "platform", event.Platform, "event_type", event.EventType)

	m.metrics.RecordEvent(event.EventType)

	if m.duplicate(ctx, event) {
		m.metrics.RecordDuplicate()
		logger.InfoContext(ctx, "Duplicate event ignored", "message_id", event.MessageID)

		return 0
	}

	conversationID := models.ConversationID(event.TriggerData)

	if m.scheduler != nil && event.EventType == models.EventMessageReceived && conversationID != "" {
		cancelled, err := m.scheduler.CancelByConversation(ctx, event.OrgID, conversationID, ReasonCustomerReplied)
		if err != nil {
			logger.WarnContext(ctx, "Failed to cancel pending jobs", "conversation_id", conversationID, "error", err)
		} else if cancelled > 0 {
			logger.InfoContext(ctx, "Cancelled pending jobs", "conversation_id", conversationID, "count", cancelled)
		}
	}

	matched, err := m.registry.FindMatching(ctx, event.OrgID, event.Platform, event.EventType, event.TriggerData)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to find matching triggers", "error", err)
		otelhelper.SetError(span, err)

		return 0
	}

	triggerType := models.TriggerTypeForEvent(event.EventType, event.Platform)
	runCtx := context.WithoutCancel(ctx)

	for _, reg := range matched {
		m.wg.Add(1)

		go func(reg *models.TriggerRegistration) {
			defer m.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(runCtx, "Panic while running flow", "flow_id", reg.FlowID, "panic", r)
				}
			}()

			m.executor.Run(runCtx, reg, triggerType, event.TriggerData)
		}(reg)
	}

	logger.InfoContext(ctx, "Event processed", "matched", len(matched))

	return len(matched)
}

// Wait blocks until every execution started by HandleEvent has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) duplicate(ctx context.Context, event models.InboundEvent) bool {
	if m.dedup == nil || event.MessageID == "" {
		return false
	}

	seen, err := m.dedup.Seen(ctx, event.OrgID+":"+event.Platform+":"+event.MessageID)
	if err != nil {
		m.logger.WarnContext(ctx, "Dedup lookup failed, processing event", "error", err)

		return false
	}

	return seen
}
