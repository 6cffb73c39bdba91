// Package workflow walks published flows in response to matched triggers and resumes them when
// scheduled jobs fire.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/convoflow/pkg/actions"
	"github.com/dukex/convoflow/pkg/ledger"
	"github.com/dukex/convoflow/pkg/log"
	"github.com/dukex/convoflow/pkg/metrics"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/otelhelper"
	"github.com/dukex/convoflow/pkg/persistence"
	"github.com/dukex/convoflow/pkg/protocol"
	"github.com/dukex/convoflow/pkg/scheduler"
	"github.com/dukex/convoflow/pkg/variables"
)

const systemNode = "system"

var (
	// ErrCycle is returned when a walk revisits a node on its current path.
	ErrCycle = errors.New("cycle detected")
	// ErrFlowUnavailable is returned when a job references a flow that cannot run.
	ErrFlowUnavailable = errors.New("flow unavailable")
)

// NodeError attributes a fatal walk error to a node.
type NodeError struct {
	NodeID string
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// JobScheduler is the part of the durable scheduler the engine needs.
type JobScheduler interface {
	Schedule(ctx context.Context, req scheduler.ScheduleRequest) (string, error)
	CancelByConversation(ctx context.Context, orgID, conversationID, reason string) (int, error)
}

// ExecutionNotifier announces finished executions.
type ExecutionNotifier interface {
	ExecutionFinished(ctx context.Context, record *models.ExecutionRecord) error
}

type Executor struct {
	flows         persistence.FlowRepository
	ledger        *ledger.Ledger
	dispatcher    *actions.Dispatcher
	scheduler     JobScheduler
	conversations protocol.ConversationLookup
	sender        protocol.MessageSender
	senders       protocol.SenderDirectory
	counter       protocol.ExecutionCounter
	notifier      ExecutionNotifier
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	logger        *slog.Logger
}

// ExecutorOption wires an optional collaborator into the Executor.
type ExecutorOption func(*Executor)

// WithScheduler turns delays that directly follow a trigger into durable jobs.
func WithScheduler(s JobScheduler) ExecutorOption {
	return func(e *Executor) { e.scheduler = s }
}

// WithConversations makes jobs skip conversations that no longer exist or are closed.
func WithConversations(lookup protocol.ConversationLookup) ExecutorOption {
	return func(e *Executor) { e.conversations = lookup }
}

// WithFollowUpSender enables plain follow-up jobs.
func WithFollowUpSender(sender protocol.MessageSender, senders protocol.SenderDirectory) ExecutorOption {
	return func(e *Executor) {
		e.sender = sender
		e.senders = senders
	}
}

func WithExecutionCounter(counter protocol.ExecutionCounter) ExecutorOption {
	return func(e *Executor) { e.counter = counter }
}

func WithNotifier(notifier ExecutionNotifier) ExecutorOption {
	return func(e *Executor) { e.notifier = notifier }
}

func WithExecutorMetrics(m *metrics.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

func WithExecutorTracer(tracer trace.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = tracer }
}

func NewExecutor(
	flows persistence.FlowRepository,
	ledger *ledger.Ledger,
	dispatcher *actions.Dispatcher,
	logger *slog.Logger,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		flows:      flows,
		ledger:     ledger,
		dispatcher: dispatcher,
		tracer:     otelhelper.NoopTracer(),
		logger:     logger.With("module", "flow_executor"),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// execution is the state of one walk. A resumed walk runs under a scheduled job.
type execution struct {
	flow        *models.Flow
	triggerType string
	run         *actions.Run
	recorder    *ledger.Recorder
	logger      *slog.Logger
	current     string
	resumed     bool
}

// Run executes the flow behind a matched registration. It returns nil when the flow is missing
// or no longer published. Failures are recorded on the returned record, never returned.
func (e *Executor) Run(
	ctx context.Context,
	reg *models.TriggerRegistration,
	triggerType string,
	triggerData map[string]any,
) *models.ExecutionRecord {
	flow, err := e.loadFlow(ctx, reg.OrgID, reg.FlowID)
	if err != nil {
		e.logger.WarnContext(ctx, "Skipping execution", "flow_id", reg.FlowID, "org_id", reg.OrgID, "error", err)

		return nil
	}

	x := e.begin(ctx, flow, triggerType, triggerData)
	ctx = log.WithLogger(ctx, x.logger)
	x.run.Logger.InfoContext(ctx, "Starting flow execution", "trigger_id", reg.ID, "start_node_id", reg.StartNodeID)

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "flow.execute",
		attribute.String(otelhelper.FlowIDKey, flow.ID),
		attribute.String(otelhelper.OrgIDKey, flow.OrgID),
		attribute.String(otelhelper.ExecutionIDKey, x.recorder.ID()),
		attribute.String(otelhelper.TriggerIDKey, reg.ID),
		attribute.String(otelhelper.TriggerTypeKey, triggerType),
	)
	defer span.End()

	e.guard(ctx, x, func() error {
		return e.walk(ctx, x, reg.StartNodeID, "", map[string]bool{})
	})

	record := e.finish(ctx, x)
	if record.Status == models.ExecutionStatusFailed {
		otelhelper.SetError(span, errors.New(record.Error.Message))
	}

	return record
}

// RunJob implements scheduler.JobRunner.
func (e *Executor) RunJob(ctx context.Context, job *models.ScheduledJob) error {
	logger := e.logger.With("job_id", job.ID, "org_id", job.OrgID, "conversation_id", job.ConversationID)

	var conversation *protocol.Conversation

	if e.conversations != nil && job.ConversationID != "" {
		var err error

		conversation, err = e.conversations.Get(ctx, job.OrgID, job.ConversationID)
		if err != nil {
			return fmt.Errorf("failed to look up conversation: %w", err)
		}

		if conversation == nil {
			logger.InfoContext(ctx, "Conversation no longer exists, skipping job")

			return nil
		}

		if conversation.IsClosed() {
			logger.InfoContext(ctx, "Conversation is closed, skipping job")

			return nil
		}
	}

	if job.IsFollowUp() {
		return e.FollowUp(ctx, job, conversation)
	}

	return e.Resume(ctx, job)
}

// Resume continues a flow after the delay node a job was scheduled for.
func (e *Executor) Resume(ctx context.Context, job *models.ScheduledJob) error {
	flow, err := e.loadFlow(ctx, job.OrgID, job.FlowID)
	if err != nil {
		e.logger.WarnContext(ctx, "Skipping resume", "job_id", job.ID, "flow_id", job.FlowID, "error", err)

		return nil
	}

	x := e.begin(ctx, flow, job.TriggerType, job.TriggerData)
	ctx = log.WithLogger(ctx, x.logger)
	x.resumed = true
	x.recorder.SetScheduledJob(job.ID)

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "flow.resume",
		attribute.String(otelhelper.FlowIDKey, flow.ID),
		attribute.String(otelhelper.ExecutionIDKey, x.recorder.ID()),
		attribute.String(otelhelper.JobIDKey, job.ID),
		attribute.String(otelhelper.NodeIDKey, job.StartNodeID),
	)
	defer span.End()

	delayNode := flow.FlowData.Node(job.StartNodeID)
	if delayNode == nil {
		x.recorder.Log(job.StartNodeID, "unknown", models.LogActionNodeNotFound,
			fmt.Sprintf("Node %s not found in flow", job.StartNodeID), false, nil)
	} else {
		x.recorder.Log(job.StartNodeID, delayNode.Type, models.LogActionDelayComplete,
			"Scheduled delay completed", true, map[string]any{"job_id": job.ID})

		e.guard(ctx, x, func() error {
			path := map[string]bool{job.StartNodeID: true}

			for _, conn := range flow.FlowData.Outgoing(job.StartNodeID) {
				err := e.walk(ctx, x, conn.Target, models.KindDelay, path)
				if err != nil {
					return err
				}
			}

			return nil
		})
	}

	record := e.finish(ctx, x)
	if record.Status == models.ExecutionStatusFailed {
		otelhelper.SetError(span, errors.New(record.Error.Message))

		return fmt.Errorf("execution %s failed: %s", record.ID, record.Error.Message)
	}

	return nil
}

// FollowUp sends the plain follow-up message of a job over WhatsApp.
func (e *Executor) FollowUp(ctx context.Context, job *models.ScheduledJob, conversation *protocol.Conversation) error {
	if e.sender == nil || e.senders == nil {
		return errors.New("follow-up sender not configured")
	}

	customerName := "there"
	recipient := models.StringField(job.TriggerData, "customer_id")

	if conversation != nil {
		if conversation.CustomerName != "" {
			customerName = conversation.CustomerName
		}

		if conversation.CustomerID != "" {
			recipient = conversation.CustomerID
		}
	}

	text := variables.New(map[string]any{"customer_name": customerName}).
		Resolve(cast.ToString(job.MessageConfig["text"]))
	if text == "" {
		return errors.New("follow-up job without message text")
	}

	senderID, err := e.senders.WhatsAppSenderID(ctx, job.OrgID)
	if err != nil {
		return fmt.Errorf("failed to resolve sender account: %w", err)
	}

	result, err := e.sender.Send(ctx, protocol.SendRequest{
		Platform:        models.PlatformWhatsApp,
		SenderAccountID: senderID,
		RecipientID:     recipient,
		ConversationID:  job.ConversationID,
		Text:            text,
	})
	if err != nil {
		return fmt.Errorf("failed to send follow-up: %w", err)
	}

	messageID := ""
	if result != nil {
		messageID = result.MessageID
	}

	e.logger.InfoContext(ctx, "Follow-up sent", "job_id", job.ID, "message_id", messageID)

	return nil
}

func (e *Executor) loadFlow(ctx context.Context, orgID, flowID string) (*models.Flow, error) {
	flow, err := e.flows.GetByID(ctx, orgID, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow %s: %w", flowID, err)
	}

	if flow == nil {
		return nil, fmt.Errorf("%w: %s not found", ErrFlowUnavailable, flowID)
	}

	if !flow.IsPublished() {
		return nil, fmt.Errorf("%w: %s is not published", ErrFlowUnavailable, flowID)
	}

	return flow, nil
}

func (e *Executor) begin(ctx context.Context, flow *models.Flow, triggerType string, triggerData map[string]any) *execution {
	executionID := uuid.NewString()
	recorder := ledger.NewRecorder(executionID, flow.OrgID, flow.ID, triggerType, triggerData)
	logger := e.logger.With("execution_id", executionID, "flow_id", flow.ID, "org_id", flow.OrgID)

	recorder.Log(systemNode, systemNode, models.LogActionExecutionStart, "Flow execution started", true,
		map[string]any{"trigger_type": triggerType})

	logger.DebugContext(ctx, "Created execution context")

	return &execution{
		flow:        flow,
		triggerType: triggerType,
		recorder:    recorder,
		logger:      logger,
		run: &actions.Run{
			ExecutionID: executionID,
			OrgID:       flow.OrgID,
			FlowID:      flow.ID,
			TriggerData: triggerData,
			Vars:        variables.Seed(executionID, flow.OrgID, flow.ID, triggerData),
			Recorder:    recorder,
			Logger:      logger,
		},
	}
}

// guard runs walk, converting errors and panics into a failed execution.
func (e *Executor) guard(ctx context.Context, x *execution, walk func() error) {
	defer func() {
		if r := recover(); r != nil {
			x.logger.ErrorContext(ctx, "Panic during flow execution", "node_id", x.current, "panic", r)
			x.recorder.Fail(fmt.Errorf("panic: %v", r), x.current)
		}
	}()

	err := walk()
	if err == nil {
		return
	}

	nodeID := x.current

	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		nodeID = nodeErr.NodeID
	}

	x.logger.ErrorContext(ctx, "Flow execution failed", "node_id", nodeID, "error", err)
	x.recorder.Fail(err, nodeID)
}

func (e *Executor) finish(ctx context.Context, x *execution) *models.ExecutionRecord {
	if x.recorder.Failed() {
		x.recorder.Log(systemNode, systemNode, models.LogActionExecutionFailed, "Flow execution failed", false, nil)
	} else {
		x.recorder.Log(systemNode, systemNode, models.LogActionExecutionComplete, "Flow execution completed successfully", true, nil)
	}

	record := x.recorder.Finish(x.run.Vars.Snapshot())

	// Bookkeeping must survive a cancelled run.
	ctx = context.WithoutCancel(ctx)

	err := e.ledger.Save(ctx, record)
	if err != nil {
		x.logger.ErrorContext(ctx, "Failed to save execution record", "error", err)
	}

	e.metrics.RecordExecution(string(record.Status), time.Duration(record.DurationMS)*time.Millisecond)

	if record.Status == models.ExecutionStatusSuccess && e.counter != nil {
		err = e.counter.Increment(ctx, record.OrgID, record.FlowID)
		if err != nil {
			x.logger.WarnContext(ctx, "Failed to increment execution count", "error", err)
		}
	}

	if e.notifier != nil {
		err = e.notifier.ExecutionFinished(ctx, record)
		if err != nil {
			x.logger.WarnContext(ctx, "Failed to publish execution event", "error", err)
		}
	}

	x.logger.InfoContext(ctx, "Flow execution finished", "status", record.Status, "duration_ms", record.DurationMS)

	return record
}
