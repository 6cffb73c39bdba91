package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dukex/convoflow/pkg/actions"
	"github.com/dukex/convoflow/pkg/mocks"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/protocol"
	"github.com/dukex/convoflow/pkg/scheduler"
	"github.com/dukex/convoflow/pkg/workflow"
)

type panicHandler struct{}

func (panicHandler) Kind() models.NodeKind  { return models.KindHTTPRequest }
func (panicHandler) Schema() map[string]any { return nil }
func (panicHandler) Execute(context.Context, *actions.Run, actions.Node) (*actions.Outcome, error) {
	panic("boom")
}

type failingHandler struct{}

func (failingHandler) Kind() models.NodeKind  { return models.KindHTTPRequest }
func (failingHandler) Schema() map[string]any { return nil }
func (failingHandler) Execute(context.Context, *actions.Run, actions.Node) (*actions.Outcome, error) {
	return nil, errors.New("upstream unavailable")
}

func TestRun_ConditionRoutesTrueBranch(t *testing.T) {
	e := newEnv(t)
	reg := e.publish(t, refundFlow())

	record := e.executor.Run(context.Background(), reg, "whatsapp_message_received", whatsappTrigger("I want a refund"))
	require.NotNil(t, record)

	assert.Equal(t, models.ExecutionStatusSuccess, record.Status)
	assert.Equal(t, []string{"refund"}, e.contacts.Tags(conversationID))

	evaluated := logsFor(record, models.LogActionConditionEval)
	require.Len(t, evaluated, 1)
	assert.Equal(t, true, evaluated[0].Details["result"])
	assert.Empty(t, logsFor(record, models.LogActionConditionFallback))

	assert.Equal(t, models.LogActionExecutionStart, record.Logs[0].Action)
	assert.Equal(t, models.LogActionExecutionComplete, record.Logs[len(record.Logs)-1].Action)
	assert.Equal(t, "I want a refund", record.Variables["message_text"])
	assert.NotNil(t, record.CompletedAt)

	stored, err := e.ledger.Get(context.Background(), orgID, record.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, record.Status, stored.Status)
}

func TestRun_ConditionRoutesFalseBranch(t *testing.T) {
	e := newEnv(t)
	reg := e.publish(t, refundFlow())

	record := e.executor.Run(context.Background(), reg, "whatsapp_message_received", whatsappTrigger("hello"))
	require.NotNil(t, record)

	assert.Equal(t, models.ExecutionStatusSuccess, record.Status)
	assert.Equal(t, []string{"general"}, e.contacts.Tags(conversationID))
}

func TestRun_ConditionFallbackFollowsAll(t *testing.T) {
	e := newEnv(t)
	flow := refundFlow()
	flow.FlowData.Connections[1].SourceHandle = "out-a"
	flow.FlowData.Connections[2].SourceHandle = "out-b"
	reg := e.publish(t, flow)

	record := e.executor.Run(context.Background(), reg, "whatsapp_message_received", whatsappTrigger("refund"))
	require.NotNil(t, record)

	assert.ElementsMatch(t, []string{"refund", "general"}, e.contacts.Tags(conversationID))
	assert.Len(t, logsFor(record, models.LogActionConditionFallback), 1)
}

func TestRun_DiamondIsNotACycle(t *testing.T) {
	e := newEnv(t)
	reg := e.publish(t, &models.Flow{
		ID:   "flow-diamond",
		Name: "Diamond",
		FlowData: models.FlowData{
			Nodes: map[string]*models.Node{
				"t1": {Type: "whatsapp_message_received"},
				"a1": {Type: "add_tag", Config: map[string]any{"tag": "left"}},
				"a2": {Type: "add_tag", Config: map[string]any{"tag": "right"}},
				"a3": {Type: "add_tag", Config: map[string]any{"tag": "joined"}},
			},
			Connections: []*models.Connection{
				{Source: "t1", Target: "a1"},
				{Source: "t1", Target: "a2"},
				{Source: "a1", Target: "a3"},
				{Source: "a2", Target: "a3"},
			},
			Triggers: []*models.FlowTrigger{{Type: "whatsapp_message_received", StartNodeID: "t1"}},
		},
	})

	record := e.executor.Run(context.Background(), reg, "whatsapp_message_received", whatsappTrigger("hi"))
	require.NotNil(t, record)

	assert.Equal(t, models.ExecutionStatusSuccess, record.Status)
	assert.ElementsMatch(t, []string{"left", "right", "joined"}, e.contacts.Tags(conversationID))
	assert.Len(t, logsFor(record, "tag_added"), 4)
}

func TestRun_CycleFailsExecution(t *testing.T) {
	e := newEnv(t)
	reg := e.publish(t, &models.Flow{
		ID:   "flow-cycle",
		Name: "Cycle",
		FlowData: models.FlowData{
			Nodes: map[string]*models.Node{
				"t1": {Type: "whatsapp_message_received"},
				"a1": {Type: "add_tag", Config: map[string]any{"tag": "x"}},
				"a2": {Type: "remove_tag", Config: map[string]any{"tag": "x"}},
			},
			Connections: []*models.Connection{
				{Source: "t1", Target: "a1"},
				{Source: "a1", Target: "a2"},
				{Source: "a2", Target: "a1"},
			},
			Triggers: []*models.FlowTrigger{{Type: "whatsapp_message_received", StartNodeID: "t1"}},
		},
	})

	record := e.executor.Run(context.Background(), reg, "whatsapp_message_received", whatsappTrigger("hi"))
	require.NotNil(t, record)

	assert.Equal(t, models.ExecutionStatusFailed, record.Status)
	require.NotNil(t, record.Error)
	assert.Contains(t, record.Error.Message, "cycle detected")
	assert.Equal(t, "a1", record.Error.NodeID)
	assert.Equal(t, models.LogActionExecutionFailed, record.Logs[len(record.Logs)-1].Action)
}

func TestRun_NodeErrorContinues(t *testing.T) {
	e := newEnv(t, failingHandler{})
	reg := e.publish(t, &models.Flow{
		ID:   "flow-http",
		Name: "Webhook then tag",
		FlowData: models.FlowData{
			Nodes: map[string]*models.Node{
				"t1": {Type: "whatsapp_message_received"},
				"h1": {Type: "http_request", Config: map[string]any{"url": "https://example.test"}},
				"a1": {Type: "add_tag", Config: map[string]any{"tag": "after"}},
				"m1": {Type: "whatsapp_message", Config: map[string]any{"text": "hi"}},
			},
			Connections: []*models.Connection{
				{Source: "t1", Target: "h1"},
				{Source: "h1", Target: "a1"},
				{Source: "a1", Target: "missing"},
			},
			Triggers: []*models.FlowTrigger{{Type: "whatsapp_message_received", StartNodeID: "t1"}},
		},
	})

	record := e.executor.Run(context.Background(), reg, "whatsapp_message_received", whatsappTrigger("hi"))
	require.NotNil(t, record)

	assert.Equal(t, models.ExecutionStatusSuccess, record.Status)
	assert.Equal(t, []string{"after"}, e.contacts.Tags(conversationID))
	require.Len(t, logsFor(record, models.LogActionNodeError), 1)
	assert.False(t, logsFor(record, models.LogActionNodeError)[0].Success)
	assert.Len(t, logsFor(record, models.LogActionNodeNotFound), 1)
}

func TestRun_PanicMarksFailed(t *testing.T) {
	e := newEnv(t, panicHandler{})
	reg := e.publish(t, &models.Flow{
		ID:   "flow-panic",
		Name: "Panics",
		FlowData: models.FlowData{
			Nodes: map[string]*models.Node{
				"t1": {Type: "whatsapp_message_received"},
				"h1": {Type: "http_request", Config: map[string]any{}},
			},
			Connections: []*models.Connection{{Source: "t1", Target: "h1"}},
			Triggers:    []*models.FlowTrigger{{Type: "whatsapp_message_received", StartNodeID: "t1"}},
		},
	})

	record := e.executor.Run(context.Background(), reg, "whatsapp_message_received", whatsappTrigger("hi"))
	require.NotNil(t, record)

	assert.Equal(t, models.ExecutionStatusFailed, record.Status)
	require.NotNil(t, record.Error)
	assert.Contains(t, record.Error.Message, "boom")
	assert.Equal(t, "h1", record.Error.NodeID)
}

func TestRun_UnpublishedFlowIsSkipped(t *testing.T) {
	e := newEnv(t)
	reg := e.publish(t, refundFlow())

	flow, err := e.store.FlowRepository().GetByID(context.Background(), orgID, reg.FlowID)
	require.NoError(t, err)

	flow.Status = models.FlowStatusDraft
	require.NoError(t, e.store.FlowRepository().Save(context.Background(), flow))

	assert.Nil(t, e.executor.Run(context.Background(), reg, "whatsapp_message_received", whatsappTrigger("refund")))
	assert.Empty(t, e.contacts.Tags(conversationID))
}

func TestRun_CountsSuccessfulExecutions(t *testing.T) {
	e := newEnv(t)
	counter := &mocks.MockExecutionCounter{}
	counter.On("Increment", mock.Anything, orgID, "flow-refund").Return(nil).Once()

	executor := workflow.NewExecutor(e.store.FlowRepository(), e.ledger, e.dispatcher, e.logger,
		workflow.WithExecutionCounter(counter))
	reg := e.publish(t, refundFlow())

	record := executor.Run(context.Background(), reg, "whatsapp_message_received", whatsappTrigger("refund"))
	require.NotNil(t, record)

	counter.AssertExpectations(t)
}

func delayFlow() *models.Flow {
	return &models.Flow{
		ID:   "flow-delay",
		Name: "Delayed follow-up",
		FlowData: models.FlowData{
			Nodes: map[string]*models.Node{
				"t1": {Type: "whatsapp_message_received"},
				"d1": {Type: "delay", Config: map[string]any{"amount": 10, "unit": "minutes"}},
				"a1": {Type: "add_tag", Config: map[string]any{"tag": "nudged"}},
			},
			Connections: []*models.Connection{
				{Source: "t1", Target: "d1"},
				{Source: "d1", Target: "a1"},
			},
			Triggers: []*models.FlowTrigger{{Type: "whatsapp_message_received", StartNodeID: "t1"}},
		},
	}
}

func TestRun_DelayAfterTriggerIsScheduled(t *testing.T) {
	e := newEnv(t)
	reg := e.publish(t, delayFlow())
	ctx := context.Background()

	record := e.executor.Run(ctx, reg, "whatsapp_message_received", whatsappTrigger("hi"))
	require.NotNil(t, record)

	assert.Equal(t, models.ExecutionStatusSuccess, record.Status)
	assert.Empty(t, e.contacts.Tags(conversationID))

	scheduled := logsFor(record, models.LogActionDelayScheduled)
	require.Len(t, scheduled, 1)
	assert.Equal(t, int64(600), scheduled[0].Details["delay_seconds"])

	jobs, err := e.scheduler.ListByFlow(ctx, orgID, "flow-delay", models.JobStatusPending)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	job := jobs[0]
	assert.Equal(t, "d1", job.StartNodeID)
	assert.Equal(t, conversationID, job.ConversationID)
	assert.Equal(t, "whatsapp_message_received", job.TriggerType)
	assert.Equal(t, job.ID, record.ScheduledJobID)

	require.NoError(t, e.executor.Resume(ctx, job))
	assert.Equal(t, []string{"nudged"}, e.contacts.Tags(conversationID))

	records, err := e.ledger.ListByFlow(ctx, orgID, "flow-delay", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	var resumed *models.ExecutionRecord
	for _, r := range records {
		if r.ID != record.ID {
			resumed = r
		}
	}

	require.NotNil(t, resumed)
	assert.Equal(t, job.ID, resumed.ScheduledJobID)
	assert.Len(t, logsFor(resumed, models.LogActionDelayComplete), 1)
	assert.Equal(t, "Ana", resumed.Variables["customer_name"])
}

func TestRunJob_SkipsClosedConversation(t *testing.T) {
	e := newEnv(t)
	reg := e.publish(t, delayFlow())
	ctx := context.Background()

	lookup := &mocks.MockConversationLookup{}
	lookup.On("Get", mock.Anything, orgID, conversationID).
		Return(&protocol.Conversation{ID: conversationID, Status: protocol.ConversationStatusClosed}, nil)

	executor := workflow.NewExecutor(e.store.FlowRepository(), e.ledger, e.dispatcher, e.logger,
		workflow.WithConversations(lookup))

	err := executor.RunJob(ctx, &models.ScheduledJob{
		ID:             "job-1",
		OrgID:          orgID,
		FlowID:         reg.FlowID,
		ConversationID: conversationID,
		StartNodeID:    "d1",
	})

	require.NoError(t, err)
	assert.Empty(t, e.contacts.Tags(conversationID))
	lookup.AssertExpectations(t)
}

func TestRunJob_LookupErrorIsRetried(t *testing.T) {
	e := newEnv(t)

	lookup := &mocks.MockConversationLookup{}
	lookup.On("Get", mock.Anything, orgID, conversationID).Return(nil, errors.New("db down"))

	executor := workflow.NewExecutor(e.store.FlowRepository(), e.ledger, e.dispatcher, e.logger,
		workflow.WithConversations(lookup))

	err := executor.RunJob(context.Background(), &models.ScheduledJob{
		ID: "job-1", OrgID: orgID, FlowID: "flow-delay", ConversationID: conversationID, StartNodeID: "d1",
	})

	require.Error(t, err)
}

func TestRunJob_FollowUp(t *testing.T) {
	e := newEnv(t)

	lookup := &mocks.MockConversationLookup{}
	lookup.On("Get", mock.Anything, orgID, conversationID).Return(&protocol.Conversation{
		ID:         conversationID,
		Status:     protocol.ConversationStatusOpen,
		CustomerID: "5511999",
	}, nil)

	senders := &mocks.MockSenderDirectory{}
	senders.On("WhatsAppSenderID", mock.Anything, orgID).Return("wa-phone-1", nil)

	e.sender.On("Send", mock.Anything, protocol.SendRequest{
		Platform:        models.PlatformWhatsApp,
		SenderAccountID: "wa-phone-1",
		RecipientID:     "5511999",
		ConversationID:  conversationID,
		Text:            "Still there, there?",
	}).Return(&protocol.SendResult{MessageID: "wamid.9"}, nil).Once()

	executor := workflow.NewExecutor(e.store.FlowRepository(), e.ledger, e.dispatcher, e.logger,
		workflow.WithConversations(lookup), workflow.WithFollowUpSender(e.sender, senders))

	err := executor.RunJob(context.Background(), &models.ScheduledJob{
		ID:             "job-2",
		OrgID:          orgID,
		FlowID:         "flow-1",
		ConversationID: conversationID,
		MessageConfig:  map[string]any{"text": "Still there, {{customer_name}}?"},
	})

	require.NoError(t, err)
	e.sender.AssertExpectations(t)
	senders.AssertExpectations(t)
}

func TestRun_CancelledContextFails(t *testing.T) {
	e := newEnv(t)
	reg := e.publish(t, refundFlow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	record := e.executor.Run(ctx, reg, "whatsapp_message_received", whatsappTrigger("refund"))
	require.NotNil(t, record)

	assert.Equal(t, models.ExecutionStatusFailed, record.Status)
	assert.Contains(t, record.Error.Message, context.Canceled.Error())
	assert.Empty(t, e.contacts.Tags(conversationID))
}

func twoDelayFlow() *models.Flow {
	return &models.Flow{
		ID:   "flow-two-delays",
		Name: "Two step nurture",
		FlowData: models.FlowData{
			Nodes: map[string]*models.Node{
				"t1": {Type: "whatsapp_message_received"},
				"d1": {Type: "delay", Config: map[string]any{"amount": 10, "unit": "minutes"}},
				"a1": {Type: "add_tag", Config: map[string]any{"tag": "first"}},
				"d2": {Type: "delay", Config: map[string]any{"amount": 5, "unit": "seconds"}},
				"a2": {Type: "add_tag", Config: map[string]any{"tag": "second"}},
			},
			Connections: []*models.Connection{
				{Source: "t1", Target: "d1"},
				{Source: "d1", Target: "a1"},
				{Source: "a1", Target: "d2"},
				{Source: "d2", Target: "a2"},
			},
			Triggers: []*models.FlowTrigger{{Type: "whatsapp_message_received", StartNodeID: "t1"}},
		},
	}
}

func TestResume_LaterDelayBecomesNewJob(t *testing.T) {
	e := newEnv(t)
	reg := e.publish(t, twoDelayFlow())
	ctx := context.Background()

	var mu sync.Mutex

	now := time.Now().UTC()

	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()

		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()

		now = now.Add(d)
	}

	cfg := scheduler.DefaultConfig()
	cfg.SweepSpec = ""
	// Shorter than the second delay: sleeping inline would time the job out.
	cfg.JobTimeout = time.Second

	sched := scheduler.New(e.store.JobRepository(), cfg, e.logger, scheduler.WithClock(clock))
	t.Cleanup(sched.Stop)

	executor := workflow.NewExecutor(e.store.FlowRepository(), e.ledger, e.dispatcher, e.logger,
		workflow.WithScheduler(sched))

	record := executor.Run(ctx, reg, "whatsapp_message_received", whatsappTrigger("hi"))
	require.NotNil(t, record)
	assert.Equal(t, models.ExecutionStatusSuccess, record.Status)

	advance(11 * time.Minute)

	claimed, err := sched.ProcessDue(ctx, executor)
	require.NoError(t, err)
	require.Equal(t, 1, claimed)

	assert.Equal(t, []string{"first"}, e.contacts.Tags(conversationID))
	assert.Equal(t, 1, e.contacts.Adds())

	pending, err := sched.ListByFlow(ctx, orgID, "flow-two-delays", models.JobStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "d2", pending[0].StartNodeID)
	assert.Zero(t, pending[0].RetryCount)

	advance(time.Minute)

	claimed, err = sched.ProcessDue(ctx, executor)
	require.NoError(t, err)
	require.Equal(t, 1, claimed)

	assert.ElementsMatch(t, []string{"first", "second"}, e.contacts.Tags(conversationID))
	assert.Equal(t, 2, e.contacts.Adds(), "each action runs once per firing")

	claimed, err = sched.ProcessDue(ctx, executor)
	require.NoError(t, err)
	assert.Zero(t, claimed)

	completed, err := sched.ListByFlow(ctx, orgID, "flow-two-delays", models.JobStatusCompleted)
	require.NoError(t, err)
	assert.Len(t, completed, 2)
}
