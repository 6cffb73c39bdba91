package workflow_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dukex/convoflow/pkg/actions"
	"github.com/dukex/convoflow/pkg/actions/contact"
	"github.com/dukex/convoflow/pkg/actions/flowcontrol"
	"github.com/dukex/convoflow/pkg/actions/message"
	"github.com/dukex/convoflow/pkg/ledger"
	"github.com/dukex/convoflow/pkg/mocks"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence/file"
	"github.com/dukex/convoflow/pkg/scheduler"
	"github.com/dukex/convoflow/pkg/trigger"
	"github.com/dukex/convoflow/pkg/workflow"
)

const (
	orgID          = "org-1"
	conversationID = "conv-1"
)

// contacts is an in-memory idempotent contact store.
type contacts struct {
	mu     sync.Mutex
	tags   map[string]map[string]bool
	adds   int
	fields map[string]any
}

func newContacts() *contacts {
	return &contacts{tags: map[string]map[string]bool{}, fields: map[string]any{}}
}

func (c *contacts) AddTag(_ context.Context, _, conversationID, tag string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.adds++

	if c.tags[conversationID] == nil {
		c.tags[conversationID] = map[string]bool{}
	}

	if c.tags[conversationID][tag] {
		return false, nil
	}

	c.tags[conversationID][tag] = true

	return true, nil
}

func (c *contacts) RemoveTag(_ context.Context, _, conversationID, tag string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.tags[conversationID][tag] {
		return false, nil
	}

	delete(c.tags[conversationID], tag)

	return true, nil
}

func (c *contacts) SetField(_ context.Context, _, _, key string, value any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := c.fields[key] != value
	c.fields[key] = value

	return changed, nil
}

func (c *contacts) Tags(conversationID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var tags []string
	for tag := range c.tags[conversationID] {
		tags = append(tags, tag)
	}

	return tags
}

func (c *contacts) Adds() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.adds
}

type env struct {
	store      *file.Persistence
	dispatcher *actions.Dispatcher
	contacts   *contacts
	sender     *mocks.MockMessageSender
	ledger     *ledger.Ledger
	scheduler  *scheduler.Scheduler
	registry   *trigger.Registry
	executor   *workflow.Executor
	logger     *slog.Logger
}

func newEnv(t *testing.T, extra ...actions.Handler) *env {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := file.NewPersistence(t.TempDir())
	c := newContacts()
	sender := &mocks.MockMessageSender{}

	dispatcher := actions.NewDispatcher(logger,
		contact.NewAddTag(c),
		contact.NewRemoveTag(c),
		contact.NewSetField(c),
		message.NewWhatsApp(sender),
		message.NewInstagram(sender),
		flowcontrol.NewRandomizer(),
		flowcontrol.NewDelay(),
	)
	for _, h := range extra {
		dispatcher.Register(h)
	}

	cfg := scheduler.DefaultConfig()
	cfg.SweepSpec = ""
	sched := scheduler.New(store.JobRepository(), cfg, logger)
	t.Cleanup(sched.Stop)

	led := ledger.New(store.ExecutionRepository(), logger)

	return &env{
		store:      store,
		dispatcher: dispatcher,
		contacts:   c,
		sender:     sender,
		ledger:     led,
		scheduler:  sched,
		registry:   trigger.NewRegistry(store.TriggerRepository(), logger),
		executor:   workflow.NewExecutor(store.FlowRepository(), led, dispatcher, logger, workflow.WithScheduler(sched)),
		logger:     logger,
	}
}

// publish saves flow as published and registers its triggers.
func (e *env) publish(t *testing.T, flow *models.Flow) *models.TriggerRegistration {
	t.Helper()

	ctx := context.Background()
	flow.OrgID = orgID
	flow.Status = models.FlowStatusPublished

	require.NoError(t, e.store.FlowRepository().Save(ctx, flow))

	ids, err := e.registry.Register(ctx, flow)
	require.NoError(t, err)
	require.NotEmpty(t, ids)

	return trigger.BuildRegistrations(flow, flow.CreatedAt)[0]
}

func whatsappTrigger(text string) map[string]any {
	return map[string]any{
		"conversation_id": conversationID,
		"platform_id":     "wa-phone-1",
		"customer_id":     "5511999",
		"customer_name":   "Ana",
		"message_text":    text,
		"message_id":      "wamid.1",
	}
}

func actionsOf(record *models.ExecutionRecord) []string {
	out := make([]string, 0, len(record.Logs))
	for _, l := range record.Logs {
		out = append(out, l.Action)
	}

	return out
}

func logsFor(record *models.ExecutionRecord, action string) []models.ExecutionLog {
	var out []models.ExecutionLog

	for _, l := range record.Logs {
		if l.Action == action {
			out = append(out, l)
		}
	}

	return out
}

func refundFlow() *models.Flow {
	return &models.Flow{
		ID:   "flow-refund",
		Name: "Refund triage",
		FlowData: models.FlowData{
			Nodes: map[string]*models.Node{
				"t1": {Type: "whatsapp_message_received", Config: map[string]any{}},
				"c1": {Type: "condition", Config: map[string]any{
					"variable": "message_text",
					"operator": "contains",
					"value":    "refund",
				}},
				"a1": {Type: "add_tag", Config: map[string]any{"tag": "refund"}},
				"a2": {Type: "add_tag", Config: map[string]any{"tag": "general"}},
			},
			Connections: []*models.Connection{
				{Source: "t1", Target: "c1"},
				{Source: "c1", Target: "a1", SourceHandle: "true"},
				{Source: "c1", Target: "a2", SourceHandle: "false"},
			},
			Triggers: []*models.FlowTrigger{
				{Type: "whatsapp_message_received", StartNodeID: "t1"},
			},
		},
	}
}
