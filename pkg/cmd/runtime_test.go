package cmd

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/convoflow/pkg/dedup"
	"github.com/dukex/convoflow/pkg/eventbus"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence/file"
	"github.com/dukex/convoflow/pkg/scheduler"
	"github.com/dukex/convoflow/pkg/services"
	"github.com/dukex/convoflow/pkg/testutil"
)

func testConfig(t *testing.T) Config {
	t.Helper()

	sched := scheduler.DefaultConfig()
	sched.SweepSpec = ""
	sched.PollInterval = 50 * time.Millisecond

	return Config{
		DatabaseURL: "file://" + t.TempDir(),
		EventBus:    "gochannel",
		ServiceName: "convoflow-test",
		Scheduler:   sched,
		Dedup:       dedup.DefaultOptions(),
	}
}

func TestParsePersistenceProvider(t *testing.T) {
	assert.Equal(t, "postgres", parsePersistenceProvider("postgres://user@localhost/db"))
	assert.Equal(t, "mongodb", parsePersistenceProvider("mongodb://localhost:27017/convoflow"))
	assert.Equal(t, "file", parsePersistenceProvider("file:///tmp/data"))
	assert.Equal(t, "file", parsePersistenceProvider("./data"))
}

func TestNewEventBus_Unsupported(t *testing.T) {
	_, err := NewEventBus("rabbitmq", "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}

func TestRuntime_InboundEventRunsFlow(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := t.Context()

	runtime, err := NewRuntime(ctx, testConfig(t), logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, runtime.Close(t.Context()))
	})

	require.NoError(t, runtime.StartWorker(ctx))

	data := testutil.NewFlowData().
		Trigger("t1", models.KindWhatsAppMessageReceived, map[string]any{"keyword": "refund"}).
		Node("a1", models.KindAddTag, map[string]any{"tag": "refund"}).
		Connect("t1", "a1").
		Build()

	flow, err := runtime.Flows.Create(ctx, "org-1", services.CreateFlowRequest{Name: "Refunds", FlowData: data})
	require.NoError(t, err)

	_, err = runtime.Publishing.Publish(ctx, "org-1", flow.ID)
	require.NoError(t, err)

	_, err = eventbus.PublishInbound(ctx, runtime.EventBus, testutil.WhatsAppMessage("org-1", "conv-1", "wamid-1", "I want a refund"))
	require.NoError(t, err)

	contacts, ok := runtime.Contacts.Store.(*file.ContactStore)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		contact, err := contacts.Get("org-1", "conv-1")

		return err == nil && contact != nil && len(contact.Categories) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		records, err := runtime.Ledger.ListByFlow(ctx, "org-1", flow.ID, 10)

		return err == nil && len(records) == 1 && records[0].Status == models.ExecutionStatusSuccess
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNewContacts_Postgres(t *testing.T) {
	_, err := NewContacts(nil, "postgres://localhost/db")
	require.ErrorIs(t, err, ErrUnsupportedContacts)
}
