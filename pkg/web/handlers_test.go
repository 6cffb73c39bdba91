package web_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dukex/convoflow/pkg/actions"
	"github.com/dukex/convoflow/pkg/actions/contact"
	"github.com/dukex/convoflow/pkg/actions/flowcontrol"
	"github.com/dukex/convoflow/pkg/actions/message"
	"github.com/dukex/convoflow/pkg/events"
	"github.com/dukex/convoflow/pkg/ledger"
	"github.com/dukex/convoflow/pkg/metrics"
	"github.com/dukex/convoflow/pkg/mocks"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence/file"
	"github.com/dukex/convoflow/pkg/scheduler"
	"github.com/dukex/convoflow/pkg/services"
	"github.com/dukex/convoflow/pkg/testutil"
	"github.com/dukex/convoflow/pkg/trigger"
	"github.com/dukex/convoflow/pkg/web"
)

const orgPath = "/orgs/org-1"

type testServer struct {
	app       *fiber.App
	bus       *mocks.MockEventBus
	store     *file.Persistence
	scheduler *scheduler.Scheduler
}

func setupTestApp(t *testing.T) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := file.NewPersistence(t.TempDir())

	cfg := scheduler.DefaultConfig()
	cfg.SweepSpec = ""
	sched := scheduler.New(store.JobRepository(), cfg, logger)
	t.Cleanup(sched.Stop)

	contacts := &mocks.MockContactStore{}
	sender := &mocks.MockMessageSender{}
	dispatcher := actions.NewDispatcher(logger,
		contact.NewAddTag(contacts),
		message.NewWhatsApp(sender),
		flowcontrol.NewDelay(),
	)

	publishing := services.NewPublishing(store.FlowRepository(),
		trigger.NewRegistry(store.TriggerRepository(), logger), dispatcher, sched, logger)
	bus := &mocks.MockEventBus{}

	handlers := web.NewAPIHandlers(web.Dependencies{
		Flows:      services.NewFlow(store.FlowRepository(), publishing, logger),
		Publishing: publishing,
		Ledger:     ledger.New(store.ExecutionRepository(), logger),
		Scheduler:  sched,
		Dispatcher: dispatcher,
		Publisher:  bus,
		Health:     store,
	}, validator.New(validator.WithRequiredStructEnabled()))

	return &testServer{
		app:       web.NewApp(handlers, metrics.New(), logger),
		bus:       bus,
		store:     store,
		scheduler: sched,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.app.Test(req)
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, respBody
}

func tagFlowData() *models.FlowData {
	return testutil.NewFlowData().
		Trigger("t1", models.KindWhatsAppMessageReceived, map[string]any{"keyword": "refund"}).
		Node("a1", models.KindAddTag, map[string]any{"tag": "refund"}).
		Connect("t1", "a1").
		Build()
}

func createFlow(t *testing.T, s *testServer, data *models.FlowData) *models.Flow {
	t.Helper()

	status, body := s.do(t, http.MethodPost, orgPath+"/flows", services.CreateFlowRequest{Name: "Refunds", FlowData: data})
	require.Equal(t, http.StatusCreated, status, string(body))

	var flow models.Flow
	require.NoError(t, json.Unmarshal(body, &flow))

	return &flow
}

func TestAPIHandlers_CreateFlow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		requestBody    any
		expectedStatus int
		expectedType   string
	}{
		{
			name:           "successful creation",
			requestBody:    services.CreateFlowRequest{Name: "Refunds", FlowData: tagFlowData()},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "name too short",
			requestBody:    services.CreateFlowRequest{Name: "ab"},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "invalid_request",
		},
		{
			name:           "invalid json",
			requestBody:    "not an object",
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := setupTestApp(t)
			status, body := s.do(t, http.MethodPost, orgPath+"/flows", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, status, string(body))

			if tt.expectedType != "" {
				var problem map[string]any
				require.NoError(t, json.Unmarshal(body, &problem))
				assert.Equal(t, tt.expectedType, problem["type"])
			}
		})
	}
}

func TestAPIHandlers_FlowLifecycle(t *testing.T) {
	s := setupTestApp(t)
	flow := createFlow(t, s, tagFlowData())

	status, body := s.do(t, http.MethodGet, orgPath+"/flows/"+flow.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"Refunds"`)

	status, _ = s.do(t, http.MethodGet, "/orgs/org-2/flows/"+flow.ID, nil)
	assert.Equal(t, http.StatusNotFound, status, "flows are scoped to their organization")

	status, body = s.do(t, http.MethodPost, orgPath+"/flows/"+flow.ID+"/publish", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	var published models.Flow
	require.NoError(t, json.Unmarshal(body, &published))
	assert.Equal(t, models.FlowStatusPublished, published.Status)

	status, body = s.do(t, http.MethodGet, orgPath+"/flows?status=published", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), flow.ID)

	status, _ = s.do(t, http.MethodGet, orgPath+"/flows?status=archived", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = s.do(t, http.MethodPost, orgPath+"/flows/"+flow.ID+"/unpublish", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"draft"`)

	name := "Refund requests"
	status, body = s.do(t, http.MethodPatch, orgPath+"/flows/"+flow.ID, services.UpdateFlowRequest{Name: &name})
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), name)

	status, _ = s.do(t, http.MethodDelete, orgPath+"/flows/"+flow.ID, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = s.do(t, http.MethodGet, orgPath+"/flows/"+flow.ID, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPIHandlers_PublishInvalidFlow(t *testing.T) {
	s := setupTestApp(t)
	flow := createFlow(t, s, nil)

	status, body := s.do(t, http.MethodPost, orgPath+"/flows/"+flow.ID+"/publish", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "invalid_flow")
}

func TestAPIHandlers_Jobs(t *testing.T) {
	s := setupTestApp(t)
	flow := createFlow(t, s, tagFlowData())

	status, body := s.do(t, http.MethodPost, orgPath+"/jobs", web.FollowUpRequest{
		FlowID:         flow.ID,
		ConversationID: "conv-1",
		Text:           "Still there?",
		DelaySeconds:   3600,
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	var created web.FollowUpResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotEmpty(t, created.JobID)

	status, body = s.do(t, http.MethodGet, orgPath+"/flows/"+flow.ID+"/jobs?status=pending", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), created.JobID)

	status, _ = s.do(t, http.MethodGet, orgPath+"/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do(t, http.MethodDelete, orgPath+"/jobs/"+created.JobID, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = s.do(t, http.MethodDelete, orgPath+"/jobs/"+created.JobID, nil)
	assert.Equal(t, http.StatusNotFound, status, "a cancelled job cannot be cancelled again")

	status, body = s.do(t, http.MethodGet, orgPath+"/jobs?status=cancelled", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), web.ReasonCancelledByAPI)
}

func TestAPIHandlers_ScheduleFollowUp_Validation(t *testing.T) {
	s := setupTestApp(t)

	status, _ := s.do(t, http.MethodPost, orgPath+"/jobs", web.FollowUpRequest{ConversationID: "conv-1", Text: "hi"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do(t, http.MethodPost, orgPath+"/jobs", web.FollowUpRequest{
		FlowID: "missing", ConversationID: "conv-1", Text: "hi", DelaySeconds: 60,
	})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPIHandlers_Executions(t *testing.T) {
	s := setupTestApp(t)

	recorder := ledger.NewRecorder("exec-1", "org-1", "flow-1", "whatsapp_message_received", nil)
	require.NoError(t, s.store.ExecutionRepository().Save(t.Context(), recorder.Finish(nil)))

	status, body := s.do(t, http.MethodGet, orgPath+"/executions/exec-1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "flow-1")

	status, _ = s.do(t, http.MethodGet, "/orgs/org-2/executions/exec-1", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = s.do(t, http.MethodGet, orgPath+"/flows/flow-1/executions?limit=5", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "exec-1")

	status, _ = s.do(t, http.MethodGet, orgPath+"/flows/flow-1/executions?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPIHandlers_ReceiveEvent(t *testing.T) {
	s := setupTestApp(t)
	s.bus.On("Publish", mock.Anything, "org-1:conv-1", mock.AnythingOfType("*events.InboundEventReceived")).Return(nil).Once()

	status, body := s.do(t, http.MethodPost, orgPath+"/events", models.InboundEvent{
		Platform:    models.PlatformWhatsApp,
		EventType:   models.EventMessageReceived,
		MessageID:   "wamid-1",
		TriggerData: map[string]any{"conversation_id": "conv-1", "message_text": "refund please"},
	})
	require.Equal(t, http.StatusAccepted, status, string(body))

	var accepted web.EventAccepted
	require.NoError(t, json.Unmarshal(body, &accepted))
	assert.NotEmpty(t, accepted.EventID)
	assert.Equal(t, "org-1:conv-1", accepted.Key)

	s.bus.AssertExpectations(t)

	published := s.bus.Calls[0].Arguments.Get(2).(*events.InboundEventReceived)
	assert.Equal(t, "org-1", published.Event.OrgID, "organization comes from the path")
}

func TestAPIHandlers_ReceiveEvent_Invalid(t *testing.T) {
	s := setupTestApp(t)

	status, _ := s.do(t, http.MethodPost, orgPath+"/events", models.InboundEvent{Platform: models.PlatformWhatsApp})
	assert.Equal(t, http.StatusBadRequest, status)
	s.bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestAPIHandlers_NodeKinds(t *testing.T) {
	s := setupTestApp(t)

	status, body := s.do(t, http.MethodGet, orgPath+"/node-kinds", nil)
	require.Equal(t, http.StatusOK, status)

	var kinds web.NodeKindsResponse
	require.NoError(t, json.Unmarshal(body, &kinds))
	assert.Contains(t, kinds.Triggers, models.KindWhatsAppMessageReceived)
	assert.Len(t, kinds.Actions, 3)
}

func TestAPIHandlers_HealthAndMetrics(t *testing.T) {
	s := setupTestApp(t)

	status, body := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"healthy"`)

	status, body = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "convoflow_http_requests_total")
}
