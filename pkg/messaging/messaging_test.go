package messaging

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/convoflow/pkg/protocol"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGatewaySender_Send(t *testing.T) {
	var got protocol.SendRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message_id":"wamid.42"}`))
	}))
	defer server.Close()

	sender, err := NewGatewaySender(server.URL+"/", discard())
	require.NoError(t, err)

	result, err := sender.Send(t.Context(), protocol.SendRequest{
		Platform:        "whatsapp",
		SenderAccountID: "phone-1",
		RecipientID:     "5511999",
		Text:            "hello",
	})
	require.NoError(t, err)

	assert.Equal(t, "wamid.42", result.MessageID)
	assert.Equal(t, "phone-1", got.SenderAccountID)
	assert.Equal(t, "hello", got.Text)
}

func TestGatewaySender_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"recipient outside 24h window"}`))
	}))
	defer server.Close()

	sender, err := NewGatewaySender(server.URL, discard(), WithHTTPClient(server.Client()))
	require.NoError(t, err)

	_, err = sender.Send(t.Context(), protocol.SendRequest{Platform: "whatsapp", Text: "hi"})
	require.ErrorIs(t, err, ErrGatewayRejected)
	assert.Contains(t, err.Error(), "24h window")
}

func TestNewGatewaySender_RequiresURL(t *testing.T) {
	_, err := NewGatewaySender("  ", discard())
	assert.ErrorIs(t, err, ErrGatewayURL)
}

func TestLogSender(t *testing.T) {
	result, err := NewLogSender(discard()).Send(t.Context(), protocol.SendRequest{Platform: "instagram", Text: "hi"})
	require.NoError(t, err)
	assert.Contains(t, result.MessageID, "log-")
}
