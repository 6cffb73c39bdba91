// Package messaging delivers outbound messages to the platform messaging gateway.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dukex/convoflow/pkg/log"
	"github.com/dukex/convoflow/pkg/protocol"
)

const (
	sendPath       = "/v1/messages"
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 512
)

var (
	ErrGatewayURL      = errors.New("messaging gateway url is not configured")
	ErrGatewayRejected = errors.New("messaging gateway rejected the message")
)

// GatewaySender posts send requests to the messaging gateway, which owns the platform API
// credentials.
type GatewaySender struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

type GatewayOption func(*GatewaySender)

func WithHTTPClient(client *http.Client) GatewayOption {
	return func(g *GatewaySender) { g.client = client }
}

func NewGatewaySender(baseURL string, logger *slog.Logger, opts ...GatewayOption) (*GatewaySender, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, ErrGatewayURL
	}

	g := &GatewaySender{
		baseURL: baseURL,
		client: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.With("module", "messaging_gateway"),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

func (g *GatewaySender) Send(ctx context.Context, req protocol.SendRequest) (*protocol.SendResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode send request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+sendPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build send request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach messaging gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		log.FromContext(ctx, g.logger).WarnContext(ctx, "Messaging gateway rejected message",
			"platform", req.Platform, "status_code", resp.StatusCode, "conversation_id", req.ConversationID)

		return nil, fmt.Errorf("%w: status %d: %s", ErrGatewayRejected, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result protocol.SendResult

	err = json.NewDecoder(resp.Body).Decode(&result)
	if err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}

	log.FromContext(ctx, g.logger).DebugContext(ctx, "Message sent", "platform", req.Platform, "message_id", result.MessageID)

	return &result, nil
}
