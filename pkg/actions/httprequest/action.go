// Package httprequest provides the http_request node kind, which calls an external webhook and
// stores the response in the execution variables.
package httprequest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dukex/convoflow/pkg/actions"
	"github.com/dukex/convoflow/pkg/models"
)

const (
	defaultTimeoutSeconds = 30
	defaultMethod         = http.MethodPost
	logAction             = "http_request"
	maxResponseBytes      = 1 << 20
)

var (
	// ErrHTTPMethodInvalid is returned when the HTTP method is invalid.
	ErrHTTPMethodInvalid = errors.New("invalid HTTP method")
	// ErrHTTPRequestURLInvalid is returned when the resolved request URL is empty.
	ErrHTTPRequestURLInvalid = errors.New("invalid HTTP request url")
)

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Handler performs an HTTP request described by the node config.
type Handler struct {
	client *http.Client
}

// NewHandler creates a traced handler with the default 30s timeout.
func NewHandler() *Handler {
	return NewHandlerWithClient(&http.Client{
		Timeout:   defaultTimeoutSeconds * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})
}

func NewHandlerWithClient(client *http.Client) *Handler {
	return &Handler{client: client}
}

func (h *Handler) Kind() models.NodeKind {
	return models.KindHTTPRequest
}

func (h *Handler) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"title":       "URL",
				"type":        "string",
				"minLength":   1,
				"description": "The URL to send the request to. Supports {{variable}} placeholders.",
			},
			"method": map[string]any{
				"type":    "string",
				"default": defaultMethod,
				"enum":    []any{"GET", "POST", "PUT", "PATCH", "DELETE", "get", "post", "put", "patch", "delete"},
			},
			"headers": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"body": map[string]any{
				"type":        []any{"object", "string", "array"},
				"description": "Request body. Objects are sent as JSON; strings are sent as is.",
			},
		},
		"required": []any{"url"},
	}
}

// Execute sends the request. Non-2xx responses are logged as warnings but do not fail the node.
func (h *Handler) Execute(ctx context.Context, run *actions.Run, node actions.Node) (*actions.Outcome, error) {
	logger := run.Logger.With("module", "http_request_action", "node_id", node.ID)

	req, err := h.buildRequest(ctx, run, node)
	if err != nil {
		run.Log(node, logAction, err.Error(), false, nil)

		return nil, err
	}

	logger.InfoContext(ctx, "Executing HTTP request", "method", req.Method, "url", req.URL.String())

	resp, err := h.client.Do(req)
	if err != nil {
		run.Log(node, logAction, "HTTP request failed: "+err.Error(), false, map[string]any{"url": req.URL.String()})

		return nil, fmt.Errorf("http request failed: %w", err)
	}

	status, body, err := processResponse(resp)
	if err != nil {
		run.Log(node, logAction, err.Error(), false, nil)

		return nil, err
	}

	run.Vars.Set("http_status_code", status)
	run.Vars.Set("http_response", body)

	details := map[string]any{"status_code": status, "method": req.Method, "url": req.URL.String()}

	if status < 200 || status >= 300 {
		logger.WarnContext(ctx, "HTTP request returned non-success status", "status_code", status)
		run.Log(node, logAction, fmt.Sprintf("HTTP request returned status %d", status), true, details)

		return nil, nil
	}

	run.Log(node, logAction, fmt.Sprintf("HTTP request successful: %d", status), true, details)

	return nil, nil
}

func (h *Handler) buildRequest(ctx context.Context, run *actions.Run, node actions.Node) (*http.Request, error) {
	url := strings.TrimSpace(run.Vars.Resolve(cast.ToString(node.Config["url"])))
	if url == "" {
		return nil, ErrHTTPRequestURLInvalid
	}

	method := strings.ToUpper(cast.ToString(node.Config["method"]))
	if method == "" {
		method = defaultMethod
	}

	if !allowedMethods[method] {
		return nil, fmt.Errorf("%w: %s", ErrHTTPMethodInvalid, method)
	}

	bodyReader, isJSON, err := buildRequestBody(run, method, node.Config["body"])
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	if isJSON {
		req.Header.Set("Content-Type", "application/json")
	}

	for key, value := range cast.ToStringMap(node.Config["headers"]) {
		req.Header.Set(key, run.Vars.Resolve(cast.ToString(value)))
	}

	return req, nil
}

func buildRequestBody(run *actions.Run, method string, raw any) (io.Reader, bool, error) {
	if raw == nil || method == http.MethodGet || method == http.MethodDelete {
		return http.NoBody, false, nil
	}

	switch body := run.Vars.ResolveValue(raw).(type) {
	case string:
		return strings.NewReader(body), false, nil
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, false, fmt.Errorf("failed to marshal body: %w", err)
		}

		return bytes.NewReader(encoded), true, nil
	}
}

// processResponse returns the status code and the body decoded as JSON, or as text when it is
// not JSON.
func processResponse(resp *http.Response) (int, any, error) {
	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var body any

	err = json.Unmarshal(bodyBytes, &body)
	if err != nil {
		body = string(bodyBytes)
	}

	return resp.StatusCode, body, nil
}
