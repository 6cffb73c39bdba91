// Package message implements the send-message node kinds for Instagram and WhatsApp.
package message

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"github.com/dukex/convoflow/pkg/actions"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/protocol"
)

const (
	TypeText    = "text"
	TypeMedia   = "media"
	TypeButtons = "buttons"

	defaultMediaType = "image"
	logActionSent    = "message_sent"
)

var (
	// ErrMissingMedia is returned when a media message has no media URL.
	ErrMissingMedia = errors.New("media message without mediaUrl")
	// ErrNoMessageID is returned when the platform accepted a send without returning a message id.
	ErrNoMessageID = errors.New("platform returned no message id")
	// ErrUnsupportedMessageType is returned for a messageType the platform cannot send.
	ErrUnsupportedMessageType = errors.New("unsupported message type")
)

// Handler sends a message on one platform.
type Handler struct {
	kind     models.NodeKind
	platform string
	sender   protocol.MessageSender
	types    []string
}

// NewInstagram handles instagram_message nodes (text, media and buttons).
func NewInstagram(sender protocol.MessageSender) *Handler {
	return &Handler{
		kind:     models.KindInstagramMessage,
		platform: models.PlatformInstagram,
		sender:   sender,
		types:    []string{TypeText, TypeMedia, TypeButtons},
	}
}

// NewWhatsApp handles whatsapp_message nodes (text and media).
func NewWhatsApp(sender protocol.MessageSender) *Handler {
	return &Handler{
		kind:     models.KindWhatsAppMessage,
		platform: models.PlatformWhatsApp,
		sender:   sender,
		types:    []string{TypeText, TypeMedia},
	}
}

func (h *Handler) Kind() models.NodeKind {
	return h.kind
}

func (h *Handler) Schema() map[string]any {
	enum := make([]any, 0, len(h.types))
	for _, t := range h.types {
		enum = append(enum, t)
	}

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"messageType": map[string]any{
				"type":        "string",
				"description": "Kind of message to send",
				"enum":        enum,
				"default":     TypeText,
			},
			"text": map[string]any{
				"type":        "string",
				"description": "Message text. Supports {{variable}} placeholders.",
			},
			"mediaUrl": map[string]any{
				"type":        "string",
				"description": "URL of the media to send",
			},
			"mediaType": map[string]any{
				"type": "string",
				"enum": []any{"image", "video", "audio", "file"},
			},
			"caption": map[string]any{
				"type": "string",
			},
			"buttons": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":       "object",
					"properties": map[string]any{"text": map[string]any{"type": "string"}},
					"required":   []any{"text"},
				},
			},
		},
		"allOf": []any{
			map[string]any{
				"if":   map[string]any{"properties": map[string]any{"messageType": map[string]any{"const": TypeMedia}}, "required": []any{"messageType"}},
				"then": map[string]any{"required": []any{"mediaUrl"}},
				"else": map[string]any{"required": []any{"text"}},
			},
		},
	}
}

func (h *Handler) Execute(ctx context.Context, run *actions.Run, node actions.Node) (*actions.Outcome, error) {
	req, err := h.buildRequest(run, node)
	if err != nil {
		run.Log(node, logActionSent, err.Error(), false, nil)

		return nil, err
	}

	result, err := h.sender.Send(ctx, *req)
	if err != nil {
		run.Log(node, logActionSent, "Failed to send message: "+err.Error(), false, nil)

		return nil, fmt.Errorf("failed to send %s message: %w", h.platform, err)
	}

	if result == nil || result.MessageID == "" {
		run.Log(node, logActionSent, ErrNoMessageID.Error(), false, nil)

		return nil, ErrNoMessageID
	}

	run.Vars.Set("last_message_id", result.MessageID)
	run.Log(node, logActionSent, "Message sent", true, map[string]any{
		"message_id":   result.MessageID,
		"recipient_id": req.RecipientID,
		"platform":     h.platform,
	})

	return nil, nil
}

func (h *Handler) buildRequest(run *actions.Run, node actions.Node) (*protocol.SendRequest, error) {
	req := &protocol.SendRequest{
		Platform:        h.platform,
		SenderAccountID: run.Trigger("platform_id"),
		RecipientID:     run.Trigger("customer_id"),
		ConversationID:  run.Trigger("conversation_id"),
	}

	switch h.platform {
	case models.PlatformInstagram:
		if req.RecipientID == "" || req.SenderAccountID == "" {
			return nil, fmt.Errorf("%w: customer_id and platform_id are required", actions.ErrMissingContext)
		}

		if commentID := run.Trigger("comment_id"); commentID != "" {
			req.ReplyContext = map[string]any{"comment_id": commentID}
		}
	case models.PlatformWhatsApp:
		if req.ConversationID == "" || req.SenderAccountID == "" {
			return nil, fmt.Errorf("%w: conversation_id and platform_id are required", actions.ErrMissingContext)
		}
	}

	messageType := cast.ToString(node.Config["messageType"])
	if messageType == "" {
		messageType = TypeText
	}

	switch messageType {
	case TypeText:
		req.Text = run.Vars.Resolve(cast.ToString(node.Config["text"]))
	case TypeMedia:
		req.MediaURL = run.Vars.Resolve(cast.ToString(node.Config["mediaUrl"]))
		if req.MediaURL == "" {
			return nil, ErrMissingMedia
		}

		req.MediaType = cast.ToString(node.Config["mediaType"])
		if req.MediaType == "" {
			req.MediaType = defaultMediaType
		}

		req.Text = run.Vars.Resolve(cast.ToString(node.Config["caption"]))
	case TypeButtons:
		if h.platform != models.PlatformInstagram {
			return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedMessageType, messageType, h.platform)
		}

		req.Text = run.Vars.Resolve(buttonText(node.Config))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMessageType, messageType)
	}

	return req, nil
}

// buttonText renders buttons as a bullet list under the message text.
func buttonText(config map[string]any) string {
	var labels []string

	for _, raw := range cast.ToSlice(config["buttons"]) {
		button, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		if label := cast.ToString(button["text"]); label != "" {
			labels = append(labels, "• "+label)
		}
	}

	return cast.ToString(config["text"]) + "\n\n" + strings.Join(labels, "\n\n")
}
