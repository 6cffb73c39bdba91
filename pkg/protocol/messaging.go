// Package protocol defines the contracts between the automation engine and the services it calls.
package protocol

import "context"

// SendRequest is a single outbound message.
type SendRequest struct {
	Platform        string         `json:"platform"`
	SenderAccountID string         `json:"sender_account_id"`
	RecipientID     string         `json:"recipient_id"`
	ConversationID  string         `json:"conversation_id,omitempty"`
	Text            string         `json:"text,omitempty"`
	MediaURL        string         `json:"media_url,omitempty"`
	MediaType       string         `json:"media_type,omitempty"`
	ReplyContext    map[string]any `json:"reply_context,omitempty"`
}

// SendResult is the platform acknowledgement of a sent message.
type SendResult struct {
	MessageID string `json:"message_id"`
}

// MessageSender delivers messages through the messaging platform APIs.
type MessageSender interface {
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
}

// SenderDirectory resolves the platform account an organization sends from.
type SenderDirectory interface {
	// WhatsAppSenderID returns the phone number id of the org's connected WhatsApp account.
	WhatsAppSenderID(ctx context.Context, orgID string) (string, error)
}
