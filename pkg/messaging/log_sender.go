package messaging

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dukex/convoflow/pkg/log"
	"github.com/dukex/convoflow/pkg/protocol"
)

// LogSender logs messages instead of sending them. Used when no gateway is configured.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With("module", "log_sender")}
}

func (l *LogSender) Send(ctx context.Context, req protocol.SendRequest) (*protocol.SendResult, error) {
	messageID := "log-" + uuid.NewString()

	log.FromContext(ctx, l.logger).InfoContext(ctx, "Outbound message",
		"platform", req.Platform,
		"sender_account_id", req.SenderAccountID,
		"recipient_id", req.RecipientID,
		"conversation_id", req.ConversationID,
		"text", req.Text,
		"media_url", req.MediaURL,
		"message_id", messageID)

	return &protocol.SendResult{MessageID: messageID}, nil
}
