// Package cmd wires the engine components for the command-line applications.
package cmd

import (
	"context"
	"log/slog"

	"github.com/dukex/convoflow/pkg/actions"
	"github.com/dukex/convoflow/pkg/actions/contact"
	"github.com/dukex/convoflow/pkg/actions/flowcontrol"
	"github.com/dukex/convoflow/pkg/actions/httprequest"
	"github.com/dukex/convoflow/pkg/actions/message"
	"github.com/dukex/convoflow/pkg/dedup"
	"github.com/dukex/convoflow/pkg/messaging"
	"github.com/dukex/convoflow/pkg/protocol"
)

// NewDispatcher registers every native action handler.
func NewDispatcher(logger *slog.Logger, contacts protocol.ContactStore, sender protocol.MessageSender) *actions.Dispatcher {
	return actions.NewDispatcher(logger,
		contact.NewAddTag(contacts),
		contact.NewRemoveTag(contacts),
		contact.NewSetField(contacts),
		message.NewInstagram(sender),
		message.NewWhatsApp(sender),
		httprequest.NewHandler(),
		flowcontrol.NewDelay(),
		flowcontrol.NewRandomizer(),
	)
}

// NewSender returns the gateway sender, or a logging sender when no gateway is configured.
func NewSender(gatewayURL string, logger *slog.Logger) (protocol.MessageSender, error) {
	if gatewayURL == "" {
		logger.Warn("No messaging gateway configured, outbound messages are only logged")

		return messaging.NewLogSender(logger), nil
	}

	sender, err := messaging.NewGatewaySender(gatewayURL, logger)
	if err != nil {
		return nil, err
	}

	return sender, nil
}

// NewDeduplicator shares seen message ids through Redis when redisURL is set.
func NewDeduplicator(ctx context.Context, redisURL string, opts dedup.Options) (dedup.Deduplicator, error) {
	if redisURL == "" {
		return dedup.NewLocal(opts), nil
	}

	deduplicator, err := dedup.NewRedisFromURL(ctx, redisURL, opts)
	if err != nil {
		return nil, err
	}

	return deduplicator, nil
}
