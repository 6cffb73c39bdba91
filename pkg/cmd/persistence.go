package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/convoflow/pkg/persistence"
	"github.com/dukex/convoflow/pkg/persistence/file"
	"github.com/dukex/convoflow/pkg/persistence/mongodb"
	"github.com/dukex/convoflow/pkg/persistence/postgresql"
	"github.com/dukex/convoflow/pkg/protocol"
)

var ErrUnsupportedContacts = errors.New("contacts require a file:// or mongodb:// store")

var supportedPersistenceProviders = []string{"file", "postgres", "postgresql", "mongodb", "mongodb+srv"}

func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parsePersistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, err
		}

		return store, nil
	case "mongodb", "mongodb+srv":
		store, err := mongodb.NewPersistence(ctx, logger, databaseURL, "")
		if err != nil {
			return nil, err
		}

		return store, nil
	default:
		return file.NewPersistence(databaseURL), nil
	}
}

func parsePersistenceProvider(databaseURL string) string {
	parts := strings.Split(databaseURL, "://")

	provider := parts[0]
	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}

// Contacts are the conversation-side collaborators owned by the host messaging product.
// Conversations is nil for file stores, which makes scheduled jobs run without a conversation check.
type Contacts struct {
	Store         protocol.ContactStore
	Conversations protocol.ConversationLookup
	Senders       protocol.SenderDirectory
}

// NewContacts builds the contact collaborators on top of an opened store.
func NewContacts(store persistence.Persistence, databaseURL string) (*Contacts, error) {
	switch s := store.(type) {
	case *mongodb.Persistence:
		return &Contacts{
			Store:         mongodb.NewContactStore(s.Database()),
			Conversations: mongodb.NewConversationLookup(s.Database()),
			Senders:       mongodb.NewSenderDirectory(s.Database()),
		}, nil
	case *file.Persistence:
		return &Contacts{
			Store:   file.NewContactStore(databaseURL),
			Senders: file.NewSenderDirectory(databaseURL),
		}, nil
	default:
		return nil, fmt.Errorf("%w: got %s", ErrUnsupportedContacts, parsePersistenceProvider(databaseURL))
	}
}
