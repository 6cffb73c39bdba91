package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/dukex/convoflow/pkg/protocol"
)

// MockMessageSender is a mock implementation of protocol.MessageSender interface.
type MockMessageSender struct {
	mock.Mock
}

func (m *MockMessageSender) Send(ctx context.Context, req protocol.SendRequest) (*protocol.SendResult, error) {
	args := m.Called(ctx, req)

	result, _ := args.Get(0).(*protocol.SendResult)

	return result, args.Error(1)
}

// MockContactStore is a mock implementation of protocol.ContactStore interface.
type MockContactStore struct {
	mock.Mock
}

func (m *MockContactStore) AddTag(ctx context.Context, orgID, conversationID, tag string) (bool, error) {
	args := m.Called(ctx, orgID, conversationID, tag)

	return args.Bool(0), args.Error(1)
}

func (m *MockContactStore) RemoveTag(ctx context.Context, orgID, conversationID, tag string) (bool, error) {
	args := m.Called(ctx, orgID, conversationID, tag)

	return args.Bool(0), args.Error(1)
}

func (m *MockContactStore) SetField(ctx context.Context, orgID, conversationID, key string, value any) (bool, error) {
	args := m.Called(ctx, orgID, conversationID, key, value)

	return args.Bool(0), args.Error(1)
}

// MockConversationLookup is a mock implementation of protocol.ConversationLookup interface.
type MockConversationLookup struct {
	mock.Mock
}

func (m *MockConversationLookup) Get(ctx context.Context, orgID, conversationID string) (*protocol.Conversation, error) {
	args := m.Called(ctx, orgID, conversationID)

	conversation, _ := args.Get(0).(*protocol.Conversation)

	return conversation, args.Error(1)
}

// MockSenderDirectory is a mock implementation of protocol.SenderDirectory interface.
type MockSenderDirectory struct {
	mock.Mock
}

func (m *MockSenderDirectory) WhatsAppSenderID(ctx context.Context, orgID string) (string, error) {
	args := m.Called(ctx, orgID)

	return args.String(0), args.Error(1)
}

// MockExecutionCounter is a mock implementation of protocol.ExecutionCounter interface.
type MockExecutionCounter struct {
	mock.Mock
}

func (m *MockExecutionCounter) Increment(ctx context.Context, orgID, flowID string) error {
	args := m.Called(ctx, orgID, flowID)

	return args.Error(0)
}
