package main

import (
	"context"
	"net/http"

	"chatengine/internal/models"
	"chatengine/internal/queue"
	"chatengine/internal/service"
	"chatengine/internal/webhook"

	"github.com/stretchr/testify/mock"
)

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) CreateSession(ctx context.Context, tenantID string, platform models.Platform, credentials string) (*models.Session, error) {
	args := m.Called(ctx, tenantID, platform, credentials)
	return sessionArg(args, 0), args.Error(1)
}

func (m *MockEngine) Session(tenantID string, platform models.Platform) (*models.Session, error) {
	args := m.Called(tenantID, platform)
	return sessionArg(args, 0), args.Error(1)
}

func (m *MockEngine) Sessions(tenantID string) []*models.Session {
	args := m.Called(tenantID)
	return args.Get(0).([]*models.Session)
}

func (m *MockEngine) ReconnectSession(ctx context.Context, tenantID string, platform models.Platform) (*models.Session, error) {
	args := m.Called(ctx, tenantID, platform)
	return sessionArg(args, 0), args.Error(1)
}

func (m *MockEngine) DisconnectSession(ctx context.Context, tenantID string, platform models.Platform) (*models.Session, error) {
	args := m.Called(ctx, tenantID, platform)
	return sessionArg(args, 0), args.Error(1)
}

func (m *MockEngine) Enqueue(ctx context.Context, tenantID string, platform models.Platform, to string, payload models.Payload, priority models.Priority) (*models.QueuedMessage, error) {
	args := m.Called(ctx, tenantID, platform, to, payload, priority)
	if q := args.Get(0); q != nil {
		return q.(*models.QueuedMessage), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEngine) QueueStats(tenantID string, platform models.Platform) (queue.Stats, error) {
	args := m.Called(tenantID, platform)
	return args.Get(0).(queue.Stats), args.Error(1)
}

func (m *MockEngine) ProcessWebhook(ctx context.Context, tenantID string, platform models.Platform, body []byte) webhook.Result {
	args := m.Called(ctx, tenantID, platform, body)
	return args.Get(0).(webhook.Result)
}

func (m *MockEngine) Conversations(ctx context.Context, tenantID string, limit int) ([]*models.Conversation, error) {
	args := m.Called(ctx, tenantID, limit)
	if c := args.Get(0); c != nil {
		return c.([]*models.Conversation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEngine) ConversationMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]*models.Message, error) {
	args := m.Called(ctx, tenantID, conversationID, limit)
	if msgs := args.Get(0); msgs != nil {
		return msgs.([]*models.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEngine) MarkRead(ctx context.Context, tenantID, conversationID string) (*models.Conversation, error) {
	args := m.Called(ctx, tenantID, conversationID)
	if c := args.Get(0); c != nil {
		return c.(*models.Conversation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEngine) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockEngine) Stats() service.Stats {
	args := m.Called()
	return args.Get(0).(service.Stats)
}

func sessionArg(args mock.Arguments, i int) *models.Session {
	if s := args.Get(i); s != nil {
		return s.(*models.Session)
	}
	return nil
}

type MockSubscriptions struct {
	mock.Mock
}

func (m *MockSubscriptions) Serve(w http.ResponseWriter, r *http.Request, tenantID string) {
	m.Called(tenantID)
	w.WriteHeader(http.StatusSwitchingProtocols)
}
