// Package providertest provides a testify mock of the provider contract.
package providertest

import (
	"context"

	"chatengine/internal/models"
	"chatengine/pkg/provider"

	"github.com/stretchr/testify/mock"
)

// MockAdapter mocks provider.Adapter and provider.WebhookParser.
type MockAdapter struct {
	mock.Mock
	PlatformName models.Platform
}

func (m *MockAdapter) Platform() models.Platform {
	return m.PlatformName
}

func (m *MockAdapter) Connect(ctx context.Context, session *models.Session) (*provider.ConnectResult, error) {
	args := m.Called(ctx, session)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.ConnectResult), args.Error(1)
}

func (m *MockAdapter) Disconnect(ctx context.Context, session *models.Session) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockAdapter) SendMessage(ctx context.Context, session *models.Session, to string, payload models.Payload) (*provider.SendResult, error) {
	args := m.Called(ctx, session, to, payload)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.SendResult), args.Error(1)
}

func (m *MockAdapter) DownloadMedia(ctx context.Context, session *models.Session, ref provider.MediaRef) (*provider.Media, error) {
	args := m.Called(ctx, session, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.Media), args.Error(1)
}

func (m *MockAdapter) FetchConnectionState(ctx context.Context, session *models.Session) (models.SessionStatus, error) {
	args := m.Called(ctx, session)
	return args.Get(0).(models.SessionStatus), args.Error(1)
}

func (m *MockAdapter) ParseWebhook(body []byte) ([]provider.Event, error) {
	args := m.Called(body)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]provider.Event), args.Error(1)
}
