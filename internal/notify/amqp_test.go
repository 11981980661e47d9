package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	args := m.Called(ctx, exchange, key, mandatory, immediate, msg)
	return args.Error(0)
}

func (m *mockChannel) Close() error {
	return m.Called().Error(0)
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "acme.session.status", RoutingKey("acme", EventSessionStatus))
	assert.Equal(t, "acme.message.new", RoutingKey("acme", EventMessageNew))
}

func TestAMQPPublisher_Publish(t *testing.T) {
	ch := &mockChannel{}
	var published amqp.Publishing
	ch.On("PublishWithContext", mock.Anything, "chatengine.events", "acme.message.sent", false, false, mock.Anything).
		Run(func(args mock.Arguments) { published = args.Get(5).(amqp.Publishing) }).
		Return(nil)

	p := newAMQPPublisherWithChannel(ch, "chatengine.events", quietLogger())
	p.Publish(context.Background(), "acme", EventMessageSent, map[string]string{"id": "m1"})

	ch.AssertExpectations(t)
	assert.Equal(t, "application/json", published.ContentType)

	var env Envelope
	require.NoError(t, json.Unmarshal(published.Body, &env))
	assert.Equal(t, "acme", env.TenantID)
	assert.Equal(t, EventMessageSent, env.Event)
}

func TestAMQPPublisher_ErrorIsSwallowed(t *testing.T) {
	ch := &mockChannel{}
	ch.On("PublishWithContext", mock.Anything, mock.Anything, mock.Anything, false, false, mock.Anything).
		Return(errors.New("channel closed"))
	ch.On("Close").Return(nil)

	p := newAMQPPublisherWithChannel(ch, "x", quietLogger())
	assert.NotPanics(t, func() {
		p.Publish(context.Background(), "acme", EventMessageFailed, nil)
	})
	assert.NoError(t, p.Close())
}
