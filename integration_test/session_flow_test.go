package integration_test

import (
	"context"
	"testing"
	"time"

	apperrors "chatengine/internal/errors"
	"chatengine/internal/models"
	"chatengine/internal/notify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQRPairingFlow(t *testing.T) {
	env := NewTestEnvironment(t)
	env.Gateway.SetStatus("acme", models.GatewayStatusScanQR)

	s, err := env.Engine.CreateSession(context.Background(), "acme", models.PlatformWhatsApp, "")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusConnecting, s.Status)
	assert.Equal(t, "qr-acme", s.QRCode)
	assert.GreaterOrEqual(t, env.Events.Count(notify.EventSessionQR), 1)

	// Messages are refused until the phone is paired.
	_, err = env.Engine.Enqueue(context.Background(), "acme", models.PlatformWhatsApp, customerJID,
		models.Payload{Type: models.MessageTypeText, Text: "too early"}, models.PriorityNormal)
	assert.Equal(t, apperrors.ErrCodeSessionNotConnected, apperrors.GetCode(err))

	env.Gateway.SetStatus("acme", models.GatewayStatusWorking)
	env.Webhook("acme", statusWebhook("acme", models.GatewayStatusWorking))

	assert.Equal(t, models.SessionStatusConnected, env.SessionStatus("acme"))
	got, err := env.Engine.Session("acme", models.PlatformWhatsApp)
	require.NoError(t, err)
	assert.Equal(t, "15550001@c.us", got.ExternalIdentity)
}

func TestConnectionDropReconnects(t *testing.T) {
	env := NewTestEnvironment(t)
	env.Connect("acme")

	env.Webhook("acme", statusWebhook("acme", models.GatewayStatusStopped))
	assert.Equal(t, models.SessionStatusDisconnected, env.SessionStatus("acme"))

	env.Eventually(func() bool {
		return env.SessionStatus("acme") == models.SessionStatusConnected
	}, "session should reconnect after the delay")
	assert.GreaterOrEqual(t, len(env.Gateway.Requests("/start")), 1)
}

func TestLogoutDoesNotReconnect(t *testing.T) {
	env := NewTestEnvironment(t)
	env.Connect("acme")

	env.Webhook("acme", statusWebhook("acme", models.GatewayStatusLoggedOut))
	assert.Equal(t, models.SessionStatusDisconnected, env.SessionStatus("acme"))

	created := len(env.Gateway.Requests("/api/sessions"))
	time.Sleep(time.Duration(env.Config.Engine.ReconnectDelaySec)*time.Second + 500*time.Millisecond)
	assert.Len(t, env.Gateway.Requests("/api/sessions"), created)
	assert.Equal(t, models.SessionStatusDisconnected, env.SessionStatus("acme"))

	// A manual reconnect still works.
	s, err := env.Engine.ReconnectSession(context.Background(), "acme", models.PlatformWhatsApp)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusConnected, s.Status)
}

func TestTenantIsolation(t *testing.T) {
	env := NewTestEnvironment(t)
	env.Connect("acme")
	env.Connect("globex")

	env.Webhook("acme", textWebhook("acme", "false_acme_1", customerJID, "for acme"))
	env.Webhook("globex", textWebhook("globex", "false_globex_1", customerJID, "for globex"))

	acme, err := env.Engine.Conversations(context.Background(), "acme", 10)
	require.NoError(t, err)
	require.Len(t, acme, 1)
	assert.Equal(t, "for acme", acme[0].LastMessage)

	globex, err := env.Engine.Conversations(context.Background(), "globex", 10)
	require.NoError(t, err)
	require.Len(t, globex, 1)
	assert.Equal(t, "for globex", globex[0].LastMessage)

	_, err = env.Engine.ConversationMessages(context.Background(), "globex", acme[0].ID, 10)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))

	// Same message id under another tenant is not a duplicate.
	created, _ := env.Webhook("globex", textWebhook("globex", "false_acme_1", customerJID, "reused id"))
	assert.Equal(t, 1, created)

	stats := env.Engine.Stats()
	assert.Equal(t, 2, stats.Sessions[models.SessionStatusConnected])
}
