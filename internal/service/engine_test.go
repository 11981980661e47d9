package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"chatengine/internal/clock"
	"chatengine/internal/database"
	apperrors "chatengine/internal/errors"
	"chatengine/internal/models"
	"chatengine/internal/notify/notifytest"
	"chatengine/pkg/circuitbreaker"
	"chatengine/pkg/provider"
	"chatengine/pkg/provider/providertest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const customer = "5511999999999"

type engineFixture struct {
	engine  *Engine
	adapter *providertest.MockAdapter
	db      *database.Database
	clock   *clock.Fake
	events  *notifytest.Recorder
}

func testConfig() *models.Config {
	return &models.Config{
		Engine: models.EngineConfig{
			MaxSessions:       2,
			TickIntervalMs:    int(time.Hour / time.Millisecond),
			SendTimeoutMs:     1000,
			MaxRetries:        models.MaxRetries,
			RetryBaseDelayMs:  1000,
			Workers:           2,
			ReconnectDelaySec: 5,
			ConnectTimeoutSec: 60,
			HealthCheckSec:    30,
			DedupeTTLMin:      10,
			DefaultRateLimit:  20,
		},
	}
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "engine.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	adapter := &providertest.MockAdapter{PlatformName: models.PlatformWhatsApp}
	providers := provider.NewRegistry()
	require.NoError(t, providers.Register(adapter))

	f := &engineFixture{
		adapter: adapter,
		db:      db,
		clock:   clock.NewFake(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)),
		events:  &notifytest.Recorder{},
	}
	f.engine, err = NewEngine(testConfig(), db, Options{
		Providers: providers,
		Notifier:  f.events,
		Clock:     f.clock,
	}, quietLogger())
	require.NoError(t, err)

	require.NoError(t, f.engine.Start(context.Background()))
	t.Cleanup(f.engine.Shutdown)
	return f
}

func (f *engineFixture) connect(t *testing.T, tenant string) *models.Session {
	t.Helper()
	f.adapter.On("Connect", mock.Anything, mock.MatchedBy(func(s *models.Session) bool { return s.TenantID == tenant })).
		Return(&provider.ConnectResult{Connected: true, Identity: "15550001"}, nil).Once()
	s, err := f.engine.CreateSession(context.Background(), tenant, models.PlatformWhatsApp, "")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusConnected, s.Status)
	return s
}

func (f *engineFixture) tick() {
	f.engine.dispatcher.Tick(context.Background())
	f.engine.dispatcher.Wait()
}

func TestDefaultProviders(t *testing.T) {
	providers, err := DefaultProviders(&models.Config{
		WhatsApp: models.WhatsAppConfig{APIBaseURL: "http://localhost:3000"},
	}, quietLogger())
	require.NoError(t, err)

	assert.Equal(t, []models.Platform{models.PlatformFacebook, models.PlatformInstagram, models.PlatformWhatsApp}, providers.Platforms())
	for _, p := range providers.Platforms() {
		_, ok := providers.Parser(p)
		assert.True(t, ok, "platform %s should parse webhooks", p)
	}
}

func TestEngine_SessionLifecycle(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	created := f.connect(t, "acme")
	assert.Equal(t, "15550001", created.ExternalIdentity)

	got, err := f.engine.Session("acme", models.PlatformWhatsApp)
	require.NoError(t, err)
	assert.Equal(t, created.Key, got.Key)
	assert.Len(t, f.engine.Sessions("acme"), 1)
	assert.Empty(t, f.engine.Sessions("globex"))

	f.adapter.On("Disconnect", mock.Anything, mock.Anything).Return(nil).Once()
	disconnected, err := f.engine.DisconnectSession(ctx, "acme", models.PlatformWhatsApp)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusDisconnected, disconnected.Status)

	f.adapter.On("Connect", mock.Anything, mock.Anything).
		Return(&provider.ConnectResult{QRCode: "qr-payload"}, nil).Once()
	reconnected, err := f.engine.ReconnectSession(ctx, "acme", models.PlatformWhatsApp)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusConnecting, reconnected.Status)
	assert.Equal(t, "qr-payload", reconnected.QRCode)

	stats := f.engine.Stats()
	assert.Equal(t, 1, stats.Sessions[models.SessionStatusConnecting])
	assert.Equal(t, 2, stats.SessionLimit)
	f.adapter.AssertExpectations(t)
}

func TestEngine_UnknownSession(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Session("acme", models.PlatformWhatsApp)
	assert.Equal(t, apperrors.ErrCodeSessionNotFound, apperrors.GetCode(err))

	_, err = f.engine.QueueStats("acme", models.PlatformWhatsApp)
	assert.Equal(t, apperrors.ErrCodeSessionNotFound, apperrors.GetCode(err))

	_, err = f.engine.Enqueue(context.Background(), "acme", models.PlatformWhatsApp, customer,
		models.Payload{Type: models.MessageTypeText, Text: "hi"}, models.PriorityNormal)
	assert.Equal(t, apperrors.ErrCodeSessionNotConnected, apperrors.GetCode(err))
}

func TestEngine_OutboundAndInbound(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.connect(t, "acme")

	queued, err := f.engine.Enqueue(ctx, "acme", models.PlatformWhatsApp, customer,
		models.Payload{Type: models.MessageTypeText, Text: "hi there"}, models.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusQueued, queued.Status)

	stats, err := f.engine.QueueStats("acme", models.PlatformWhatsApp)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queued)
	assert.Equal(t, 20, stats.RateCap)

	f.adapter.On("SendMessage", mock.Anything, mock.Anything, customer, mock.Anything).
		Return(&provider.SendResult{MessageID: "wamid-out-1"}, nil).Once()
	f.tick()
	assert.Equal(t, 1, f.events.Count("message:sent"))

	body := []byte(`{"event":"message"}`)
	f.adapter.On("ParseWebhook", body).Return([]provider.Event{{
		Kind:      provider.EventKindMessage,
		MessageID: "wamid-in-1",
		From:      customer,
		Timestamp: f.clock.Now(),
		Type:      models.MessageTypeText,
		Text:      "hello back",
	}}, nil)

	res := f.engine.ProcessWebhook(ctx, "acme", models.PlatformWhatsApp, body)
	assert.Equal(t, 1, res.Created)
	res = f.engine.ProcessWebhook(ctx, "acme", models.PlatformWhatsApp, body)
	assert.Equal(t, 1, res.Duplicates)

	convs, err := f.engine.Conversations(ctx, "acme", 0)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	conv := convs[0]
	assert.Equal(t, customer, conv.CustomerIdentity)
	assert.Equal(t, "hello back", conv.LastMessage)
	assert.Equal(t, 1, conv.UnreadCount)

	history, err := f.engine.ConversationMessages(ctx, "acme", conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	read, err := f.engine.MarkRead(ctx, "acme", conv.ID)
	require.NoError(t, err)
	assert.Zero(t, read.UnreadCount)

	_, err = f.engine.ConversationMessages(ctx, "globex", conv.ID, 0)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))

	others, err := f.engine.Conversations(ctx, "globex", 10)
	require.NoError(t, err)
	assert.Empty(t, others)
}

func TestEngine_ApplyConfig(t *testing.T) {
	f := newEngineFixture(t)
	f.connect(t, "acme")

	cfg := testConfig()
	cfg.Engine.RateLimits = map[string]int{"WhatsApp": 2}
	f.engine.ApplyConfig(cfg)

	stats, err := f.engine.QueueStats("acme", models.PlatformWhatsApp)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.RateCap)
}

func TestEngine_RestoresConnectedSessions(t *testing.T) {
	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "restore.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, db.UpsertSession(context.Background(), &models.Session{
		Key:       models.SessionKey("acme", models.PlatformWhatsApp),
		TenantID:  "acme",
		Platform:  models.PlatformWhatsApp,
		Status:    models.SessionStatusConnected,
		CreatedAt: now,
		UpdatedAt: now,
	}))

	adapter := &providertest.MockAdapter{PlatformName: models.PlatformWhatsApp}
	adapter.On("Connect", mock.Anything, mock.Anything).
		Return(&provider.ConnectResult{Connected: true, Identity: "15550001"}, nil).Once()
	providers := provider.NewRegistry()
	require.NoError(t, providers.Register(adapter))

	engine, err := NewEngine(testConfig(), db, Options{Providers: providers, Clock: clock.NewFake(now)}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(engine.Shutdown)

	s, err := engine.Session("acme", models.PlatformWhatsApp)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusConnected, s.Status)
	require.NoError(t, engine.Ping(context.Background()))
	adapter.AssertExpectations(t)
}

type guardedAdapter struct {
	*providertest.MockAdapter
	state string
}

func (g guardedAdapter) BreakerStats() circuitbreaker.Stats {
	return circuitbreaker.Stats{Name: "gateway", State: g.state, Failures: 5}
}

func TestEngine_StatsReportsBreakers(t *testing.T) {
	t.Run("adapters without a breaker", func(t *testing.T) {
		f := newEngineFixture(t)
		assert.Nil(t, f.engine.Stats().Breakers)
	})

	t.Run("open breaker", func(t *testing.T) {
		db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "breaker.db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		providers := provider.NewRegistry()
		require.NoError(t, providers.Register(guardedAdapter{
			MockAdapter: &providertest.MockAdapter{PlatformName: models.PlatformWhatsApp},
			state:       "OPEN",
		}))
		require.NoError(t, providers.Register(&providertest.MockAdapter{PlatformName: models.PlatformInstagram}))

		engine, err := NewEngine(testConfig(), db, Options{Providers: providers}, quietLogger())
		require.NoError(t, err)

		breakers := engine.Stats().Breakers
		require.Len(t, breakers, 1)
		assert.Equal(t, "OPEN", breakers[models.PlatformWhatsApp].State)
		assert.Equal(t, uint32(5), breakers[models.PlatformWhatsApp].Failures)
	})

	t.Run("default providers start closed", func(t *testing.T) {
		db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "defaults.db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		cfg := testConfig()
		cfg.WhatsApp.APIBaseURL = "http://localhost:3000"
		engine, err := NewEngine(cfg, db, Options{}, quietLogger())
		require.NoError(t, err)

		breakers := engine.Stats().Breakers
		require.Len(t, breakers, 3)
		for platform, stats := range breakers {
			assert.Equal(t, "CLOSED", stats.State, "platform %s", platform)
		}
	})
}
