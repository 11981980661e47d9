package webhook

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatengine/internal/clock"
	"chatengine/internal/conversation"
	"chatengine/internal/database"
	apperrors "chatengine/internal/errors"
	"chatengine/internal/media"
	"chatengine/internal/models"
	"chatengine/internal/notify"
	"chatengine/internal/notify/notifytest"
	"chatengine/pkg/provider"
	"chatengine/pkg/provider/providertest"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	tenant   = "T1"
	customer = "+5511999999999"
)

var sessionKey = models.SessionKey(tenant, models.PlatformWhatsApp)

type fakeSessions struct {
	mu          sync.Mutex
	sessions    map[string]*models.Session
	adapter     provider.Adapter
	connections []provider.ConnectionUpdate
	connErr     error
	touched     int
}

func (f *fakeSessions) Snapshot(key string) (*models.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[key]
	return s.Clone(), ok
}

func (f *fakeSessions) Adapter(key string) (provider.Adapter, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[key]
	return f.adapter, ok
}

func (f *fakeSessions) HandleConnectionEvent(_ context.Context, _ string, update provider.ConnectionUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connections = append(f.connections, update)
	return f.connErr
}

func (f *fakeSessions) Touch(context.Context, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched++
}

type fakeMediaStore struct {
	mu      sync.Mutex
	uploads map[string]string
	err     error
}

func (s *fakeMediaStore) Upload(_ context.Context, key string, _ []byte, mimeType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.uploads[key] = mimeType
	return "https://cdn.example.com/" + key, nil
}

type fixture struct {
	normalizer *Normalizer
	adapter    *providertest.MockAdapter
	sessions   *fakeSessions
	store      *fakeMediaStore
	db         *database.Database
	events     *notifytest.Recorder
	logger     *logrus.Logger
	providers  *provider.Registry
	upserter   *conversation.Upserter
	clock      *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "webhook.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	adapter := &providertest.MockAdapter{PlatformName: models.PlatformWhatsApp}
	providers := provider.NewRegistry()
	require.NoError(t, providers.Register(adapter))

	f := &fixture{
		adapter: adapter,
		sessions: &fakeSessions{
			sessions: map[string]*models.Session{
				sessionKey: {Key: sessionKey, TenantID: tenant, Platform: models.PlatformWhatsApp, Status: models.SessionStatusConnected},
			},
			adapter: adapter,
		},
		store:     &fakeMediaStore{uploads: map[string]string{}},
		db:        db,
		events:    &notifytest.Recorder{},
		logger:    logger,
		providers: providers,
		clock:     clock.NewFake(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)),
	}
	f.upserter = conversation.NewUpserter(db, f.events, f.clock, logger)
	f.normalizer = f.newNormalizer()
	return f
}

// newNormalizer builds a normalizer with a fresh dedupe cache over the same
// database, as after a restart.
func (f *fixture) newNormalizer() *Normalizer {
	router := media.NewRouter(models.MediaConfig{MaxSizeMB: models.MediaSizeLimits{Image: 1}})
	return NewNormalizer(Config{DedupeTTL: time.Minute, MediaTimeout: time.Second},
		f.providers, f.sessions, f.upserter, f.db, f.store, router, f.events, f.clock, f.logger)
}

func (f *fixture) parses(body string, events ...provider.Event) {
	f.adapter.On("ParseWebhook", []byte(body)).Return(events, nil)
}

func (f *fixture) process(body string) Result {
	return f.normalizer.ProcessWebhook(context.Background(), tenant, models.PlatformWhatsApp, []byte(body))
}

func (f *fixture) conversations(t *testing.T) []*models.Conversation {
	t.Helper()
	convs, err := f.db.ListConversations(context.Background(), tenant, 100)
	require.NoError(t, err)
	return convs
}

func inbound(id, text string) provider.Event {
	return provider.Event{
		Kind:      provider.EventKindMessage,
		Name:      "message",
		MessageID: id,
		From:      customer,
		Type:      models.MessageTypeText,
		Text:      text,
		Timestamp: time.Date(2024, 6, 1, 8, 59, 0, 0, time.UTC),
	}
}

func TestProcessWebhook_DuplicateDeliveryCreatesOneMessage(t *testing.T) {
	f := newFixture(t)
	body := `{"id":"wamid.123"}`
	f.parses(body, inbound("wamid.123", "hello"))

	first := f.process(body)
	second := f.process(body)

	assert.Equal(t, Result{Events: 1, Created: 1}, first)
	assert.Equal(t, Result{Events: 1, Duplicates: 1}, second)

	// A restarted process has an empty cache; the store still deduplicates.
	f.normalizer = f.newNormalizer()
	third := f.process(body)
	assert.Equal(t, Result{Events: 1, Duplicates: 1}, third)

	msg, err := f.db.GetMessage(context.Background(), tenant, models.PlatformWhatsApp, "wamid.123")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, models.DirectionInbound, msg.Direction)
	assert.Equal(t, models.MessageStatusReceived, msg.Status)

	convs := f.conversations(t)
	require.Len(t, convs, 1)
	assert.Equal(t, 1, convs[0].UnreadCount)
	assert.Equal(t, 1, f.events.Count(notify.EventMessageNew))
	assert.Equal(t, 1, f.sessions.touched)
}

func TestProcessWebhook_ConcurrentFirstContactSharesConversation(t *testing.T) {
	f := newFixture(t)
	f.parses("a", inbound("wamid.a", "first"))
	f.parses("b", inbound("wamid.b", "second"))

	var wg sync.WaitGroup
	for _, body := range []string{"a", "b"} {
		wg.Add(1)
		go func(body string) {
			defer wg.Done()
			res := f.process(body)
			assert.Equal(t, 1, res.Created)
		}(body)
	}
	wg.Wait()

	convs := f.conversations(t)
	require.Len(t, convs, 1)
	assert.Equal(t, customer, convs[0].CustomerIdentity)
	assert.Equal(t, 2, convs[0].UnreadCount)

	msgs, err := f.db.ListConversationMessages(context.Background(), convs[0].ID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestProcessWebhook_UnregisteredSessionIsDropped(t *testing.T) {
	f := newFixture(t)
	body := `{}`
	f.parses(body, inbound("wamid.1", "hi"))

	res := f.normalizer.ProcessWebhook(context.Background(), "other-tenant", models.PlatformWhatsApp, []byte(body))

	assert.Equal(t, Result{Events: 1, Ignored: 1}, res)
	convs, err := f.db.ListConversations(context.Background(), "other-tenant", 10)
	require.NoError(t, err)
	assert.Empty(t, convs)
	assert.Empty(t, f.events.Events())
}

func TestProcessWebhook_MalformedAndUnknown(t *testing.T) {
	t.Run("parse error is counted, not returned", func(t *testing.T) {
		f := newFixture(t)
		f.adapter.On("ParseWebhook", []byte("{")).Return(nil, errors.New("unexpected EOF"))
		assert.Equal(t, Result{Failed: 1}, f.process("{"))
	})

	t.Run("platform without parser", func(t *testing.T) {
		f := newFixture(t)
		res := f.normalizer.ProcessWebhook(context.Background(), tenant, models.PlatformInstagram, []byte("{}"))
		assert.Equal(t, Result{Ignored: 1}, res)
	})

	t.Run("unknown events are ignored", func(t *testing.T) {
		f := newFixture(t)
		f.parses("x", provider.Event{Kind: provider.EventKindUnknown, Name: "presence.update"})
		assert.Equal(t, Result{Events: 1, Ignored: 1}, f.process("x"))
		assert.Empty(t, f.conversations(t))
	})

	t.Run("message without identity is ignored", func(t *testing.T) {
		f := newFixture(t)
		ev := inbound("wamid.x", "hi")
		ev.From = ""
		f.parses("x", ev)
		assert.Equal(t, Result{Events: 1, Ignored: 1}, f.process("x"))
	})
}

func TestProcessWebhook_ConnectionEvents(t *testing.T) {
	tests := []struct {
		name    string
		connErr error
		want    Result
	}{
		{"applied", nil, Result{Events: 1, Created: 1}},
		{"invalid transition ignored", apperrors.NewInvalidTransitionError(sessionKey, "error", "connected"), Result{Events: 1, Ignored: 1}},
		{"other failure", errors.New("store down"), Result{Events: 1, Failed: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.sessions.connErr = tt.connErr
			update := provider.ConnectionUpdate{State: provider.ConnectionOpen, Identity: "15550001111"}
			f.parses("c", provider.Event{Kind: provider.EventKindConnection, Name: "session.status", Connection: &update})

			assert.Equal(t, tt.want, f.process("c"))
			require.Len(t, f.sessions.connections, 1)
			assert.Equal(t, update, f.sessions.connections[0])
		})
	}
}

func TestProcessWebhook_DeliveryReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inserted, err := f.db.InsertMessageIfAbsent(ctx, &models.Message{
		ID: "wamid.out", TenantID: tenant, Platform: models.PlatformWhatsApp, ConversationID: "c1",
		Direction: models.DirectionOutbound, Type: models.MessageTypeText, Content: "hi",
		Status: models.MessageStatusSent, Timestamp: f.clock.Now(),
	})
	require.NoError(t, err)
	require.True(t, inserted)

	ack := provider.Event{Kind: provider.EventKindAck, AckMessageIDs: []string{"wamid.out", "wamid.unknown"}, AckStatus: models.MessageStatusDelivered}
	f.parses("ack", ack)

	assert.Equal(t, Result{Events: 1, Created: 1}, f.process("ack"))
	msg, err := f.db.GetMessage(ctx, tenant, models.PlatformWhatsApp, "wamid.out")
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusDelivered, msg.Status)

	published, ok := f.events.Last(notify.EventMessageStatus)
	require.True(t, ok)
	assert.Equal(t, StatusUpdate{MessageID: "wamid.out", Status: models.MessageStatusDelivered}, published.Payload)

	// Replaying the same receipt changes nothing.
	assert.Equal(t, Result{Events: 1, Ignored: 1}, f.process("ack"))
	assert.Equal(t, 1, f.events.Count(notify.EventMessageStatus))

	// A server ack arriving after the delivery receipt does not move the status back.
	f.parses("late", provider.Event{Kind: provider.EventKindAck, AckMessageIDs: []string{"wamid.out"}, AckStatus: models.MessageStatusSent})
	assert.Equal(t, Result{Events: 1, Ignored: 1}, f.process("late"))
	msg, err = f.db.GetMessage(ctx, tenant, models.PlatformWhatsApp, "wamid.out")
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusDelivered, msg.Status)
	assert.Equal(t, 1, f.events.Count(notify.EventMessageStatus))
}

func TestProcessWebhook_OutboundEcho(t *testing.T) {
	f := newFixture(t)
	echo := provider.Event{
		Kind: provider.EventKindMessage, MessageID: "wamid.echo", FromMe: true,
		From: "15550001111", To: customer, Type: models.MessageTypeText, Text: "sent from phone",
	}
	f.parses("echo", echo)

	assert.Equal(t, Result{Events: 1, Created: 1}, f.process("echo"))

	msg, err := f.db.GetMessage(context.Background(), tenant, models.PlatformWhatsApp, "wamid.echo")
	require.NoError(t, err)
	assert.Equal(t, models.DirectionOutbound, msg.Direction)
	assert.Equal(t, models.MessageStatusSent, msg.Status)

	convs := f.conversations(t)
	require.Len(t, convs, 1)
	assert.Equal(t, customer, convs[0].CustomerIdentity)
	assert.Equal(t, 0, convs[0].UnreadCount)
	assert.Equal(t, "sent from phone", convs[0].LastMessage)
	assert.Zero(t, f.sessions.touched)
}

func TestProcessWebhook_GeneratesMissingMessageID(t *testing.T) {
	f := newFixture(t)
	f.parses("x", inbound("", "no id"))

	assert.Equal(t, Result{Events: 1, Created: 1}, f.process("x"))
	published, ok := f.events.Last(notify.EventMessageNew)
	require.True(t, ok)
	assert.NotEmpty(t, published.Payload.(*models.Message).ID)
}

func TestProcessWebhook_Media(t *testing.T) {
	ref := &provider.MediaRef{MessageID: "wamid.m", URL: "http://gateway/files/m", MimeType: "image/jpeg"}

	tests := []struct {
		name      string
		msgType   models.MessageType
		download  *provider.Media
		dlErr     error
		uploadErr error
		wantMedia bool
		wantThumb bool
	}{
		{
			name: "image gets media and thumbnail", msgType: models.MessageTypeImage,
			download: &provider.Media{Data: []byte("jpeg"), MimeType: "image/jpeg"}, wantMedia: true, wantThumb: true,
		},
		{
			name: "video has no thumbnail", msgType: models.MessageTypeVideo,
			download: &provider.Media{Data: []byte("mp4"), MimeType: "video/mp4"}, wantMedia: true,
		},
		{
			name: "download failure degrades to text", msgType: models.MessageTypeImage,
			dlErr: errors.New("gateway 500"),
		},
		{
			name: "provider has no media", msgType: models.MessageTypeImage,
		},
		{
			name: "oversized image degrades", msgType: models.MessageTypeImage,
			download: &provider.Media{Data: make([]byte, 2*1024*1024), MimeType: "image/jpeg"},
		},
		{
			name: "upload failure degrades", msgType: models.MessageTypeImage,
			download: &provider.Media{Data: []byte("jpeg"), MimeType: "image/jpeg"}, uploadErr: errors.New("s3 down"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.store.err = tt.uploadErr
			ev := inbound("wamid.m", "caption text")
			ev.Type = tt.msgType
			ev.Media = ref
			f.parses("m", ev)
			f.adapter.On("DownloadMedia", mock.Anything, mock.Anything, *ref).Return(tt.download, tt.dlErr)

			assert.Equal(t, Result{Events: 1, Created: 1}, f.process("m"))

			msg, err := f.db.GetMessage(context.Background(), tenant, models.PlatformWhatsApp, "wamid.m")
			require.NoError(t, err)
			assert.Equal(t, tt.msgType, msg.Type)
			assert.Equal(t, "caption text", msg.Content)
			if tt.wantMedia {
				require.NotNil(t, msg.MediaURL)
				assert.Contains(t, *msg.MediaURL, "https://cdn.example.com/T1/whatsapp/")
			} else {
				assert.Nil(t, msg.MediaURL)
			}
			if tt.wantThumb {
				require.NotNil(t, msg.ThumbnailURL)
				assert.Equal(t, *msg.MediaURL, *msg.ThumbnailURL)
			} else {
				assert.Nil(t, msg.ThumbnailURL)
			}
		})
	}
}

func TestProcessWebhook_StoreFailureReleasesDedupeClaim(t *testing.T) {
	f := newFixture(t)
	f.parses("x", inbound("wamid.retry", "hi"))

	require.NoError(t, f.db.Close())
	assert.Equal(t, Result{Events: 1, Failed: 1}, f.process("x"))

	_, claimed := f.normalizer.seen.Get(sessionKey + ":wamid.retry")
	assert.False(t, claimed, "a failed delivery must be retryable by the provider")
}
