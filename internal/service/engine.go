// Package service wires the session registry, outbound dispatcher, webhook
// normalizer and conversation upserter into one Engine.
package service

import (
	"context"
	"time"

	"chatengine/internal/clock"
	"chatengine/internal/config"
	"chatengine/internal/constants"
	"chatengine/internal/conversation"
	"chatengine/internal/database"
	apperrors "chatengine/internal/errors"
	"chatengine/internal/logging"
	"chatengine/internal/media"
	"chatengine/internal/models"
	"chatengine/internal/notify"
	"chatengine/internal/queue"
	"chatengine/internal/ratelimit"
	"chatengine/internal/session"
	"chatengine/internal/webhook"
	"chatengine/pkg/circuitbreaker"
	"chatengine/pkg/meta"
	"chatengine/pkg/provider"
	"chatengine/pkg/whatsapp"

	"github.com/sirupsen/logrus"
)

const defaultListLimit = 50

// Options carries optional collaborators. Zero values select production
// defaults.
type Options struct {
	// Providers replaces the adapters built from the configuration.
	Providers *provider.Registry
	// MediaStore receives downloaded inbound media. Nil degrades every
	// attachment to text-only.
	MediaStore webhook.MediaStore
	Notifier   notify.Publisher
	Clock      clock.Clock
}

// Engine is the facade the HTTP layer talks to.
type Engine struct {
	cfg           *models.Config
	db            *database.Database
	providers     *provider.Registry
	sessions      *session.Registry
	limiter       *ratelimit.Limiter
	dispatcher    *queue.Dispatcher
	conversations *conversation.Upserter
	webhooks      *webhook.Normalizer
	monitor       *SessionMonitor
	logger        *logrus.Logger
}

// DefaultProviders builds the WhatsApp gateway and Meta Graph adapters.
func DefaultProviders(cfg *models.Config, logger *logrus.Logger) (*provider.Registry, error) {
	providers := provider.NewRegistry()
	adapters := []provider.Adapter{
		whatsapp.NewClient(cfg.WhatsApp, logger),
		meta.NewClient(models.PlatformInstagram, cfg.Meta, logger),
		meta.NewClient(models.PlatformFacebook, cfg.Meta, logger),
	}
	for _, a := range adapters {
		if err := providers.Register(a); err != nil {
			return nil, err
		}
	}
	return providers, nil
}

func NewEngine(cfg *models.Config, db *database.Database, opts Options, logger *logrus.Logger) (*Engine, error) {
	if logger == nil {
		logger = logrus.New()
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	providers := opts.Providers
	if providers == nil {
		var err error
		if providers, err = DefaultProviders(cfg, logger); err != nil {
			return nil, err
		}
	}

	e := &cfg.Engine
	sessions := session.NewRegistry(session.Config{
		MaxSessions:    e.MaxSessions,
		ReconnectDelay: time.Duration(e.ReconnectDelaySec) * time.Second,
		CallTimeout:    time.Duration(e.ConnectTimeoutSec) * time.Second,
	}, providers, db, notifier, c, logger)

	limiter := ratelimit.New(c, constants.DefaultRateWindowSec*time.Second, config.PlatformCaps(cfg), e.DefaultRateLimit)
	upserter := conversation.NewUpserter(db, notifier, c, logger)

	dispatcher := queue.NewDispatcher(queue.Config{
		TickInterval:   time.Duration(e.TickIntervalMs) * time.Millisecond,
		SendTimeout:    time.Duration(e.SendTimeoutMs) * time.Millisecond,
		Workers:        e.Workers,
		MaxRetries:     e.MaxRetries,
		RetryBaseDelay: time.Duration(e.RetryBaseDelayMs) * time.Millisecond,
	}, sessions, limiter, upserter, db, notifier, c, logger)

	normalizer := webhook.NewNormalizer(webhook.Config{
		DedupeTTL: time.Duration(e.DedupeTTLMin) * time.Minute,
	}, providers, sessions, upserter, db, opts.MediaStore, media.NewRouter(cfg.Media), notifier, c, logger)

	monitor := NewSessionMonitor(MonitorConfig{
		CheckInterval:  time.Duration(e.HealthCheckSec) * time.Second,
		ConnectTimeout: time.Duration(e.ConnectTimeoutSec) * time.Second,
		InitialDelay:   constants.DefaultSessionMonitorInitDelaySec * time.Second,
	}, sessions, dispatcher, c, logger)

	return &Engine{
		cfg:           cfg,
		db:            db,
		providers:     providers,
		sessions:      sessions,
		limiter:       limiter,
		dispatcher:    dispatcher,
		conversations: upserter,
		webhooks:      normalizer,
		monitor:       monitor,
		logger:        logger,
	}, nil
}

// Start restores persisted sessions and launches the dispatcher and the
// session monitor.
func (e *Engine) Start(ctx context.Context) error {
	restored, err := e.sessions.Restore(ctx)
	if err != nil {
		return apperrors.NewDatabaseError("restore sessions", err)
	}
	e.dispatcher.Start(ctx)
	e.monitor.Start(ctx)

	logging.Component(e.logger, "engine").WithFields(logrus.Fields{
		logging.LogFieldCount: restored,
		"platforms":           e.providers.Platforms(),
	}).Info("Engine started")
	return nil
}

// Shutdown stops background work. Queued messages are not persisted and are
// lost.
func (e *Engine) Shutdown() {
	e.monitor.Stop()
	e.dispatcher.Stop()
	e.sessions.Close()
	if pending := e.dispatcher.Pending(); pending > 0 {
		logging.Component(e.logger, "engine").WithField(logging.LogFieldQueueDepth, pending).
			Warn("Dropping queued messages on shutdown")
	}
}

// ApplyConfig applies the settings that can change at runtime.
func (e *Engine) ApplyConfig(cfg *models.Config) {
	e.limiter.SetCaps(config.PlatformCaps(cfg))
}

func (e *Engine) CreateSession(ctx context.Context, tenantID string, platform models.Platform, credentials string) (*models.Session, error) {
	return e.sessions.CreateSession(ctx, tenantID, platform, credentials)
}

func (e *Engine) Session(tenantID string, platform models.Platform) (*models.Session, error) {
	key := models.SessionKey(tenantID, platform)
	s, ok := e.sessions.Snapshot(key)
	if !ok {
		return nil, apperrors.NewSessionNotFoundError(key)
	}
	return s, nil
}

func (e *Engine) Sessions(tenantID string) []*models.Session {
	return e.sessions.List(tenantID)
}

func (e *Engine) ReconnectSession(ctx context.Context, tenantID string, platform models.Platform) (*models.Session, error) {
	return e.sessions.ReconnectSession(ctx, models.SessionKey(tenantID, platform))
}

func (e *Engine) DisconnectSession(ctx context.Context, tenantID string, platform models.Platform) (*models.Session, error) {
	return e.sessions.DisconnectSession(ctx, models.SessionKey(tenantID, platform))
}

func (e *Engine) Enqueue(ctx context.Context, tenantID string, platform models.Platform, to string, payload models.Payload, priority models.Priority) (*models.QueuedMessage, error) {
	return e.dispatcher.Enqueue(ctx, models.SessionKey(tenantID, platform), to, payload, priority)
}

func (e *Engine) QueueStats(tenantID string, platform models.Platform) (queue.Stats, error) {
	key := models.SessionKey(tenantID, platform)
	if _, ok := e.sessions.Status(key); !ok {
		return queue.Stats{}, apperrors.NewSessionNotFoundError(key)
	}
	return e.dispatcher.Stats(key), nil
}

func (e *Engine) ProcessWebhook(ctx context.Context, tenantID string, platform models.Platform, body []byte) webhook.Result {
	return e.webhooks.ProcessWebhook(ctx, tenantID, platform, body)
}

func (e *Engine) Conversations(ctx context.Context, tenantID string, limit int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return e.db.ListConversations(ctx, tenantID, limit)
}

// ConversationMessages lists a tenant's conversation history. Conversations
// of other tenants are reported as not found.
func (e *Engine) ConversationMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]*models.Message, error) {
	conv, err := e.db.GetConversationByID(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, apperrors.NewNotFoundError("conversation", conversationID)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	return e.db.ListConversationMessages(ctx, conversationID, limit)
}

func (e *Engine) MarkRead(ctx context.Context, tenantID, conversationID string) (*models.Conversation, error) {
	return e.conversations.MarkRead(ctx, tenantID, conversationID)
}

// Ping reports whether the database is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.db.Ping(ctx)
}

// Stats summarises engine load for health endpoints.
type Stats struct {
	Sessions     map[models.SessionStatus]int             `json:"sessions"`
	QueueDepth   int                                      `json:"queueDepth"`
	Platforms    []models.Platform                        `json:"platforms"`
	SessionLimit int                                      `json:"sessionLimit"`
	Breakers     map[models.Platform]circuitbreaker.Stats `json:"breakers,omitempty"`
}

// breakerReporter is implemented by adapters that guard their provider
// calls with a circuit breaker.
type breakerReporter interface {
	BreakerStats() circuitbreaker.Stats
}

func (e *Engine) Stats() Stats {
	return Stats{
		Sessions:     e.sessions.StatusCounts(),
		QueueDepth:   e.dispatcher.Pending(),
		Platforms:    e.providers.Platforms(),
		SessionLimit: e.cfg.Engine.MaxSessions,
		Breakers:     e.breakerStats(),
	}
}

func (e *Engine) breakerStats() map[models.Platform]circuitbreaker.Stats {
	var out map[models.Platform]circuitbreaker.Stats
	for _, platform := range e.providers.Platforms() {
		adapter, ok := e.providers.Adapter(platform)
		if !ok {
			continue
		}
		if r, ok := adapter.(breakerReporter); ok {
			if out == nil {
				out = make(map[models.Platform]circuitbreaker.Stats)
			}
			out[platform] = r.BreakerStats()
		}
	}
	return out
}
