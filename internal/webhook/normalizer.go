// Package webhook turns provider webhook bodies into canonical messages,
// session transitions and delivery receipts.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatengine/internal/clock"
	"chatengine/internal/constants"
	apperrors "chatengine/internal/errors"
	"chatengine/internal/logging"
	"chatengine/internal/media"
	"chatengine/internal/metrics"
	"chatengine/internal/models"
	"chatengine/internal/notify"
	"chatengine/internal/privacy"
	"chatengine/internal/tracing"
	mediastore "chatengine/pkg/media"
	"chatengine/pkg/provider"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Sessions is the slice of the session registry the normalizer needs.
type Sessions interface {
	Snapshot(key string) (*models.Session, bool)
	Adapter(key string) (provider.Adapter, bool)
	HandleConnectionEvent(ctx context.Context, key string, update provider.ConnectionUpdate) error
	Touch(ctx context.Context, key string)
}

type Parsers interface {
	Parser(platform models.Platform) (provider.WebhookParser, bool)
}

type Conversations interface {
	ResolveConversation(ctx context.Context, tenantID string, platform models.Platform, customerIdentity string) (*models.Conversation, error)
	RecordMessage(ctx context.Context, conv *models.Conversation, msg *models.Message) (*models.Conversation, error)
}

// MessageStore must report a duplicate id from InsertMessageIfAbsent as
// (false, nil).
type MessageStore interface {
	MessageExists(ctx context.Context, tenantID string, platform models.Platform, id string) (bool, error)
	InsertMessageIfAbsent(ctx context.Context, m *models.Message) (bool, error)
	UpdateMessageStatus(ctx context.Context, tenantID string, platform models.Platform, id string, status models.MessageStatus) (bool, error)
}

// MediaStore uploads a downloaded attachment and returns its public URL.
type MediaStore interface {
	Upload(ctx context.Context, key string, data []byte, mimeType string) (string, error)
}

type Config struct {
	DedupeTTL    time.Duration
	MediaTimeout time.Duration
}

// Result summarises one webhook delivery.
type Result struct {
	Events     int `json:"events"`
	Created    int `json:"created"`
	Duplicates int `json:"duplicates"`
	Ignored    int `json:"ignored"`
	Failed     int `json:"failed"`
}

// StatusUpdate is the payload of message:status.
type StatusUpdate struct {
	MessageID string               `json:"messageId"`
	Status    models.MessageStatus `json:"status"`
}

type Normalizer struct {
	cfg           Config
	parsers       Parsers
	sessions      Sessions
	conversations Conversations
	messages      MessageStore
	mediaStore    MediaStore
	router        media.Router
	notifier      notify.Publisher
	clock         clock.Clock
	logger        *logrus.Logger
	seen          *cache.Cache
}

// NewNormalizer builds a normalizer. mediaStore may be nil, in which case
// every attachment degrades to text-only.
func NewNormalizer(cfg Config, parsers Parsers, sessions Sessions, conversations Conversations, messages MessageStore,
	mediaStore MediaStore, router media.Router, notifier notify.Publisher, c clock.Clock, logger *logrus.Logger) *Normalizer {
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = constants.DefaultDedupeTTLMin * time.Minute
	}
	if cfg.MediaTimeout <= 0 {
		cfg.MediaTimeout = constants.MediaDownloadTimeoutSec * time.Second
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if c == nil {
		c = clock.Real{}
	}
	if router == nil {
		router = media.NewRouter(models.MediaConfig{})
	}
	return &Normalizer{
		cfg:           cfg,
		parsers:       parsers,
		sessions:      sessions,
		conversations: conversations,
		messages:      messages,
		mediaStore:    mediaStore,
		router:        router,
		notifier:      notifier,
		clock:         c,
		logger:        logger,
		seen:          cache.New(cfg.DedupeTTL, 2*cfg.DedupeTTL),
	}
}

// ProcessWebhook handles one raw webhook body. It never fails: malformed
// bodies, unknown events and unregistered sessions are logged and counted.
func (n *Normalizer) ProcessWebhook(ctx context.Context, tenantID string, platform models.Platform, body []byte) Result {
	var res Result
	key := models.SessionKey(tenantID, platform)
	log := logging.Session(n.logger, tenantID, string(platform))

	ctx, span := tracing.StartSpan(ctx, "webhook.process",
		append(tracing.SessionAttributes(key, platform), attribute.Int("webhook.body_size", len(body)))...)
	defer span.End()

	parser, ok := n.parsers.Parser(platform)
	if !ok {
		log.Warn("Dropping webhook for platform without a parser")
		metrics.RecordWebhookEvent(string(platform), "unparsed", "dropped")
		res.Ignored++
		return res
	}

	events, err := parser.ParseWebhook(body)
	if err != nil {
		log.WithError(err).Warn("Failed to parse webhook body")
		metrics.RecordWebhookEvent(string(platform), "unparsed", "error")
		tracing.RecordError(ctx, err)
		res.Failed++
		return res
	}
	res.Events = len(events)

	session, registered := n.sessions.Snapshot(key)
	if !registered {
		log.WithField(logging.LogFieldCount, len(events)).Warn("Dropping webhook for unregistered session")
		metrics.RecordWebhookEvent(string(platform), "any", "dropped")
		res.Ignored += len(events)
		return res
	}

	for _, ev := range events {
		outcome := n.handleEvent(ctx, session, ev, log)
		metrics.RecordWebhookEvent(string(platform), string(ev.Kind), string(outcome))
		switch outcome {
		case outcomeCreated, outcomeApplied:
			res.Created++
		case outcomeDuplicate:
			res.Duplicates++
		case outcomeIgnored:
			res.Ignored++
		default:
			res.Failed++
		}
	}

	tracing.AddSpanAttributes(ctx,
		attribute.Int("webhook.events", res.Events),
		attribute.Int("webhook.created", res.Created),
		attribute.Int("webhook.duplicates", res.Duplicates),
	)
	return res
}

type outcome string

const (
	outcomeCreated   outcome = "created"
	outcomeApplied   outcome = "applied"
	outcomeDuplicate outcome = "duplicate"
	outcomeIgnored   outcome = "ignored"
	outcomeFailed    outcome = "failed"
)

func (n *Normalizer) handleEvent(ctx context.Context, session *models.Session, ev provider.Event, log *logrus.Entry) outcome {
	switch ev.Kind {
	case provider.EventKindMessage:
		return n.handleMessage(ctx, session, ev, log)
	case provider.EventKindConnection:
		return n.handleConnection(ctx, session, ev, log)
	case provider.EventKindAck:
		return n.handleAck(ctx, session, ev, log)
	default:
		log.WithField(logging.LogFieldEvent, ev.Name).Debug("Ignoring unsupported webhook event")
		return outcomeIgnored
	}
}

func (n *Normalizer) handleConnection(ctx context.Context, session *models.Session, ev provider.Event, log *logrus.Entry) outcome {
	if ev.Connection == nil {
		log.WithField(logging.LogFieldEvent, ev.Name).Warn("Connection event without state")
		return outcomeIgnored
	}
	err := n.sessions.HandleConnectionEvent(ctx, session.Key, *ev.Connection)
	if err == nil {
		return outcomeApplied
	}
	entry := log.WithError(err).WithField(logging.LogFieldEvent, string(ev.Connection.State))
	if apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition) {
		entry.Info("Ignoring connection event not valid in current state")
		return outcomeIgnored
	}
	entry.Warn("Failed to apply connection event")
	return outcomeFailed
}

func (n *Normalizer) handleAck(ctx context.Context, session *models.Session, ev provider.Event, log *logrus.Entry) outcome {
	if ev.AckStatus == "" || len(ev.AckMessageIDs) == 0 {
		return outcomeIgnored
	}
	applied := false
	for _, id := range ev.AckMessageIDs {
		updated, err := n.messages.UpdateMessageStatus(ctx, session.TenantID, session.Platform, id, ev.AckStatus)
		if err != nil {
			log.WithError(err).WithField(logging.LogFieldMessageID, privacy.MaskExternalID(id)).Warn("Failed to apply delivery receipt")
			return outcomeFailed
		}
		if !updated {
			continue
		}
		applied = true
		n.notifier.Publish(ctx, session.TenantID, notify.EventMessageStatus, StatusUpdate{MessageID: id, Status: ev.AckStatus})
	}
	if !applied {
		return outcomeIgnored
	}
	return outcomeApplied
}

func (n *Normalizer) handleMessage(ctx context.Context, session *models.Session, ev provider.Event, log *logrus.Entry) outcome {
	identity := ev.CustomerIdentity()
	if identity == "" {
		log.WithField(logging.LogFieldEvent, ev.Name).Warn("Message event without a customer identity")
		return outcomeIgnored
	}
	id := ev.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	log = log.WithFields(logrus.Fields{
		logging.LogFieldMessageID: privacy.MaskExternalID(id),
		logging.LogFieldRecipient: privacy.MaskRecipient(identity),
		logging.LogFieldDirection: ev.Direction(),
	})

	// The cache entry doubles as a claim: a concurrent redelivery of the
	// same id backs off here instead of racing the insert.
	dedupeKey := session.Key + ":" + id
	if err := n.seen.Add(dedupeKey, struct{}{}, cache.DefaultExpiration); err != nil {
		log.Debug("Duplicate webhook message (cache)")
		return outcomeDuplicate
	}
	release := func() { n.seen.Delete(dedupeKey) }

	exists, err := n.messages.MessageExists(ctx, session.TenantID, session.Platform, id)
	if err != nil {
		release()
		log.WithError(err).Warn("Failed to check for existing message")
		return outcomeFailed
	}
	if exists {
		log.Debug("Duplicate webhook message (store)")
		return outcomeDuplicate
	}

	msg := n.buildMessage(ctx, session, ev, id, log)

	conv, err := n.conversations.ResolveConversation(ctx, session.TenantID, session.Platform, identity)
	if err != nil {
		release()
		log.WithError(err).Error("Failed to resolve conversation")
		return outcomeFailed
	}
	msg.ConversationID = conv.ID

	inserted, err := n.messages.InsertMessageIfAbsent(ctx, msg)
	if err != nil {
		release()
		log.WithError(err).Error("Failed to persist inbound message")
		return outcomeFailed
	}
	if !inserted {
		log.Debug("Duplicate webhook message (insert race)")
		return outcomeDuplicate
	}

	if _, err := n.conversations.RecordMessage(ctx, conv, msg); err != nil {
		log.WithError(err).Warn("Failed to update conversation")
	}
	if msg.Direction == models.DirectionInbound {
		n.sessions.Touch(ctx, session.Key)
	}
	n.notifier.Publish(ctx, session.TenantID, notify.EventMessageNew, msg)

	log.WithFields(logrus.Fields{
		logging.LogFieldConversationID: conv.ID,
		logging.LogFieldMessageType:    msg.Type,
	}).Info("Webhook message recorded")
	return outcomeCreated
}

func (n *Normalizer) buildMessage(ctx context.Context, session *models.Session, ev provider.Event, id string, log *logrus.Entry) *models.Message {
	now := n.clock.Now().UTC()
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = now
	}
	msgType := ev.Type
	if !msgType.Valid() {
		msgType = models.MessageTypeText
	}
	status := models.MessageStatusReceived
	if ev.FromMe {
		status = models.MessageStatusSent
	}

	msg := &models.Message{
		ID:        id,
		TenantID:  session.TenantID,
		Platform:  session.Platform,
		Direction: ev.Direction(),
		Type:      msgType,
		Content:   ev.Text,
		Status:    status,
		Timestamp: ts.UTC(),
		CreatedAt: now,
	}

	if msgType.IsMedia() && ev.Media != nil {
		url, err := n.storeMedia(ctx, session, *ev.Media, msgType, now)
		if err != nil {
			log.WithError(err).Warn("Media unavailable, recording message without attachment")
			metrics.IncrementCounter("webhook_media_degraded_total", map[string]string{
				"platform": string(session.Platform),
			}, "Inbound messages recorded without their attachment")
			return msg
		}
		msg.MediaURL = &url
		if msgType == models.MessageTypeImage {
			thumb := url
			msg.ThumbnailURL = &thumb
		}
	}
	return msg
}

var errNoMedia = errors.New("provider returned no media")

func (n *Normalizer) storeMedia(ctx context.Context, session *models.Session, ref provider.MediaRef, msgType models.MessageType, now time.Time) (string, error) {
	if n.mediaStore == nil {
		return "", errors.New("no media storage configured")
	}
	adapter, ok := n.sessions.Adapter(session.Key)
	if !ok {
		return "", apperrors.NewSessionNotFoundError(session.Key)
	}

	mctx, cancel := context.WithTimeout(ctx, n.cfg.MediaTimeout)
	defer cancel()

	downloaded, err := adapter.DownloadMedia(mctx, session, ref)
	if err != nil {
		return "", apperrors.NewMediaError("download", string(msgType), err)
	}
	if downloaded == nil || len(downloaded.Data) == 0 {
		return "", apperrors.NewMediaError("download", string(msgType), errNoMedia)
	}

	if limit := n.router.MaxSize(msgType); limit > 0 && int64(len(downloaded.Data)) > limit {
		return "", apperrors.NewMediaError("validate", string(msgType),
			fmt.Errorf("%s too large: %d > %d bytes", msgType, len(downloaded.Data), limit))
	}

	mimeType := downloaded.MimeType
	if mimeType == "" {
		mimeType = ref.MimeType
	}
	if mimeType == "" {
		mimeType = n.router.MimeType(downloaded.FileName)
	}
	key := mediastore.ObjectKey(session.TenantID, string(session.Platform), downloaded.Data, n.router.Extension(mimeType), now)
	url, err := n.mediaStore.Upload(mctx, key, downloaded.Data, mimeType)
	if err != nil {
		return "", apperrors.NewMediaError("upload", string(msgType), err)
	}
	return url, nil
}
