// Package queue holds the per-session outbound queues and the dispatcher
// that drains them under the rate limiter with retry backoff.
package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"chatengine/internal/clock"
	apperrors "chatengine/internal/errors"
	"chatengine/internal/logging"
	"chatengine/internal/metrics"
	"chatengine/internal/models"
	"chatengine/internal/notify"
	"chatengine/internal/privacy"
	"chatengine/internal/ratelimit"
	"chatengine/internal/retry"
	"chatengine/internal/tracing"
	"chatengine/internal/validation"
	"chatengine/pkg/provider"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
)

const persistTimeout = 10 * time.Second

// Sessions is the view of the session registry the dispatcher needs.
type Sessions interface {
	Snapshot(key string) (*models.Session, bool)
	Adapter(key string) (provider.Adapter, bool)
}

// Conversations records outbound messages on their conversation.
type Conversations interface {
	ResolveConversation(ctx context.Context, tenantID string, platform models.Platform, customerIdentity string) (*models.Conversation, error)
	RecordMessage(ctx context.Context, conv *models.Conversation, msg *models.Message) (*models.Conversation, error)
}

// MessageStore persists terminal sends.
type MessageStore interface {
	InsertMessageIfAbsent(ctx context.Context, m *models.Message) (bool, error)
}

type Config struct {
	TickInterval   time.Duration
	SendTimeout    time.Duration
	Workers        int
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// Delivery is the payload of message:sent and message:failed events.
type Delivery struct {
	Queued  *models.QueuedMessage `json:"queued"`
	Message *models.Message       `json:"message,omitempty"`
}

// Stats describes one session's queue.
type Stats struct {
	SessionKey string `json:"sessionKey"`
	Queued     int    `json:"queued"`
	Delayed    int    `json:"delayed"`
	InFlight   bool   `json:"inFlight"`
	RateUsage  int    `json:"rateUsage"`
	RateCap    int    `json:"rateCap"`
}

type job struct {
	msg     *models.QueuedMessage
	session *models.Session
}

// Dispatcher owns every session's outbound queue. A single tick admits at
// most one message per session; sends run on a bounded worker pool so a
// slow provider call only holds up its own session.
type Dispatcher struct {
	cfg           Config
	sessions      Sessions
	limiter       *ratelimit.Limiter
	conversations Conversations
	messages      MessageStore
	notifier      notify.Publisher
	clock         clock.Clock
	backoff       *retry.Backoff
	logger        *logrus.Logger

	mu      sync.Mutex
	lanes   map[string]*lane
	delayed delayQueue

	work     chan job
	inflight sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	loops     sync.WaitGroup
}

func NewDispatcher(cfg Config, sessions Sessions, limiter *ratelimit.Limiter, conversations Conversations, messages MessageStore, notifier notify.Publisher, c clock.Clock, logger *logrus.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = models.MaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Dispatcher{
		cfg:           cfg,
		sessions:      sessions,
		limiter:       limiter,
		conversations: conversations,
		messages:      messages,
		notifier:      notifier,
		clock:         c,
		backoff:       retry.NewBackoff(retry.SendBackoffConfig(cfg.RetryBaseDelay, cfg.MaxRetries)),
		logger:        logger,
		lanes:         make(map[string]*lane),
		work:          make(chan job, cfg.Workers),
	}
}

// Enqueue appends a message to the tail of the session's queue and returns
// without waiting for the send. The session must exist but need not be
// connected yet.
func (d *Dispatcher) Enqueue(ctx context.Context, sessionKey, to string, payload models.Payload, priority models.Priority) (*models.QueuedMessage, error) {
	session, ok := d.sessions.Snapshot(sessionKey)
	if !ok {
		return nil, apperrors.NewSessionNotConnectedError(sessionKey)
	}
	if err := validation.ValidateRecipient(session.Platform, to); err != nil {
		return nil, err
	}
	if err := validation.ValidatePayload(payload); err != nil {
		return nil, err
	}
	if priority != models.PriorityHigh {
		priority = models.PriorityNormal
	}

	msg := &models.QueuedMessage{
		ID:         uuid.NewString(),
		SessionKey: sessionKey,
		To:         to,
		Payload:    payload,
		Priority:   priority,
		Status:     models.QueueStatusQueued,
		QueuedAt:   d.clock.Now().UTC(),
	}

	d.mu.Lock()
	l := d.laneLocked(sessionKey)
	l.push(msg)
	depth := l.depth()
	out := msg.Clone()
	d.mu.Unlock()

	logging.Session(d.logger, session.TenantID, string(session.Platform)).WithFields(logrus.Fields{
		logging.LogFieldMessageID:  msg.ID,
		logging.LogFieldRecipient:  privacy.MaskRecipient(to),
		logging.LogFieldQueueDepth: depth,
	}).Debug("Message queued")
	return out, nil
}

// Tick promotes retries whose backoff has elapsed and hands at most one
// message per eligible session to the worker pool. It never blocks on a send.
func (d *Dispatcher) Tick(ctx context.Context) {
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.promoteDueLocked(now)

	keys := make([]string, 0, len(d.lanes))
	for key := range d.lanes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		l := d.lanes[key]
		if l.inflight || l.ready() == 0 {
			continue
		}
		session, ok := d.sessions.Snapshot(key)
		if !ok || session.Status != models.SessionStatusConnected {
			continue
		}
		if !d.limiter.Available(key, session.Platform) {
			metrics.RecordRateLimited(string(session.Platform))
			continue
		}

		msg := l.pop()
		msg.Status = models.QueueStatusSending
		l.inflight = true
		d.inflight.Add(1)

		select {
		case d.work <- job{msg: msg, session: session}:
		default:
			// pool saturated; retry on the next tick
			d.inflight.Done()
			msg.Status = models.QueueStatusQueued
			l.inflight = false
			l.pushFront(msg)
		}
	}

	metrics.SetQueueDepth(d.pendingLocked())
}

// Start launches the workers and the tick loop. The loop stops when ctx is
// cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		ctx, d.cancel = context.WithCancel(ctx)
		for i := 0; i < d.cfg.Workers; i++ {
			d.loops.Add(1)
			go d.worker(ctx)
		}
		d.loops.Add(1)
		go d.run(ctx)
		d.logger.WithFields(logrus.Fields{
			logging.LogFieldComponent: "dispatcher",
			logging.LogFieldCount:     d.cfg.Workers,
		}).Info("Outbound dispatcher started")
	})
}

// Stop ends the loop and workers. Jobs not yet picked up by a worker go back
// to the head of their queue.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.loops.Wait()

		for {
			select {
			case j := <-d.work:
				d.mu.Lock()
				j.msg.Status = models.QueueStatusQueued
				l := d.laneLocked(j.msg.SessionKey)
				l.inflight = false
				l.pushFront(j.msg)
				d.mu.Unlock()
				d.inflight.Done()
			default:
				return
			}
		}
	})
}

// Wait blocks until every dispatched send has completed. It must not be
// called concurrently with Tick.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// Stats returns the queue state of sessionKey.
func (d *Dispatcher) Stats(sessionKey string) Stats {
	st := Stats{SessionKey: sessionKey, RateUsage: d.limiter.Usage(sessionKey)}
	if session, ok := d.sessions.Snapshot(sessionKey); ok {
		st.RateCap = d.limiter.Cap(session.Platform)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.lanes[sessionKey]; ok {
		st.Queued = l.ready()
		st.Delayed = l.delayed
		st.InFlight = l.inflight
	}
	return st
}

// Pending returns how many messages are queued, delayed or in flight across
// all sessions.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pendingLocked()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.loops.Done()
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.loops.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.work:
			d.send(ctx, j)
			d.inflight.Done()
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, j job) {
	msg := j.msg
	log := logging.Session(d.logger, j.session.TenantID, string(j.session.Platform)).WithFields(logrus.Fields{
		logging.LogFieldMessageID:  msg.ID,
		logging.LogFieldRecipient:  privacy.MaskRecipient(msg.To),
		logging.LogFieldRetryCount: msg.Retries,
	})

	ctx, span := tracing.StartSpan(ctx, "queue.send",
		append(tracing.SessionAttributes(msg.SessionKey, j.session.Platform),
			tracing.AttrMessageID.String(msg.ID),
			tracing.AttrRetries.Int(msg.Retries),
		)...)
	defer span.End()

	adapter, ok := d.sessions.Adapter(msg.SessionKey)
	if !ok {
		d.fail(ctx, j, apperrors.NewSessionNotFoundError(msg.SessionKey), log)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	start := time.Now()
	result, err := adapter.SendMessage(sendCtx, j.session, msg.To, msg.Payload)
	elapsed := time.Since(start)
	cancel()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.fail(ctx, j, err, log.WithField(logging.LogFieldDuration, elapsed.Milliseconds()))
		return
	}

	d.limiter.Record(msg.SessionKey)
	metrics.RecordSent(string(j.session.Platform), elapsed)

	providerID := ""
	if result != nil {
		providerID = result.MessageID
	}
	msg.Status = models.QueueStatusSent
	msg.LastError = ""
	record := d.outboundRecord(j, providerID, models.MessageStatusSent, "")
	d.persist(ctx, j, record, true, log)
	d.release(msg.SessionKey)

	log.WithFields(logrus.Fields{
		logging.LogFieldDuration:       elapsed.Milliseconds(),
		logging.LogFieldConversationID: record.ConversationID,
	}).Info("Message sent")
	d.notifier.Publish(ctx, j.session.TenantID, notify.EventMessageSent, Delivery{Queued: msg.Clone(), Message: record})
}

// fail routes a send error. Permanent errors fail at once; transient ones
// are retried with backoff until the retry budget is spent.
func (d *Dispatcher) fail(ctx context.Context, j job, err error, log *logrus.Entry) {
	msg := j.msg
	msg.LastError = err.Error()
	platform := string(j.session.Platform)

	permanent := apperrors.IsPermanent(err)
	if !permanent {
		msg.Retries++
	}

	if permanent || d.backoff.Exhausted(msg.Retries) {
		reason := "exhausted"
		if permanent {
			reason = "permanent"
		}
		msg.Status = models.QueueStatusFailed
		metrics.RecordFailed(platform, reason)

		record := d.outboundRecord(j, "", models.MessageStatusFailed, msg.LastError)
		d.persist(ctx, j, record, false, log)
		d.release(msg.SessionKey)

		log.WithError(err).WithFields(logrus.Fields{
			logging.LogFieldRetryCount: msg.Retries,
			logging.LogFieldErrorCode:  apperrors.GetCode(err),
		}).Error("Message failed permanently")
		d.notifier.Publish(ctx, j.session.TenantID, notify.EventMessageFailed, Delivery{Queued: msg.Clone(), Message: record})
		return
	}

	delay := d.backoff.GetNextDelay(msg.Retries)
	msg.Priority = models.PriorityHigh
	msg.Status = models.QueueStatusQueued
	msg.NextAttemptAt = d.clock.Now().Add(delay)

	d.mu.Lock()
	l := d.laneLocked(msg.SessionKey)
	heap.Push(&d.delayed, msg)
	l.delayed++
	l.inflight = false
	d.mu.Unlock()

	metrics.RecordRetry(platform)
	log.WithError(err).WithFields(logrus.Fields{
		logging.LogFieldRetryCount: msg.Retries,
		logging.LogFieldDelay:      delay.Milliseconds(),
	}).Warn("Send failed, retry scheduled")
}

func (d *Dispatcher) outboundRecord(j job, providerID string, status models.MessageStatus, errText string) *models.Message {
	id := providerID
	if id == "" {
		id = j.msg.ID
	}
	now := d.clock.Now().UTC()
	record := &models.Message{
		ID:        id,
		TenantID:  j.session.TenantID,
		Platform:  j.session.Platform,
		Direction: models.DirectionOutbound,
		Type:      j.msg.Payload.Type,
		Content:   j.msg.Payload.Summary(),
		Status:    status,
		Error:     errText,
		Timestamp: now,
		CreatedAt: now,
	}
	if j.msg.Payload.MediaURL != "" {
		mediaURL := j.msg.Payload.MediaURL
		record.MediaURL = &mediaURL
	}
	return record
}

// persist stores the terminal record. Store failures are logged; the queue
// carries on regardless. Failed sends do not move the conversation preview.
func (d *Dispatcher) persist(ctx context.Context, j job, record *models.Message, updateConversation bool, log *logrus.Entry) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	conv, err := d.conversations.ResolveConversation(pctx, j.session.TenantID, j.session.Platform, j.msg.To)
	if err != nil {
		log.WithError(err).Warn("Failed to resolve conversation for outbound message")
	} else {
		record.ConversationID = conv.ID
	}

	inserted, err := d.messages.InsertMessageIfAbsent(pctx, record)
	if err != nil {
		log.WithError(err).Warn("Failed to persist outbound message")
		return
	}
	if !inserted || !updateConversation || conv == nil {
		return
	}
	if _, err := d.conversations.RecordMessage(pctx, conv, record); err != nil {
		log.WithError(err).Warn("Failed to update conversation")
	}
}

func (d *Dispatcher) release(sessionKey string) {
	d.mu.Lock()
	d.laneLocked(sessionKey).inflight = false
	d.mu.Unlock()
}

func (d *Dispatcher) promoteDueLocked(now time.Time) {
	for {
		next := d.delayed.peek()
		if next == nil || next.NextAttemptAt.After(now) {
			return
		}
		msg := heap.Pop(&d.delayed).(*models.QueuedMessage)
		l := d.laneLocked(msg.SessionKey)
		l.delayed--
		l.push(msg)
	}
}

func (d *Dispatcher) laneLocked(key string) *lane {
	l, ok := d.lanes[key]
	if !ok {
		l = &lane{}
		d.lanes[key] = l
	}
	return l
}

func (d *Dispatcher) pendingLocked() int {
	n := 0
	for _, l := range d.lanes {
		n += l.depth()
	}
	return n
}
