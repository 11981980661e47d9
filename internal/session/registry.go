// Package session owns the authoritative in-memory set of channel sessions
// and drives each one through its connection state machine.
package session

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"chatengine/internal/clock"
	apperrors "chatengine/internal/errors"
	"chatengine/internal/logging"
	"chatengine/internal/models"
	"chatengine/internal/notify"
	"chatengine/pkg/provider"

	"github.com/sirupsen/logrus"
)

const persistTimeout = 5 * time.Second

// Store persists sessions for crash recovery.
type Store interface {
	UpsertSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, key string) (*models.Session, error)
	ListSessionsByStatus(ctx context.Context, status models.SessionStatus) ([]*models.Session, error)
}

type Config struct {
	MaxSessions    int
	ReconnectDelay time.Duration
	// CallTimeout bounds each adapter Connect and Disconnect call.
	CallTimeout time.Duration
}

// Registry maps session keys to sessions. Writes to one session are
// serialized by that session's lock; reads go through an atomically
// published immutable snapshot.
type Registry struct {
	cfg       Config
	providers *provider.Registry
	store     Store
	notifier  notify.Publisher
	clock     clock.Clock
	logger    *logrus.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	mu      sync.Mutex
	session *models.Session // replaced, never mutated, once published
	adapter provider.Adapter

	reconnect       clock.Timer
	reconnectGen    uint64
	loggedOut       bool
	connectingSince atomic.Int64

	view atomic.Pointer[models.Session]
}

func NewRegistry(cfg Config, providers *provider.Registry, store Store, notifier notify.Publisher, c clock.Clock, logger *logrus.Logger) *Registry {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Registry{
		cfg:       cfg,
		providers: providers,
		store:     store,
		notifier:  notifier,
		clock:     c,
		logger:    logger,
		entries:   make(map[string]*entry),
	}
}

// CreateSession registers and connects the session of tenantID on platform.
// An existing session is returned unchanged. When the process-wide cap is
// reached it fails with SESSION_CAPACITY_EXCEEDED. A provider failure leaves
// the session in error and returns SESSION_INIT_FAILED along with it.
func (r *Registry) CreateSession(ctx context.Context, tenantID string, platform models.Platform, credentials string) (*models.Session, error) {
	if tenantID == "" {
		return nil, apperrors.NewValidationError("tenantId", tenantID, "tenant id is required")
	}
	adapter, ok := r.providers.Adapter(platform)
	if !ok {
		return nil, apperrors.NewValidationError("platform", string(platform), "unsupported platform")
	}
	key := models.SessionKey(tenantID, platform)

	if existing, ok := r.Snapshot(key); ok {
		return existing, nil
	}

	now := r.clock.Now().UTC()
	s := &models.Session{
		Key:         key,
		TenantID:    tenantID,
		Platform:    platform,
		Status:      models.SessionStatusDisconnected,
		Credentials: credentials,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if persisted := r.loadPersisted(ctx, key); persisted != nil {
		s.CreatedAt = persisted.CreatedAt
		s.ExternalIdentity = persisted.ExternalIdentity
		if s.Credentials == "" {
			s.Credentials = persisted.Credentials
		}
	}

	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		r.mu.Unlock()
		return e.view.Load().Clone(), nil
	}
	if r.cfg.MaxSessions > 0 && len(r.entries) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return nil, apperrors.NewCapacityError(r.cfg.MaxSessions)
	}
	e := newEntry(s, adapter)
	e.mu.Lock()
	r.entries[key] = e
	r.mu.Unlock()
	defer e.mu.Unlock()

	return r.connectLocked(ctx, e, false)
}

// ReconnectSession moves the session to connecting from any state and
// re-runs the provider handshake.
func (r *Registry) ReconnectSession(ctx context.Context, key string) (*models.Session, error) {
	e, ok := r.entry(key)
	if !ok {
		return nil, apperrors.NewSessionNotFoundError(key)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.connectLocked(ctx, e, true)
}

// DisconnectSession is an explicit logout: the session ends disconnected and
// no reconnect is scheduled. A session in error keeps its state. The final
// state is persisted before returning.
func (r *Registry) DisconnectSession(ctx context.Context, key string) (*models.Session, error) {
	e, ok := r.entry(key)
	if !ok {
		return nil, apperrors.NewSessionNotFoundError(key)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	r.cancelReconnectLocked(e)
	e.loggedOut = true

	current := e.session
	if current.Status != models.SessionStatusDisconnected {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.callTimeout())
		if err := e.adapter.Disconnect(callCtx, current.Clone()); err != nil {
			r.sessionLog(current).WithError(err).Warn("Provider disconnect failed, marking session disconnected anyway")
		}
		cancel()
	}

	switch current.Status {
	case models.SessionStatusConnecting, models.SessionStatusConnected:
		if err := r.transitionLocked(ctx, e, models.SessionStatusDisconnected, false, func(s *models.Session) {
			s.QRCode = ""
		}); err != nil {
			return nil, err
		}
	default:
		r.persistLocked(ctx, e.session)
	}
	return e.session.Clone(), nil
}

// HandleConnectionEvent applies a provider-reported connection change.
func (r *Registry) HandleConnectionEvent(ctx context.Context, key string, update provider.ConnectionUpdate) error {
	e, ok := r.entry(key)
	if !ok {
		return apperrors.NewSessionNotFoundError(key)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	status := e.session.Status
	switch update.State {
	case provider.ConnectionOpen:
		switch status {
		case models.SessionStatusConnecting:
			return r.openLocked(ctx, e, update.Identity)
		case models.SessionStatusConnected:
			r.updateLocked(ctx, e, false, func(s *models.Session) {
				if update.Identity != "" {
					s.ExternalIdentity = update.Identity
				}
				s.LastSeen = r.now()
			})
			return nil
		default:
			return apperrors.NewInvalidTransitionError(key, string(status), string(models.SessionStatusConnected))
		}

	case provider.ConnectionQR:
		if status != models.SessionStatusConnecting {
			return apperrors.NewInvalidTransitionError(key, string(status), string(models.SessionStatusConnecting))
		}
		// Gateways that only signal "scan required" keep the code from Connect.
		if update.QRCode != "" {
			r.qrLocked(ctx, e, update.QRCode)
		}
		return nil

	case provider.ConnectionClose:
		if status != models.SessionStatusConnecting && status != models.SessionStatusConnected {
			return nil
		}
		if err := r.transitionLocked(ctx, e, models.SessionStatusDisconnected, false, func(s *models.Session) {
			s.QRCode = ""
			s.LastError = update.Reason
		}); err != nil {
			return err
		}
		r.scheduleReconnectLocked(e)
		return nil

	case provider.ConnectionLoggedOut:
		if status != models.SessionStatusConnecting && status != models.SessionStatusConnected {
			return nil
		}
		r.cancelReconnectLocked(e)
		e.loggedOut = true
		return r.transitionLocked(ctx, e, models.SessionStatusDisconnected, false, func(s *models.Session) {
			s.QRCode = ""
			s.LastError = update.Reason
		})

	case provider.ConnectionFailed:
		switch status {
		case models.SessionStatusConnecting:
			return r.transitionLocked(ctx, e, models.SessionStatusError, false, func(s *models.Session) {
				s.QRCode = ""
				s.LastError = update.Reason
			})
		case models.SessionStatusConnected:
			if err := r.transitionLocked(ctx, e, models.SessionStatusDisconnected, false, func(s *models.Session) {
				s.LastError = update.Reason
			}); err != nil {
				return err
			}
			r.scheduleReconnectLocked(e)
		}
		return nil
	}

	return apperrors.NewValidationError("state", string(update.State), "unknown connection state")
}

// Touch records activity on a session.
func (r *Registry) Touch(ctx context.Context, key string) {
	e, ok := r.entry(key)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r.updateLocked(ctx, e, false, func(s *models.Session) { s.LastSeen = r.now() })
}

// Restore reloads sessions persisted as connected and reconnects each one.
// It returns how many sessions were registered.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	persisted, err := r.store.ListSessionsByStatus(ctx, models.SessionStatusConnected)
	if err != nil {
		return 0, err
	}

	var restored []*entry
	r.mu.Lock()
	for _, s := range persisted {
		adapter, ok := r.providers.Adapter(s.Platform)
		if !ok {
			r.sessionLog(s).Warn("No adapter for persisted session, skipping restore")
			continue
		}
		if _, exists := r.entries[s.Key]; exists {
			continue
		}
		if r.cfg.MaxSessions > 0 && len(r.entries) >= r.cfg.MaxSessions {
			r.logger.WithField(logging.LogFieldCount, len(persisted)).Warn("Session capacity reached during restore")
			break
		}
		e := newEntry(s.Clone(), adapter)
		r.entries[s.Key] = e
		restored = append(restored, e)
	}
	r.mu.Unlock()

	for _, e := range restored {
		e.mu.Lock()
		if _, err := r.connectLocked(ctx, e, true); err != nil {
			r.sessionLog(e.session).WithError(err).Warn("Reconnect after restart failed")
		}
		e.mu.Unlock()
	}
	return len(restored), nil
}

// Status reads a session's state without taking the session lock.
func (r *Registry) Status(key string) (models.SessionStatus, bool) {
	e, ok := r.entry(key)
	if !ok {
		return "", false
	}
	return e.view.Load().Status, true
}

// Snapshot returns a copy of the session.
func (r *Registry) Snapshot(key string) (*models.Session, bool) {
	e, ok := r.entry(key)
	if !ok {
		return nil, false
	}
	return e.view.Load().Clone(), true
}

// Adapter returns the provider adapter bound to the session at creation.
func (r *Registry) Adapter(key string) (provider.Adapter, bool) {
	e, ok := r.entry(key)
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// ConnectingSince returns when the session last entered connecting.
func (r *Registry) ConnectingSince(key string) (time.Time, bool) {
	e, ok := r.entry(key)
	if !ok || e.view.Load().Status != models.SessionStatusConnecting {
		return time.Time{}, false
	}
	return time.Unix(0, e.connectingSince.Load()), true
}

// List returns copies of the sessions of tenantID, or of every tenant when
// tenantID is empty, ordered by key.
func (r *Registry) List(tenantID string) []*models.Session {
	r.mu.RLock()
	out := make([]*models.Session, 0, len(r.entries))
	for _, e := range r.entries {
		s := e.view.Load()
		if tenantID == "" || s.TenantID == tenantID {
			out = append(out, s.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Count returns how many sessions are registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// StatusCounts groups registered sessions by status.
func (r *Registry) StatusCounts() map[models.SessionStatus]int {
	counts := make(map[models.SessionStatus]int, 4)
	r.mu.RLock()
	for _, e := range r.entries {
		counts[e.view.Load().Status]++
	}
	r.mu.RUnlock()
	return counts
}

// Close cancels pending reconnects. Sessions stay registered.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		r.cancelReconnectLocked(e)
		e.mu.Unlock()
	}
}

func newEntry(s *models.Session, adapter provider.Adapter) *entry {
	e := &entry{session: s, adapter: adapter}
	e.view.Store(s)
	return e
}

func (r *Registry) entry(key string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	return e, ok
}

func (r *Registry) connectLocked(ctx context.Context, e *entry, manual bool) (*models.Session, error) {
	r.cancelReconnectLocked(e)
	e.loggedOut = false

	if err := r.transitionLocked(ctx, e, models.SessionStatusConnecting, manual, func(s *models.Session) {
		s.QRCode = ""
		s.LastError = ""
	}); err != nil {
		return e.session.Clone(), err
	}
	e.connectingSince.Store(r.clock.Now().UnixNano())

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.callTimeout())
	result, err := e.adapter.Connect(callCtx, e.session.Clone())
	cancel()

	if err != nil {
		r.sessionLog(e.session).WithError(err).Error("Session initialisation failed")
		if terr := r.transitionLocked(ctx, e, models.SessionStatusError, false, func(s *models.Session) {
			s.LastError = err.Error()
		}); terr != nil {
			return e.session.Clone(), terr
		}
		return e.session.Clone(), apperrors.NewSessionInitError(e.session.Key, err)
	}

	if result != nil && (result.Credentials != "" || result.Identity != "") {
		r.updateLocked(ctx, e, false, func(s *models.Session) {
			if result.Credentials != "" {
				s.Credentials = result.Credentials
			}
			if result.Identity != "" {
				s.ExternalIdentity = result.Identity
			}
		})
	}

	switch {
	case result != nil && result.Connected:
		if err := r.openLocked(ctx, e, result.Identity); err != nil {
			return e.session.Clone(), err
		}
	case result != nil && result.QRCode != "":
		r.qrLocked(ctx, e, result.QRCode)
	}
	return e.session.Clone(), nil
}

func (r *Registry) openLocked(ctx context.Context, e *entry, identity string) error {
	return r.transitionLocked(ctx, e, models.SessionStatusConnected, false, func(s *models.Session) {
		if identity != "" {
			s.ExternalIdentity = identity
		}
		s.QRCode = ""
		s.LastError = ""
		s.LastSeen = r.now()
	})
}

func (r *Registry) qrLocked(ctx context.Context, e *entry, qr string) {
	r.updateLocked(ctx, e, false, func(s *models.Session) { s.QRCode = qr })
	r.notifier.Publish(ctx, e.session.TenantID, notify.EventSessionQR, map[string]string{
		"sessionKey": e.session.Key,
		"platform":   string(e.session.Platform),
		"qrCode":     qr,
	})
}

// transitionLocked validates and applies a state change, then persists and
// publishes the new snapshot.
func (r *Registry) transitionLocked(ctx context.Context, e *entry, to models.SessionStatus, manual bool, mutate func(*models.Session)) error {
	from := e.session.Status
	if !canTransition(from, to, manual) {
		return apperrors.NewInvalidTransitionError(e.session.Key, string(from), string(to))
	}

	next := e.session.Clone()
	next.Status = to
	if mutate != nil {
		mutate(next)
	}
	next.UpdatedAt = r.clock.Now().UTC()
	r.publishLocked(ctx, e, next, true)

	r.sessionLog(next).WithFields(logrus.Fields{
		logging.LogFieldFromStatus: from,
		logging.LogFieldToStatus:   to,
	}).Info("Session state changed")
	return nil
}

// updateLocked changes fields other than the status.
func (r *Registry) updateLocked(ctx context.Context, e *entry, notifyClients bool, mutate func(*models.Session)) {
	next := e.session.Clone()
	mutate(next)
	next.UpdatedAt = r.clock.Now().UTC()
	r.publishLocked(ctx, e, next, notifyClients)
}

func (r *Registry) publishLocked(ctx context.Context, e *entry, next *models.Session, notifyClients bool) {
	e.session = next
	e.view.Store(next)
	r.persistLocked(ctx, next)
	if notifyClients {
		r.notifier.Publish(ctx, next.TenantID, notify.EventSessionStatus, next.Clone())
	}
}

// persistLocked never fails the caller: an unavailable store degrades to a log line.
func (r *Registry) persistLocked(ctx context.Context, s *models.Session) {
	if r.store == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.store.UpsertSession(pctx, s); err != nil {
		r.sessionLog(s).WithError(err).Warn("Failed to persist session state")
	}
}

func (r *Registry) scheduleReconnectLocked(e *entry) {
	r.cancelReconnectLocked(e)

	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed || e.loggedOut {
		return
	}

	gen := e.reconnectGen
	key := e.session.Key
	e.reconnect = r.clock.AfterFunc(r.cfg.reconnectDelay(), func() {
		r.reconnectDue(key, e, gen)
	})
	r.sessionLog(e.session).WithField(logging.LogFieldDelay, r.cfg.reconnectDelay().Milliseconds()).Info("Reconnect scheduled")
}

func (r *Registry) cancelReconnectLocked(e *entry) {
	if e.reconnect != nil {
		e.reconnect.Stop()
		e.reconnect = nil
	}
	e.reconnectGen++
}

func (r *Registry) reconnectDue(key string, e *entry, gen uint64) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reconnectGen != gen || e.loggedOut || e.session.Status != models.SessionStatusDisconnected {
		return
	}
	e.reconnect = nil
	if _, err := r.connectLocked(context.Background(), e, false); err != nil {
		r.logger.WithError(err).WithField(logging.LogFieldSessionKey, key).Warn("Scheduled reconnect failed")
	}
}

func (r *Registry) loadPersisted(ctx context.Context, key string) *models.Session {
	if r.store == nil {
		return nil
	}
	s, err := r.store.GetSession(ctx, key)
	if err != nil {
		r.logger.WithError(err).WithField(logging.LogFieldSessionKey, key).Warn("Failed to read persisted session")
		return nil
	}
	return s
}

func (r *Registry) now() *time.Time {
	t := r.clock.Now().UTC()
	return &t
}

func (r *Registry) sessionLog(s *models.Session) *logrus.Entry {
	return logging.Session(r.logger, s.TenantID, string(s.Platform))
}

func (c Config) callTimeout() time.Duration {
	if c.CallTimeout <= 0 {
		return 30 * time.Second
	}
	return c.CallTimeout
}

func (c Config) reconnectDelay() time.Duration {
	if c.ReconnectDelay <= 0 {
		return 5 * time.Second
	}
	return c.ReconnectDelay
}
