package service

import (
	"context"
	"sync"
	"time"

	"chatengine/internal/clock"
	"chatengine/internal/constants"
	"chatengine/internal/logging"
	"chatengine/internal/metrics"
	"chatengine/internal/models"
	"chatengine/pkg/provider"

	"github.com/sirupsen/logrus"
)

// MonitoredSessions is the part of the session registry the monitor drives.
type MonitoredSessions interface {
	List(tenantID string) []*models.Session
	Adapter(key string) (provider.Adapter, bool)
	ConnectingSince(key string) (time.Time, bool)
	HandleConnectionEvent(ctx context.Context, key string, update provider.ConnectionUpdate) error
	ReconnectSession(ctx context.Context, key string) (*models.Session, error)
	StatusCounts() map[models.SessionStatus]int
}

// QueueDepth reports how much outbound work is pending.
type QueueDepth interface {
	Pending() int
}

type MonitorConfig struct {
	CheckInterval  time.Duration
	ConnectTimeout time.Duration
	StatusTimeout  time.Duration
	InitialDelay   time.Duration
}

// SessionMonitor reconciles registry state with what providers report and
// recovers sessions stuck mid-handshake.
type SessionMonitor struct {
	cfg      MonitorConfig
	sessions MonitoredSessions
	queue    QueueDepth
	clock    clock.Clock
	logger   *logrus.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

func NewSessionMonitor(cfg MonitorConfig, sessions MonitoredSessions, queue QueueDepth, c clock.Clock, logger *logrus.Logger) *SessionMonitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = constants.DefaultSessionHealthCheckSec * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = constants.DefaultConnectTimeoutSec * time.Second
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = constants.DefaultSessionStatusTimeoutSec * time.Second
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}
	if c == nil {
		c = clock.Real{}
	}
	return &SessionMonitor{
		cfg:      cfg,
		sessions: sessions,
		queue:    queue,
		clock:    c,
		logger:   logger,
	}
}

// Start runs the check loop in the background until Stop or ctx ends.
func (sm *SessionMonitor) Start(ctx context.Context) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.running {
		sm.logger.Warn("Session monitor is already running")
		return
	}
	sm.running = true
	sm.stopCh = make(chan struct{})
	sm.done = make(chan struct{})

	go sm.monitorLoop(ctx, sm.stopCh, sm.done)
	sm.logger.WithField(logging.LogFieldComponent, "session_monitor").Info("Session monitor started")
}

// Stop ends the loop and waits for an in-progress check to finish.
func (sm *SessionMonitor) Stop() {
	sm.mu.Lock()
	if !sm.running {
		sm.mu.Unlock()
		return
	}
	close(sm.stopCh)
	done := sm.done
	sm.running = false
	sm.mu.Unlock()

	<-done
	sm.logger.WithField(logging.LogFieldComponent, "session_monitor").Info("Session monitor stopped")
}

func (sm *SessionMonitor) monitorLoop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	if sm.cfg.InitialDelay > 0 {
		initDelay := time.NewTimer(sm.cfg.InitialDelay)
		select {
		case <-ctx.Done():
			initDelay.Stop()
			return
		case <-stopCh:
			initDelay.Stop()
			return
		case <-initDelay.C:
		}
	}

	ticker := time.NewTicker(sm.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		sm.CheckSessions(ctx)
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		}
	}
}

// CheckSessions runs one reconciliation pass over every registered session
// and refreshes the session and queue gauges.
func (sm *SessionMonitor) CheckSessions(ctx context.Context) {
	now := sm.clock.Now()
	for _, s := range sm.sessions.List("") {
		if ctx.Err() != nil {
			return
		}
		switch s.Status {
		case models.SessionStatusConnecting:
			sm.checkConnecting(ctx, s, now)
		case models.SessionStatusConnected:
			sm.checkConnected(ctx, s)
		}
	}
	sm.refreshGauges()
}

func (sm *SessionMonitor) checkConnecting(ctx context.Context, s *models.Session, now time.Time) {
	since, ok := sm.sessions.ConnectingSince(s.Key)
	if !ok {
		return
	}
	stuck := now.Sub(since)
	if stuck <= sm.cfg.ConnectTimeout {
		return
	}

	log := sm.sessionLog(s).WithFields(logrus.Fields{
		logging.LogFieldDuration: stuck.Milliseconds(),
		"timeout_ms":             sm.cfg.ConnectTimeout.Milliseconds(),
	})
	log.Warn("Session stuck in connecting, reconnecting")
	if _, err := sm.sessions.ReconnectSession(ctx, s.Key); err != nil {
		log.WithError(err).Error("Failed to reconnect stuck session")
	}
}

func (sm *SessionMonitor) checkConnected(ctx context.Context, s *models.Session) {
	adapter, ok := sm.sessions.Adapter(s.Key)
	if !ok {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, sm.cfg.StatusTimeout)
	status, err := adapter.FetchConnectionState(checkCtx, s)
	cancel()
	if err != nil {
		// A provider we cannot reach tells us nothing about the session.
		sm.sessionLog(s).WithError(err).Warn("Failed to fetch provider connection state")
		return
	}

	var update provider.ConnectionUpdate
	switch status {
	case models.SessionStatusDisconnected:
		update = provider.ConnectionUpdate{State: provider.ConnectionClose, Reason: "provider reports session closed"}
	case models.SessionStatusError:
		update = provider.ConnectionUpdate{State: provider.ConnectionFailed, Reason: "provider reports session failed"}
	default:
		sm.sessionLog(s).WithField("provider_status", status).Debug("Session status check")
		return
	}

	sm.sessionLog(s).WithField("provider_status", status).Warn("Provider lost the session, scheduling reconnect")
	if err := sm.sessions.HandleConnectionEvent(ctx, s.Key, update); err != nil {
		sm.sessionLog(s).WithError(err).Warn("Failed to apply provider connection state")
	}
}

func (sm *SessionMonitor) refreshGauges() {
	counts := sm.sessions.StatusCounts()
	for _, status := range []models.SessionStatus{
		models.SessionStatusDisconnected,
		models.SessionStatusConnecting,
		models.SessionStatusConnected,
		models.SessionStatusError,
	} {
		metrics.SetSessionCount(string(status), counts[status])
	}
	if sm.queue != nil {
		metrics.SetQueueDepth(sm.queue.Pending())
	}
}

func (sm *SessionMonitor) sessionLog(s *models.Session) *logrus.Entry {
	return logging.Session(sm.logger, s.TenantID, string(s.Platform)).
		WithField(logging.LogFieldComponent, "session_monitor")
}
