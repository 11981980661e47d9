// Package notify fans engine events out to connected clients and brokers.
// Delivery is fire-and-forget: at-most-once is acceptable and failures are
// only logged.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event names published by the engine.
const (
	EventSessionStatus       = "session:status"
	EventSessionQR           = "session:qr"
	EventMessageNew          = "message:new"
	EventMessageSent         = "message:sent"
	EventMessageFailed       = "message:failed"
	EventMessageStatus       = "message:status"
	EventConversationUpdated = "conversation:updated"
)

// Publisher pushes an event to a tenant's subscribers.
type Publisher interface {
	Publish(ctx context.Context, tenantID, event string, payload interface{})
}

// Envelope is the wire shape shared by every transport.
type Envelope struct {
	TenantID  string      `json:"tenantId"`
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

func newEnvelope(tenantID, event string, payload interface{}) Envelope {
	return Envelope{
		TenantID:  tenantID,
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, string, string, interface{}) {}

// Fanout publishes to every wrapped publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, tenantID, event string, payload interface{}) {
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, tenantID, event, payload)
		}
	}
}

// Async decouples a slow publisher from the caller. Events are dropped when
// the buffer is full or after Close.
type Async struct {
	mu      sync.RWMutex
	closed  bool
	inner   Publisher
	events  chan Envelope
	done    chan struct{}
	logger  *logrus.Logger
	timeout time.Duration
}

// NewAsync starts a goroutine draining into inner. Call Close to stop it.
func NewAsync(inner Publisher, buffer int, logger *logrus.Logger) *Async {
	if buffer <= 0 {
		buffer = 1
	}
	a := &Async{
		inner:   inner,
		events:  make(chan Envelope, buffer),
		done:    make(chan struct{}),
		logger:  logger,
		timeout: 5 * time.Second,
	}
	go a.run()
	return a
}

func (a *Async) Publish(_ context.Context, tenantID, event string, payload interface{}) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.events <- newEnvelope(tenantID, event, payload):
	default:
		a.logger.WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"event":     event,
		}).Warn("Notifier buffer full, dropping event")
	}
}

func (a *Async) run() {
	defer close(a.done)
	for env := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		a.inner.Publish(ctx, env.TenantID, env.Event, env.Payload)
		cancel()
	}
}

// Close stops accepting events and waits for the buffer to drain. It is
// safe to call more than once.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()
	<-a.done
}
