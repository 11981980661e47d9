package notify

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type capture struct {
	mu     sync.Mutex
	events []Envelope
	block  chan struct{}
}

func (c *capture) Publish(_ context.Context, tenantID, event string, payload interface{}) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, Envelope{TenantID: tenantID, Event: event, Payload: payload})
}

func (c *capture) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestFanout_PublishesToAll(t *testing.T) {
	a, b := &capture{}, &capture{}
	f := Fanout{a, nil, b}

	f.Publish(context.Background(), "acme", EventSessionStatus, map[string]string{"status": "connected"})

	assert.Equal(t, 1, a.len())
	assert.Equal(t, 1, b.len())
	assert.Equal(t, "acme", a.events[0].TenantID)
	assert.Equal(t, EventSessionStatus, b.events[0].Event)
}

func TestAsync_DeliversInOrder(t *testing.T) {
	inner := &capture{}
	a := NewAsync(inner, 8, quietLogger())

	for i := 0; i < 5; i++ {
		a.Publish(context.Background(), "acme", EventMessageNew, i)
	}
	a.Close()

	assert.Equal(t, 5, inner.len())
	for i, env := range inner.events {
		assert.Equal(t, i, env.Payload)
	}
}

func TestAsync_DropsWhenFull(t *testing.T) {
	inner := &capture{block: make(chan struct{})}
	a := NewAsync(inner, 1, quietLogger())

	// the first event is picked up by the drain goroutine and blocks there
	a.Publish(context.Background(), "acme", EventMessageNew, 0)
	assert.Eventually(t, func() bool { return len(a.events) == 0 }, time.Second, time.Millisecond)

	a.Publish(context.Background(), "acme", EventMessageNew, 1)
	a.Publish(context.Background(), "acme", EventMessageNew, 2)

	close(inner.block)
	a.Close()
	assert.Equal(t, 2, inner.len())
}

func TestAsync_PublishAfterCloseIsDropped(t *testing.T) {
	inner := &capture{}
	a := NewAsync(inner, 4, quietLogger())
	a.Publish(context.Background(), "acme", EventMessageNew, 0)
	a.Close()

	// late webhook or dispatcher events racing shutdown
	assert.NotPanics(t, func() {
		a.Publish(context.Background(), "acme", EventMessageStatus, 1)
		a.Close()
	})
	assert.Equal(t, 1, inner.len())
}

func TestAsync_ConcurrentPublishAndClose(t *testing.T) {
	a := NewAsync(&capture{}, 2, quietLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				a.Publish(context.Background(), "acme", EventMessageNew, i*j)
			}
		}(i)
	}
	assert.NotPanics(t, a.Close)
	wg.Wait()
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop{}.Publish(context.Background(), "acme", EventMessageSent, nil)
	})
}
