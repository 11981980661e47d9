// Package notifytest records published events for assertions.
package notifytest

import (
	"context"
	"sync"
)

// Published is one recorded event.
type Published struct {
	TenantID string
	Event    string
	Payload  interface{}
}

// Recorder is a notify.Publisher that keeps everything it is given.
type Recorder struct {
	mu     sync.Mutex
	events []Published
}

func (r *Recorder) Publish(_ context.Context, tenantID, event string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Published{TenantID: tenantID, Event: event, Payload: payload})
}

// Events returns a copy of what was published.
func (r *Recorder) Events() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.events...)
}

// Count returns how many events named event were published.
func (r *Recorder) Count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

// Last returns the most recent event named event.
func (r *Recorder) Last(event string) (Published, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Event == event {
			return r.events[i], true
		}
	}
	return Published{}, false
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
