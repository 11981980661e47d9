package provider

import (
	"fmt"
	"sort"
	"sync"

	"chatengine/internal/models"
)

// Registry selects the adapter for a platform. Adapters are chosen once when
// a session is created.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.Platform]Adapter
	parsers  map[models.Platform]WebhookParser
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[models.Platform]Adapter),
		parsers:  make(map[models.Platform]WebhookParser),
	}
}

// Register installs adapter for its platform. If the adapter also parses
// webhooks it is registered as the platform's parser.
func (r *Registry) Register(adapter Adapter) error {
	platform := adapter.Platform()
	if !platform.Valid() {
		return fmt.Errorf("unsupported platform %q", platform)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[platform]; exists {
		return fmt.Errorf("adapter for %s already registered", platform)
	}
	r.adapters[platform] = adapter
	if parser, ok := adapter.(WebhookParser); ok {
		r.parsers[platform] = parser
	}
	return nil
}

// Adapter returns the adapter for platform.
func (r *Registry) Adapter(platform models.Platform) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[platform]
	return a, ok
}

// Parser returns the webhook parser for platform.
func (r *Registry) Parser(platform models.Platform) (WebhookParser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[platform]
	return p, ok
}

// Platforms lists the registered platforms in a stable order.
func (r *Registry) Platforms() []models.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
