package channel

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Registry holds all registered channel adapters keyed by provider slug.
// It must be created via NewRegistry and passed explicitly to components
// that need it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[string]Adapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return errors.New("adapter is nil")
	}
	slug := normalizeSlug(adapter.Slug())
	if slug == "" {
		return errors.New("channel slug is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[slug]; exists {
		return fmt.Errorf("channel slug already registered: %s", slug)
	}
	r.adapters[slug] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given provider slug.
func (r *Registry) Get(slug string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[normalizeSlug(slug)]
	return adapter, ok
}

// GetSender returns the Sender for the given provider slug.
func (r *Registry) GetSender(slug string) (Sender, bool) {
	adapter, ok := r.Get(slug)
	if !ok {
		return nil, false
	}
	return adapter, true
}

// List returns all registered adapters.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		items = append(items, a)
	}
	return items
}

// Slugs returns all registered provider slugs.
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]string, 0, len(r.adapters))
	for slug := range r.adapters {
		items = append(items, slug)
	}
	return items
}

func normalizeSlug(raw string) string {
	return strings.TrimSpace(strings.ToLower(raw))
}
