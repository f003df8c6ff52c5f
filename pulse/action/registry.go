package action

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/record"
)

// Registry holds action handlers by ID. It serves as both Executor and Resolver.
// Safe for concurrent use; Replace swaps the whole set on config reload.
type Registry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under its definition ID.
// Panics if the ID is empty or already registered.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := h.Definition().ID
	if id == "" {
		panic("action handler registered without an ID")
	}
	if _, exists := r.handlers[id]; exists {
		panic(fmt.Sprintf("action already registered for id: %s", id))
	}
	r.handlers[id] = h
}

// Replace swaps in the handlers of other
func (r *Registry) Replace(other *Registry) {
	other.mu.RLock()
	next := make(map[string]Handler, len(other.handlers))
	for id, h := range other.handlers {
		next[id] = h
	}
	other.mu.RUnlock()

	r.mu.Lock()
	r.handlers = next
	r.mu.Unlock()
}

// Get returns the handler for id, or nil
func (r *Registry) Get(id string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[id]
}

// Has reports whether id is registered
func (r *Registry) Has(id string) bool {
	return r.Get(id) != nil
}

// Names returns registered action IDs in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}

// Definitions returns every registered definition ordered by ID
func (r *Registry) Definitions() []Definition {
	names := r.Names()
	defs := make([]Definition, 0, len(names))
	for _, id := range names {
		if h := r.Get(id); h != nil {
			defs = append(defs, h.Definition())
		}
	}
	return defs
}

// Lookup implements Resolver
func (r *Registry) Lookup(id string) (Definition, bool) {
	h := r.Get(id)
	if h == nil {
		return Definition{}, false
	}
	return h.Definition(), true
}

// Execute implements Executor. An unknown ID is a configuration error.
func (r *Registry) Execute(ctx context.Context, id string, rec record.Record) (Outputs, error) {
	h := r.Get(id)
	if h == nil {
		return nil, errors.NewConfigurationError("unknown action %q", id)
	}
	return h.Execute(ctx, rec)
}
