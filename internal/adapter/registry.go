package adapter

import (
	"sort"
	"sync"

	"github.com/rotisserie/eris"
)

// ErrUnknownAdapter is returned when a candidate names an unregistered adapter.
var ErrUnknownAdapter = eris.New("adapter: unknown adapter")

// Registry manages available adapters by ID.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

// Register adds an adapter, replacing any adapter with the same ID.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// Get returns an adapter by ID, or nil if not found.
func (r *Registry) Get(id string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[id]
}

// Lookup returns the adapter for id or ErrUnknownAdapter.
func (r *Registry) Lookup(id string) (Adapter, error) {
	if a := r.Get(id); a != nil {
		return a, nil
	}
	return nil, eris.Wrapf(ErrUnknownAdapter, "adapter %q", id)
}

// List returns the registered adapter IDs in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MustGet returns the adapter for id and panics if it is not registered.
// Intended for wiring code whose ids are fixed at build time.
func (r *Registry) MustGet(id string) Adapter {
	a, err := r.Lookup(id)
	if err != nil {
		panic(err)
	}
	return a
}
