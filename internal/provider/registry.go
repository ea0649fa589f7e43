package provider

import (
	"sync"

	"github.com/rotisserie/eris"
)

// Registry maps provider ids to adapters and aliases to ordered provider
// lists. It is built once at startup and shared by the orchestrators.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string // insertion order for deterministic iteration
	aliases  map[string][]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		aliases:  make(map[string][]string),
	}
}

// Register adds an adapter, replacing any adapter with the same id.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := a.ID()
	if _, exists := r.adapters[id]; !exists {
		r.order = append(r.order, id)
	}
	r.adapters[id] = a
}

// SetAlias maps alias to an ordered list of provider ids.
func (r *Registry) SetAlias(alias string, ids []string) error {
	if len(ids) == 0 {
		return eris.Errorf("provider: alias %q has no providers", alias)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = append([]string(nil), ids...)
	return nil
}

// Resolve expands an alias to its provider ids. A name that is not an
// alias resolves to itself.
func (r *Registry) Resolve(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ids, ok := r.aliases[name]; ok {
		return append([]string(nil), ids...)
	}
	return []string{name}
}

// IDs returns every registered provider id in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Get returns the adapter for id, or a ConfigError if it is missing or disabled.
func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &ConfigError{Provider: id, Reason: "is not configured"}
	}
	if !a.Enabled() {
		return nil, &ConfigError{Provider: id, Reason: "is disabled"}
	}
	return a, nil
}

// OneShot returns id as a one-shot adapter. Steppable-only providers are
// wrapped with AsOneShot.
func (r *Registry) OneShot(id string) (OneShot, error) {
	a, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	switch v := a.(type) {
	case OneShot:
		return v, nil
	case Steppable:
		return AsOneShot(v), nil
	default:
		return nil, &ConfigError{Provider: id, Reason: "cannot scrape"}
	}
}

// Steppable returns id as a steppable adapter.
func (r *Registry) Steppable(id string) (Steppable, error) {
	a, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	s, ok := a.(Steppable)
	if !ok {
		return nil, &ConfigError{Provider: id, Reason: "is not steppable"}
	}
	return s, nil
}

// FirstSteppable returns the first enabled steppable provider among ids.
func (r *Registry) FirstSteppable(ids []string) (Steppable, error) {
	var firstErr error
	for _, id := range ids {
		s, err := r.Steppable(id)
		if err == nil {
			return s, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = eris.New("provider: no providers given")
	}
	return nil, firstErr
}
