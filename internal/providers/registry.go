package providers

import "sync"

// Registry is the set of successfully initialized adapters, keyed by
// provider name. Registration order is preserved: alias tables and model
// scans use it to break ties deterministically.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Re-registering a name replaces the adapter but
// keeps its original position.
func (r *Registry) Register(name string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; !exists {
		r.order = append(r.order, name)
	}
	r.adapters[name] = a
}

// Unregister removes an adapter.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; !exists {
		return
	}
	delete(r.adapters, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Has reports whether a provider is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// FindModel returns the names of all providers advertising modelID, in
// registration order.
func (r *Registry) FindModel(modelID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, name := range r.order {
		for _, m := range r.adapters[name].AvailableModels() {
			if m.ModelID == modelID {
				out = append(out, name)
				break
			}
		}
	}
	return out
}

// SupportsCapability reports whether the named provider's model advertises
// the capability.
func (r *Registry) SupportsCapability(provider, modelID string, cap Capability) bool {
	a, ok := r.Get(provider)
	if !ok {
		return false
	}
	return a.SupportsCapability(modelID, cap)
}
