package push

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the configured backends. Registration happens at startup;
// lookups happen on every dispatch and retry.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[b.Type()]; exists {
		return fmt.Errorf("backend %q already registered", b.Type())
	}
	r.backends[b.Type()] = b
	r.order = append(r.order, b.Type())
	return nil
}

func (r *Registry) Get(backendType string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[backendType]
	return b, ok
}

// All returns every registered backend in registration order.
func (r *Registry) All() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Backend, 0, len(r.backends))
	for _, t := range r.order {
		out = append(out, r.backends[t])
	}
	return out
}

// Enabled returns the backends currently switched on, sorted by type for
// deterministic dispatch order.
func (r *Registry) Enabled() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Backend
	for _, b := range r.backends {
		if b.Enabled() {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type() < out[j].Type() })
	return out
}
