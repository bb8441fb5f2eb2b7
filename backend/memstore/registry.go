package memstore

import (
	"errors"
	"fmt"
	"sync"
)

var ErrRegistryConflict = errors.New("memstore: registered store does not match")

// Registry hands out one Store per name so separate stacks can share an
// in-memory cache. Pass it explicitly; there is no package-level instance.
type Registry struct {
	mu     sync.Mutex
	stores map[string]any
}

func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]any)}
}

// Shared returns the store registered under opts.Name, creating it on first
// use. A later call must ask for the same record type and options.
func Shared[V any](r *Registry, opts Options) (*Store[V], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.stores[opts.Name]; ok {
		s, ok := existing.(*Store[V])
		if !ok {
			return nil, fmt.Errorf("%w: %q holds %T", ErrRegistryConflict, opts.Name, existing)
		}
		if s.opts != opts {
			return nil, fmt.Errorf("%w: %q registered with %+v, requested %+v", ErrRegistryConflict, opts.Name, s.opts, opts)
		}
		return s, nil
	}
	s := New[V](opts)
	r.stores[opts.Name] = s
	return s, nil
}

// Names lists the registered store names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.stores))
	for n := range r.stores {
		out = append(out, n)
	}
	return out
}

// Forget drops name so the next Shared call creates a fresh store.
func (r *Registry) Forget(name string) {
	r.mu.Lock()
	delete(r.stores, name)
	r.mu.Unlock()
}
