package platform

import (
	"fmt"
	"sort"
	"sync"
)

// Factory is a function that creates a new, uninitialised Platform.
type Factory func() Platform

// Registry manages platform factory registration and instantiation.
// Platform packages register themselves during init() and the manager
// instantiates by kind from stored config.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a new platform registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// DefaultRegistry is the global platform registry.
var DefaultRegistry = NewRegistry()

// Register adds a platform factory to the registry.
func (r *Registry) Register(kind string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("platform kind %q already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// Create instantiates a platform by kind.
func (r *Registry) Create(kind string) (Platform, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, exists := r.factories[kind]
	if !exists {
		return nil, fmt.Errorf("unknown platform kind %q", kind)
	}
	return factory(), nil
}

// List returns the registered kinds sorted alphabetically.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Has returns whether a platform kind is registered.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[kind]
	return exists
}

// Register is a convenience function that registers with the default registry.
func Register(kind string, factory Factory) error {
	return DefaultRegistry.Register(kind, factory)
}
