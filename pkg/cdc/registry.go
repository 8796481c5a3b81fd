package cdc

import (
	"fmt"
	"sort"
	"sync"
)

// AdapterRegistry manages the registration and construction of source
// adapters by name.
type AdapterRegistry struct {
	factories map[string]AdapterFactory
	mu        sync.RWMutex
}

// NewAdapterRegistry creates a new adapter registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{
		factories: make(map[string]AdapterFactory),
	}
}

// Register registers an adapter factory under a name.
// If a factory with the same name is already registered, it is replaced.
func (r *AdapterRegistry) Register(name string, factory AdapterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[name] = factory
}

// Get retrieves a registered factory by name.
// Returns ErrAdapterNotFound if no factory is registered.
func (r *AdapterRegistry) Get(name string) (AdapterFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, exists := r.factories[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, name)
	}

	return factory, nil
}

// IsRegistered checks if a factory is registered for the given name.
func (r *AdapterRegistry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.factories[name]
	return exists
}

// ListRegistered returns the sorted names of all registered factories.
func (r *AdapterRegistry) ListRegistered() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Unregister removes a factory from the registry.
func (r *AdapterRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.factories, name)
}

// Clear removes all factories from the registry.
func (r *AdapterRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories = make(map[string]AdapterFactory)
}

// New constructs an adapter using the factory registered under cfg.Name.
func (r *AdapterRegistry) New(cfg AdapterConfig, deps AdapterDeps) (SourceAdapter, error) {
	if cfg.Name == "" {
		return nil, NewConfigurationError("adapter", "name", "adapter name is required")
	}
	if cfg.Source == "" {
		return nil, NewConfigurationError(cfg.Name, "source", "source id is required")
	}

	factory, err := r.Get(cfg.Name)
	if err != nil {
		return nil, err
	}

	adapter, err := factory(cfg, deps)
	if err != nil {
		return nil, WrapError(cfg.Source, "new_adapter", err)
	}

	return adapter, nil
}

// globalAdapters is the default global adapter registry. Adapter packages
// register themselves here from init.
var globalAdapters = NewAdapterRegistry()

// RegisterAdapter registers an adapter factory in the global registry.
func RegisterAdapter(name string, factory AdapterFactory) {
	globalAdapters.Register(name, factory)
}

// NewAdapter constructs an adapter using the global registry.
func NewAdapter(cfg AdapterConfig, deps AdapterDeps) (SourceAdapter, error) {
	return globalAdapters.New(cfg, deps)
}

// ListAdapters returns all adapter names from the global registry.
func ListAdapters() []string {
	return globalAdapters.ListRegistered()
}

// GlobalAdapterRegistry returns the global adapter registry.
func GlobalAdapterRegistry() *AdapterRegistry {
	return globalAdapters
}
