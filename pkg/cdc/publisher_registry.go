package cdc

import (
	"fmt"
	"sort"
	"sync"
)

// PublisherRegistry manages the registration and construction of publishers
// by name.
type PublisherRegistry struct {
	factories map[string]PublisherFactory
	mu        sync.RWMutex
}

// NewPublisherRegistry creates a new publisher registry.
func NewPublisherRegistry() *PublisherRegistry {
	return &PublisherRegistry{
		factories: make(map[string]PublisherFactory),
	}
}

// Register registers a publisher factory under a name.
// If a factory with the same name is already registered, it is replaced.
func (r *PublisherRegistry) Register(name string, factory PublisherFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[name] = factory
}

// Get retrieves a registered factory by name.
// Returns ErrPublisherNotFound if no factory is registered.
func (r *PublisherRegistry) Get(name string) (PublisherFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, exists := r.factories[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPublisherNotFound, name)
	}

	return factory, nil
}

// IsRegistered checks if a factory is registered for the given name.
func (r *PublisherRegistry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.factories[name]
	return exists
}

// ListRegistered returns the sorted names of all registered factories.
func (r *PublisherRegistry) ListRegistered() []string {
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
func (r *PublisherRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.factories, name)
}

// Clear removes all factories from the registry.
func (r *PublisherRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories = make(map[string]PublisherFactory)
}

// New constructs a publisher using the factory registered under cfg.Name.
func (r *PublisherRegistry) New(cfg PublisherConfig, deps PublisherDeps) (Publisher, error) {
	if cfg.Name == "" {
		return nil, NewConfigurationError("publisher", "name", "publisher name is required")
	}

	factory, err := r.Get(cfg.Name)
	if err != nil {
		return nil, err
	}

	publisher, err := factory(cfg, deps)
	if err != nil {
		return nil, WrapError(cfg.Name, "new_publisher", err)
	}

	return publisher, nil
}

// globalPublishers is the default global publisher registry. Publisher
// packages register themselves here from init.
var globalPublishers = NewPublisherRegistry()

// RegisterPublisher registers a publisher factory in the global registry.
func RegisterPublisher(name string, factory PublisherFactory) {
	globalPublishers.Register(name, factory)
}

// NewPublisher constructs a publisher using the global registry.
func NewPublisher(cfg PublisherConfig, deps PublisherDeps) (Publisher, error) {
	return globalPublishers.New(cfg, deps)
}

// ListPublishers returns all publisher names from the global registry.
func ListPublishers() []string {
	return globalPublishers.ListRegistered()
}

// GlobalPublisherRegistry returns the global publisher registry.
func GlobalPublisherRegistry() *PublisherRegistry {
	return globalPublishers
}
