// Package wire provides the event serializers used on the publisher path.
// All formats emit the same logical record; only the encoding differs.
package wire

import (
	"fmt"
	"sort"
	"sync"

	"github.com/redbco/redb-cdc/pkg/cdc"
)

// Registry maps serializer names to instances.
type Registry struct {
	mu          sync.RWMutex
	serializers map[string]cdc.Serializer
}

// NewRegistry creates a registry preloaded with the built-in formats.
func NewRegistry() *Registry {
	r := &Registry{serializers: make(map[string]cdc.Serializer)}
	r.Register(NewJSONSerializer())
	r.Register(NewProtobufSerializer())
	r.Register(NewAvroSerializer())
	return r
}

// Register adds a serializer under its own name.
func (r *Registry) Register(s cdc.Serializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serializers[s.Name()] = s
}

// Get returns the serializer registered under name.
func (r *Registry) Get(name string) (cdc.Serializer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.serializers[name]
	if !ok {
		return nil, fmt.Errorf("unknown serializer %q", name)
	}
	return s, nil
}

// defaultRegistry backs the package-level lookup.
var defaultRegistry = NewRegistry()

// NewSerializer returns a built-in serializer by name. An empty name
// selects JSON.
func NewSerializer(name string) (cdc.Serializer, error) {
	if name == "" {
		name = "json"
	}
	return defaultRegistry.Get(name)
}

// List returns the sorted names of registered serializers.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.serializers))
	for name := range r.serializers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
