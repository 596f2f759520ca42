package experiment

import (
	"sort"
	"sync"

	"github.com/boyuan99/three-maze-sub000/errors"
)

// Registry maps experiment names to factories. Experiments register
// themselves at startup; the runtime resolves names at load time.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Re-registering a name is an error
// so two modules cannot silently shadow each other.
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" || factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "factory validation")
	}
	if _, exists := r.factories[name]; exists {
		return errors.WrapInvalid(errors.ErrHandlerCollision, "Registry", "Register", "name collision")
	}
	r.factories[name] = factory
	return nil
}

// Get resolves a factory by name.
func (r *Registry) Get(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[name]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrNotFound, "Registry", "Get", "factory lookup")
	}
	return factory, nil
}

// List returns registered experiment names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
