package pipeline

import (
	"sync"

	"github.com/pkg/errors"
)

// WorkerFactory constructs a fresh, uninitialized Worker for a plugin
// name. Element subclasses register a factory under their element name
// in a Registry before any graph document referencing that name can be
// parsed by AddGraph.
type WorkerFactory func() Worker

// Registry is a name -> constructor map, the Go stand-in for
// dynamic-dispatch-by-subclass: Decoder/Algorithm/Encoder/Report
// variants are independent implementations the core holds uniformly
// behind the Worker interface.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]WorkerFactory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]WorkerFactory)}
}

// Register associates name with factory. Registering the same name
// twice replaces the previous factory.
func (r *Registry) Register(name string, factory WorkerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// New constructs a Worker for name, or an error if name was never
// registered.
func (r *Registry) New(name string) (Worker, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("pipeline: no registered element named %q", name)
	}
	return factory(), nil
}
