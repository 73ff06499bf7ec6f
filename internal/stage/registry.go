package stage

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs a stage driver for an address. The stage is not
// connected yet.
type Factory func(address string) (Stage, error)

// Registry is an explicit name-to-constructor table of stage drivers.
// It replaces any runtime driver discovery: every driver a deployment
// uses is registered once at startup and looked up by name, including
// when calibrations are restored from disk.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with all built-in drivers
// registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(SimulatedDriverName, func(address string) (Stage, error) {
		return NewSimulatedStage(address), nil
	})
	r.MustRegister(SerialDriverName, func(address string) (Stage, error) {
		return NewSerialStage(address), nil
	})
	return r
}

// Register adds a driver under a name. Re-registering a name is an
// error.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("driver registration needs a name and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("stage driver %q is already registered", name)
	}
	r.factories[name] = f
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// New constructs a stage from a registered driver.
func (r *Registry) New(driver, address string) (Stage, error) {
	r.mu.Lock()
	f, ok := r.factories[driver]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown stage driver %q", driver)
	}
	return f(address)
}

// Drivers returns the registered driver names, sorted.
func (r *Registry) Drivers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
