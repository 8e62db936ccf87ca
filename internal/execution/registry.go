package execution

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages execution mode factories.
type Registry struct {
	modes map[string]func() Mode
	mu    sync.RWMutex
}

// NewRegistry creates a new execution mode registry with default modes.
func NewRegistry() *Registry {
	r := &Registry{
		modes: make(map[string]func() Mode),
	}

	r.Register(ModeRampingVUs, func() Mode { return NewRampingVUsMode() })
	r.Register(ModeConstantVUs, func() Mode { return NewConstantVUsMode() })

	return r
}

// Register registers a mode factory.
func (r *Registry) Register(mode string, factory func() Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modes[mode] = factory
}

// Get returns a new instance of the specified mode.
func (r *Registry) Get(mode string) (Mode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.modes[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}

	return factory(), nil
}

// GetOrDefault returns a new instance of the specified mode, or ramping-vus if empty.
func (r *Registry) GetOrDefault(mode string) (Mode, error) {
	if mode == "" {
		mode = ModeRampingVUs
	}
	return r.Get(mode)
}

// List returns all registered mode names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	modes := make([]string, 0, len(r.modes))
	for mode := range r.modes {
		modes = append(modes, mode)
	}
	sort.Strings(modes)
	return modes
}

// DefaultRegistry is the default execution mode registry.
var DefaultRegistry = NewRegistry()

// GetModeOrDefault returns a mode from the default registry, or ramping-vus if empty.
func GetModeOrDefault(mode string) (Mode, error) {
	return DefaultRegistry.GetOrDefault(mode)
}
