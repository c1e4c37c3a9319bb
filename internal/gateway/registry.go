package gateway

import (
	"fmt"
	"sync"
)

// Registry holds the configured providers and designates one as primary.
// Components resolve a provider by name, falling back to the primary when the
// caller does not care.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
	primary  string
}

func NewRegistry() *Registry {
	return &Registry{gateways: make(map[string]Gateway)}
}

// Register adds a provider. The first registered provider becomes primary
// unless SetPrimary overrides it.
func (r *Registry) Register(gw Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[gw.Name()] = gw
	if r.primary == "" {
		r.primary = gw.Name()
	}
}

// SetPrimary designates the default provider.
func (r *Registry) SetPrimary(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.gateways[name]; !ok {
		return fmt.Errorf("gateway: provider %q not registered", name)
	}
	r.primary = name
	return nil
}

// Primary returns the name of the default provider, empty if none registered.
func (r *Registry) Primary() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primary
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gw, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("gateway: provider %q not registered", name)
	}
	return gw, nil
}

// Resolve returns the named provider, or the primary one when name is empty.
func (r *Registry) Resolve(name string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.primary
	}
	gw, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("gateway: provider %q not registered", name)
	}
	return gw, nil
}

// Names lists all registered providers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	return names
}
