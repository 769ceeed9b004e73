package scanner

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
)

// Factory builds a fresh plugin instance. The engine calls it once per job.
type Factory func() Plugin

// Registration describes how to build and normalize a scanner
type Registration struct {
	Factory    Factory
	Normalizer Normalizer
}

// Registry maps scanner names to their registrations
type Registry struct {
	entries map[string]Registration
	mu      sync.RWMutex
}

// DefaultRegistry is populated by each plugin package's Register function.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// Register adds a scanner under name
func (r *Registry) Register(name string, reg Registration) error {
	if strings.TrimSpace(name) == "" {
		return errors.NewConfigError("scanner name cannot be empty")
	}
	if reg.Factory == nil {
		return errors.NewConfigError(fmt.Sprintf("scanner %s has no factory", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return errors.NewConfigError(fmt.Sprintf("scanner %s is already registered", name))
	}
	r.entries[name] = reg
	return nil
}

// Lookup returns the registration for name
func (r *Registry) Lookup(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[name]
	return reg, ok
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns the registered scanner names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewPlugin builds a new instance of the named scanner
func (r *Registry) NewPlugin(name string) (Plugin, error) {
	reg, ok := r.Lookup(name)
	if !ok {
		return nil, errors.NewConfigError(fmt.Sprintf("unknown scanner: %s", name))
	}
	p := reg.Factory()
	if p == nil {
		return nil, errors.NewInternalError(fmt.Sprintf("factory for scanner %s returned nil", name))
	}
	return p, nil
}

// NormalizerFor returns the scanner's normalizer, falling back to
// DefaultNormalizer when none was registered.
func (r *Registry) NormalizerFor(name string) Normalizer {
	if reg, ok := r.Lookup(name); ok && reg.Normalizer != nil {
		return reg.Normalizer
	}
	return DefaultNormalizer
}
