// Package devfs holds in-memory registries standing in for a character-device
// and attribute-file namespace.
package devfs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrExist reports a name that is already registered.
var ErrExist = errors.New("devfs: name already registered")

// ErrNotExist reports a lookup of a name that is not registered.
var ErrNotExist = errors.New("devfs: name not registered")

// Attribute is a textual get/set endpoint.
type Attribute interface {
	Show() string
	Store(value string) error
}

// Registry maps names to endpoints of one kind.
type Registry[T any] struct {
	mu      sync.Mutex
	entries map[string]T
	// Reserved names are rejected by Register, simulating a namespace that
	// is already populated by someone else.
	reserved map[string]bool
}

// NewRegistry returns an empty Registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{
		entries:  make(map[string]T),
		reserved: make(map[string]bool),
	}
}

// Reserve marks name as taken without an endpoint.
func (r *Registry[T]) Reserve(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reserved[name] = true
}

// Register binds name to v.
func (r *Registry[T]) Register(name string, v T) error {
	if name == "" {
		return fmt.Errorf("devfs: name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists || r.reserved[name] {
		return fmt.Errorf("devfs: register %q: %w", name, ErrExist)
	}
	r.entries[name] = v
	return nil
}

// Unregister removes name. Removing an unknown name is a no-op.
func (r *Registry[T]) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Lookup returns the endpoint bound to name.
func (r *Registry[T]) Lookup(name string) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("devfs: lookup %q: %w", name, ErrNotExist)
	}
	return v, nil
}

// Names returns the registered names in sorted order.
func (r *Registry[T]) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
