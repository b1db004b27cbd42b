package message

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnregisteredType = errors.New("message: unregistered message type")
	ErrDuplicateType    = errors.New("message: type ID already registered")
)

// Factory constructs an empty instance of a message type, ready for
// UnmarshalPayload.
type Factory func() Msg

// Registry maps type-ID strings to message factories. Deployments register
// types with fixed IDs so renamed implementations stay wire-compatible.
// A Registry is safe for concurrent use after construction.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a type ID to a factory. Re-registering the same ID fails
// with ErrDuplicateType.
func (r *Registry) Register(typeID string, factory Factory) error {
	if typeID == "" {
		return fmt.Errorf("message: empty type ID")
	}
	if factory == nil {
		return fmt.Errorf("message: nil factory for type %q", typeID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[typeID]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateType, typeID)
	}
	r.factories[typeID] = factory
	return nil
}

// MustRegister is Register that panics, for init-phase wiring.
func (r *Registry) MustRegister(typeID string, factory Factory) {
	if err := r.Register(typeID, factory); err != nil {
		panic(err)
	}
}

// New instantiates the message type bound to typeID.
func (r *Registry) New(typeID string) (Msg, bool) {
	r.mu.RLock()
	factory, ok := r.factories[typeID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Known reports whether typeID has a registered factory.
func (r *Registry) Known(typeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typeID]
	return ok
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry. Routers take an
// explicit registry; the default exists for single-router processes.
func DefaultRegistry() *Registry { return defaultRegistry }
