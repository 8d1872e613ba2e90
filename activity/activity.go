// Package activity defines activity type descriptors and the registry that
// maps activity identifiers to registered types and live instances.
//
// An activity identifier is the stable routing key used everywhere in the
// relay protocol. The registry holds a factory per identifier so an inbound
// activity payload can be decoded into the correct concrete type without any
// reliance on runtime type identity.
package activity

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/c360/groupmock/errors"
)

// Activity is implemented by application-defined activity types. An activity
// carries the shareable payload for one class of group session and must be
// JSON-marshalable.
type Activity interface {
	// ActivityIdentifier returns the stable identifier for the activity
	// type (e.g. "com.example.Watch").
	ActivityIdentifier() string
}

// Descriptor holds the factory and metadata for an activity type. New must
// return a fresh zero-value instance ready to be unmarshaled into.
type Descriptor struct {
	Identifier  string
	New         func() Activity
	Description string
}

// Validate checks the descriptor is usable.
func (d Descriptor) Validate() error {
	if d.Identifier == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Descriptor", "Validate",
			"identifier validation")
	}
	if d.New == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Descriptor", "Validate",
			"factory function validation")
	}
	return nil
}

// Registry manages activity type descriptors and live activity instances.
// Registration and lookup are safe for concurrent use; both maps use
// last-write-wins semantics so re-registration is idempotent.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	instances   map[string]Activity
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
		instances:   make(map[string]Activity),
	}
}

// RegisterType records a descriptor under its identifier. The last
// registration for an identifier wins.
func (r *Registry) RegisterType(desc Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[desc.Identifier] = desc
	return nil
}

// Type returns the descriptor registered for an identifier.
func (r *Registry) Type(identifier string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.descriptors[identifier]
	return desc, ok
}

// RegisterInstance records a live activity instance under its type's
// identifier so inbound notifications can be routed to it. The last
// registration wins; no duplicate routing occurs.
func (r *Registry) RegisterInstance(act Activity) {
	if act == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[act.ActivityIdentifier()] = act
}

// Instance returns the live activity instance registered for an identifier.
func (r *Registry) Instance(identifier string) (Activity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	act, ok := r.instances[identifier]
	return act, ok
}

// Encode serializes an activity payload to its wire text.
func Encode(act Activity) (string, error) {
	data, err := json.Marshal(act)
	if err != nil {
		return "", errors.WrapInvalid(err, "activity", "Encode", "marshal activity payload")
	}
	return string(data), nil
}

// Decode parses wire text into a fresh instance of the descriptor's type.
func Decode(text string, desc Descriptor) (Activity, error) {
	if desc.New == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "activity", "Decode",
			"descriptor has no factory")
	}

	act := desc.New()
	if err := json.Unmarshal([]byte(text), act); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrDecodingFailed, err),
			"activity", "Decode", fmt.Sprintf("unmarshal payload for %s", desc.Identifier))
	}
	return act, nil
}
