// Package params provides named parameter slots that are wired into a graph at
// construction time and bound to concrete values per evaluation.
package params

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnknownParameter indicates a binding or lookup named an undeclared slot.
	ErrUnknownParameter = errors.New("unknown parameter")

	// ErrDuplicateParameter indicates a slot was declared twice.
	ErrDuplicateParameter = errors.New("parameter already declared")

	// ErrInvalidName indicates an empty slot name.
	ErrInvalidName = errors.New("invalid parameter name")
)

type unset struct{}

func (unset) String() string { return "<unset>" }

// Unset is the default of a slot that every evaluation must bind.
var Unset any = unset{}

// IsUnset reports whether v is the Unset sentinel.
func IsUnset(v any) bool {
	_, ok := v.(unset)

	return ok
}

// Slot is a named placeholder resolved at evaluation time.
type Slot struct {
	name string
}

// Name returns the slot name.
func (s *Slot) Name() string { return s.name }

// Keyed reports whether the bound value contributes to cache keys. Slots whose
// name starts with an underscore carry values such as model objects or worker
// counts that must not change the identity of a result.
func (s *Slot) Keyed() bool { return !strings.HasPrefix(s.name, "_") }

// Registry declares a pipeline's slots and produces bindings for them.
type Registry struct {
	mu       sync.RWMutex
	defaults map[string]any
	slots    map[string]*Slot
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defaults: make(map[string]any),
		slots:    make(map[string]*Slot),
	}
}

// Declare adds one slot with a default value; pass Unset (or nil) to require a binding.
func (r *Registry) Declare(name string, defaultValue any) (*Slot, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrInvalidName
	}

	if defaultValue == nil {
		defaultValue = Unset
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.slots[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateParameter, name)
	}

	slot := &Slot{name: name}
	r.slots[name] = slot
	r.defaults[name] = defaultValue

	return slot, nil
}

// DeclareMany declares a set of slots at once. nil defaults mean Unset.
func (r *Registry) DeclareMany(defaults map[string]any) error {
	names := make([]string, 0, len(defaults))
	for name := range defaults {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		_, err := r.Declare(name, defaults[name])
		if err != nil {
			return err
		}
	}

	return nil
}

// Slot returns the slot declared under name.
func (r *Registry) Slot(name string) (*Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	slot, ok := r.slots[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParameter, name)
	}

	return slot, nil
}

// MustSlot is Slot that panics for undeclared names.
func (r *Registry) MustSlot(name string) *Slot {
	slot, err := r.Slot(name)
	if err != nil {
		panic(err)
	}

	return slot
}

// Names returns all declared slot names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.slots))
	for name := range r.slots {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Default returns the declared default of a slot.
func (r *Registry) Default(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.defaults[name]

	return v, ok
}

// Bind overlays values on the declared defaults. Names that were never
// declared are rejected; slots left Unset only fail an evaluation that needs them.
func (r *Registry) Bind(values map[string]any) (Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bound := make(map[string]any, len(r.defaults))
	for name, v := range r.defaults {
		bound[name] = v
	}

	unknown := make([]string, 0)

	for name, v := range values {
		if _, ok := r.slots[name]; !ok {
			unknown = append(unknown, name)

			continue
		}

		if v == nil {
			v = Unset
		}

		bound[name] = v
	}

	if len(unknown) > 0 {
		sort.Strings(unknown)

		return Binding{}, fmt.Errorf("%w: %s", ErrUnknownParameter, strings.Join(unknown, ", "))
	}

	return Binding{values: bound}, nil
}

// Binding is an immutable name to value map for one evaluation.
type Binding struct {
	values map[string]any
}

// NewBinding builds a binding directly from values, without a registry.
func NewBinding(values map[string]any) Binding {
	bound := make(map[string]any, len(values))
	for k, v := range values {
		bound[k] = v
	}

	return Binding{values: bound}
}

// Lookup returns the bound value of a slot. Unset slots report false.
func (b Binding) Lookup(name string) (any, bool) {
	v, ok := b.values[name]
	if !ok || IsUnset(v) {
		return nil, false
	}

	return v, true
}

// With returns a copy of the binding with one value replaced.
func (b Binding) With(name string, value any) Binding {
	next := make(map[string]any, len(b.values)+1)
	for k, v := range b.values {
		next[k] = v
	}

	next[name] = value

	return Binding{values: next}
}

// Names returns the names that have a concrete value, sorted.
func (b Binding) Names() []string {
	names := make([]string, 0, len(b.values))

	for name, v := range b.values {
		if IsUnset(v) {
			continue
		}

		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Values returns a copy of all concrete values.
func (b Binding) Values() map[string]any {
	out := make(map[string]any, len(b.values))

	for name, v := range b.values {
		if IsUnset(v) {
			continue
		}

		out[name] = v
	}

	return out
}
