// Package registry holds the typed (kind, name) object table every
// other component looks objects up through, the replacement for the
// per-type slice-plus-map ObjectStore gogios built for Hosts and
// Services: here any Object, of any kind, shares one table and one
// activation lifecycle.
package registry

import (
	"fmt"
	"sync"

	"github.com/icinga-go/gogiod/internal/errkind"
)

// ActivationState is where an object sits in its Inactive -> Starting ->
// Active -> Paused/Stopping -> Stopped lifecycle. The Scheduler only
// considers objects in the Active state.
type ActivationState int

const (
	Inactive ActivationState = iota
	Starting
	Active
	Paused
	Stopping
	Stopped
)

func (s ActivationState) String() string {
	switch s {
	case Inactive:
		return "Inactive"
	case Starting:
		return "Starting"
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Object is anything the registry can hold: a Checkable, a Dependency,
// a TimePeriod, an Endpoint, a User — any entity with a stable (kind,
// name) identity.
type Object interface {
	ObjectKind() string
	ObjectName() string
}

type key struct {
	kind string
	name string
}

type entry struct {
	obj   Object
	state ActivationState
}

// Registry is the arena every object lives in; cross-references between
// objects are (kind, name) lookups through it rather than owning Go
// pointers, so the object graph has no reference cycles for the runtime
// to manage.
type Registry struct {
	mu         sync.RWMutex
	knownKinds map[string]bool
	objects    map[key]*entry
	byKind     map[string][]*entry
}

// New returns an empty Registry. knownKinds declares the object kinds
// this registry will accept; Register rejects any other kind with
// UnknownType.
func New(knownKinds ...string) *Registry {
	kk := make(map[string]bool, len(knownKinds))
	for _, k := range knownKinds {
		kk[k] = true
	}
	return &Registry{
		knownKinds: kk,
		objects:    make(map[key]*entry),
		byKind:     make(map[string][]*entry),
	}
}

// Register adds obj to the registry in the Inactive state. Fails with
// UnknownType if obj's kind wasn't declared to New, or DuplicateName if
// an object of the same (kind, name) already exists.
func (r *Registry) Register(obj Object) error {
	k := key{kind: obj.ObjectKind(), name: obj.ObjectName()}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.knownKinds) > 0 && !r.knownKinds[k.kind] {
		return errkind.New(errkind.UnknownType, "Registry.Register", fmt.Errorf("unknown object kind %q", k.kind))
	}
	if _, exists := r.objects[k]; exists {
		return errkind.New(errkind.DuplicateName, "Registry.Register", fmt.Errorf("%s %q already registered", k.kind, k.name))
	}

	e := &entry{obj: obj, state: Inactive}
	r.objects[k] = e
	r.byKind[k.kind] = append(r.byKind[k.kind], e)
	return nil
}

// GetByName looks up a single object by kind and name.
func (r *Registry) GetByName(kind, name string) (Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.objects[key{kind: kind, name: name}]
	if !ok {
		return nil, false
	}
	return e.obj, true
}

// SetState transitions the named object to state. The caller is
// responsible for following the legal Inactive -> Starting -> Active ->
// Paused/Stopping -> Stopped sequence; SetState itself does not enforce
// transition legality, matching how gogios's store let callers mutate
// object fields directly under its lock.
func (r *Registry) SetState(kind, name string, state ActivationState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.objects[key{kind: kind, name: name}]
	if !ok {
		return errkind.New(errkind.UnknownType, "Registry.SetState", fmt.Errorf("no such object %s/%s", kind, name))
	}
	e.state = state
	return nil
}

// State returns the named object's current activation state.
func (r *Registry) State(kind, name string) (ActivationState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.objects[key{kind: kind, name: name}]
	if !ok {
		return Inactive, false
	}
	return e.state, true
}

// Unregister removes an object entirely, e.g. on dynamic-object prune.
func (r *Registry) Unregister(kind, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{kind: kind, name: name}
	delete(r.objects, k)
	list := r.byKind[kind]
	for i, e := range list {
		if e.obj.ObjectName() == name {
			r.byKind[kind] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// GetObjectsByType returns every Active-or-not object of the given kind
// whose dynamic type is T. Go methods cannot carry their own type
// parameters, so this lives as a package function rather than a
// Registry method.
func GetObjectsByType[T Object](r *Registry, kind string) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []T
	for _, e := range r.byKind[kind] {
		if t, ok := e.obj.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// ActiveObjectsByType is GetObjectsByType filtered to the Active state,
// the set the Scheduler is allowed to consider.
func ActiveObjectsByType[T Object](r *Registry, kind string) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []T
	for _, e := range r.byKind[kind] {
		if e.state != Active {
			continue
		}
		if t, ok := e.obj.(T); ok {
			out = append(out, t)
		}
	}
	return out
}
