// Package registry is the Registry Adapter (§6): atomic find-or-create by
// key, guaranteeing at most one live handle per key, plus a plain lookup.
// Adapted from the teacher's integration.Registry (a mutex-guarded
// name->handle map with Register/Get), generalized from "register a
// pre-built integration" to "start-or-lookup via a factory invoked at
// most once per key", which is what the Aggregate Instance runtime needs
// from a process registry.
package registry

import (
	"fmt"
	"sync"

	"github.com/eventrouter/dispatch/runtimelog"
)

// Key identifies a live aggregate instance by its kind and stream UUID.
type Key struct {
	AggregateKind string
	StreamUUID    string
}

func (k Key) String() string { return k.AggregateKind + "/" + k.StreamUUID }

// Handle is an opaque reference to whatever the factory produced (in this
// module, always a *aggregate.Instance, but the registry itself stays
// aggregate-agnostic so it can be reused for any named-process lookup).
type Handle any

type entry struct {
	once   sync.Once
	handle Handle
	err    error
}

// Registry is the in-process Registry Adapter implementation.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[Key]*entry)}
}

// StartOrLookup atomically returns the existing handle for key, or invokes
// factory exactly once to create it. Concurrent callers racing on the same
// key block on the same sync.Once rather than each invoking factory.
func (r *Registry) StartOrLookup(key Key, factory func() (Handle, error)) (handle Handle, created bool, err error) {
	r.mu.Lock()
	e, exists := r.entries[key]
	if !exists {
		e = &entry{}
		r.entries[key] = e
	}
	r.mu.Unlock()

	ranFactory := false
	e.once.Do(func() {
		ranFactory = true
		e.handle, e.err = factory()
	})
	if e.err != nil {
		// A failed factory must not wedge the key forever: drop the entry
		// so the next caller gets a fresh attempt.
		r.mu.Lock()
		if r.entries[key] == e {
			delete(r.entries, key)
		}
		r.mu.Unlock()
		runtimelog.ErrorCF("registry", "instance spawn failed", runtimelog.Fields{"key": key.String(), "error": e.err})
		return nil, false, fmt.Errorf("registry: start %s: %w", key, e.err)
	}
	if ranFactory {
		runtimelog.InfoCF("registry", "instance spawned", runtimelog.Fields{"key": key.String()})
	}
	return e.handle, ranFactory, nil
}

// Whereis returns the live handle for key, if any, without creating one.
func (r *Registry) Whereis(key Key) (Handle, bool) {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	if e.err != nil {
		return nil, false
	}
	return e.handle, e.handle != nil
}

// Forget removes key's entry, used when an instance terminates so a later
// dispatch spawns a fresh one rather than reusing a dead handle.
func (r *Registry) Forget(key Key) {
	r.mu.Lock()
	_, existed := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()
	if existed {
		runtimelog.InfoCF("registry", "instance forgotten", runtimelog.Fields{"key": key.String()})
	}
}

// Keys returns a snapshot of every registered key, in no particular order.
// Used by the aggregate supervisor's sweep and shutdown passes.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len reports the number of live entries, for diagnostics/tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
