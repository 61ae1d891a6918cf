package dispatch

import (
	"context"

	"github.com/eventrouter/dispatch/aggregate"
	"github.com/eventrouter/dispatch/consistency"
	"github.com/eventrouter/dispatch/eventstore"
	"github.com/eventrouter/dispatch/lifespan"
	"github.com/eventrouter/dispatch/pubsub"
	"github.com/eventrouter/dispatch/registry"
)

// Runtime is the host application handle threaded through every Payload:
// the event store, process registry, pub/sub bus, and consistency
// coordinator a Dispatcher wires its aggregate instances to, plus the
// lease tracker the aggregate supervisor sweeps. One Runtime typically
// backs one process.
type Runtime struct {
	Store       eventstore.EventStore
	Registry    *registry.Registry
	Bus         pubsub.Bus
	Coordinator *consistency.Coordinator
	Leases      *lifespan.LeaseTracker

	supervisor *aggregate.Supervisor
}

// NewRuntime wires the four collaborators into a Runtime, along with a
// lease tracker and supervisor for instance housekeeping.
func NewRuntime(store eventstore.EventStore, reg *registry.Registry, bus pubsub.Bus, coord *consistency.Coordinator) *Runtime {
	leases := lifespan.NewLeaseTracker()
	return &Runtime{
		Store:       store,
		Registry:    reg,
		Bus:         bus,
		Coordinator: coord,
		Leases:      leases,
		supervisor:  aggregate.NewSupervisor(reg, leases),
	}
}

// RunSweeper blocks, periodically reaping stopped instances from the
// registry so later dispatches to the same key spawn fresh. Host processes
// run it in a goroutine for the life of the Runtime; it returns when ctx
// is cancelled.
func (rt *Runtime) RunSweeper(ctx context.Context) error {
	return rt.supervisor.RunSweeper(ctx, rt.Registry.Keys, rt.lookupInstance)
}

// Shutdown asks every live instance to stop once its in-flight command
// completes (queued commands fail with aggregate_stopped), waits for all
// of them bounded by ctx, then forgets their registry entries.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	keys := rt.Registry.Keys()
	for _, key := range keys {
		if inst, ok := rt.lookupInstance(key); ok {
			inst.Stop()
		}
	}
	err := rt.supervisor.Shutdown(ctx, keys, rt.lookupInstance)
	for _, key := range keys {
		rt.Registry.Forget(key)
	}
	return err
}

func (rt *Runtime) lookupInstance(key registry.Key) (*aggregate.Instance, bool) {
	h, ok := rt.Registry.Whereis(key)
	if !ok {
		return nil, false
	}
	inst, ok := h.(*aggregate.Instance)
	return inst, ok
}
