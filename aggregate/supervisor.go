package aggregate

import (
	"context"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"

	"github.com/eventrouter/dispatch/lifespan"
	"github.com/eventrouter/dispatch/registry"
	"github.com/eventrouter/dispatch/runtimelog"
)

// Supervisor periodically reaps stopped instances from the registry so a
// later dispatch to the same key spawns fresh rather than reusing a dead
// handle. It is a separate concern from lifespan.Policy's per-instance
// inactivity timer: that timer decides when ONE instance stops itself;
// the supervisor just keeps the registry tidy across all of them, on a
// cron schedule rather than a plain ticker, matching the teacher's
// gronx-driven scheduled task idiom.
type Supervisor struct {
	reg    *registry.Registry
	leases *lifespan.LeaseTracker

	// Expr is a standard cron expression evaluated once per Tick; the
	// default "* * * * *" set by NewSupervisor sweeps once a minute. A shorter custom
	// schedule (e.g. "*/5 * * * * *", which gronx also accepts with
	// seconds) is appropriate for tests and low-traffic deployments.
	Expr string

	// Tick is how often RunSweeper polls whether Expr is due. It must be
	// finer-grained than Expr's own resolution.
	Tick time.Duration
}

// NewSupervisor creates a Supervisor reaping stopped instances tracked by
// reg and leases, on the default once-a-minute schedule.
func NewSupervisor(reg *registry.Registry, leases *lifespan.LeaseTracker) *Supervisor {
	return &Supervisor{reg: reg, leases: leases, Expr: "* * * * *", Tick: time.Second}
}

// RunSweeper blocks, evaluating Expr against a gronx cron parser every
// Tick, forgetting stopped instances' registry entries and disarming their
// leases each time Expr is due. Returns when ctx is cancelled.
func (s *Supervisor) RunSweeper(ctx context.Context, keys func() []registry.Key, lookup func(registry.Key) (*Instance, bool)) error {
	gron := gronx.New()
	ticker := time.NewTicker(s.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			due, err := gron.IsDue(s.Expr, now)
			if err != nil {
				runtimelog.ErrorCF("aggregate.supervisor", "invalid sweep schedule", runtimelog.Fields{"expr": s.Expr, "error": err})
				continue
			}
			if !due {
				continue
			}
			s.sweepOnce(keys, lookup)
		}
	}
}

func (s *Supervisor) sweepOnce(keys func() []registry.Key, lookup func(registry.Key) (*Instance, bool)) {
	reaped := 0
	for _, key := range keys() {
		inst, ok := lookup(key)
		if !ok {
			continue
		}
		if inst.Stopped() {
			s.reg.Forget(key)
			s.leases.Disarm(key.String())
			reaped++
		}
	}
	if reaped > 0 {
		runtimelog.InfoCF("aggregate.supervisor", "reaped stopped instances", runtimelog.Fields{"count": reaped})
	}
}

// Shutdown waits for every instance named by keys to stop, fanning the
// wait out across all of them concurrently via errgroup rather than a
// serial loop, bounded by ctx's deadline. It only waits; callers that want
// the instances to actually exit ask them first via Instance.Stop, the way
// the dispatch Runtime's Shutdown does.
func (s *Supervisor) Shutdown(ctx context.Context, keys []registry.Key, lookup func(registry.Key) (*Instance, bool)) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		key := key
		inst, ok := lookup(key)
		if !ok {
			continue
		}
		g.Go(func() error {
			select {
			case <-inst.done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}
