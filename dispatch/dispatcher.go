package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/eventrouter/dispatch/aggregate"
	"github.com/eventrouter/dispatch/dispatcherrors"
	"github.com/eventrouter/dispatch/registry"
	"github.com/eventrouter/dispatch/runtimelog"
)

// Dispatcher is the runtime entry point (§4.6): look up the route, build
// the Payload, run middleware, locate-or-spawn the aggregate instance,
// await its reply within a deadline, run the after-middleware, and shape
// the final Result.
type Dispatcher struct {
	Router  *CompiledRouter
	Runtime *Runtime
}

// NewDispatcher builds a Dispatcher over a compiled router and host runtime.
func NewDispatcher(router *CompiledRouter, rt *Runtime) *Dispatcher {
	return &Dispatcher{Router: router, Runtime: rt}
}

// Dispatch routes cmd to its aggregate, applies opts over the registered
// defaults, and blocks until the instance replies or the deadline expires.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd any, opts ...Option) (Result, error) {
	entry, err := d.Router.Lookup(commandKind(cmd))
	if err != nil {
		return Result{Err: err}, err
	}

	payload := d.buildPayload(entry, cmd, opts)

	pipeline := &Pipeline{Payload: payload}
	RunChain(entry.Middleware, pipeline, func(p *Pipeline) {
		d.executeAgainstInstance(ctx, entry, p)
	})

	if pipeline.Halted || pipeline.Err != nil {
		err := pipeline.Err
		if err == nil {
			err = fmt.Errorf("dispatch: pipeline halted with no error set")
		}
		return Result{Err: err}, err
	}

	resp, ok := pipeline.Response.(aggregate.Response)
	if !ok {
		err := fmt.Errorf("dispatch: no aggregate response recorded")
		return Result{Err: err}, err
	}
	if resp.Err != nil {
		return Result{Err: resp.Err}, resp.Err
	}

	return shapeResult(payload, resp), nil
}

// commandKind derives the routing key for cmd. Commands are expected to
// implement Kind() string; this keeps the router decoupled from any
// specific command base type.
func commandKind(cmd any) string {
	if k, ok := cmd.(interface{ Kind() string }); ok {
		return k.Kind()
	}
	return fmt.Sprintf("%T", cmd)
}

func (d *Dispatcher) buildPayload(entry RoutingEntry, cmd any, opts []Option) *Payload {
	p := &Payload{
		Application:     d.Runtime,
		Command:         cmd,
		CommandUUID:     uuid.New(),
		CorrelationID:   uuid.New(),
		Consistency:     entry.DefaultConsistency,
		Returning:       entry.DefaultReturning,
		Timeout:         entry.DefaultTimeout,
		RetryAttempts:   entry.DefaultRetryAttempts,
		CommandKind:     entry.CommandKind,
		AggregateKind:   entry.AggregateKind,
		Handler:         entry.Handler,
		Apply:           entry.Apply,
		InitialState:    entry.InitialState,
		IdentityRule:    entry.IdentityRule,
		IdentityPrefix:  entry.IdentityPrefix,
		Lifespan:        entry.Lifespan,
		MiddlewareChain: entry.Middleware,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// executeAgainstInstance is the core dispatch step that runs between the
// middleware before- and after-passes: locate or spawn the aggregate
// instance and await its reply. Its result is stashed on the pipeline so
// AfterDispatch middleware (notably ConsistencyGuarantee) can inspect it.
func (d *Dispatcher) executeAgainstInstance(ctx context.Context, entry RoutingEntry, p *Pipeline) {
	payload := p.Payload
	key := registry.Key{AggregateKind: entry.AggregateKind, StreamUUID: payload.StreamUUID}

	handle, _, err := d.Runtime.Registry.StartOrLookup(key, func() (registry.Handle, error) {
		return aggregate.NewInstance(aggregate.Spec{
			AggregateKind: entry.AggregateKind,
			StreamUUID:    payload.StreamUUID,
			InitialState:  entry.InitialState,
			Apply:         entry.Apply,
			Store:         d.Runtime.Store,
			Lifespan:      entry.Lifespan,
			Leases:        d.Runtime.Leases,
		}), nil
	})
	if err != nil {
		p.Halt(err)
		return
	}
	inst := handle.(*aggregate.Instance)

	deadline := ctx
	var cancel context.CancelFunc
	if payload.Timeout > 0 && payload.Timeout != Unbounded {
		deadline, cancel = context.WithTimeout(ctx, payload.Timeout)
		defer cancel()
	}

	reqCtx := aggregate.WithHandler(deadline, payload.Handler)
	reply := make(chan aggregate.Response, 1)
	req := aggregate.Request{
		Ctx:           reqCtx,
		Command:       payload.Command,
		CommandUUID:   payload.CommandUUID.String(),
		CorrelationID: payload.CorrelationID.String(),
		Metadata:      payload.Metadata,
		Returning:     payload.Returning,
		RetryAttempts: payload.RetryAttempts,
		Reply:         reply,
	}
	if payload.CausationID != nil {
		req.CausationID = payload.CausationID.String()
	}

	if err := inst.Send(req); err != nil {
		d.Runtime.Registry.Forget(key)
		p.Halt(err)
		return
	}

	select {
	case resp := <-reply:
		p.Response = resp
		if resp.Err != nil {
			if errors.Is(resp.Err, dispatcherrors.ErrAggregateStopped) || errors.Is(resp.Err, dispatcherrors.ErrAggregateExecutionFailed) {
				d.Runtime.Registry.Forget(key)
			}
			p.Halt(resp.Err)
		}
	case <-deadline.Done():
		// The instance is NOT cancelled: it keeps running to completion so
		// the store is never left mid-append; the caller just stops waiting.
		runtimelog.ErrorCF("dispatcher", "aggregate execution timed out", runtimelog.Fields{
			"aggregate_kind": entry.AggregateKind, "stream_uuid": payload.StreamUUID, "command_kind": entry.CommandKind,
		})
		p.Halt(fmt.Errorf("dispatch: %w", dispatcherrors.ErrAggregateExecutionTimeout))
	}
}

func shapeResult(payload *Payload, resp aggregate.Response) Result {
	result := Result{Ok: true, AggregateVersion: resp.Result.AggregateVersion}
	switch payload.Returning {
	case aggregate.ReturningAggregateVersion:
		// version already set above
	case aggregate.ReturningAggregateState:
		result.AggregateState = resp.Result.AggregateState
	case aggregate.ReturningExecutionResult:
		er := resp.Result
		result.ExecutionResult = &er
		if resp.Reply != nil {
			result.AggregateState = resp.Reply
		}
	}
	return result
}
