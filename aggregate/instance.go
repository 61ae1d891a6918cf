// Package aggregate is the Aggregate Instance runtime: one goroutine and
// one buffered mailbox channel per (aggregate kind, stream UUID), executing
// commands serially against lazily-rehydrated state. Grounded on the
// teacher's orchestration.TaskAssignment claim/lease idiom, turned from a
// per-task claim into a per-identity serialized actor — the mailbox
// channel plus single reader goroutine is the same "exactly one worker
// touches this state at a time" shape picoclaw uses per agent task, here
// pinned to an aggregate identity instead of a task ID.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eventrouter/dispatch/dispatcherrors"
	"github.com/eventrouter/dispatch/domain"
	"github.com/eventrouter/dispatch/eventstore"
	"github.com/eventrouter/dispatch/lifespan"
	"github.com/eventrouter/dispatch/registry"
	"github.com/eventrouter/dispatch/runtimelog"
)

// ReturningMode selects how much of the execution outcome is shaped back to
// the caller.
type ReturningMode int

const (
	ReturningNone ReturningMode = iota
	ReturningAggregateVersion
	ReturningAggregateState
	ReturningExecutionResult
)

// HandlerResult is the normalized return from an aggregate command handler.
// Build one with the constructors below; the zero value behaves like
// OkEvents() with no events.
type HandlerResult struct {
	events   []eventstore.EventData
	reply    any
	hasReply bool
	err      error
}

// OkEvents accepts zero or more events with no inline reply.
func OkEvents(events ...eventstore.EventData) HandlerResult {
	return HandlerResult{events: events}
}

// OkWithReply accepts events plus a domain reply, forwarded to the caller
// only when the dispatch's returning mode permits an inline reply
// (execution_result, per the spec's resolution of the ambiguous case).
func OkWithReply(reply any, events ...eventstore.EventData) HandlerResult {
	return HandlerResult{events: events, reply: reply, hasReply: true}
}

// Failed surfaces a domain error: no events appended, no state mutation.
func Failed(err error) HandlerResult {
	return HandlerResult{err: err}
}

// Handler is a command handler: given the current folded state and the
// command, it returns a HandlerResult. Handlers must be deterministic given
// equal (state, command) pairs, since the retry loop re-invokes them
// against refreshed state with the same command value.
type Handler func(ctx context.Context, state any, command any) HandlerResult

// ApplyFunc folds one recorded event onto state, returning the new state.
type ApplyFunc func(state any, event eventstore.RecordedEvent) any

// ExecutionResult is the richest outcome shape, returned internally and
// projected down per ReturningMode by the caller (dispatch.Dispatcher).
type ExecutionResult struct {
	AggregateUUID    string
	AggregateState   any
	AggregateVersion uint64
	Events           []eventstore.RecordedEvent
	Metadata         domain.Metadata
}

// Spec describes one live instance: its identity, how to fold and execute
// against it, and its lifespan policy.
type Spec struct {
	AggregateKind string
	StreamUUID    string
	InitialState  func() any
	Apply         ApplyFunc
	Store         eventstore.EventStore
	BatchSize     int
	Lifespan      lifespan.Policy
	RetryBackoff  lifespan.RetryBackoff
	MailboxSize   int

	// Leases, when set, mirrors this instance's inactivity deadline into
	// the shared tracker the Supervisor sweeps. The per-instance timer in
	// run() stays authoritative for when the instance stops itself.
	Leases *lifespan.LeaseTracker
}

// Request is one command submitted to an instance's mailbox.
type Request struct {
	Ctx           context.Context
	Command       any
	CommandUUID   string
	CausationID   string
	CorrelationID string
	Metadata      domain.Metadata
	Returning     ReturningMode
	RetryAttempts int
	Reply         chan Response
}

// Response is what the instance sends back for a Request.
type Response struct {
	Result ExecutionResult
	Reply  any
	Err    error
}

// Instance is the per-identity actor: a single goroutine owning aggregate
// state, fed through a buffered mailbox.
type Instance struct {
	spec     Spec
	leaseKey string

	mailbox  chan Request
	done     chan struct{}
	stopC    chan struct{}
	stopOnce sync.Once

	mu         sync.Mutex
	state      any
	version    uint64
	rehydrated bool
	stopped    bool
	stopReason error
}

// NewInstance creates an instance and starts its run loop. Callers obtain
// instances through registry.Registry.StartOrLookup, never directly.
func NewInstance(spec Spec) *Instance {
	if spec.BatchSize <= 0 {
		spec.BatchSize = 256
	}
	if spec.MailboxSize <= 0 {
		spec.MailboxSize = 64
	}
	if spec.Lifespan == nil {
		spec.Lifespan = lifespan.KeepAliveForever()
	}
	if spec.RetryBackoff == (lifespan.RetryBackoff{}) {
		spec.RetryBackoff = lifespan.DefaultRetryBackoff()
	}
	inst := &Instance{
		spec:     spec,
		leaseKey: registry.Key{AggregateKind: spec.AggregateKind, StreamUUID: spec.StreamUUID}.String(),
		mailbox:  make(chan Request, spec.MailboxSize),
		done:     make(chan struct{}),
		stopC:    make(chan struct{}),
	}
	runtimelog.InfoCF("aggregate", "instance spawned", runtimelog.Fields{
		"aggregate_kind": spec.AggregateKind, "stream_uuid": spec.StreamUUID,
	})
	go inst.run()
	return inst
}

// Send enqueues req on the instance's mailbox. Returns
// dispatcherrors.ErrAggregateStopped if the instance has already exited.
func (inst *Instance) Send(req Request) error {
	select {
	case <-inst.done:
		return dispatcherrors.ErrAggregateStopped
	default:
	}
	select {
	case inst.mailbox <- req:
		return nil
	case <-inst.done:
		return dispatcherrors.ErrAggregateStopped
	}
}

// Stop asks the run loop to exit once the in-flight command (if any)
// completes. Queued commands are drained with ErrAggregateStopped. Safe to
// call more than once; used by the Runtime's shutdown path.
func (inst *Instance) Stop() {
	inst.stopOnce.Do(func() { close(inst.stopC) })
}

// Stopped reports whether the instance's run loop has exited.
func (inst *Instance) Stopped() bool {
	select {
	case <-inst.done:
		return true
	default:
		return false
	}
}

func (inst *Instance) run() {
	stopReason := "lifespan"
	defer func() {
		inst.disarmLease()
		close(inst.done)
		runtimelog.InfoCF("aggregate", "instance stopped", runtimelog.Fields{
			"aggregate_kind": inst.spec.AggregateKind, "stream_uuid": inst.spec.StreamUUID, "reason": stopReason,
		})
	}()
	// timeoutC is armed by the lifespan policy's decision after each
	// outcome; nil means block on the mailbox indefinitely (Infinity /
	// Hibernate / before the first command).
	var timeoutC <-chan time.Time
	for {
		select {
		case req, ok := <-inst.mailbox:
			if !ok {
				stopReason = "mailbox_closed"
				return
			}
			resp, crashed := inst.handleSafely(req)
			if req.Reply != nil {
				select {
				case req.Reply <- resp:
				default:
				}
			}
			if crashed {
				stopReason = "panic"
				inst.drainWithStopped()
				return
			}

			decision := inst.afterOutcome(req, resp)
			if decision.IsStop() {
				stopReason = "lifespan_stop"
				inst.drainWithStopped()
				return
			}
			if decision.IsHibernate() {
				// Release the folded state; the next command rehydrates.
				inst.mu.Lock()
				inst.state = nil
				inst.rehydrated = false
				inst.mu.Unlock()
			}
			if d, isTimeout := decision.InactivityTimeout(); isTimeout {
				timeoutC = time.After(d)
				inst.armLease(d)
			} else {
				timeoutC = nil
				inst.disarmLease()
			}
		case <-timeoutC:
			stopReason = "idle_timeout"
			return
		case <-inst.stopC:
			stopReason = "shutdown"
			inst.drainWithStopped()
			return
		}
	}
}

// armLease/disarmLease mirror the run loop's inactivity timer into the
// shared tracker; the Supervisor's sweep disarms the entries of instances
// it reaps.
func (inst *Instance) armLease(d time.Duration) {
	if inst.spec.Leases != nil {
		inst.spec.Leases.Arm(inst.leaseKey, d)
	}
}

func (inst *Instance) disarmLease() {
	if inst.spec.Leases != nil {
		inst.spec.Leases.Disarm(inst.leaseKey)
	}
}

// handleSafely runs handle, recovering a panic from a user Handler or
// ApplyFunc so it terminates only this instance rather than the process
// (spec §7: "the instance itself may die on unrecoverable errors; the
// Registry re-creates it on demand"). crashed is true when a panic was
// recovered; the caller must treat that as a forced stop rather than
// consulting the lifespan policy, since the instance's in-memory state may
// be partially mutated.
func (inst *Instance) handleSafely(req Request) (resp Response, crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("aggregate: panic executing command against %s: %v: %w", inst.spec.StreamUUID, r, dispatcherrors.ErrAggregateExecutionFailed)
			runtimelog.ErrorCF("aggregate", "instance panicked", runtimelog.Fields{
				"aggregate_kind": inst.spec.AggregateKind, "stream_uuid": inst.spec.StreamUUID, "error": err,
			})
			resp = Response{Err: err}
			crashed = true
		}
	}()
	return inst.handle(req), false
}

func (inst *Instance) drainWithStopped() {
	inst.mu.Lock()
	inst.stopped = true
	inst.stopReason = dispatcherrors.ErrAggregateStopped
	inst.mu.Unlock()
	for {
		select {
		case req := <-inst.mailbox:
			if req.Reply != nil {
				select {
				case req.Reply <- Response{Err: dispatcherrors.ErrAggregateStopped}:
				default:
				}
			}
		default:
			return
		}
	}
}

func (inst *Instance) afterOutcome(req Request, resp Response) lifespan.Decision {
	if resp.Err != nil {
		return inst.spec.Lifespan.AfterError(resp.Err)
	}
	decision := inst.spec.Lifespan.AfterCommand(req.Command)
	for _, evt := range resp.Result.Events {
		decision = inst.spec.Lifespan.AfterEvent(evt)
	}
	return decision
}

// handle runs one request to completion: rehydrate if needed, execute the
// handler, append with retry, apply, and shape the response.
func (inst *Instance) handle(req Request) Response {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if !inst.rehydrated {
		if err := inst.rehydrateLocked(req.Ctx); err != nil {
			return Response{Err: err}
		}
	}

	handler, _ := req.Ctx.Value(handlerContextKey{}).(Handler)
	if handler == nil {
		return Response{Err: fmt.Errorf("aggregate: no handler bound to request context")}
	}

	attempts := req.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for {
		result := handler(req.Ctx, inst.state, req.Command)
		if result.err != nil {
			return Response{Err: result.err}
		}

		if result.hasReply && req.Returning != ReturningExecutionResult {
			return Response{Err: dispatcherrors.ErrReturningMismatch}
		}

		if len(result.events) == 0 {
			return inst.shapeResponse(req, result, nil)
		}

		enriched := enrich(result.events, req)
		err := inst.spec.Store.Append(req.Ctx, inst.spec.StreamUUID, inst.version, enriched)
		if err == nil {
			applied := inst.applyLocked(enriched)
			return inst.shapeResponse(req, result, applied)
		}
		if !isWrongVersion(err) {
			return Response{Err: err}
		}

		attempts--
		if attempts <= 0 {
			runtimelog.ErrorCF("aggregate", "retry attempts exhausted", runtimelog.Fields{
				"stream_uuid": inst.spec.StreamUUID, "version": inst.version,
			})
			return Response{Err: dispatcherrors.ErrTooManyAttempts}
		}
		runtimelog.InfoCF("aggregate", "retry triggered", runtimelog.Fields{
			"stream_uuid": inst.spec.StreamUUID, "expected_version": inst.version, "attempts_remaining": attempts,
		})
		if d := inst.spec.RetryBackoff.Delay(req.RetryAttempts - attempts - 1); d > 0 {
			time.Sleep(d)
		}
		if err := inst.catchUpLocked(req.Ctx); err != nil {
			return Response{Err: err}
		}
	}
}

func isWrongVersion(err error) bool {
	return errors.Is(err, eventstore.ErrWrongExpectedVersion)
}

func enrich(events []eventstore.EventData, req Request) []eventstore.EventData {
	out := make([]eventstore.EventData, len(events))
	for i, e := range events {
		md := domain.Metadata{}.Merge(req.Metadata).Merge(e.Metadata)
		if req.CommandUUID != "" {
			md.Set("causation_id", req.CommandUUID)
		}
		if req.CorrelationID != "" {
			md.Set("correlation_id", req.CorrelationID)
		}
		e.Metadata = md
		out[i] = e
	}
	return out
}

func (inst *Instance) shapeResponse(req Request, result HandlerResult, applied []eventstore.RecordedEvent) Response {
	execResult := ExecutionResult{
		AggregateUUID:    inst.spec.StreamUUID,
		AggregateState:   inst.state,
		AggregateVersion: inst.version,
		Events:           applied,
		Metadata:         req.Metadata,
	}
	resp := Response{Result: execResult}
	if result.hasReply {
		resp.Reply = result.reply
	}
	return resp
}

// applyLocked runs after the store append has succeeded: it folds each
// event onto state, bumping version by one per event. Caller holds inst.mu.
func (inst *Instance) applyLocked(events []eventstore.EventData) []eventstore.RecordedEvent {
	applied := make([]eventstore.RecordedEvent, 0, len(events))
	for _, e := range events {
		inst.version++
		rec := eventstore.RecordedEvent{
			EventID:       e.EventID,
			Type:          e.Type,
			Data:          e.Data,
			Metadata:      e.Metadata,
			StreamUUID:    inst.spec.StreamUUID,
			StreamVersion: inst.version,
			RecordedAt:    domain.Now().Time,
		}
		inst.state = inst.spec.Apply(inst.state, rec)
		applied = append(applied, rec)
	}
	return applied
}

// rehydrateLocked folds the full stream from version 0. Caller holds inst.mu.
func (inst *Instance) rehydrateLocked(ctx context.Context) error {
	state := inst.spec.InitialState()
	var version uint64
	events, errs := inst.spec.Store.ReadStreamForward(ctx, inst.spec.StreamUUID, 0, inst.spec.BatchSize)
	for evt := range events {
		state = inst.spec.Apply(state, evt)
		version = evt.StreamVersion
	}
	if err := <-errs; err != nil {
		return err
	}
	inst.state = state
	inst.version = version
	inst.rehydrated = true
	return nil
}

// catchUpLocked folds events from version+1 forward after a conflict.
// Caller holds inst.mu.
func (inst *Instance) catchUpLocked(ctx context.Context) error {
	events, errs := inst.spec.Store.ReadStreamForward(ctx, inst.spec.StreamUUID, inst.version, inst.spec.BatchSize)
	for evt := range events {
		inst.state = inst.spec.Apply(inst.state, evt)
		inst.version = evt.StreamVersion
	}
	return <-errs
}

// handlerContextKey is how the bound command handler travels alongside a
// Request's context; the aggregate package stays router-agnostic (it never
// imports dispatch), so the caller binds the handler per request instead of
// per Spec — two commands routed to the same aggregate kind can carry
// different handlers.
type handlerContextKey struct{}

// WithHandler returns a context carrying handler, for use when constructing
// a Request's Ctx.
func WithHandler(ctx context.Context, handler Handler) context.Context {
	return context.WithValue(ctx, handlerContextKey{}, handler)
}
