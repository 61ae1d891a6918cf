package dispatch

import (
	"fmt"
	"time"

	"github.com/eventrouter/dispatch/aggregate"
	"github.com/eventrouter/dispatch/consistency"
	"github.com/eventrouter/dispatch/dispatcherrors"
	"github.com/eventrouter/dispatch/lifespan"
)

// RoutingEntry is one registered command kind's complete dispatch config,
// per §3. Built once at configuration time and never mutated afterward.
type RoutingEntry struct {
	CommandKind    string
	Handler        aggregate.Handler
	AggregateKind  string
	Apply          aggregate.ApplyFunc
	InitialState   func() any
	IdentityRule   IdentityRule
	IdentityPrefix IdentityPrefix
	Lifespan       lifespan.Policy

	DefaultConsistency   consistency.Level
	DefaultTimeout       time.Duration
	DefaultReturning     aggregate.ReturningMode
	DefaultRetryAttempts int

	Middleware []Middleware
}

// Config is what a caller supplies to Router.Register for one command kind.
type Config struct {
	Handler       aggregate.Handler
	AggregateKind string
	Apply         aggregate.ApplyFunc
	InitialState  func() any

	// IdentityRule/IdentityPrefix win over the aggregate-level defaults
	// registered via IdentifyAggregate, per §4.1's "per-command wins".
	IdentityRule   IdentityRule
	IdentityPrefix IdentityPrefix

	Lifespan lifespan.Policy

	DefaultConsistency   *consistency.Level
	DefaultTimeout       time.Duration
	DefaultReturning     aggregate.ReturningMode
	DefaultRetryAttempts int

	Middleware []Middleware
}

// aggregateDefaults is what IdentifyAggregate registers per aggregate kind,
// used when a Config omits IdentityRule/IdentityPrefix (the `identify`
// directive, §4.1).
type aggregateDefaults struct {
	rule   IdentityRule
	prefix IdentityPrefix
}

// Router is the mutable registration-time builder. It validates eagerly,
// matching the teacher's Registry.Register/Orchestrator.RegisterAgent
// idiom of failing loudly at configuration time rather than at dispatch
// time.
type Router struct {
	entries    map[string]RoutingEntry
	aggregates map[string]aggregateDefaults
	defaults   SystemDefaults
}

// SystemDefaults is the lowest-precedence tier (§4.1's defaults-merge
// table): consistency=eventual, returning=none, timeout=5s,
// retry_attempts=10, lifespan=keep-alive-forever, middleware=
// [IdentityExtraction, ConsistencyGuarantee].
type SystemDefaults struct {
	Consistency   consistency.Level
	Returning     aggregate.ReturningMode
	Timeout       time.Duration
	RetryAttempts int
	Lifespan      lifespan.Policy
	Middleware    []Middleware
}

// NewRouter creates an empty router seeded with sys as its system defaults.
func NewRouter(sys SystemDefaults) *Router {
	return &Router{
		entries:    make(map[string]RoutingEntry),
		aggregates: make(map[string]aggregateDefaults),
		defaults:   sys,
	}
}

// IdentifyAggregate registers the `identify` directive for an aggregate
// kind: the identity rule/prefix used by any command registered against
// this aggregate kind that doesn't specify its own.
func (r *Router) IdentifyAggregate(aggregateKind string, rule IdentityRule, prefix IdentityPrefix) {
	r.aggregates[aggregateKind] = aggregateDefaults{rule: rule, prefix: prefix}
}

// Register validates and adds one command kind's RoutingEntry. Returns an
// error (configuration failure) rather than panicking, per §4.1.
func (r *Router) Register(commandKind string, cfg Config) error {
	if commandKind == "" {
		return fmt.Errorf("dispatch: command kind must not be empty")
	}
	if _, exists := r.entries[commandKind]; exists {
		return fmt.Errorf("dispatch: command kind %q already registered", commandKind)
	}
	if cfg.Handler == nil {
		return fmt.Errorf("dispatch: command %q: handler is required", commandKind)
	}
	if cfg.AggregateKind == "" {
		return fmt.Errorf("dispatch: command %q: aggregate kind is required", commandKind)
	}
	if cfg.Apply == nil {
		return fmt.Errorf("dispatch: command %q: apply function is required", commandKind)
	}
	if cfg.InitialState == nil {
		return fmt.Errorf("dispatch: command %q: initial state constructor is required", commandKind)
	}

	lifespanPolicy := cfg.Lifespan
	if lifespanPolicy == nil {
		lifespanPolicy = r.defaults.Lifespan
	}
	if lifespanPolicy == nil {
		return fmt.Errorf("dispatch: command %q: no lifespan policy (neither registered nor system default)", commandKind)
	}

	rule := cfg.IdentityRule
	prefix := cfg.IdentityPrefix
	if rule == nil {
		if ag, ok := r.aggregates[cfg.AggregateKind]; ok {
			rule = ag.rule
			if prefix == nil {
				prefix = ag.prefix
			}
		}
	}
	if rule == nil {
		return fmt.Errorf("dispatch: command %q: no identity rule (neither per-command nor per-aggregate `identify`)", commandKind)
	}
	if prefix == nil {
		prefix = noPrefix{}
	}

	entry := RoutingEntry{
		CommandKind:          commandKind,
		Handler:              cfg.Handler,
		AggregateKind:        cfg.AggregateKind,
		Apply:                cfg.Apply,
		InitialState:         cfg.InitialState,
		IdentityRule:         rule,
		IdentityPrefix:       prefix,
		Lifespan:             lifespanPolicy,
		DefaultConsistency:   mergeConsistency(cfg.DefaultConsistency, r.defaults.Consistency),
		DefaultTimeout:       mergeTimeout(cfg.DefaultTimeout, r.defaults.Timeout),
		DefaultReturning:     mergeReturning(cfg.DefaultReturning, r.defaults.Returning),
		DefaultRetryAttempts: mergeRetryAttempts(cfg.DefaultRetryAttempts, r.defaults.RetryAttempts),
		Middleware:           mergeMiddleware(cfg.Middleware, r.defaults.Middleware),
	}
	r.entries[commandKind] = entry
	return nil
}

// CompiledRouter is the immutable, frozen routing table a Dispatcher holds.
// Build copies the builder's map so later calls to the originating Router
// never affect a handed-out CompiledRouter.
type CompiledRouter struct {
	entries map[string]RoutingEntry
}

// Build freezes the router into a CompiledRouter.
func (r *Router) Build() (*CompiledRouter, error) {
	frozen := make(map[string]RoutingEntry, len(r.entries))
	for k, v := range r.entries {
		frozen[k] = v
	}
	return &CompiledRouter{entries: frozen}, nil
}

// Lookup returns the RoutingEntry for commandKind, or
// dispatcherrors.ErrUnregisteredCommand if none exists.
func (c *CompiledRouter) Lookup(commandKind string) (RoutingEntry, error) {
	entry, ok := c.entries[commandKind]
	if !ok {
		return RoutingEntry{}, fmt.Errorf("dispatch: %q: %w", commandKind, dispatcherrors.ErrUnregisteredCommand)
	}
	return entry, nil
}

func mergeMiddleware(perCommand, systemDefault []Middleware) []Middleware {
	if len(perCommand) == 0 {
		return systemDefault
	}
	out := make([]Middleware, 0, len(perCommand)+len(systemDefault))
	out = append(out, perCommand...)
	out = append(out, systemDefault...)
	return out
}

// mergeReturning applies perCommand over systemDefault, per §4.1's
// defaults-merge precedence. aggregate.ReturningNone (the zero value) is
// indistinguishable from "not set" at this tier, matching how
// mergeRetryAttempts treats zero as unset — a command wanting an explicit
// none override on top of a non-none system default sets it via a dispatch
// Option instead.
func mergeReturning(perCommand, systemDefault aggregate.ReturningMode) aggregate.ReturningMode {
	if perCommand != aggregate.ReturningNone {
		return perCommand
	}
	return systemDefault
}

func mergeRetryAttempts(perCommand, systemDefault int) int {
	if perCommand > 0 {
		return perCommand
	}
	return systemDefault
}

// Unbounded marks a dispatch timeout that never expires. Zero means "not
// set, inherit the next tier down" during defaults merging; Unbounded is a
// distinct, very large sentinel so it is never confused with "unset".
const Unbounded time.Duration = time.Duration(1<<63 - 1)

func mergeTimeout(perCommand, systemDefault time.Duration) time.Duration {
	if perCommand != 0 {
		return perCommand
	}
	return systemDefault
}

func mergeConsistency(perCommand *consistency.Level, systemDefault consistency.Level) consistency.Level {
	if perCommand != nil {
		return *perCommand
	}
	return systemDefault
}
