// Package dispatch is the Router Registry and Dispatcher (§4.1, §4.6): the
// configuration-time binding of command kinds to handler + aggregate +
// identity + lifespan, and the runtime entry point that assembles a
// Payload, runs it through middleware, and awaits the aggregate instance's
// reply. Grounded on the teacher's integration.Registry (name -> handle
// table, eager validation) and orchestrator.RegisterAgent/RouteTask
// (capability-checked registration, routing lookup).
package dispatch

import (
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/eventrouter/dispatch/aggregate"
	"github.com/eventrouter/dispatch/consistency"
	"github.com/eventrouter/dispatch/dispatcherrors"
	"github.com/eventrouter/dispatch/domain"
	"github.com/eventrouter/dispatch/lifespan"
)

// IdentityRule extracts an aggregate's raw identity string from a command.
type IdentityRule interface {
	Resolve(command any) (string, error)
}

// fieldRule reads a named struct field off the command via reflection,
// generalizing the teacher's plain getter-based identity reads (picoclaw
// never needed reflection since its domain types are fixed; this runtime's
// commands are arbitrary caller-defined structs, so a name-based selector
// is the only way to stay generic without forcing an interface on every
// command type).
type fieldRule struct{ field string }

func (r fieldRule) Resolve(command any) (string, error) {
	v := reflect.ValueOf(command)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return "", errInvalidIdentity("identity field %q: nil command pointer", r.field)
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return "", errInvalidIdentity("identity field %q: command is not a struct", r.field)
	}
	fv := v.FieldByName(r.field)
	if !fv.IsValid() {
		return "", errInvalidIdentity("identity field %q: no such field on %T", r.field, command)
	}
	s, ok := fv.Interface().(string)
	if !ok {
		if stringer, ok := fv.Interface().(interface{ String() string }); ok {
			s = stringer.String()
		} else {
			return "", errInvalidIdentity("identity field %q: not a string on %T", r.field, command)
		}
	}
	if s == "" {
		return "", errInvalidIdentity("identity field %q: empty value on %T", r.field, command)
	}
	return s, nil
}

// ByField resolves identity by reading the named field off the command
// struct (or the struct a pointer command points to).
func ByField(name string) IdentityRule { return fieldRule{field: name} }

type funcRule struct{ fn func(any) (string, error) }

func (r funcRule) Resolve(command any) (string, error) { return r.fn(command) }

// ByFunc resolves identity by calling fn with the command.
func ByFunc(fn func(any) (string, error)) IdentityRule { return funcRule{fn: fn} }

// IdentityPrefix computes the stream_uuid prefix prepended to the raw
// identity (§4.2 step 2).
type IdentityPrefix interface {
	Value() (string, error)
}

type literalPrefix string

func (p literalPrefix) Value() (string, error) { return string(p), nil }

// Literal returns a constant prefix, e.g. "account-".
func Literal(s string) IdentityPrefix { return literalPrefix(s) }

type funcPrefix func() (string, error)

func (p funcPrefix) Value() (string, error) { return p() }

// PrefixFunc computes the prefix by calling fn at resolution time.
func PrefixFunc(fn func() (string, error)) IdentityPrefix { return funcPrefix(fn) }

// noPrefix is the absent-prefix default.
type noPrefix struct{}

func (noPrefix) Value() (string, error) { return "", nil }

// Payload is everything a single dispatch carries, per §3. It is built
// once by the Dispatcher and threaded through the middleware pipeline and
// into the aggregate instance's Request.
type Payload struct {
	Application *Runtime

	Command       any
	CommandUUID   uuid.UUID
	CausationID   *uuid.UUID
	CorrelationID uuid.UUID
	Metadata      domain.Metadata

	Consistency   consistency.Level
	Returning     aggregate.ReturningMode
	Timeout       time.Duration
	RetryAttempts int

	// Resolved during routing/identity-extraction.
	CommandKind    string
	AggregateKind  string
	Handler        aggregate.Handler
	Apply          aggregate.ApplyFunc
	InitialState   func() any
	IdentityRule   IdentityRule
	IdentityPrefix IdentityPrefix
	Lifespan       lifespan.Policy

	Identity   string
	StreamUUID string

	MiddlewareChain []Middleware
}

// Result is the dispatch's final return, shaped per Payload.Returning.
type Result struct {
	Ok               bool
	Err              error
	AggregateVersion uint64
	Events           []any
	AggregateState   any
	ExecutionResult  *aggregate.ExecutionResult
}

func errInvalidIdentity(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, dispatcherrors.ErrInvalidAggregateIdentity)...)
}
