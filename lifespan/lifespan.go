// Package lifespan implements the Lifespan Policy (§4.4, §9): a strategy
// interface with three hooks, each returning a small sum type describing
// whether the aggregate instance should stop, hibernate, arm an inactivity
// timer, or stay alive indefinitely.
package lifespan

import "time"

// Decision is the sum type a lifespan hook returns.
type Decision struct {
	kind    decisionKind
	timeout time.Duration
}

type decisionKind int

const (
	kindInfinity decisionKind = iota
	kindStop
	kindHibernate
	kindTimeout
)

// Stop terminates the instance cleanly after responding.
func Stop() Decision { return Decision{kind: kindStop} }

// Hibernate keeps the instance alive but signals it should release
// transient caches (e.g. drop its folded-state cache, keep only version).
func Hibernate() Decision { return Decision{kind: kindHibernate} }

// Timeout arms an inactivity timer; if no command arrives before it fires,
// the instance terminates.
func Timeout(d time.Duration) Decision { return Decision{kind: kindTimeout, timeout: d} }

// Infinity keeps the instance alive indefinitely.
func Infinity() Decision { return Decision{kind: kindInfinity} }

// IsStop reports whether the decision terminates the instance immediately.
func (d Decision) IsStop() bool { return d.kind == kindStop }

// IsHibernate reports whether the decision asks for cache release.
func (d Decision) IsHibernate() bool { return d.kind == kindHibernate }

// IsInfinity reports whether the decision keeps the instance alive forever.
func (d Decision) IsInfinity() bool { return d.kind == kindInfinity }

// InactivityTimeout returns the armed timer duration and whether one was set.
func (d Decision) InactivityTimeout() (time.Duration, bool) {
	return d.timeout, d.kind == kindTimeout
}

// Policy is the per-aggregate-kind lifespan strategy. Commands and events
// are passed opaquely; implementations type-assert as needed.
type Policy interface {
	AfterCommand(command any) Decision
	AfterEvent(event any) Decision
	AfterError(reason error) Decision
}

// keepAliveForever is the system default: the instance never self-terminates.
type keepAliveForever struct{}

func (keepAliveForever) AfterCommand(any) Decision { return Infinity() }
func (keepAliveForever) AfterEvent(any) Decision   { return Infinity() }
func (keepAliveForever) AfterError(error) Decision { return Infinity() }

// KeepAliveForever returns the system-default lifespan policy.
func KeepAliveForever() Policy { return keepAliveForever{} }

// stopAfterCommand terminates the instance after every command completes,
// forcing full rehydration on the next dispatch. Useful for aggregates
// whose identity space is huge and rarely revisited.
type stopAfterCommand struct{}

func (stopAfterCommand) AfterCommand(any) Decision { return Stop() }
func (stopAfterCommand) AfterEvent(any) Decision   { return Stop() }
func (stopAfterCommand) AfterError(error) Decision { return Stop() }

// StopAfterCommand returns a policy that tears the instance down after
// every command.
func StopAfterCommand() Policy { return stopAfterCommand{} }

// idleTimeout terminates the instance after d of inactivity following a
// successful command; errors also arm the timer rather than killing the
// instance outright, so a single domain error doesn't evict a hot
// aggregate.
type idleTimeout struct{ d time.Duration }

func (p idleTimeout) AfterCommand(any) Decision { return Timeout(p.d) }
func (p idleTimeout) AfterEvent(any) Decision    { return Timeout(p.d) }
func (p idleTimeout) AfterError(error) Decision  { return Timeout(p.d) }

// IdleTimeout returns a policy that arms a d inactivity timer after every
// outcome; the instance terminates if no further command arrives in time.
func IdleTimeout(d time.Duration) Policy { return idleTimeout{d: d} }
