// Package dispatcherrors defines the sentinel error taxonomy surfaced by the
// dispatch and aggregate runtime. Callers should use errors.Is against these
// sentinels rather than matching on string content.
package dispatcherrors

import "errors"

var (
	// ErrUnregisteredCommand is returned when a command kind has no
	// RoutingEntry in the router.
	ErrUnregisteredCommand = errors.New("unregistered_command")

	// ErrInvalidAggregateIdentity is returned when the identity rule
	// produced an empty or non-string value.
	ErrInvalidAggregateIdentity = errors.New("invalid_aggregate_identity")

	// ErrTooManyAttempts is returned when optimistic-concurrency retries
	// are exhausted.
	ErrTooManyAttempts = errors.New("too_many_attempts")

	// ErrAggregateExecutionTimeout is returned when the dispatcher's
	// deadline expires before the aggregate instance replies.
	ErrAggregateExecutionTimeout = errors.New("aggregate_execution_timeout")

	// ErrAggregateExecutionFailed wraps an infrastructure failure (instance
	// crash, mailbox closed) distinct from a domain error.
	ErrAggregateExecutionFailed = errors.New("aggregate_execution_failed")

	// ErrConsistencyTimeout is returned when events were appended
	// successfully but nominated subscribers did not ack in time.
	ErrConsistencyTimeout = errors.New("consistency_timeout")

	// ErrConsistencyNotGuaranteed is a configuration-time error: a named
	// subscriber was declared eventual-only but nominated for strong wait.
	ErrConsistencyNotGuaranteed = errors.New("consistency_not_guaranteed")

	// ErrAggregateStopped is returned to in-flight callers when the
	// instance terminates (lifespan decision or hard error) before
	// responding.
	ErrAggregateStopped = errors.New("aggregate_stopped")

	// ErrReturningMismatch is returned when a handler produces an inline
	// reply (OkWithReply) under a returning mode that cannot carry it.
	ErrReturningMismatch = errors.New("returning_mismatch")
)
