package dispatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/eventrouter/dispatch/aggregate"
	"github.com/eventrouter/dispatch/consistency"
	"github.com/eventrouter/dispatch/domain"
)

// Option customizes one dispatch call, the highest-precedence tier in
// §4.1's defaults merge.
type Option func(*Payload)

// WithTimeout overrides the dispatch deadline.
func WithTimeout(d time.Duration) Option {
	return func(p *Payload) { p.Timeout = d }
}

// WithConsistency overrides the consistency level.
func WithConsistency(level consistency.Level) Option {
	return func(p *Payload) { p.Consistency = level }
}

// WithReturning overrides the returning mode.
func WithReturning(mode aggregate.ReturningMode) Option {
	return func(p *Payload) { p.Returning = mode }
}

// WithMetadata merges extra metadata onto the payload.
func WithMetadata(md domain.Metadata) Option {
	return func(p *Payload) { p.Metadata = p.Metadata.Merge(md) }
}

// WithCausationID sets the cause of this command, e.g. the event that
// triggered a process manager's follow-up command.
func WithCausationID(id uuid.UUID) Option {
	return func(p *Payload) { p.CausationID = &id }
}

// WithCorrelationID overrides the generated correlation id, useful for
// propagating one across a chain of related commands.
func WithCorrelationID(id uuid.UUID) Option {
	return func(p *Payload) { p.CorrelationID = id }
}

// WithRetryAttempts overrides the optimistic-concurrency retry budget.
func WithRetryAttempts(n int) Option {
	return func(p *Payload) { p.RetryAttempts = n }
}

// WithApplication overrides the Runtime handle (rarely needed outside tests
// that dispatch against an isolated Runtime).
func WithApplication(rt *Runtime) Option {
	return func(p *Payload) { p.Application = rt }
}
