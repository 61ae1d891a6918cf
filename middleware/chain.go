package middleware

import (
	"github.com/eventrouter/dispatch/consistency"
	"github.com/eventrouter/dispatch/dispatch"
)

// Chain runs the before/after/failure pass described in §4.3. It is a thin
// alias over dispatch.RunChain kept in this package so callers that only
// import middleware (not dispatch directly) still have a name for it.
func Chain(chain []dispatch.Middleware, p *dispatch.Pipeline, core func(*dispatch.Pipeline)) {
	dispatch.RunChain(chain, p, core)
}

// Defaults returns the system-default middleware list in registration
// order (§4.1): IdentityExtraction first so identity is resolved before
// ConsistencyGuarantee, which comes last so it only observes a response that
// already completed successfully. Per-command user middleware merged by the
// Router runs ahead of both.
func Defaults(coord *consistency.Coordinator) []dispatch.Middleware {
	return []dispatch.Middleware{IdentityExtraction(), ConsistencyGuarantee(coord)}
}
