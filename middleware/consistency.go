package middleware

import (
	"context"

	"github.com/eventrouter/dispatch/aggregate"
	"github.com/eventrouter/dispatch/consistency"
	"github.com/eventrouter/dispatch/dispatch"
)

// consistencyGuarantee waits, after a successful dispatch, for the
// Payload's nominated subscribers to ack the produced events' version
// (§4.5). Eventual consistency is a no-op; the command has already
// succeeded regardless of the wait's outcome — a timeout here surfaces
// consistency_timeout without un-doing the append.
type consistencyGuarantee struct {
	coordinator *consistency.Coordinator
}

// ConsistencyGuarantee is the built-in consistency-wait middleware, backed
// by coord.
func ConsistencyGuarantee(coord *consistency.Coordinator) dispatch.Middleware {
	return consistencyGuarantee{coordinator: coord}
}

func (consistencyGuarantee) BeforeDispatch(*dispatch.Pipeline) {}

func (m consistencyGuarantee) AfterDispatch(p *dispatch.Pipeline) {
	resp, ok := p.Response.(aggregate.Response)
	if !ok || resp.Err != nil {
		return
	}
	if len(resp.Result.Events) == 0 {
		return
	}

	ctx := context.Background()
	if p.Payload.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Payload.Timeout)
		defer cancel()
	}

	if err := m.coordinator.Wait(ctx, p.Payload.StreamUUID, p.Payload.Consistency, resp.Result.AggregateVersion); err != nil {
		p.Halt(err)
	}
}

func (consistencyGuarantee) AfterFailure(*dispatch.Pipeline) {}
