package middleware

import (
	"github.com/eventrouter/dispatch/aggregate"
	"github.com/eventrouter/dispatch/dispatch"
	"github.com/eventrouter/dispatch/pubsub"
)

// DispatchOutcomeTopic is the topic dispatchMetrics publishes on.
const DispatchOutcomeTopic = "dispatch.outcome"

// DispatchOutcome is one dispatch's result, published to a HandlerBus for
// synchronous, in-process observers (metrics counters, dashboards) that
// want a callback per dispatch rather than a channel to select on.
type DispatchOutcome struct {
	CommandKind   string
	AggregateKind string
	StreamUUID    string
	Ok            bool
	Err           error
}

type dispatchMetrics struct {
	bus *pubsub.HandlerBus
}

// DispatchMetrics returns middleware that publishes a DispatchOutcome to
// bus after every dispatch, success or failure. Register observers with
// bus.On(DispatchOutcomeTopic, ...) or bus.OnAll(...) before wiring this
// into a Router's middleware chain.
func DispatchMetrics(bus *pubsub.HandlerBus) dispatch.Middleware {
	return dispatchMetrics{bus: bus}
}

func (dispatchMetrics) BeforeDispatch(*dispatch.Pipeline) {}

func (m dispatchMetrics) AfterDispatch(p *dispatch.Pipeline) {
	m.publish(p, true)
}

func (m dispatchMetrics) AfterFailure(p *dispatch.Pipeline) {
	m.publish(p, false)
}

func (m dispatchMetrics) publish(p *dispatch.Pipeline, okByDefault bool) {
	outcome := DispatchOutcome{
		CommandKind:   p.Payload.CommandKind,
		AggregateKind: p.Payload.AggregateKind,
		StreamUUID:    p.Payload.StreamUUID,
		Ok:            okByDefault && p.Err == nil,
		Err:           p.Err,
	}
	if resp, ok := p.Response.(aggregate.Response); ok && resp.Err != nil {
		outcome.Ok = false
		if outcome.Err == nil {
			outcome.Err = resp.Err
		}
	}
	m.bus.Publish(DispatchOutcomeTopic, outcome)
}
