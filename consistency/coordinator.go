// Package consistency implements the Consistency Coordinator (§4.5): it
// blocks a dispatch until nominated subscribers have acknowledged
// processing up to a stream version, or until the dispatch's timeout
// expires. Grounded on the teacher's bus.MessageBus fan-out subscriber map
// (SubscribeSystem/PublishSystem), generalized from "every system listener
// sees every system message" into "track each subscriber's last-acked
// version per stream and wait for a specific set to catch up".
package consistency

import (
	"context"
	"fmt"
	"sync"

	"github.com/eventrouter/dispatch/dispatcherrors"
	"github.com/eventrouter/dispatch/pubsub"
	"github.com/eventrouter/dispatch/runtimelog"
)

// Ack is published by a downstream subscriber once it has finished
// processing every event up to UpToVersion on StreamUUID.
type Ack struct {
	SubscriberID string
	StreamUUID   string
	UpToVersion  uint64
}

// AckTopic is the pubsub topic Coordinator listens on for Ack messages.
const AckTopic = "consistency.ack"

// Level is the consistency setting carried on a Payload.
type Level struct {
	kind        levelKind
	subscribers []string
}

type levelKind int

const (
	levelEventual levelKind = iota
	levelStrong
	levelExplicit
)

// Eventual returns immediately without waiting for any ack.
func Eventual() Level { return Level{kind: levelEventual} }

// Strong waits for every subscriber the runtime declares strongly
// consistent.
func Strong() Level { return Level{kind: levelStrong} }

// Subscribers waits only for the named subscriber ids, regardless of their
// own declared consistency level.
func Subscribers(ids ...string) Level { return Level{kind: levelExplicit, subscribers: ids} }

// streamAcks tracks the last-acked version per subscriber for one stream.
type streamAcks struct {
	mu       sync.Mutex
	versions map[string]uint64
}

func (s *streamAcks) satisfied(required []string, version uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range required {
		if s.versions[id] < version {
			return false
		}
	}
	return true
}

func (s *streamAcks) record(subscriberID string, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version > s.versions[subscriberID] {
		s.versions[subscriberID] = version
	}
}

// Coordinator tracks acks and blocks dispatches until nominated subscribers
// catch up, or a deadline passes.
type Coordinator struct {
	bus pubsub.Bus

	stronglyConsistent map[string]bool
	eventualOnly       map[string]bool

	mu      sync.Mutex
	streams map[string]*streamAcks

	cancelTap func()
}

// New creates a Coordinator listening on bus for acks. stronglyConsistentSubscribers
// is the set Strong() waits for; eventualOnlySubscribers names subscribers
// declared incapable of acking (chosen not to participate in consistency
// waits at all) — naming one of them in an explicit Subscribers() set is a
// configuration-time error (see Validate).
func New(bus pubsub.Bus, stronglyConsistentSubscribers, eventualOnlySubscribers []string) *Coordinator {
	c := &Coordinator{
		bus:                bus,
		stronglyConsistent: make(map[string]bool, len(stronglyConsistentSubscribers)),
		eventualOnly:       make(map[string]bool, len(eventualOnlySubscribers)),
		streams:            make(map[string]*streamAcks),
	}
	for _, id := range stronglyConsistentSubscribers {
		c.stronglyConsistent[id] = true
	}
	for _, id := range eventualOnlySubscribers {
		c.eventualOnly[id] = true
	}
	ch, cancel := bus.Subscribe(AckTopic)
	c.cancelTap = cancel
	go c.consumeAcks(ch)
	return c
}

func (c *Coordinator) consumeAcks(ch <-chan any) {
	for msg := range ch {
		ack, ok := msg.(Ack)
		if !ok {
			continue
		}
		c.streamAcksFor(ack.StreamUUID).record(ack.SubscriberID, ack.UpToVersion)
	}
}

func (c *Coordinator) streamAcksFor(streamUUID string) *streamAcks {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[streamUUID]
	if !ok {
		s = &streamAcks{versions: make(map[string]uint64)}
		c.streams[streamUUID] = s
	}
	return s
}

// Close stops listening for acks.
func (c *Coordinator) Close() {
	if c.cancelTap != nil {
		c.cancelTap()
	}
}

// Validate checks an explicit subscriber set against the runtime's declared
// eventual-only subscribers: naming one in an explicit Subscribers() set is
// a configuration error. Neither the Router nor the ConsistencyGuarantee
// middleware calls Validate; an explicit set is only checked where a caller
// invokes it.
func (c *Coordinator) Validate(level Level) error {
	if level.kind != levelExplicit {
		return nil
	}
	for _, id := range level.subscribers {
		if c.eventualOnly[id] {
			return fmt.Errorf("consistency: subscriber %q is eventual-only: %w", id, dispatcherrors.ErrConsistencyNotGuaranteed)
		}
	}
	return nil
}

// Wait blocks until the required subscriber set for level has acked up to
// version on streamUUID, or ctx is done. Eventual consistency returns
// immediately.
func (c *Coordinator) Wait(ctx context.Context, streamUUID string, level Level, version uint64) error {
	if level.kind == levelEventual {
		return nil
	}

	required := c.requiredSubscribers(level)
	if len(required) == 0 {
		return nil
	}

	runtimelog.InfoCF("consistency", "wait started", runtimelog.Fields{
		"stream_uuid": streamUUID, "version": version, "required": required,
	})

	acks := c.streamAcksFor(streamUUID)

	// Subscribe before the satisfied-check: the background tap (running
	// since New) has already folded in every ack published before this
	// point, but an ack landing in the window between the check and the
	// subscribe call would otherwise only reach the background tap and
	// never be redelivered on this call's own channel, stalling Wait until
	// ctx's deadline even though the requirement was already met.
	ch, cancel := c.bus.Subscribe(AckTopic)
	defer cancel()

	if acks.satisfied(required, version) {
		runtimelog.InfoCF("consistency", "wait satisfied", runtimelog.Fields{"stream_uuid": streamUUID, "version": version})
		return nil
	}

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				runtimelog.ErrorCF("consistency", "wait failed: ack feed closed", runtimelog.Fields{"stream_uuid": streamUUID})
				return fmt.Errorf("consistency: ack feed closed: %w", dispatcherrors.ErrConsistencyTimeout)
			}
			if ack, ok := msg.(Ack); ok && ack.StreamUUID == streamUUID {
				acks.record(ack.SubscriberID, ack.UpToVersion)
				if acks.satisfied(required, version) {
					runtimelog.InfoCF("consistency", "wait satisfied", runtimelog.Fields{"stream_uuid": streamUUID, "version": version})
					return nil
				}
			}
		case <-ctx.Done():
			runtimelog.ErrorCF("consistency", "wait timed out", runtimelog.Fields{
				"stream_uuid": streamUUID, "version": version, "required": required,
			})
			return dispatcherrors.ErrConsistencyTimeout
		}
	}
}

func (c *Coordinator) requiredSubscribers(level Level) []string {
	switch level.kind {
	case levelStrong:
		ids := make([]string, 0, len(c.stronglyConsistent))
		for id := range c.stronglyConsistent {
			ids = append(ids, id)
		}
		return ids
	case levelExplicit:
		return level.subscribers
	default:
		return nil
	}
}
