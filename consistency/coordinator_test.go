package consistency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eventrouter/dispatch/dispatcherrors"
	"github.com/eventrouter/dispatch/pubsub"
)

func TestWaitEventualReturnsImmediately(t *testing.T) {
	bus := pubsub.NewInProcess()
	defer bus.Close()
	c := New(bus, nil, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := c.Wait(ctx, "stream-1", Eventual(), 5); err != nil {
		t.Fatalf("Wait(eventual) = %v, want nil", err)
	}
}

func TestWaitStrongSucceedsAfterAck(t *testing.T) {
	bus := pubsub.NewInProcess()
	defer bus.Close()
	c := New(bus, []string{"projector"}, nil)
	defer c.Close()

	go func() {
		time.Sleep(5 * time.Millisecond)
		bus.Publish(AckTopic, Ack{SubscriberID: "projector", StreamUUID: "stream-1", UpToVersion: 3})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := c.Wait(ctx, "stream-1", Strong(), 3); err != nil {
		t.Fatalf("Wait(strong) = %v, want nil", err)
	}
}

func TestWaitAlreadySatisfiedDoesNotBlock(t *testing.T) {
	bus := pubsub.NewInProcess()
	defer bus.Close()
	c := New(bus, []string{"projector"}, nil)
	defer c.Close()

	bus.Publish(AckTopic, Ack{SubscriberID: "projector", StreamUUID: "stream-1", UpToVersion: 5})
	time.Sleep(10 * time.Millisecond) // let consumeAcks record it

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := c.Wait(ctx, "stream-1", Strong(), 5); err != nil {
		t.Fatalf("Wait(strong) already-acked = %v, want nil", err)
	}
}

func TestWaitTimesOutWithoutAck(t *testing.T) {
	bus := pubsub.NewInProcess()
	defer bus.Close()
	c := New(bus, nil, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := c.Wait(ctx, "stream-1", Subscribers("projection_x"), 1)
	if !errors.Is(err, dispatcherrors.ErrConsistencyTimeout) {
		t.Fatalf("Wait error = %v, want ErrConsistencyTimeout", err)
	}
}

func TestValidateRejectsEventualOnlySubscriberInExplicitSet(t *testing.T) {
	bus := pubsub.NewInProcess()
	defer bus.Close()
	c := New(bus, nil, []string{"eventual_only_proj"})
	defer c.Close()

	err := c.Validate(Subscribers("eventual_only_proj"))
	if !errors.Is(err, dispatcherrors.ErrConsistencyNotGuaranteed) {
		t.Fatalf("Validate = %v, want ErrConsistencyNotGuaranteed", err)
	}
}

func TestValidateAcceptsEventualLevel(t *testing.T) {
	bus := pubsub.NewInProcess()
	defer bus.Close()
	c := New(bus, nil, []string{"eventual_only_proj"})
	defer c.Close()

	if err := c.Validate(Eventual()); err != nil {
		t.Fatalf("Validate(Eventual) = %v, want nil", err)
	}
}
