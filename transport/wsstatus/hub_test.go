package wsstatus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/eventrouter/dispatch/consistency"
	"github.com/eventrouter/dispatch/pubsub"
)

func TestHubBroadcastsAcksToRegisteredClients(t *testing.T) {
	bus := pubsub.NewInProcess()
	defer bus.Close()
	hub := NewHub(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := &Client{send: make(chan []byte, 8)}
	hub.register <- client
	defer func() { hub.unregister <- client }()

	bus.Publish(consistency.AckTopic, consistency.Ack{SubscriberID: "sub-1", StreamUUID: "s1", UpToVersion: 3})

	select {
	case raw := <-client.send:
		var evt StatusEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt.Type != "consistency_ack" {
			t.Fatalf("Type = %q, want consistency_ack", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast of published ack")
	}
}

func TestHubUnregisterStopsDelivery(t *testing.T) {
	bus := pubsub.NewInProcess()
	defer bus.Close()
	hub := NewHub(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := &Client{send: make(chan []byte, 8)}
	hub.register <- client
	hub.unregister <- client

	_, stillOpen := <-client.send
	if stillOpen {
		t.Fatal("expected send channel to be closed after unregister")
	}
}

func TestHubShutdownClosesAllClients(t *testing.T) {
	bus := pubsub.NewInProcess()
	defer bus.Close()
	hub := NewHub(bus)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	client := &Client{send: make(chan []byte, 8)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	cancel()

	select {
	case _, ok := <-client.send:
		if ok {
			t.Fatal("expected send channel closed after hub shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for shutdown to close client")
	}
}
