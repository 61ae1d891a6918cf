package pubsub

import (
	"testing"
	"time"
)

func TestInProcessPublishSubscribe(t *testing.T) {
	b := NewInProcess()
	defer b.Close()

	ch, cancel := b.Subscribe("topic.a")
	defer cancel()

	b.Publish("topic.a", "hello")

	select {
	case msg := <-ch:
		if msg != "hello" {
			t.Fatalf("received %v, want hello", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestInProcessTopicsAreIsolated(t *testing.T) {
	b := NewInProcess()
	defer b.Close()

	chA, cancelA := b.Subscribe("topic.a")
	defer cancelA()
	chB, cancelB := b.Subscribe("topic.b")
	defer cancelB()

	b.Publish("topic.b", "for-b")

	select {
	case msg := <-chB:
		if msg != "for-b" {
			t.Fatalf("chB received %v, want for-b", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting on topic.b")
	}

	select {
	case msg := <-chA:
		t.Fatalf("chA unexpectedly received %v", msg)
	default:
	}
}

func TestInProcessCancelClosesChannel(t *testing.T) {
	b := NewInProcess()
	defer b.Close()

	ch, cancel := b.Subscribe("topic.a")
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}
}

func TestInProcessCloseStopsDelivery(t *testing.T) {
	b := NewInProcess()
	ch, _ := b.Subscribe("topic.a")

	b.Close()
	b.Publish("topic.a", "ignored") // must not panic on a closed bus

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after Close")
	}
}

func TestInProcessSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewInProcess()
	defer b.Close()

	_, cancel := b.Subscribe("topic.a")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish("topic.a", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}
}
