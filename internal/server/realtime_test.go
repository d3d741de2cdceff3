package server

import (
	"context"
	"testing"
	"time"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, 1)
	defer cleanup()

	dispatcher.TargetsChanged([]uint{1})

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventTargetsChanged {
			t.Fatalf("expected event type %s, got %s", RealtimeEventTargetsChanged, received.EventType)
		}
		if received.Timestamp.IsZero() {
			t.Fatalf("expected timestamp to be stamped")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otherCtx, otherCancel := context.WithCancel(context.Background())
	defer otherCancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, 2)
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(otherCtx, 3)
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{
		UserID:     3,
		EventType:  RealtimeEventStreamStarted,
		ProducerID: "producer-1",
	})

	select {
	case <-userStream:
		t.Fatal("did not expect realtime message for unrelated user")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.UserID != 3 || msg.ProducerID != "producer-1" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed user")
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	stream, cleanup := dispatcher.Subscribe(ctx, 4)
	cancel()
	cleanup()

	select {
	case _, ok := <-stream:
		if ok {
			t.Fatalf("expected no message after cleanup")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected stream to close after cleanup")
	}
	dispatcher.mu.RLock()
	remaining := len(dispatcher.subscribers[4])
	dispatcher.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("expected user 4 unregistered, got %d subscribers", remaining)
	}
}

func TestRealtimeDispatcherClosesSubscriberThatFallsBehind(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slow, cleanupSlow := dispatcher.Subscribe(ctx, 5)
	defer cleanupSlow()
	fast, cleanupFast := dispatcher.Subscribe(ctx, 6)
	defer cleanupFast()

	for index := 0; index <= dispatcher.bufferSize; index++ {
		dispatcher.Publish(RealtimeMessage{UserID: 5, EventType: RealtimeEventStreamEnded, ProducerID: "p"})
	}
	dispatcher.Publish(RealtimeMessage{UserID: 6, EventType: RealtimeEventStreamStarted, ProducerID: "kept"})

	received := 0
	for range slow {
		received++
	}
	if received != dispatcher.bufferSize {
		t.Fatalf("expected %d buffered messages before close, got %d", dispatcher.bufferSize, received)
	}

	dispatcher.mu.RLock()
	_, stillRegistered := dispatcher.subscribers[5]
	dispatcher.mu.RUnlock()
	if stillRegistered {
		t.Fatalf("expected overflowing subscriber to be unregistered")
	}

	select {
	case message := <-fast:
		if message.ProducerID != "kept" {
			t.Fatalf("unexpected message %+v", message)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected other users to keep receiving")
	}
}
