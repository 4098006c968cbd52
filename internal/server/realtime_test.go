package server

import (
	"context"
	"testing"
	"time"
)

func TestDispatcherDeliversToSubscribedUserOnly(t *testing.T) {
	dispatcher := NewChangeDispatcher()

	streamA, cancelA := dispatcher.Subscribe(context.Background(), "user-a")
	defer cancelA()
	streamB, cancelB := dispatcher.Subscribe(context.Background(), "user-b")
	defer cancelB()

	dispatcher.Publish(ChangeEvent{
		UserID:    "user-a",
		NoteIDs:   []string{"note-1"},
		Timestamp: time.Now(),
	})

	select {
	case event := <-streamA:
		if len(event.NoteIDs) != 1 || event.NoteIDs[0] != "note-1" {
			t.Fatalf("unexpected event %v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber for user-a received nothing")
	}

	select {
	case event := <-streamB:
		t.Fatalf("user-b must not receive user-a's event: %v", event)
	default:
	}
}

func TestDispatcherDropsEventsForSlowSubscribers(t *testing.T) {
	dispatcher := NewChangeDispatcher()
	stream, cancel := dispatcher.Subscribe(context.Background(), "user-a")
	defer cancel()

	// Overflow the buffer; Publish must never block.
	for i := 0; i < 64; i++ {
		dispatcher.Publish(ChangeEvent{
			UserID:    "user-a",
			NoteIDs:   []string{"note-1"},
			Timestamp: time.Now(),
		})
	}

	received := 0
	for {
		select {
		case <-stream:
			received++
			continue
		default:
		}
		break
	}
	if received == 0 || received > 16 {
		t.Fatalf("expected a bounded batch of events, got %d", received)
	}
}

func TestDispatcherUnsubscribeStopsDelivery(t *testing.T) {
	dispatcher := NewChangeDispatcher()
	stream, cancel := dispatcher.Subscribe(context.Background(), "user-a")
	cancel()

	dispatcher.Publish(ChangeEvent{
		UserID:    "user-a",
		NoteIDs:   []string{"note-1"},
		Timestamp: time.Now(),
	})

	select {
	case event, open := <-stream:
		if open {
			t.Fatalf("cancelled subscriber must not receive events: %v", event)
		}
	default:
	}
}
