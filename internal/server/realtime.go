package server

import (
	"context"
	"sync"
	"time"
)

// EventNoteChanged is emitted after an accepted write so connected clients
// can trigger a sync pass instead of waiting for their timer.
const EventNoteChanged = "note-change"

// EventHeartbeat keeps idle event streams alive through proxies and load
// balancers that drop quiet connections.
const EventHeartbeat = "heartbeat"

// ChangeEvent notifies a user's clients that notes moved on the server.
type ChangeEvent struct {
	UserID    string
	NoteIDs   []string
	Timestamp time.Time
}

// ChangeDispatcher fans change events out to a user's subscribed clients.
// Delivery is best effort: a subscriber that cannot keep up drops events,
// which is fine because any event only means "sync now".
type ChangeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]chan ChangeEvent
	nextID      int64
	bufferSize  int
}

// NewChangeDispatcher constructs an empty dispatcher.
func NewChangeDispatcher() *ChangeDispatcher {
	return &ChangeDispatcher{
		subscribers: make(map[string]map[int64]chan ChangeEvent),
		bufferSize:  16,
	}
}

// Subscribe registers a stream of the user's change events. The stream is
// torn down when the context ends or the returned cancel func runs.
func (d *ChangeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan ChangeEvent, func()) {
	if userID == "" {
		closed := make(chan ChangeEvent)
		close(closed)
		return closed, func() {}
	}

	d.mu.Lock()
	d.nextID++
	subscriberID := d.nextID
	stream := make(chan ChangeEvent, d.bufferSize)
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]chan ChangeEvent)
	}
	d.subscribers[userID][subscriberID] = stream
	d.mu.Unlock()

	cancel := func() { d.unsubscribe(userID, subscriberID) }
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return stream, cancel
}

// Publish delivers the event to every subscriber of the user without
// blocking on slow consumers.
func (d *ChangeDispatcher) Publish(event ChangeEvent) {
	if event.UserID == "" || len(event.NoteIDs) == 0 {
		return
	}

	d.mu.RLock()
	streams := make([]chan ChangeEvent, 0, len(d.subscribers[event.UserID]))
	for _, stream := range d.subscribers[event.UserID] {
		streams = append(streams, stream)
	}
	d.mu.RUnlock()

	for _, stream := range streams {
		select {
		case stream <- event:
		default:
		}
	}
}

func (d *ChangeDispatcher) unsubscribe(userID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	streams := d.subscribers[userID]
	if streams == nil {
		return
	}
	delete(streams, subscriberID)
	if len(streams) == 0 {
		delete(d.subscribers, userID)
	}
}
