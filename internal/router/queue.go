package router

import (
	"context"
	"errors"
	"sync"

	"chatsync/internal/models"
)

// ErrClosed is returned by Next once the session queue is closed and drained.
var ErrClosed = errors.New("session closed")

// queue is a bounded per-session event queue. When full it first drops the
// oldest typing or presence event. When only critical events are queued the
// affected rooms are collapsed into ResyncRequired markers and further
// critical events of those rooms are suppressed until the marker is taken.
type queue struct {
	mu        sync.Mutex
	size      int
	items     []models.Event
	resync    map[string]bool
	delivered map[string]uint64 // room -> last revision taken
	notify    chan struct{}
	closed    bool
}

type pushResult int

const (
	pushed pushResult = iota
	pushedEvicted
	droppedEvent
	suppressed
	collapsed
)

func newQueue(size int) *queue {
	return &queue{
		size:      size,
		resync:    make(map[string]bool),
		delivered: make(map[string]uint64),
		notify:    make(chan struct{}, 1),
	}
}

// push enqueues e. When an older event had to make room, its type is returned.
func (q *queue) push(e models.Event) (pushResult, models.EventType) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return droppedEvent, ""
	}

	critical := e.Type.IsCritical()
	if critical && e.RoomID != "" && q.resync[e.RoomID] {
		return suppressed, ""
	}

	result, evicted := pushed, models.EventType("")
	if len(q.items) >= q.size {
		if i := q.oldestDroppable(); i >= 0 {
			evicted = q.items[i].Type
			q.items = append(q.items[:i], q.items[i+1:]...)
			result = pushedEvicted
		} else if !critical {
			return droppedEvent, ""
		} else {
			q.collapse(e.RoomID)
			q.wake()
			return collapsed, ""
		}
	}

	q.items = append(q.items, e)
	q.wake()
	return result, evicted
}

func (q *queue) oldestDroppable() int {
	for i, e := range q.items {
		if !e.Type.IsCritical() {
			return i
		}
	}
	return -1
}

// collapse replaces every queued event with one resync marker per room, in
// order of first appearance. The room of the rejected event gets one too.
func (q *queue) collapse(room string) {
	var rooms []string
	seen := make(map[string]bool)
	for _, e := range q.items {
		if e.RoomID == "" || seen[e.RoomID] {
			continue
		}
		seen[e.RoomID] = true
		rooms = append(rooms, e.RoomID)
	}
	if room != "" && !seen[room] {
		rooms = append(rooms, room)
	}

	q.items = q.items[:0]
	for _, id := range rooms {
		q.resync[id] = true
		q.items = append(q.items, models.Event{
			Type:    models.EventResyncRequired,
			RoomID:  id,
			Payload: models.Payload{ResyncFrom: q.delivered[id]},
		})
	}
}

func (q *queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop takes the next event, if any.
func (q *queue) pop() (models.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return models.Event{}, false
	}
	e := q.items[0]
	q.items[0] = models.Event{}
	q.items = q.items[1:]

	switch {
	case e.Type == models.EventResyncRequired:
		delete(q.resync, e.RoomID)
	case e.RoomID != "" && e.Revision > q.delivered[e.RoomID]:
		q.delivered[e.RoomID] = e.Revision
	}
	if len(q.items) > 0 {
		q.wake()
	}
	return e, true
}

func (q *queue) next(ctx context.Context) (models.Event, error) {
	for {
		if e, ok := q.pop(); ok {
			return e, nil
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return models.Event{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return models.Event{}, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.wake()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
