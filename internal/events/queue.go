package events

import "sync"

// queue is a thread-safe FIFO of pending events with a bound on its length.
//
// The signal channel (buffered, size 1) lets the dispatcher wait with a
// select on ctx.Done() instead of blocking on a condition variable.
type queue struct {
	mu      sync.Mutex
	events  []Event
	max     int
	closed  bool
	dropped int64
	signal  chan struct{}
}

func newQueue(max int) *queue {
	return &queue{
		events: make([]Event, 0, 64),
		max:    max,
		signal: make(chan struct{}, 1),
	}
}

// push appends e. It returns false when the queue is closed or full; full
// queues count the drop.
func (q *queue) push(e Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.max > 0 && len(q.events) >= q.max {
		q.dropped++
		return false
	}

	q.events = append(q.events, e)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// pop removes the front event without blocking.
func (q *queue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	e := q.events[0]
	q.events[0] = Event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// wait signals that events may be available.
func (q *queue) wait() <-chan struct{} {
	return q.signal
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func (q *queue) droppedCount() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// close rejects further pushes. Events already queued can still be popped.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
