package capture

import (
	"sort"
	"sync"
)

// Queue is an unbounded, ordered, single-consumer FIFO of raw events.
// Push never blocks and never drops, so a capture thread can hand events
// to the analysis loop without applying backpressure to the input hook.
type Queue struct {
	mu     sync.Mutex
	items  []Event
	ready  chan struct{}
	closed bool
}

// NewQueue creates a queue with an initial capacity hint.
func NewQueue(hint int) *Queue {
	if hint <= 0 {
		hint = 1024
	}
	return &Queue{
		items: make([]Event, 0, hint),
		ready: make(chan struct{}, 1),
	}
}

// Push appends ev. Pushing to a closed queue is a no-op.
func (q *Queue) Push(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// PushBatch appends events gathered from several devices in one read,
// stable-sorted by timestamp so per-device order is kept and the batch
// reaches the consumer in temporal order. events is reordered in place.
func (q *Queue) PushBatch(events []Event) {
	if len(events) == 0 {
		return
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].TS < events[j].TS })

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, events...)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled whenever events are available to Drain.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

// Drain removes and returns every queued event in arrival order.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = make([]Event, 0, cap(out))
	return out
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting events. Already queued events can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
