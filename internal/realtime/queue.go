package realtime

import "sync"

// queue is a bounded multi-producer/single-consumer FIFO. When full, a push
// evicts the oldest entry instead of blocking the producer. Entries are never
// reordered.
type queue struct {
	mu      sync.Mutex
	items   []*Event
	head    int // index of the oldest entry
	count   int
	dropped uint64
	closed  bool

	// ready holds a token whenever the queue may be non-empty. Capacity 1
	// so producers never block on it.
	ready chan struct{}
}

func newQueue(capacity int) *queue {
	return &queue{
		items: make([]*Event, capacity),
		ready: make(chan struct{}, 1),
	}
}

// push appends ev. It reports false if the queue is closed. evicted is true
// when the oldest entry had to be dropped to make room.
func (q *queue) push(ev *Event) (ok, evicted bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, false
	}

	capacity := len(q.items)
	if q.count == capacity {
		q.items[q.head] = nil
		q.head = (q.head + 1) % capacity
		q.count--
		q.dropped++
		evicted = true
	}
	q.items[(q.head+q.count)%capacity] = ev
	q.count++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true, evicted
}

// drain moves every queued entry, oldest first, into dst and returns it.
func (q *queue) drain(dst []*Event) []*Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	capacity := len(q.items)
	for q.count > 0 {
		dst = append(dst, q.items[q.head])
		q.items[q.head] = nil
		q.head = (q.head + 1) % capacity
		q.count--
	}
	return dst
}

// close rejects future pushes. Already queued entries stay drainable.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// discard drops everything still queued and returns how many were dropped.
func (q *queue) discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	for i := range q.items {
		q.items[i] = nil
	}
	q.head, q.count = 0, 0
	return n
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *queue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
