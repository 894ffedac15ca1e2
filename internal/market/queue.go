package market

import (
	"sync"

	"barrierbot/internal/storage"
)

// Queue is a bounded FIFO of completed bars between the sampler and the
// writer. When full, the oldest bar is dropped so a stalled writer bounds
// memory at the cost of a gap in the series; dropped bars are counted and
// surfaced for logging.
type Queue struct {
	mu      sync.Mutex
	items   []storage.Bar
	cap     int
	dropped int64
}

// NewQueue returns a queue holding at most capacity bars.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		items: make([]storage.Bar, 0, capacity),
		cap:   capacity,
	}
}

// Push appends a bar, evicting the oldest when the queue is full. It
// reports whether an eviction happened.
func (q *Queue) Push(bar storage.Bar) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.items) >= q.cap {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		q.dropped++
		evicted = true
	}
	q.items = append(q.items, bar)
	return evicted
}

// Drain removes and returns all queued bars in FIFO order.
func (q *Queue) Drain() []storage.Bar {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	out := make([]storage.Bar, len(q.items))
	copy(out, q.items)
	q.items = q.items[:0]
	return out
}

// Len returns the number of queued bars.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the total number of evicted bars.
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
