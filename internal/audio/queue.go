package audio

import "sync"

// FrameQueue hands decoded PCM chunks from a background pipe reader to the
// session goroutine. One producer, one consumer. The consumer drains whatever
// is available without blocking; the producer never blocks either — when the
// queue is full the oldest chunk is dropped so a stalled consumer cannot wedge
// the reader.
type FrameQueue struct {
	mu      sync.Mutex
	chunks  [][]byte
	max     int
	closed  bool
	dropped uint64
}

// NewFrameQueue creates a queue holding at most max chunks. max <= 0 means
// unbounded.
func NewFrameQueue(max int) *FrameQueue {
	return &FrameQueue{max: max}
}

// Push enqueues one chunk. Returns false once the queue has been closed.
func (q *FrameQueue) Push(chunk []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if q.max > 0 && len(q.chunks) >= q.max {
		q.chunks = q.chunks[1:]
		q.dropped++
	}
	q.chunks = append(q.chunks, chunk)
	return true
}

// Drain returns every chunk currently queued, in push order, without
// blocking. Returns nil when nothing is pending.
func (q *FrameQueue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.chunks) == 0 {
		return nil
	}
	out := q.chunks
	q.chunks = nil
	return out
}

// Close stops the queue. Pending chunks stay drainable; further pushes are
// rejected. Safe to call more than once.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Dropped reports how many chunks were discarded due to the bound.
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Len reports the number of queued chunks.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}
