package ledger

import (
	"sync"

	"github.com/rickgao/market-broker/internal/model"
)

// Queue is a FIFO of transactions waiting to be written. It doubles its
// ring when 70% full and refuses new entries once it reaches its limit.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ring   []model.Transaction
	head   int
	tail   int
	count  int
	limit  int
	closed bool

	// Stats
	pushed  int64
	popped  int64
	dropped int64
	resizes int
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Len      int
	Capacity int
	Pushed   int64
	Popped   int64
	Dropped  int64
	Resizes  int
}

// NewQueue creates a queue with room for initial entries that may grow to
// limit entries. A limit of zero or less means unbounded.
func NewQueue(initial, limit int) *Queue {
	if initial < 1 {
		initial = 1
	}
	if limit > 0 && initial > limit {
		initial = limit
	}
	q := &Queue{
		ring:  make([]model.Transaction, initial),
		limit: limit,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends tx. It reports false if the queue is closed or full.
func (q *Queue) Push(tx model.Transaction) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	threshold := len(q.ring) * 70 / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold {
		q.grow()
	}
	if q.count == len(q.ring) {
		q.dropped++
		return false
	}

	q.ring[q.tail] = tx
	q.tail = (q.tail + 1) % len(q.ring)
	q.count++
	q.pushed++

	q.cond.Signal()
	return true
}

// Pop removes the oldest entry, blocking until one is available. It
// reports false once the queue is closed and empty.
func (q *Queue) Pop() (model.Transaction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.count == 0 {
		return model.Transaction{}, false
	}
	return q.take(), true
}

// TryPop removes the oldest entry without blocking.
func (q *Queue) TryPop() (model.Transaction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return model.Transaction{}, false
	}
	return q.take(), true
}

// DrainTo removes up to n entries (all when n <= 0) in FIFO order.
func (q *Queue) DrainTo(n int) []model.Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}
	if n <= 0 || n > q.count {
		n = q.count
	}

	out := make([]model.Transaction, n)
	for i := range out {
		out[i] = q.take()
	}
	return out
}

// Close rejects further pushes and wakes blocked readers. Queued entries
// can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns queue statistics.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Len:      q.count,
		Capacity: len(q.ring),
		Pushed:   q.pushed,
		Popped:   q.popped,
		Dropped:  q.dropped,
		Resizes:  q.resizes,
	}
}

// take pops the head. Must be called with lock held and count > 0.
func (q *Queue) take() model.Transaction {
	tx := q.ring[q.head]
	q.ring[q.head] = model.Transaction{}
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	q.popped++
	return tx
}

// grow doubles the ring up to the limit. Must be called with lock held.
func (q *Queue) grow() {
	size := len(q.ring) * 2
	if q.limit > 0 && size > q.limit {
		size = q.limit
	}
	if size <= len(q.ring) {
		return
	}

	ring := make([]model.Transaction, size)
	if q.count > 0 {
		if q.head < q.tail {
			copy(ring, q.ring[q.head:q.tail])
		} else {
			n := copy(ring, q.ring[q.head:])
			copy(ring[n:], q.ring[:q.tail])
		}
	}

	q.ring = ring
	q.head = 0
	q.tail = q.count
	q.resizes++
}
