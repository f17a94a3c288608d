// Package queue implements a FIFO work queue with a fixed concurrency ceiling.
package queue

import "sync"

// WorkFunc processes one item. It must call done exactly once, either before
// returning or later from another goroutine. Extra calls are ignored.
type WorkFunc[T, R any] func(item T, done func(R, error))

type task[T, R any] struct {
	item   T
	onDone func(R, error)
}

// Queue runs a WorkFunc over pushed items with at most concurrency items in
// flight. Items start in the order they were pushed.
type Queue[T, R any] struct {
	mu          sync.Mutex
	work        WorkFunc[T, R]
	concurrency int
	active      int
	pending     []task[T, R]
	dead        bool
}

// New creates a queue. A concurrency below 1 is treated as 1.
func New[T, R any](work WorkFunc[T, R], concurrency int) *Queue[T, R] {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Queue[T, R]{
		work:        work,
		concurrency: concurrency,
	}
}

// Push appends an item and starts it if a worker slot is free. It never blocks.
// onDone may be nil.
func (q *Queue[T, R]) Push(item T, onDone func(R, error)) {
	q.mu.Lock()
	if q.dead {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, task[T, R]{item: item, onDone: onDone})
	q.mu.Unlock()

	q.next()
}

// next starts pending items while there are free slots.
func (q *Queue[T, R]) next() {
	for {
		q.mu.Lock()
		if q.dead || q.active >= q.concurrency || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending[0] = task[T, R]{}
		q.pending = q.pending[1:]
		q.active++
		q.mu.Unlock()

		go q.run(t)
	}
}

func (q *Queue[T, R]) run(t task[T, R]) {
	var once sync.Once
	q.work(t.item, func(result R, err error) {
		once.Do(func() {
			q.mu.Lock()
			q.active--
			q.mu.Unlock()

			if t.onDone != nil {
				t.onDone(result, err)
			}
			q.next()
		})
	})
}

// Die drops all pending items and stops scheduling. Items already running are
// not interrupted; their completion callbacks still fire.
func (q *Queue[T, R]) Die() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.dead = true
	q.pending = nil
}

// Pending returns the number of items waiting for a worker slot.
func (q *Queue[T, R]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Active returns the number of items currently being processed.
func (q *Queue[T, R]) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Total returns pending plus active items.
func (q *Queue[T, R]) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + q.active
}
