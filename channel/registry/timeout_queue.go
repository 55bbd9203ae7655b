package registry

import (
	"container/heap"
	"sync"
	"time"
)

type timeoutItem struct {
	id       uint32
	deadline time.Time
}

type timeoutHeap []timeoutItem

func (h timeoutHeap) Len() int           { return len(h) }
func (h timeoutHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h timeoutHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *timeoutHeap) Push(x any)        { *h = append(*h, x.(timeoutItem)) }
func (h *timeoutHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// timeoutQueue yields request ids whose deadlines have passed. Deadlines
// vary per call, so entries are kept in a min-heap rather than FIFO order.
type timeoutQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	h      timeoutHeap
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newTimeoutQueue() *timeoutQueue {
	q := &timeoutQueue{
		h:    make(timeoutHeap, 0, 64),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *timeoutQueue) Add(id uint32, deadline time.Time) {
	q.mu.Lock()
	heap.Push(&q.h, timeoutItem{id, deadline})
	q.mu.Unlock()

	q.cond.Signal()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Next blocks until the earliest deadline passes and returns its id, or
// returns false after Close. Ids are returned exactly once; the caller
// decides whether the call is still pending.
func (q *timeoutQueue) Next() (uint32, bool) {
	for {
		q.mu.Lock()
		for len(q.h) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return 0, false
		}
		item := q.h[0]
		wait := time.Until(item.deadline)
		if wait <= 0 {
			heap.Pop(&q.h)
			q.mu.Unlock()
			return item.id, true
		}
		q.mu.Unlock()

		select {
		case <-q.done:
			return 0, false
		case <-q.wake:
			// a new entry may carry an earlier deadline
		case <-time.After(wait):
		}
	}
}

func (q *timeoutQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cond.Broadcast()
	close(q.done)
}
