package rsputil

import (
	"errors"
	"sync"
	"time"
)

var ErrQueueClosed = errors.New("[objnet] queue is closed")
var ErrQueueTimeout = errors.New("[objnet] queue operation timed out")

// BlockingQueue is the thread→app buffer-pool queue of spec §4.4: a
// multi-consumer queue guarded by a mutex/condvar (mirrors
// toyqueue.blockingRecordQueue) supporting a blocking Pop with timeout and
// a Close that wakes every blocked popper with the close sentinel, so
// every blocked reader observes it exactly once each.
type BlockingQueue[T any] struct {
	mu     sync.Mutex
	cond   sync.Cond
	items  []T
	limit  int
	closed bool
}

func NewBlockingQueue[T any](limit int) *BlockingQueue[T] {
	q := &BlockingQueue[T]{limit: limit}
	q.cond.L = &q.mu
	return q
}

// Push enqueues v, dropping it and returning false if the queue is full —
// per spec §4.4, dropping a packet is the policy when capacity is
// exhausted, never blocking the protocol thread on the app side.
func (q *BlockingQueue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if q.limit > 0 && len(q.items) >= q.limit {
		return false
	}
	q.items = append(q.items, v)
	q.cond.Signal()
	return true
}

// Pop blocks until an item is available, the timeout elapses, or the
// queue is closed. timeout <= 0 means block indefinitely.
func (q *BlockingQueue[T]) Pop(timeout time.Duration) (v T, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	for len(q.items) == 0 && !q.closed {
		if !hasDeadline {
			q.cond.Wait()
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return v, ErrQueueTimeout
		}
		timer := time.AfterFunc(remaining, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		q.cond.Wait()
		timer.Stop()
	}

	if len(q.items) == 0 && q.closed {
		return v, ErrQueueClosed
	}
	v = q.items[0]
	q.items = q.items[1:]
	return v, nil
}

// Close marks the queue closed and wakes every blocked popper; subsequent
// Pop calls return ErrQueueClosed once drained.
func (q *BlockingQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

func (q *BlockingQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
