// Package queue holds the bounded single-producer/single-consumer ring that
// carries signals from the listener goroutine to the scheduler.
package queue

import (
	"errors"
	"sync/atomic"

	"github.com/sharat910/pqharvest/common"
)

var ErrQueueFull = errors.New("signal queue full")

// SignalQueue is a fixed ring of len(slots) entries holding at most
// len(slots)-1 signals: (tail+1) mod len == head means full.
//
// The producer owns tail, the consumer owns head and admitted. Slots in
// [head, admitted) have been admitted (generation bits stamped) and wait to
// be drained; slots in [admitted, tail) have not been seen by the consumer.
type SignalQueue struct {
	slots    []common.Signal
	head     atomic.Uint32
	tail     atomic.Uint32
	admitted uint32
}

// NewSignalQueue returns a queue that holds n pending signals.
func NewSignalQueue(n int) *SignalQueue {
	if n < 1 {
		n = 1
	}
	return &SignalQueue{slots: make([]common.Signal, n+1)}
}

func (q *SignalQueue) next(i uint32) uint32 {
	return (i + 1) % uint32(len(q.slots))
}

// Enqueue is called by the producer only. It never blocks; on a full queue
// it returns ErrQueueFull and leaves head and tail untouched.
func (q *SignalQueue) Enqueue(sig common.Signal) error {
	tail := q.tail.Load()
	nt := q.next(tail)
	if nt == q.head.Load() {
		return ErrQueueFull
	}
	q.slots[tail] = sig
	q.tail.Store(nt)
	return nil
}

// Admit returns the oldest signal the consumer has not seen yet. The pointer
// stays valid until the slot is popped.
func (q *SignalQueue) Admit() (*common.Signal, bool) {
	if q.admitted == q.tail.Load() {
		return nil, false
	}
	sig := &q.slots[q.admitted]
	q.admitted = q.next(q.admitted)
	return sig, true
}

// Peek returns the head signal without removing it. Only admitted signals
// are visible.
func (q *SignalQueue) Peek() (*common.Signal, bool) {
	head := q.head.Load()
	if head == q.admitted {
		return nil, false
	}
	return &q.slots[head], true
}

// Pop removes the head signal once it has been fully serviced.
func (q *SignalQueue) Pop() bool {
	head := q.head.Load()
	if head == q.admitted {
		return false
	}
	q.slots[head] = common.Signal{}
	q.head.Store(q.next(head))
	return true
}

// Len is the number of queued signals, admitted or not.
func (q *SignalQueue) Len() int {
	n := uint32(len(q.slots))
	return int((q.tail.Load() + n - q.head.Load()) % n)
}

// Cap is the number of signals the queue can hold.
func (q *SignalQueue) Cap() int { return len(q.slots) - 1 }
