package engine

import (
	"sync"
	"time"
)

// priorityQueue is a four-tier FIFO queue with a timed blocking pop.
//
// Invariants:
//   - Within a tier, jobs come out in insertion order.
//   - A higher tier is always drained before a lower one is touched.
//   - Each pushed job is returned by exactly one pop.
//
// Cancelled jobs are NOT removed here; the worker skips them at claim time,
// which keeps cancellation O(1) and the queue lock uncontended.
type priorityQueue struct {
	mu    sync.Mutex
	tiers [numPriorities][]*job
	wake  chan struct{}
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{wake: make(chan struct{}, 1)}
}

func (q *priorityQueue) push(j *job) {
	if j == nil || !j.priority.valid() {
		return
	}
	q.mu.Lock()
	idx := int(j.priority) - 1
	q.tiers[idx] = append(q.tiers[idx], j)
	q.signalLocked()
	q.mu.Unlock()
}

// pop removes the highest-priority job, blocking up to timeout.
// It returns nil when the timeout expires or stop is closed.
func (q *priorityQueue) pop(timeout time.Duration, stop <-chan struct{}) *job {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		j := q.takeLocked()
		if j != nil {
			// Chain the wakeup so other waiters see remaining work.
			if q.sizeLocked() > 0 {
				q.signalLocked()
			}
			q.mu.Unlock()
			return j
		}
		q.mu.Unlock()

		rem := time.Until(deadline)
		if rem <= 0 {
			return nil
		}
		tmr := time.NewTimer(rem)
		select {
		case <-stop:
			tmr.Stop()
			return nil
		case <-q.wake:
			tmr.Stop()
			// Loop: another waiter may have beaten us to the job.
		case <-tmr.C:
			// One last take below (a push may have raced the timer),
			// then the deadline check returns nil.
		}
	}
}

func (q *priorityQueue) size() int {
	q.mu.Lock()
	n := q.sizeLocked()
	q.mu.Unlock()
	return n
}

func (q *priorityQueue) takeLocked() *job {
	for i := range q.tiers {
		if len(q.tiers[i]) == 0 {
			continue
		}
		j := q.tiers[i][0]
		q.tiers[i][0] = nil
		q.tiers[i] = q.tiers[i][1:]
		if len(q.tiers[i]) == 0 {
			q.tiers[i] = nil // release the drained backing array
		}
		return j
	}
	return nil
}

func (q *priorityQueue) sizeLocked() int {
	n := 0
	for i := range q.tiers {
		n += len(q.tiers[i])
	}
	return n
}

// signalLocked nudges one waiter. Caller holds mu, so signals never race
// with each other; the buffer of 1 coalesces redundant nudges.
func (q *priorityQueue) signalLocked() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
