// Package cbq implements a thread-safe callback queue with handle-based
// cancellation. Callbacks added to the queue run later, one at a time, on
// the queue's own dispatch goroutine; they never run in the caller's
// context. Remove guarantees that after it returns the callback will not
// run: it either cancels a still-pending callback or waits for an
// in-flight one to finish.
package cbq

import "sync"

// Handle identifies a scheduled callback. Handles stay valid until the
// callback is removed or has finished running.
type Handle uint64

// None is the null handle. Add never returns it for a scheduled callback.
const None Handle = 0

type state int

const (
	statePending state = iota
	stateRunning
)

type entry struct {
	id    Handle
	cb    func()
	prio  int
	seq   uint64
	state state
}

// Queue is a priority callback queue with a single dispatch goroutine.
// Higher priority callbacks run first; equal priorities run in FIFO order.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	byID    map[Handle]*entry
	pending []*entry
	nextID  Handle
	nextSeq uint64
	stopped bool
	wg      sync.WaitGroup
}

// New creates a queue and starts its dispatch goroutine.
func New() *Queue {
	q := &Queue{byID: make(map[Handle]*entry)}
	q.cond = sync.NewCond(&q.mu)
	q.wg.Add(1)
	go q.dispatch()
	return q
}

// Add schedules cb with the given priority and returns its handle.
// Returns None if the queue has already been stopped.
func (q *Queue) Add(cb func(), prio int) Handle {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return None
	}
	q.nextID++
	q.nextSeq++
	e := &entry{id: q.nextID, cb: cb, prio: prio, seq: q.nextSeq, state: statePending}
	q.byID[e.id] = e
	q.pending = append(q.pending, e)
	q.cond.Broadcast()
	return e.id
}

// Outstanding reports whether the callback for h has not yet finished
// running. A handle that was never issued, was removed, or whose
// callback completed reports false.
func (q *Queue) Outstanding(h Handle) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[h]
	return ok
}

// Remove cancels the callback for h. If the callback is still pending it
// will never run. If it is currently running, Remove blocks until it
// finishes. Removing an unknown or completed handle is a no-op.
//
// Remove must not be called from inside the callback being removed.
func (q *Queue) Remove(h Handle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[h]
	if !ok {
		return
	}
	if e.state == statePending {
		q.dropPending(e)
		delete(q.byID, h)
		return
	}
	for {
		if _, ok := q.byID[h]; !ok {
			return
		}
		q.cond.Wait()
	}
}

// Quiesce blocks until no callback is pending or running.
func (q *Queue) Quiesce() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.byID) != 0 && !q.stopped {
		q.cond.Wait()
	}
}

// Len returns the number of callbacks pending or running.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

// Stop shuts down the dispatch goroutine. Pending callbacks are
// discarded. Stop does not wait for them; it waits only for the
// dispatcher to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.pending = nil
	for id, e := range q.byID {
		if e.state == statePending {
			delete(q.byID, id)
		}
	}
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) dropPending(e *entry) {
	for i, p := range q.pending {
		if p == e {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// pickLocked returns the highest-priority pending entry, FIFO within a
// priority level, and removes it from the pending list.
func (q *Queue) pickLocked() *entry {
	best := -1
	for i, e := range q.pending {
		if best < 0 || e.prio > q.pending[best].prio ||
			(e.prio == q.pending[best].prio && e.seq < q.pending[best].seq) {
			best = i
		}
	}
	e := q.pending[best]
	q.pending = append(q.pending[:best], q.pending[best+1:]...)
	return e
}

func (q *Queue) dispatch() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped {
			q.mu.Unlock()
			return
		}
		e := q.pickLocked()
		e.state = stateRunning
		q.mu.Unlock()

		e.cb()

		q.mu.Lock()
		delete(q.byID, e.id)
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}
