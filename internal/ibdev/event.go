package ibdev

import (
	"fmt"
	"sync"

	"github.com/rdmakit/ibcore/internal/cbq"
	"github.com/rdmakit/ibcore/internal/verbs"
)

// EventKey identifies one tracked async event: the resource id
// disambiguates events of the same kind across QPs/CQs/SRQs on a device.
type EventKey struct {
	Kind       verbs.EventKind
	ResourceID uint32
}

// EventWaiter is a caller-allocated one-shot notification record. The
// registry only observes it while a wait is outstanding; ownership
// remains with the caller. The callback runs on the queue's dispatch
// context and must not invoke registry operations for the same key.
type EventWaiter struct {
	CB    func()
	Queue *cbq.Queue

	// id is the live callback handle while a delivery is pending and
	// cbq.None otherwise. Managed by the registry under its lock.
	id cbq.Handle
}

type eventEntry struct {
	fired bool // latched; never auto-clears
	wait  *EventWaiter
}

// EventRegistry tracks which async events a device's users care about
// and delivers one-shot notifications for them. All operations share one
// non-reentrant lock, held only for O(1) table work, never across a
// provider call. Dispatch and DispatchFatal may run concurrently with
// everything else from the event-delivery context.
type EventRegistry struct {
	mu      sync.Mutex
	entries map[EventKey]*eventEntry

	// markFailed latches the owning device's permanently-failed flag.
	// An explicit back-reference: the registry never reaches into its
	// owner directly.
	markFailed func()
}

// NewEventRegistry creates an empty registry. markFailed is invoked,
// under the registry lock, when a device-wide fatal event is dispatched.
func NewEventRegistry(markFailed func()) *EventRegistry {
	return &EventRegistry{
		entries:    make(map[EventKey]*eventEntry),
		markFailed: markFailed,
	}
}

// Register starts tracking events for key. Registering a key twice is a
// caller bug and panics.
func (r *EventRegistry) Register(kind verbs.EventKind, resourceID uint32) {
	key := EventKey{Kind: kind, ResourceID: resourceID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		panic(fmt.Sprintf("ibdev: async event %v already registered", key))
	}
	r.entries[key] = &eventEntry{}
}

// Wait attaches w to an existing entry. If the entry already fired, the
// callback is scheduled immediately; otherwise it fires on the next
// dispatch for the key. Returns ErrBusy while a previous notification
// for the key is scheduled and not yet delivered. Waiting on an
// unregistered key is a caller bug and panics.
func (r *EventRegistry) Wait(kind verbs.EventKind, resourceID uint32, w *EventWaiter) error {
	key := EventKey{Kind: kind, ResourceID: resourceID}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		panic(fmt.Sprintf("ibdev: wait on unregistered async event %v", key))
	}
	if e.inProgress() {
		return ErrBusy
	}
	w.id = cbq.None
	e.wait = w
	if e.fired {
		e.schedule()
	}
	return nil
}

// Unregister cancels any scheduled-but-undelivered notification for key
// and removes the entry. After Unregister returns, the callback is
// guaranteed not to fire for this key. Unregistering an unknown key is a
// caller bug and panics.
func (r *EventRegistry) Unregister(kind verbs.EventKind, resourceID uint32) {
	key := EventKey{Kind: kind, ResourceID: resourceID}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		panic(fmt.Sprintf("ibdev: unregister of unknown async event %v", key))
	}
	if e.inProgress() {
		// Cancels the pending callback, or waits out an in-flight one.
		e.wait.Queue.Remove(e.wait.id)
	}
	delete(r.entries, key)
}

// Dispatch latches the event and schedules the attached waiter, if any.
// Events for keys nobody registered are silently ignored; they may
// arrive for resources no longer of interest.
func (r *EventRegistry) Dispatch(ev verbs.AsyncEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchLocked(EventKey{Kind: ev.Kind, ResourceID: ev.ResourceID})
}

// DispatchFatal marks the owning device permanently failed and then
// dispatches every registered key as if it had fired, unblocking every
// outstanding waiter. Used for device-wide fatal events.
func (r *EventRegistry) DispatchFatal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markFailed()
	for key := range r.entries {
		r.dispatchLocked(key)
	}
}

// Len returns the number of registered keys.
func (r *EventRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *EventRegistry) dispatchLocked(key EventKey) {
	e, ok := r.entries[key]
	if !ok {
		return
	}
	e.fired = true
	if e.wait != nil && !e.inProgress() {
		e.schedule()
	}
}

// inProgress reports whether a notification is scheduled or running and
// not yet finished.
func (e *eventEntry) inProgress() bool {
	return e.wait != nil && e.wait.id != cbq.None && e.wait.Queue.Outstanding(e.wait.id)
}

// schedule hands the waiter's callback to its queue. A waiter has at
// most one live schedule at a time.
func (e *eventEntry) schedule() {
	if e.inProgress() {
		panic("ibdev: async event callback scheduled twice")
	}
	e.wait.id = e.wait.Queue.Add(e.wait.CB, 0)
}
