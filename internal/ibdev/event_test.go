package ibdev

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdmakit/ibcore/internal/cbq"
	"github.com/rdmakit/ibcore/internal/verbs"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestEventRegistryRegisterUnregister(t *testing.T) {
	r := NewEventRegistry(func() {})

	r.Register(verbs.EventQPLastWQEReached, 100)
	r.Register(verbs.EventQPLastWQEReached, 101)
	assert.Equal(t, 2, r.Len())

	// Same kind, distinct resources are independent entries.
	r.Unregister(verbs.EventQPLastWQEReached, 100)
	assert.Equal(t, 1, r.Len())
	r.Unregister(verbs.EventQPLastWQEReached, 101)
	assert.Equal(t, 0, r.Len())
}

func TestEventRegistryDuplicateRegisterPanics(t *testing.T) {
	r := NewEventRegistry(func() {})
	r.Register(verbs.EventQPLastWQEReached, 7)
	assert.Panics(t, func() { r.Register(verbs.EventQPLastWQEReached, 7) })
}

func TestEventRegistryUnknownUnregisterPanics(t *testing.T) {
	r := NewEventRegistry(func() {})
	assert.Panics(t, func() { r.Unregister(verbs.EventQPLastWQEReached, 7) })
}

func TestEventRegistryWaitUnregisteredPanics(t *testing.T) {
	q := cbq.New()
	defer q.Stop()

	r := NewEventRegistry(func() {})
	w := &EventWaiter{CB: func() {}, Queue: q}
	assert.Panics(t, func() { r.Wait(verbs.EventQPLastWQEReached, 7, w) })
}

func TestEventRegistryDispatchUnregisteredIsNoop(t *testing.T) {
	r := NewEventRegistry(func() {})
	// Events arrive for resources nobody tracks; must not panic.
	r.Dispatch(verbs.AsyncEvent{Kind: verbs.EventQPLastWQEReached, ResourceID: 42})
	assert.Equal(t, 0, r.Len())
}

func TestEventRegistryDispatchThenWait(t *testing.T) {
	q := cbq.New()
	defer q.Stop()

	r := NewEventRegistry(func() {})
	r.Register(verbs.EventQPLastWQEReached, 1)

	// Event fires before anyone waits; the flag is latched.
	r.Dispatch(verbs.AsyncEvent{Kind: verbs.EventQPLastWQEReached, ResourceID: 1})

	var fired atomic.Int32
	w := &EventWaiter{CB: func() { fired.Add(1) }, Queue: q}
	require.NoError(t, r.Wait(verbs.EventQPLastWQEReached, 1, w))

	waitFor(t, func() bool { return fired.Load() == 1 }, "latched event delivery")
	r.Unregister(verbs.EventQPLastWQEReached, 1)
}

func TestEventRegistryWaitThenDispatch(t *testing.T) {
	q := cbq.New()
	defer q.Stop()

	r := NewEventRegistry(func() {})
	r.Register(verbs.EventQPLastWQEReached, 1)

	var fired atomic.Int32
	w := &EventWaiter{CB: func() { fired.Add(1) }, Queue: q}
	require.NoError(t, r.Wait(verbs.EventQPLastWQEReached, 1, w))
	assert.Equal(t, int32(0), fired.Load())

	r.Dispatch(verbs.AsyncEvent{Kind: verbs.EventQPLastWQEReached, ResourceID: 1})
	waitFor(t, func() bool { return fired.Load() == 1 }, "event delivery")
	r.Unregister(verbs.EventQPLastWQEReached, 1)
}

func TestEventRegistryWaitBusyWhileScheduled(t *testing.T) {
	q := cbq.New()
	defer q.Stop()

	r := NewEventRegistry(func() {})
	r.Register(verbs.EventQPLastWQEReached, 1)

	// Block the dispatch goroutine so the notification stays scheduled.
	gate := make(chan struct{})
	running := make(chan struct{})
	q.Add(func() { close(running); <-gate }, 0)
	<-running

	w := &EventWaiter{CB: func() {}, Queue: q}
	require.NoError(t, r.Wait(verbs.EventQPLastWQEReached, 1, w))
	r.Dispatch(verbs.AsyncEvent{Kind: verbs.EventQPLastWQEReached, ResourceID: 1})

	// The first notification has not been delivered yet.
	w2 := &EventWaiter{CB: func() {}, Queue: q}
	assert.ErrorIs(t, r.Wait(verbs.EventQPLastWQEReached, 1, w2), ErrBusy)

	close(gate)
	q.Quiesce()
	r.Unregister(verbs.EventQPLastWQEReached, 1)
}

func TestEventRegistryUnregisterCancelsScheduled(t *testing.T) {
	q := cbq.New()
	defer q.Stop()

	r := NewEventRegistry(func() {})
	r.Register(verbs.EventQPLastWQEReached, 1)

	gate := make(chan struct{})
	running := make(chan struct{})
	q.Add(func() { close(running); <-gate }, 0)
	<-running

	var fired atomic.Int32
	w := &EventWaiter{CB: func() { fired.Add(1) }, Queue: q}
	require.NoError(t, r.Wait(verbs.EventQPLastWQEReached, 1, w))
	r.Dispatch(verbs.AsyncEvent{Kind: verbs.EventQPLastWQEReached, ResourceID: 1})

	// Unregister while the notification is still queued behind the
	// blocker: the callback must never run.
	r.Unregister(verbs.EventQPLastWQEReached, 1)
	close(gate)
	q.Quiesce()
	assert.Equal(t, int32(0), fired.Load())
}

func TestEventRegistryDispatchFatal(t *testing.T) {
	q := cbq.New()
	defer q.Stop()

	var failed atomic.Bool
	r := NewEventRegistry(func() { failed.Store(true) })
	r.Register(verbs.EventQPLastWQEReached, 1)
	r.Register(verbs.EventQPLastWQEReached, 2)

	var fired atomic.Int32
	w1 := &EventWaiter{CB: func() { fired.Add(1) }, Queue: q}
	w2 := &EventWaiter{CB: func() { fired.Add(1) }, Queue: q}
	require.NoError(t, r.Wait(verbs.EventQPLastWQEReached, 1, w1))
	require.NoError(t, r.Wait(verbs.EventQPLastWQEReached, 2, w2))

	r.DispatchFatal()

	assert.True(t, failed.Load())
	waitFor(t, func() bool { return fired.Load() == 2 }, "all waiters unblocked")
	r.Unregister(verbs.EventQPLastWQEReached, 1)
	r.Unregister(verbs.EventQPLastWQEReached, 2)
}

func TestEventRegistryFatalFiresLateWaiters(t *testing.T) {
	q := cbq.New()
	defer q.Stop()

	var failed atomic.Bool
	r := NewEventRegistry(func() { failed.Store(true) })
	r.Register(verbs.EventQPLastWQEReached, 1)

	r.DispatchFatal()
	assert.True(t, failed.Load())

	// A waiter attached after the fatal still gets notified from the
	// latched flag.
	var fired atomic.Int32
	w := &EventWaiter{CB: func() { fired.Add(1) }, Queue: q}
	require.NoError(t, r.Wait(verbs.EventQPLastWQEReached, 1, w))
	waitFor(t, func() bool { return fired.Load() == 1 }, "late waiter notified")
	r.Unregister(verbs.EventQPLastWQEReached, 1)
}
