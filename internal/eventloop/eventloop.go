// Package eventloop provides a minimal epoll-based readiness notifier.
// One goroutine waits on an epoll set and invokes the handler registered
// for each readable file descriptor. It exists so that device layers can
// react to a provider's async-event fd without owning a poll loop.
package eventloop

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Notifier dispatches "fd readable" events to registered handlers from a
// dedicated goroutine. Handlers run one at a time.
type Notifier struct {
	epfd    int
	wakeFd  int
	mu      sync.Mutex
	cond    *sync.Cond
	handler map[int]func()
	running int // fd whose handler is currently executing, -1 if none
	closed  bool
	wg      sync.WaitGroup
}

// New creates a notifier and starts its wait loop.
func New() (*Notifier, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl add wakeup fd: %w", err)
	}

	n := &Notifier{
		epfd:    epfd,
		wakeFd:  wakeFd,
		handler: make(map[int]func()),
		running: -1,
	}
	n.cond = sync.NewCond(&n.mu)
	n.wg.Add(1)
	go n.loop()
	return n, nil
}

// Add registers fn to run whenever fd becomes readable. The fd must be
// in non-blocking mode; the handler is expected to drain it.
func (n *Notifier) Add(fd int, fn func()) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return fmt.Errorf("notifier is closed")
	}
	if _, ok := n.handler[fd]; ok {
		return fmt.Errorf("fd %d already registered", fd)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(n.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	n.handler[fd] = fn
	return nil
}

// Remove deregisters fd. If its handler is executing, Remove waits for
// it to return; afterwards the handler is guaranteed not to run again.
func (n *Notifier) Remove(fd int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.handler[fd]; !ok {
		return fmt.Errorf("fd %d not registered", fd)
	}
	if err := unix.EpollCtl(n.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	delete(n.handler, fd)
	for n.running == fd {
		n.cond.Wait()
	}
	return nil
}

// Close stops the wait loop and releases the epoll set. Registered fds
// are not closed; they belong to their owners.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	var one [8]byte
	one[7] = 1
	unix.Write(n.wakeFd, one[:]) //nolint:errcheck // best-effort wakeup
	n.wg.Wait()
	unix.Close(n.wakeFd)
	unix.Close(n.epfd)
}

func (n *Notifier) loop() {
	defer n.wg.Done()
	events := make([]unix.EpollEvent, 16)
	for {
		nev, err := unix.EpollWait(n.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return
		}
		for i := 0; i < nev; i++ {
			fd := int(events[i].Fd)
			if fd == n.wakeFd {
				var buf [8]byte
				unix.Read(n.wakeFd, buf[:]) //nolint:errcheck // drain
				continue
			}
			n.mu.Lock()
			if n.closed {
				n.mu.Unlock()
				return
			}
			fn := n.handler[fd]
			if fn == nil {
				n.mu.Unlock()
				continue
			}
			n.running = fd
			n.mu.Unlock()

			fn()

			n.mu.Lock()
			n.running = -1
			n.cond.Broadcast()
			n.mu.Unlock()
		}
		n.mu.Lock()
		closed := n.closed
		n.mu.Unlock()
		if closed {
			return
		}
	}
}
