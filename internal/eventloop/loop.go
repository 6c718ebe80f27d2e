// Package eventloop implements the single-threaded epoll reactor (spec
// §4.5): fd callbacks serviced cooperatively, plus a bottom-half queue
// any thread can schedule work onto via an eventfd.
package eventloop

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-vhost-blk/internal/logging"
)

type fdHandler struct {
	fd     int
	events uint32
	cb     func(events uint32)
}

// Loop is one epoll reactor. It is not safe for concurrent use by more
// than one goroutine calling Run/AddFD/RemoveFD; Terminate and
// ScheduleOneshot are the only methods safe to call from other threads.
type Loop struct {
	epfd   int
	bhFD   int // eventfd dedicated to bottom-halves
	log    *logging.Logger

	mu       sync.Mutex
	handlers map[int]*fdHandler

	bhMu  sync.Mutex
	bh    []func()

	term  bool // guarded by bhMu; checked and set alongside the bh queue
}

// New creates an epoll instance and its bottom-half eventfd, and
// registers the eventfd with itself so Run wakes on ScheduleOneshot.
func New(log *logging.Logger) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	bhFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventloop: eventfd: %w", err)
	}
	l := &Loop{
		epfd:     epfd,
		bhFD:     bhFD,
		log:      orDefault(log),
		handlers: make(map[int]*fdHandler),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, bhFD, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(bhFD)}); err != nil {
		_ = unix.Close(bhFD)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventloop: registering bh eventfd: %w", err)
	}
	return l, nil
}

func orDefault(l *logging.Logger) *logging.Logger {
	if l == nil {
		return logging.Default()
	}
	return l
}

// AddFD registers fd for events (an EPOLLIN/EPOLLOUT/... mask); cb runs
// on the loop's thread, inline, during Run, whenever epoll reports fd
// ready with any bit in events.
func (l *Loop) AddFD(fd int, events uint32, cb func(events uint32)) error {
	l.mu.Lock()
	l.handlers[fd] = &fdHandler{fd: fd, events: events, cb: cb}
	l.mu.Unlock()

	ev := &unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		l.mu.Lock()
		delete(l.handlers, fd)
		l.mu.Unlock()
		return fmt.Errorf("eventloop: epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// RemoveFD unregisters fd. Safe to call even if AddFD never succeeded
// for it.
func (l *Loop) RemoveFD(fd int) error {
	l.mu.Lock()
	delete(l.handlers, fd)
	l.mu.Unlock()

	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// ScheduleOneshot queues fn to run exactly once on the loop's thread, in
// FIFO order with other bottom-halves, and wakes the loop if it is
// currently blocked in epoll_wait. Safe from any thread.
func (l *Loop) ScheduleOneshot(fn func()) {
	l.bhMu.Lock()
	l.bh = append(l.bh, fn)
	l.bhMu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(l.bhFD, buf[:]); err != nil {
		l.log.Warn("eventloop: eventfd write failed, bh may be delayed to next tick", "err", err)
	}
}

// Terminate marks the loop for shutdown. Idempotent. The next Run call
// drains any bh's already queued, then returns (false, nil).
func (l *Loop) Terminate() {
	l.bhMu.Lock()
	l.term = true
	l.bhMu.Unlock()
	l.ScheduleOneshot(func() {}) // guarantee Run wakes even if blocked in epoll_wait
}

// drainBH runs every bottom-half queued so far, in FIFO order, and
// reports whether Terminate had been called by the time draining
// started.
func (l *Loop) drainBH() (terminated bool) {
	l.bhMu.Lock()
	fns := l.bh
	l.bh = nil
	terminated = l.term
	l.bhMu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return terminated
}

// Run executes one reactor pass: drain pending bottom-halves, then block
// in epoll_wait up to timeout (0 meaning return immediately if nothing is
// ready) and dispatch any ready fds. It returns (true, nil) when the
// caller should call Run again, (false, nil) once Terminate has been
// observed and all bh's it preceded have drained, and a non-nil error on
// an unrecoverable epoll failure.
func (l *Loop) Run(timeout time.Duration) (bool, error) {
	if l.drainBH() {
		return false, nil
	}

	events := make([]unix.EpollEvent, 32)
	ms := int(timeout / time.Millisecond)
	n, err := unix.EpollWait(l.epfd, events, ms)
	if err != nil {
		if errno, ok := err.(unix.Errno); ok && errno == unix.EINTR {
			return true, nil
		}
		return false, fmt.Errorf("eventloop: epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == l.bhFD {
			drainEventfd(l.bhFD)
			continue
		}
		l.mu.Lock()
		h := l.handlers[fd]
		l.mu.Unlock()
		if h != nil {
			h.cb(events[i].Events)
		}
	}

	if l.drainBH() {
		return false, nil
	}
	return true, nil
}

func drainEventfd(fd int) {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err != nil {
			return
		}
	}
}

// Close releases the epoll fd and bh eventfd. Only valid after Run has
// returned (false, nil) or a non-nil error.
func (l *Loop) Close() error {
	err1 := unix.Close(l.bhFD)
	err2 := unix.Close(l.epfd)
	if err1 != nil {
		return fmt.Errorf("eventloop: close bh eventfd: %w", err1)
	}
	if err2 != nil {
		return fmt.Errorf("eventloop: close epoll fd: %w", err2)
	}
	return nil
}
