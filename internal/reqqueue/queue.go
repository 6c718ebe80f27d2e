// Package reqqueue implements the MPSC channel between event-loop
// threads (producers, running virtqueue dequeue callbacks) and a single
// worker thread (consumer, running user backend code), per spec §4.6.
package reqqueue

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-vhost-blk/internal/eventloop"
	"github.com/behrlich/go-vhost-blk/internal/logging"
	"github.com/behrlich/go-vhost-blk/internal/uapi"
	"github.com/behrlich/go-vhost-blk/internal/vring"
)

// defaultRunTimeout bounds how long Run blocks in the reactor per call,
// so a Queue with no registered wakeup eventfd (New failed to create one)
// still notices newly enqueued requests promptly.
const defaultRunTimeout = 100 * time.Millisecond

// Status is the completion status written into a virtio-blk request's
// status byte.
type Status uint8

const (
	StatusOK     Status = Status(uapi.BlkStatusOK)
	StatusIOErr  Status = Status(uapi.BlkStatusIOErr)
	StatusUnsupp Status = Status(uapi.BlkStatusUnsupp)

	// StatusCanceled has no wire representation: it marks a request
	// that was drained during shutdown rather than completed by the
	// backend, and must never be written into a request's status byte.
	StatusCanceled Status = 0xff
)

// Request is one dequeued descriptor chain handed to the worker. Loop is
// the reactor that owns Queue (the virtqueue Head was read from); done
// re-marshals the completion back onto it.
type Request struct {
	Head  uint16
	Bufs  []vring.Buffer
	Queue *vring.Queue
	Loop  *eventloop.Loop

	done func(status Status, writtenLen uint32)
}

// NewRequest builds a Request whose CompleteBio path commits
// back to queue via loop, regardless of which thread calls it.
func NewRequest(head uint16, bufs []vring.Buffer, queue *vring.Queue, loop *eventloop.Loop) *Request {
	r := &Request{Head: head, Bufs: bufs, Queue: queue, Loop: loop}
	r.done = func(status Status, writtenLen uint32) {
		_ = status // the status byte itself was already written into bufs by the worker
		_ = queue.Commit(head, writtenLen)
	}
	return r
}

// qnode is one link of the intake stack producers push onto.
type qnode struct {
	req  *Request
	next atomic.Pointer[qnode]
}

// Queue is the MPSC request channel for one worker thread. Producers
// (any number of event-loop threads) call enqueue; exactly one consumer
// calls Run/Dequeue.
type Queue struct {
	loop   *eventloop.Loop
	wakeFD int
	log    *logging.Logger

	top atomic.Pointer[qnode] // intake: producers CAS-push, consumer drains

	// pending is consumer-owned; only Run/Dequeue ever touch it, so no
	// synchronization is needed here.
	pending []*Request

	stopping atomic.Bool
}

// New creates a request queue and registers its wakeup eventfd on loop
// (the worker's own dedicated reactor). A dead eventfd is non-fatal: the
// queue still functions via polling inside Run, just without a
// zero-latency wakeup for enqueue.
func New(loop *eventloop.Loop) *Queue {
	q := &Queue{loop: loop, log: logging.Default()}

	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		q.log.Warn("reqqueue: eventfd create failed, falling back to polling", "err", err)
		q.wakeFD = -1
		return q
	}
	q.wakeFD = fd
	if err := loop.AddFD(fd, unix.EPOLLIN, func(uint32) { drainWake(fd) }); err != nil {
		q.log.Warn("reqqueue: registering wakeup eventfd failed, falling back to polling", "err", err)
		_ = unix.Close(fd)
		q.wakeFD = -1
	}
	return q
}

func drainWake(fd int) {
	var buf [8]byte
	_, _ = unix.Read(fd, buf[:])
}

func (q *Queue) wake() {
	if q.wakeFD < 0 {
		return
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(q.wakeFD, buf[:]); err != nil {
		q.log.Warn("reqqueue: wakeup eventfd write failed", "err", err)
	}
}

// enqueue pushes r onto the intake stack and wakes the worker's loop.
// Lock-free but not wait-free: a single CAS retry loop, no locks, in
// which a producer retries for as long as other producers win the race.
// Called from a virtqueue's dequeue callback.
func (q *Queue) enqueue(r *Request) error {
	n := &qnode{req: r}
	for {
		old := q.top.Load()
		n.next.Store(old)
		if q.top.CompareAndSwap(old, n) {
			q.wake()
			return nil
		}
	}
}

// Enqueue is the exported form of enqueue; producers outside this
// package (virtqueue dequeue callbacks in internal/device) use this.
func (q *Queue) Enqueue(r *Request) error { return q.enqueue(r) }

// drainIntake atomically takes the whole intake stack and appends it, in
// original push (FIFO) order, to pending.
func (q *Queue) drainIntake() {
	top := q.top.Swap(nil)
	if top == nil {
		return
	}
	// The intake stack is LIFO (most recently pushed on top); reverse it
	// so pending preserves arrival order.
	var reversed []*qnode
	for n := top; n != nil; n = n.next.Load() {
		reversed = append(reversed, n)
	}
	for i := len(reversed) - 1; i >= 0; i-- {
		q.pending = append(q.pending, reversed[i].req)
	}
}

// Run is the worker's cooperative driver: it blocks on the dedicated
// loop's reactor, then reports whether Dequeue has work to drain. It
// returns (true, nil) while the worker should keep calling Dequeue until
// empty, (false, nil) once Stop has been called and every request
// enqueued before it has been drained, and a non-nil error if the
// underlying reactor fails unrecoverably.
func (q *Queue) Run() (bool, error) {
	more, err := q.loop.Run(defaultRunTimeout)
	if err != nil {
		return false, err
	}
	q.drainIntake()

	if len(q.pending) > 0 {
		return true, nil
	}
	if !more && q.stopping.Load() {
		return false, nil
	}
	return more, nil
}

// Dequeue returns the next request in arrival order, non-blocking.
func (q *Queue) Dequeue() (*Request, bool) {
	if len(q.pending) == 0 {
		q.drainIntake()
	}
	if len(q.pending) == 0 {
		return nil, false
	}
	r := q.pending[0]
	q.pending = q.pending[1:]
	return r, true
}

// Stop wakes the worker and tells Run to report termination once the
// queue drains; requests already dequeued into the worker's hands are
// allowed to complete normally.
func (q *Queue) Stop() {
	q.stopping.Store(true)
	q.loop.Terminate()
}

// CompleteBio delivers a backend's completion for r. Safe from any
// thread: the actual ring commit is re-marshaled onto r.Loop via
// ScheduleOneshot so it always runs on the thread that owns r.Queue.
func (q *Queue) CompleteBio(r *Request, status Status, writtenLen uint32) {
	r.Loop.ScheduleOneshot(func() {
		r.done(status, writtenLen)
	})
}
