// Package device implements device lifecycle management: binding a
// backend to a vhost-user socket, attaching virtqueues as the
// hypervisor negotiates them, funneling descriptor chains into a shared
// request queue, and tearing everything down asynchronously once every
// in-flight request has drained.
//
// Each attached virtqueue gets its own event-loop thread (an
// eventloop.Loop run on a dedicated goroutine) and its own crash-safe
// inflight region; all queues on one device share the memory-table
// negotiated over a single transport.Session and, typically, the
// request queue a caller created once for the whole process.
package device

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/moby/sys/mountinfo"

	"github.com/behrlich/go-vhost-blk/internal/eventloop"
	"github.com/behrlich/go-vhost-blk/internal/inflight"
	"github.com/behrlich/go-vhost-blk/internal/interfaces"
	"github.com/behrlich/go-vhost-blk/internal/logging"
	"github.com/behrlich/go-vhost-blk/internal/memmap"
	"github.com/behrlich/go-vhost-blk/internal/reqqueue"
	"github.com/behrlich/go-vhost-blk/internal/transport"
	"github.com/behrlich/go-vhost-blk/internal/uapi"
	"github.com/behrlich/go-vhost-blk/internal/vring"
)

// Backend is the storage operations a registered block device dispatches
// virtio-blk requests to.
type Backend = interfaces.Backend

// FSBackend is the operation surface register_fs dispatches to: one
// opaque request buffer in, one opaque response buffer out per
// descriptor chain. Full virtiofs semantics (the FUSE-over-virtio
// message set) are out of scope; this is the seam a filesystem backend
// hangs off of.
type FSBackend interface {
	HandleRequest(req []byte, resp []byte) (n int, err error)
	Close() error
}

// BlockInfo parameterizes RegisterBlockDev.
type BlockInfo struct {
	SocketPath  string
	Serial      string
	BlockSize   uint32
	TotalBlocks uint64
	NumQueues   int
	ReadOnly    bool
	MapCB       func([]byte) error
	UnmapCB     func([]byte) error

	// Observer receives per-operation and queue-depth samples as
	// requests complete. Nil disables observation entirely rather than
	// falling back to a no-op implementation, since internal/device
	// cannot import the root package's NoOpObserver without an import
	// cycle (the root package registers devices through this one).
	Observer interfaces.Observer
}

// FSInfo parameterizes RegisterFS.
type FSInfo struct {
	SocketPath string
	NumQueues  int
	Tag        string
}

// State is a Device's lifecycle stage.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	queueLoopTimeout  = 200 * time.Millisecond
	drainPollInterval = 2 * time.Millisecond
)

// queueBinding is one virtqueue attached to a Device: the ring engine,
// the per-queue reactor that serializes dequeue/commit work for it, and
// the index the hypervisor knows it by.
type queueBinding struct {
	idx  int
	vq   *vring.Queue
	loop *eventloop.Loop
}

// Device owns one transport.Session and the virtqueues attached to it.
type Device struct {
	log     *logging.Logger
	session transport.Session
	rq      *reqqueue.Queue

	blockInfo BlockInfo
	fsInfo    *FSInfo
	backend   Backend
	fsBackend FSBackend
	observer  interfaces.Observer

	memTable *memmap.Map

	mu     sync.Mutex
	queues []*queueBinding

	state    atomic.Int32
	draining atomic.Bool
}

// RegisterBlockDev binds backend to a vhost-user socket as a virtio-blk
// device. It returns once the socket is listening; the first connected
// hypervisor drives attach of every virtqueue asynchronously, matching
// spec §4.7.
func RegisterBlockDev(ctx context.Context, info BlockInfo, rq *reqqueue.Queue, backend Backend) (*Device, error) {
	log := logging.Default()
	session, err := transport.Listen(info.SocketPath, info.NumQueues, log)
	if err != nil {
		return nil, fmt.Errorf("device: register block dev: %w", err)
	}

	d := &Device{
		log:       log,
		session:   session,
		rq:        rq,
		blockInfo: info,
		backend:   backend,
		observer:  info.Observer,
	}
	d.state.Store(int32(StateStarting))

	go d.acceptAndAttach(ctx, info.NumQueues)
	return d, nil
}

// RegisterFS binds backend to a vhost-user socket as a virtiofs device.
// checkStaleMount guards against reusing a socket directory a prior,
// crashed instance left mounted.
func RegisterFS(ctx context.Context, info FSInfo, rq *reqqueue.Queue, backend FSBackend) (*Device, error) {
	if err := checkStaleMount(info.SocketPath); err != nil {
		return nil, err
	}

	log := logging.Default()
	session, err := transport.Listen(info.SocketPath, info.NumQueues, log)
	if err != nil {
		return nil, fmt.Errorf("device: register fs: %w", err)
	}

	d := &Device{
		log:       log,
		session:   session,
		rq:        rq,
		fsInfo:    &info,
		fsBackend: backend,
	}
	d.state.Store(int32(StateStarting))

	go d.acceptAndAttach(ctx, info.NumQueues)
	return d, nil
}

// checkStaleMount rejects a socket directory that a prior, crashed
// instance left mounted (virtiofs's own filesystem mounted back onto
// its socket's directory, or a leftover bind-mount) rather than
// silently listening underneath it.
func checkStaleMount(socketPath string) error {
	dir := filepath.Dir(socketPath)
	mounts, err := mountinfo.GetMounts(mountinfo.PrefixFilter(dir))
	if err != nil {
		return fmt.Errorf("device: checking mounts under %s: %w", dir, err)
	}
	if len(mounts) > 0 {
		return fmt.Errorf("device: %s has a stale mount (%s) from a prior instance; unmount before registering", dir, mounts[0].Mountpoint)
	}
	return nil
}

// State reports the device's current lifecycle stage.
func (d *Device) State() State { return State(d.state.Load()) }

func (d *Device) acceptAndAttach(_ context.Context, numQueues int) {
	if err := d.session.Accept(); err != nil {
		d.log.Warn("device: accept failed", "err", err)
		return
	}
	d.memTable = memmap.NewMap(d.session.MemoryTable())

	var wg sync.WaitGroup
	for i := 0; i < numQueues; i++ {
		idx := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.attachQueue(idx); err != nil {
				d.log.Warn("device: attach queue failed", "queue", idx, "err", err)
			}
		}()
	}
	wg.Wait()
	d.state.Store(int32(StateRunning))
}

func (d *Device) attachQueue(idx int) error {
	descPtr, availPtr, usedPtr, qsz, inflightPath := d.session.NegotiateQueue(idx)
	if descPtr == nil || availPtr == nil || usedPtr == nil {
		return fmt.Errorf("queue %d: negotiation did not resolve ring pointers", idx)
	}

	infl, err := inflight.Open(inflightPath, qsz, d.log)
	if err != nil {
		infl, err = inflight.Create(inflightPath, qsz, d.log)
		if err != nil {
			return fmt.Errorf("queue %d: inflight region: %w", idx, err)
		}
	}

	// SET_MEM_TABLE can arrive after Accept returned; ring pointers that
	// resolved above imply it is in place now, so refresh the map from it.
	d.memTable.Update(d.session.MemoryTable())
	table := d.memTable.Current()
	vq, err := vring.Attach(table, descPtr, availPtr, usedPtr, qsz, infl)
	table.Unref()
	if err != nil {
		return fmt.Errorf("queue %d: attach: %w", idx, err)
	}

	loop, err := eventloop.New(d.log)
	if err != nil {
		vq.Release()
		return fmt.Errorf("queue %d: event loop: %w", idx, err)
	}

	qb := &queueBinding{idx: idx, vq: vq, loop: loop}
	d.mu.Lock()
	d.queues = append(d.queues, qb)
	d.mu.Unlock()

	go d.runQueueLoop(qb)

	dequeueCB := func(head uint16, bufs []vring.Buffer) vring.DequeueAction {
		return d.enqueue(qb, head, bufs)
	}
	if _, err := vq.Replay(dequeueCB); err != nil {
		d.log.Warn("device: replay failed", "queue", idx, "err", err)
	}

	d.session.OnKick(idx, func() {
		if d.draining.Load() {
			return
		}
		loop.ScheduleOneshot(func() {
			if d.draining.Load() {
				return
			}
			if _, err := vq.DequeueMany(dequeueCB); err != nil && !errors.Is(err, vring.ErrQueueBroken) {
				d.log.Warn("device: dequeue failed", "queue", idx, "err", err)
			}
		})
	})
	return nil
}

func (d *Device) enqueue(qb *queueBinding, head uint16, bufs []vring.Buffer) vring.DequeueAction {
	req := reqqueue.NewRequest(head, bufs, qb.vq, qb.loop)
	if err := d.rq.Enqueue(req); err != nil {
		d.log.Warn("device: enqueue failed", "queue", qb.idx, "head", head, "err", err)
		return vring.Abort
	}
	return vring.Retain
}

func (d *Device) runQueueLoop(qb *queueBinding) {
	for {
		more, err := qb.loop.Run(queueLoopTimeout)
		if err != nil {
			d.log.Warn("device: queue loop exiting on error", "queue", qb.idx, "err", err)
			return
		}
		if !more {
			return
		}
	}
}

// Unregister stops accepting new work and asynchronously tears the
// device down: every virtqueue drains to zero in-flight requests before
// its reactor is closed and its memory-table pin is dropped, then the
// socket is closed and onDone is invoked. A queue's inflight region is
// not closed and stays mapped. Callers must not free the backend
// before onDone fires, per spec §4.7.
func (d *Device) Unregister(onDone func()) {
	go d.unregister(onDone)
}

func (d *Device) unregister(onDone func()) {
	d.state.Store(int32(StateDraining))
	d.draining.Store(true)

	d.mu.Lock()
	queues := append([]*queueBinding(nil), d.queues...)
	d.mu.Unlock()

	var eg errgroup.Group
	for _, qb := range queues {
		qb := qb
		eg.Go(func() error {
			d.drainQueue(qb)
			return nil
		})
	}
	_ = eg.Wait()

	_ = d.session.Close()
	d.state.Store(int32(StateStopped))
	if onDone != nil {
		onDone()
	}
}

func (d *Device) drainQueue(qb *queueBinding) {
	for qb.vq.Outstanding() > 0 {
		time.Sleep(drainPollInterval)
	}
	qb.loop.Terminate()
	qb.loop.Close()
	qb.vq.Release()
}

// HandleRequest interprets one dequeued descriptor chain as a
// virtio-blk request, performs the corresponding backend operation, and
// commits the completion. It must be called from the worker thread that
// owns rq (per spec §5's thread-class split: event-loop threads only
// produce requests, a dedicated worker thread runs backend code), and
// never from a virtqueue's own event-loop goroutine.
func (d *Device) HandleRequest(r *reqqueue.Request) {
	status, writtenLen := d.dispatchBlock(r)
	d.rq.CompleteBio(r, status, writtenLen)
	if d.observer != nil {
		d.observer.ObserveQueueDepth(uint32(r.Queue.Outstanding()))
	}
}

func (d *Device) dispatchBlock(r *reqqueue.Request) (reqqueue.Status, uint32) {
	backend := d.backend
	if len(r.Bufs) < 2 {
		return reqqueue.StatusIOErr, 0
	}
	headerBuf := r.Bufs[0]
	statusBuf := r.Bufs[len(r.Bufs)-1]
	if headerBuf.WriteOnly || len(headerBuf.Ptr) < 16 {
		return reqqueue.StatusIOErr, 0
	}
	if !statusBuf.WriteOnly || len(statusBuf.Ptr) < 1 {
		return reqqueue.StatusIOErr, 0
	}

	hdr, err := uapi.UnmarshalBlkHeader(headerBuf.Ptr)
	if err != nil {
		return reqqueue.StatusIOErr, 0
	}
	dataBufs := r.Bufs[1 : len(r.Bufs)-1]

	start := time.Now()
	var writtenLen uint32
	var opErr error
	status := reqqueue.StatusOK

	switch hdr.Type {
	case uapi.BlkTypeIn:
		writtenLen, opErr = blockRead(backend, int64(hdr.Sector)*512, dataBufs)
		d.observeRead(writtenLen, start, opErr == nil)
	case uapi.BlkTypeOut:
		if d.blockInfo.ReadOnly {
			statusBuf.Ptr[0] = uapi.BlkStatusIOErr
			return reqqueue.StatusIOErr, 0
		}
		var n uint32
		n, opErr = blockWrite(backend, int64(hdr.Sector)*512, dataBufs)
		d.observeWrite(n, start, opErr == nil)
	case uapi.BlkTypeFlush:
		opErr = backend.Flush()
		d.observeFlush(start, opErr == nil)
	case uapi.BlkTypeGetID:
		writtenLen = writeDeviceID(dataBufs, d.blockInfo.Serial)
	case uapi.BlkTypeDiscard:
		if d.blockInfo.ReadOnly {
			statusBuf.Ptr[0] = uapi.BlkStatusIOErr
			return reqqueue.StatusIOErr, 0
		}
		if _, ok := backend.(interfaces.DiscardBackend); !ok {
			statusBuf.Ptr[0] = uapi.BlkStatusUnsupp
			return reqqueue.StatusUnsupp, 0
		}
		var n uint32
		n, opErr = blockDiscard(backend, dataBufs)
		d.observeDiscard(n, start, opErr == nil)
	default:
		statusBuf.Ptr[0] = uapi.BlkStatusUnsupp
		return reqqueue.StatusUnsupp, writtenLen
	}

	if opErr != nil {
		statusBuf.Ptr[0] = uapi.BlkStatusIOErr
		return reqqueue.StatusIOErr, writtenLen
	}
	statusBuf.Ptr[0] = uapi.BlkStatusOK
	return status, writtenLen + 1
}

// HandleFSRequest interprets one dequeued descriptor chain as a
// virtiofs request: one read-only request buffer followed by one
// device-writable response buffer. It must be called from the same
// dedicated worker thread as HandleRequest, never from a virtqueue's
// own event-loop goroutine.
func (d *Device) HandleFSRequest(r *reqqueue.Request) {
	status, writtenLen := d.dispatchFS(r)
	d.rq.CompleteBio(r, status, writtenLen)
}

func (d *Device) dispatchFS(r *reqqueue.Request) (reqqueue.Status, uint32) {
	if len(r.Bufs) != 2 {
		return reqqueue.StatusIOErr, 0
	}
	reqBuf, respBuf := r.Bufs[0], r.Bufs[1]
	if reqBuf.WriteOnly || !respBuf.WriteOnly {
		return reqqueue.StatusIOErr, 0
	}

	n, err := d.fsBackend.HandleRequest(reqBuf.Ptr, respBuf.Ptr)
	if err != nil {
		return reqqueue.StatusIOErr, 0
	}
	return reqqueue.StatusOK, uint32(n)
}

func (d *Device) observeRead(bytes uint32, start time.Time, ok bool) {
	if d.observer != nil {
		d.observer.ObserveRead(uint64(bytes), uint64(time.Since(start)), ok)
	}
}

func (d *Device) observeWrite(bytes uint32, start time.Time, ok bool) {
	if d.observer != nil {
		d.observer.ObserveWrite(uint64(bytes), uint64(time.Since(start)), ok)
	}
}

func (d *Device) observeFlush(start time.Time, ok bool) {
	if d.observer != nil {
		d.observer.ObserveFlush(uint64(time.Since(start)), ok)
	}
}

func (d *Device) observeDiscard(bytes uint32, start time.Time, ok bool) {
	if d.observer != nil {
		d.observer.ObserveDiscard(uint64(bytes), uint64(time.Since(start)), ok)
	}
}

func blockRead(backend Backend, offset int64, bufs []vring.Buffer) (uint32, error) {
	var total uint32
	for _, b := range bufs {
		if !b.WriteOnly {
			return total, fmt.Errorf("device: read request data segment is not device-writable")
		}
		n, err := backend.ReadAt(b.Ptr, offset)
		total += uint32(n)
		offset += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func blockWrite(backend Backend, offset int64, bufs []vring.Buffer) (uint32, error) {
	var total uint32
	for _, b := range bufs {
		if b.WriteOnly {
			return total, fmt.Errorf("device: write request data segment is device-writable")
		}
		n, err := backend.WriteAt(b.Ptr, offset)
		total += uint32(n)
		offset += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// blockDiscard parses bufs as a sequence of 16-byte discard segments and
// forwards each sector range to backend.Discard. A backend that doesn't
// implement interfaces.DiscardBackend reports the request unsupported.
func blockDiscard(backend Backend, bufs []vring.Buffer) (uint32, error) {
	db, ok := backend.(interfaces.DiscardBackend)
	if !ok {
		return 0, fmt.Errorf("device: backend does not support discard")
	}
	var total uint32
	for _, b := range bufs {
		for off := 0; off+16 <= len(b.Ptr); off += 16 {
			seg, err := uapi.UnmarshalDiscardSegment(b.Ptr[off : off+16])
			if err != nil {
				return total, err
			}
			if err := db.Discard(int64(seg.Sector)*512, int64(seg.NumSectors)*512); err != nil {
				return total, err
			}
			total += 16
		}
	}
	return total, nil
}

// writeDeviceID writes serial, left-justified and NUL-padded, into the
// first data buffer of a GET_ID request, matching virtio-blk's
// VIRTIO_BLK_T_GET_ID contract.
func writeDeviceID(bufs []vring.Buffer, serial string) uint32 {
	if len(bufs) == 0 || len(bufs[0].Ptr) == 0 {
		return 0
	}
	if serial == "" {
		serial = "vhost-blk"
	}
	n := copy(bufs[0].Ptr, serial)
	for i := n; i < len(bufs[0].Ptr); i++ {
		bufs[0].Ptr[i] = 0
	}
	return uint32(len(bufs[0].Ptr))
}
