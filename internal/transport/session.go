// Package transport decodes the device side of a vhost-user handshake:
// memory-table negotiation, per-queue ring address setup, and kick-fd
// passing over SCM_RIGHTS on a Unix domain socket. It is the seam the
// virtqueue engine touches to learn where guest memory and per-queue
// rings live; it does not implement the full vhost-user message set
// (feature negotiation beyond a fixed minimum, postcopy, the
// backend-to-frontend slave channel, multi-socket reconnection). That
// remainder is a documented extension point, not a missing feature of
// this package.
package transport

import (
	"fmt"
	"net"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-vhost-blk/internal/logging"
	"github.com/behrlich/go-vhost-blk/internal/memmap"
)

// Vhost-user request numbers (vhost-user.h); only the subset this
// handshake understands. Values match the wire protocol, not an
// internally invented scheme.
const (
	reqGetFeatures         = 1
	reqSetFeatures         = 2
	reqSetOwner            = 3
	reqSetMemTable         = 5
	reqSetVringNum         = 8
	reqSetVringAddr        = 9
	reqSetVringBase        = 10
	reqGetVringBase        = 11
	reqSetVringKick        = 12
	reqSetVringCall        = 13
	reqGetProtocolFeatures = 15
	reqSetProtocolFeatures = 16
	reqSetVringEnable      = 18
)

const (
	flagReply     = 0x1 << 2
	flagNeedReply = 0x1 << 3
)

// header is the 12-byte vhost-user message header.
type header struct {
	Request uint32
	Flags   uint32
	Size    uint32
}

var headerSize = int(unsafe.Sizeof(header{}))

// memoryRegionWire mirrors one VhostUserMemoryRegion wire entry.
type memoryRegionWire struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	UserAddr      uint64
	MmapOffset    uint64
}

// vringAddrWire mirrors VHOST_USER_SET_VRING_ADDR's payload.
type vringAddrWire struct {
	Index         uint32
	Flags         uint32
	DescUserAddr  uint64
	UsedUserAddr  uint64
	AvailUserAddr uint64
	LogGuestAddr  uint64
}

// vringStateWire mirrors VHOST_USER_SET_VRING_NUM/BASE's payload.
type vringStateWire struct {
	Index uint32
	Num   uint32
}

type u64Wire struct{ Num uint64 }

// rawRegion keeps a mmap'd memory-table entry alive and resolvable by
// its driver (front-end virtual) address, which is the address space
// VhostVringAddr's ring pointers are expressed in — distinct from the
// guest-physical space descriptor buffers use, which memmap.Table
// handles independently.
type rawRegion struct {
	wire memoryRegionWire
	data []byte
}

// queueState is per-virtqueue handshake progress.
type queueState struct {
	descAddr, availAddr, usedAddr uint64
	qsz                           uint16
	haveAddr, haveNum             bool
	readyOnce                     sync.Once
	ready                         chan struct{}

	kickFD   int
	kickOnce sync.Once
	onKick   func()
}

func newQueueState() *queueState {
	return &queueState{kickFD: -1, ready: make(chan struct{})}
}

// Session is what internal/device needs from a negotiated connection:
// a way to wait for the hypervisor to connect, the resolved guest
// memory map, resolved per-queue ring pointers, a way to be told about
// kicks, and a way to tear the connection down.
type Session interface {
	Accept() error
	MemoryTable() []memmap.Region
	NegotiateQueue(idx int) (desc, avail, used unsafe.Pointer, qsz uint16, inflightPath string)
	OnKick(idx int, fn func())
	Close() error
}

// UnixSession is a minimal device-side vhost-user endpoint: one
// listener, one accepted connection, enough message decoding to drive
// the virtqueue engine end to end.
type UnixSession struct {
	log        *logging.Logger
	socketPath string

	ln   *net.UnixListener
	conn *net.UnixConn

	mu         sync.Mutex
	rawRegions []rawRegion
	queues     []*queueState

	closeOnce sync.Once
}

// Listen creates socketPath and starts listening. numQueues is the
// number of virtqueues the caller intends to negotiate; a
// SET_VRING_NUM/SET_VRING_ADDR for any other index is rejected.
func Listen(socketPath string, numQueues int, log *logging.Logger) (*UnixSession, error) {
	log = orDefaultLogger(log)
	_ = os.Remove(socketPath) // stale socket left by a crashed prior instance

	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", socketPath, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", socketPath, err)
	}

	s := &UnixSession{
		log:        log,
		socketPath: socketPath,
		ln:         ln,
		queues:     make([]*queueState, numQueues),
	}
	for i := range s.queues {
		s.queues[i] = newQueueState()
	}
	return s, nil
}

func orDefaultLogger(l *logging.Logger) *logging.Logger {
	if l != nil {
		return l
	}
	return logging.Default()
}

var _ Session = (*UnixSession)(nil)

// Accept blocks for the hypervisor's connection, then serves the
// handshake on a background goroutine until the connection closes or
// an unrecoverable decode error occurs.
func (s *UnixSession) Accept() error {
	conn, err := s.ln.AcceptUnix()
	if err != nil {
		return fmt.Errorf("transport: accept: %w", err)
	}
	s.conn = conn
	go s.serve()
	return nil
}

func (s *UnixSession) serve() {
	for {
		if err := s.oneMessage(); err != nil {
			s.log.Debug("transport: handshake loop exiting", "err", err)
			return
		}
	}
}

// oneMessage reads, decodes and (if requested) replies to a single
// vhost-user message. Message types outside the memory-table/ring-setup
// subset get a minimal, spec-conformant ack and are otherwise ignored.
func (s *UnixSession) oneMessage() error {
	var hdrBuf [12]byte
	var oob [1024]byte

	n, oobN, _, _, err := s.conn.ReadMsgUnix(hdrBuf[:], oob[:])
	if err != nil {
		return err
	}
	if n < headerSize {
		return fmt.Errorf("transport: short header read (%d bytes)", n)
	}
	hdr := header{
		Request: leUint32(hdrBuf[0:4]),
		Flags:   leUint32(hdrBuf[4:8]),
		Size:    leUint32(hdrBuf[8:12]),
	}

	var fds []int
	if oobN > 0 {
		scms, err := unix.ParseSocketControlMessage(oob[:oobN])
		if err != nil {
			return fmt.Errorf("transport: parse control message: %w", err)
		}
		for _, scm := range scms {
			rights, err := unix.ParseUnixRights(&scm)
			if err != nil {
				return fmt.Errorf("transport: parse unix rights: %w", err)
			}
			fds = append(fds, rights...)
		}
	}

	var body []byte
	if hdr.Size > 0 {
		body = make([]byte, hdr.Size)
		bn, _, _, _, err := s.conn.ReadMsgUnix(body, nil)
		if err != nil {
			return fmt.Errorf("transport: read payload: %w", err)
		}
		if bn < int(hdr.Size) {
			return fmt.Errorf("transport: short payload read (%d of %d)", bn, hdr.Size)
		}
	}

	var handlerErr error
	var replyPayload []byte

	switch hdr.Request {
	case reqGetFeatures:
		replyPayload = u64Reply(0)
	case reqSetFeatures, reqSetOwner:
	case reqGetProtocolFeatures:
		replyPayload = u64Reply(0)
	case reqSetProtocolFeatures:
	case reqSetMemTable:
		handlerErr = s.handleSetMemTable(body, fds)
	case reqSetVringNum:
		handlerErr = s.handleSetVringNum(body)
	case reqSetVringAddr:
		handlerErr = s.handleSetVringAddr(body)
	case reqSetVringBase, reqSetVringEnable:
		// last_avail is recovered from the ring itself on attach; enable
		// gating isn't needed since the queue isn't attached until negotiated
	case reqGetVringBase:
		replyPayload = u64Reply(0)
	case reqSetVringKick:
		handlerErr = s.handleSetVringKick(body, fds)
	case reqSetVringCall:
		if len(fds) > 0 {
			_ = unix.Close(fds[0])
		}
	default:
		s.log.Debug("transport: ignoring request outside the handled subset", "request", hdr.Request)
	}

	if handlerErr != nil {
		s.log.Warn("transport: handshake message failed", "request", hdr.Request, "err", handlerErr)
	}

	if hdr.Flags&flagNeedReply == 0 {
		return nil
	}
	if replyPayload == nil {
		status := uint64(0)
		if handlerErr != nil {
			status = 1
		}
		replyPayload = u64Reply(status)
	}
	return s.reply(hdr.Request, replyPayload)
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func u64Reply(v uint64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return buf
}

func (s *UnixSession) reply(request uint32, payload []byte) error {
	buf := make([]byte, headerSize+len(payload))
	putLE32(buf[0:4], request)
	putLE32(buf[4:8], flagReply)
	putLE32(buf[8:12], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	_, err := s.conn.Write(buf)
	return err
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// handleSetMemTable decodes VHOST_USER_SET_MEM_TABLE: a region count
// followed by that many 32-byte region descriptors, with one fd per
// region arriving as ancillary data in the same message, in order.
// Each region is mmap'd at its MmapOffset and kept as a rawRegion for
// driver-address resolution (ring pointers) and exposed to callers as
// guest-physical memmap.Region entries (descriptor buffer addresses).
func (s *UnixSession) handleSetMemTable(body []byte, fds []int) error {
	if len(body) < 8 {
		return fmt.Errorf("set_mem_table: payload too short (%d bytes)", len(body))
	}
	nregions := int(leUint32(body[0:4]))
	if nregions != len(fds) {
		return fmt.Errorf("set_mem_table: got %d fds for %d regions", len(fds), nregions)
	}

	const entrySize = 32
	off := 8
	raw := make([]rawRegion, 0, nregions)
	for i := 0; i < nregions; i++ {
		if off+entrySize > len(body) {
			return fmt.Errorf("set_mem_table: truncated region table at entry %d", i)
		}
		w := memoryRegionWire{
			GuestPhysAddr: leUint64(body[off:]),
			MemorySize:    leUint64(body[off+8:]),
			UserAddr:      leUint64(body[off+16:]),
			MmapOffset:    leUint64(body[off+24:]),
		}
		off += entrySize

		data, err := unix.Mmap(fds[i], int64(w.MmapOffset), int(w.MemorySize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		_ = unix.Close(fds[i]) // the mapping itself keeps the memory referenced
		if err != nil {
			return fmt.Errorf("set_mem_table: mmap region %d: %w", i, err)
		}
		raw = append(raw, rawRegion{wire: w, data: data})
	}

	s.mu.Lock()
	old := s.rawRegions
	s.rawRegions = raw
	s.mu.Unlock()
	for _, r := range old {
		if len(r.data) > 0 {
			_ = unix.Munmap(r.data)
		}
	}
	return nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func (s *UnixSession) handleSetVringNum(body []byte) error {
	if len(body) < 8 {
		return fmt.Errorf("set_vring_num: payload too short")
	}
	idx := int(leUint32(body[0:4]))
	num := leUint32(body[4:8])
	q, err := s.queueAt(idx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	q.qsz = uint16(num)
	q.haveNum = true
	fireReady(q)
	s.mu.Unlock()
	return nil
}

func (s *UnixSession) handleSetVringAddr(body []byte) error {
	if len(body) < 40 {
		return fmt.Errorf("set_vring_addr: payload too short")
	}
	w := vringAddrWire{
		Index:         leUint32(body[0:4]),
		Flags:         leUint32(body[4:8]),
		DescUserAddr:  leUint64(body[8:]),
		UsedUserAddr:  leUint64(body[16:]),
		AvailUserAddr: leUint64(body[24:]),
		LogGuestAddr:  leUint64(body[32:]),
	}
	q, err := s.queueAt(int(w.Index))
	if err != nil {
		return err
	}
	s.mu.Lock()
	q.descAddr = w.DescUserAddr
	q.availAddr = w.AvailUserAddr
	q.usedAddr = w.UsedUserAddr
	q.haveAddr = true
	fireReady(q)
	s.mu.Unlock()
	return nil
}

// fireReady closes q.ready once both SET_VRING_NUM and SET_VRING_ADDR
// have landed. Caller must hold s.mu.
func fireReady(q *queueState) {
	if q.haveAddr && q.haveNum {
		q.readyOnce.Do(func() { close(q.ready) })
	}
}

// handleSetVringKick decodes VHOST_USER_SET_VRING_KICK: a u64 whose low
// byte is the queue index and whose bit 8 (VHOST_USER_VRING_NOFD_MASK)
// would mean "no fd, poll instead" — unsupported here, a kick fd is
// required. Any previously stored kick fd for the queue is closed
// before replacing it, matching how front-ends reconnect and resend
// the same setup.
func (s *UnixSession) handleSetVringKick(body []byte, fds []int) error {
	if len(body) < 8 {
		return fmt.Errorf("set_vring_kick: payload too short")
	}
	num := leUint64(body[0:8])
	idx := int(num & 0xff)
	if num&(1<<8) != 0 {
		return fmt.Errorf("set_vring_kick: polling mode (no fd) is not supported")
	}
	if len(fds) == 0 {
		return fmt.Errorf("set_vring_kick: queue %d: no fd in message", idx)
	}
	q, err := s.queueAt(idx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := q.kickFD
	q.kickFD = fds[0]
	cb := q.onKick
	s.mu.Unlock()
	if old >= 0 {
		_ = unix.Close(old)
	}
	if cb != nil {
		q.kickOnce.Do(func() { go s.kickLoop(q, cb) })
	}
	return nil
}

// kickLoop blocks reading the queue's kick eventfd and invokes fn on
// every wakeup, one dedicated goroutine per virtqueue. fn is expected
// to hand off to the reactor that actually owns the queue (see
// eventloop.Loop.ScheduleOneshot) rather than run dequeue logic inline.
func (s *UnixSession) kickLoop(q *queueState, fn func()) {
	var buf [8]byte
	for {
		s.mu.Lock()
		fd := q.kickFD
		s.mu.Unlock()
		if fd < 0 {
			return
		}
		if _, err := unix.Read(fd, buf[:]); err != nil {
			s.log.Debug("transport: kick loop exiting", "err", err)
			return
		}
		fn()
	}
}

func (s *UnixSession) queueAt(idx int) (*queueState, error) {
	if idx < 0 || idx >= len(s.queues) {
		return nil, fmt.Errorf("queue index %d out of range (have %d)", idx, len(s.queues))
	}
	return s.queues[idx], nil
}

// fromDriverAddr resolves a front-end virtual address (the space
// VhostVringAddr's pointers are expressed in) to a host pointer, by
// scanning the memory-table regions for the one whose UserAddr range
// contains it.
func (s *UnixSession) fromDriverAddr(addr uint64) unsafe.Pointer {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rawRegions {
		if addr < r.wire.UserAddr || addr >= r.wire.UserAddr+r.wire.MemorySize {
			continue
		}
		off := addr - r.wire.UserAddr
		if off >= uint64(len(r.data)) {
			continue
		}
		return unsafe.Pointer(&r.data[off])
	}
	return nil
}

// MemoryTable returns the current guest-physical memory map, suitable
// for memmap.NewMap. Descriptor buffer addresses inside a virtqueue are
// guest-physical and are translated through this map, independently of
// the ring-pointer resolution NegotiateQueue performs.
func (s *UnixSession) MemoryTable() []memmap.Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]memmap.Region, 0, len(s.rawRegions))
	for _, r := range s.rawRegions {
		if len(r.data) == 0 {
			continue
		}
		out = append(out, memmap.Region{
			GuestAddr: r.wire.GuestPhysAddr,
			HostAddr:  uintptr(unsafe.Pointer(&r.data[0])),
			Size:      r.wire.MemorySize,
		})
	}
	return out
}

// NegotiateQueue blocks until SET_VRING_NUM and SET_VRING_ADDR have
// both landed for idx, then resolves its ring pointers and returns the
// inflight-region path this session assigns the queue.
//
// Real vhost-user exchanges the inflight shared-memory fd itself via
// GET_INFLIGHT_FD/SET_INFLIGHT_FD; this session instead assigns each
// queue a path deterministically from the socket path. The region's
// crash-recovery contract (reopening the same file across a process
// restart) only needs a stable path convention, not a live fd handed
// back by the front-end, so the simplification costs nothing the rest
// of this module depends on — it is documented scope, not a bug.
func (s *UnixSession) NegotiateQueue(idx int) (desc, avail, used unsafe.Pointer, qsz uint16, inflightPath string) {
	q, err := s.queueAt(idx)
	if err != nil {
		return nil, nil, nil, 0, ""
	}
	<-q.ready

	s.mu.Lock()
	descAddr, availAddr, usedAddr, sz := q.descAddr, q.availAddr, q.usedAddr, q.qsz
	s.mu.Unlock()

	return s.fromDriverAddr(descAddr), s.fromDriverAddr(availAddr), s.fromDriverAddr(usedAddr), sz,
		fmt.Sprintf("%s.inflight.q%d", s.socketPath, idx)
}

// OnKick registers fn to run on every kick of queue idx. If the kick fd
// has already arrived (SET_VRING_KICK raced ahead of this call), the
// watcher goroutine is started immediately.
func (s *UnixSession) OnKick(idx int, fn func()) {
	q, err := s.queueAt(idx)
	if err != nil {
		return
	}
	s.mu.Lock()
	q.onKick = fn
	fd := q.kickFD
	s.mu.Unlock()
	if fd >= 0 {
		q.kickOnce.Do(func() { go s.kickLoop(q, fn) })
	}
}

// Close tears down the connection, listener, kick fds and mmap'd
// regions. Idempotent.
func (s *UnixSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.conn != nil {
			err = s.conn.Close()
		}
		if s.ln != nil {
			_ = s.ln.Close()
		}
		_ = os.Remove(s.socketPath)

		s.mu.Lock()
		regions := s.rawRegions
		s.rawRegions = nil
		s.mu.Unlock()
		for _, r := range regions {
			if len(r.data) > 0 {
				_ = unix.Munmap(r.data)
			}
		}
		for _, q := range s.queues {
			s.mu.Lock()
			fd := q.kickFD
			q.kickFD = -1
			s.mu.Unlock()
			if fd >= 0 {
				_ = unix.Close(fd)
			}
		}
	})
	return err
}
