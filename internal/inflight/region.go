// Package inflight implements the crash-safe side table (spec §4.4) that
// lets a restarting device discover which descriptor chains were handed
// to a backend but never committed, replay them in original arrival
// order, and repair the narrow window where a crash lands between a
// ring publish and the inflight region recording it.
package inflight

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-vhost-blk/internal/logging"
	"github.com/behrlich/go-vhost-blk/internal/uapi"
	"github.com/behrlich/go-vhost-blk/internal/vring"
)

// compile-time check that Region satisfies the consumer-defined seam.
var _ vring.InflightTracker = (*Region)(nil)

const headerSize = int(unsafe.Sizeof(uapi.InflightHeaderABI{}))
const entrySize = int(unsafe.Sizeof(uapi.InflightDescABI{}))

// Region is a memory-mapped, shared inflight-tracking table: a 64-byte
// header followed by desc_num entries, one per descriptor-chain head a
// queue can ever hand out. Only the device that owns the queue writes to
// it; a reconnecting instance of the same device opens the same backing
// file to recover state across a crash.
type Region struct {
	data    []byte // the full mmap, header + entries
	descNum uint16
	log     *logging.Logger

	mu      sync.Mutex
	counter atomic.Uint64 // next monotonic counter to assign
}

func headerPtr(data []byte) *uapi.InflightHeaderABI {
	return (*uapi.InflightHeaderABI)(unsafe.Pointer(&data[0]))
}

func entryPtr(data []byte, i uint16) *uapi.InflightDescABI {
	off := headerSize + int(i)*entrySize
	return (*uapi.InflightDescABI)(unsafe.Pointer(&data[off]))
}

// Create allocates a fresh inflight region of descNum entries backed by
// the file at path, truncating/creating it as needed, and mmaps it
// MAP_SHARED. Used the first time a device registers a queue with no
// prior crash history.
func Create(path string, descNum uint16, log *logging.Logger) (*Region, error) {
	size := headerSize + int(descNum)*entrySize
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("inflight: open %q: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("inflight: truncate %q: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("inflight: mmap %q: %w", path, err)
	}

	r := &Region{data: data, descNum: descNum, log: orDefault(log)}
	h := headerPtr(r.data)
	h.Version = uapi.InflightRegionVersion
	h.DescNum = uint64(descNum)
	h.UsedIdx = 0
	h.OldUsedIdx = 0
	r.counter.Store(1)
	return r, nil
}

// Open mmaps an existing inflight region left behind by a prior instance
// of this device, as part of reattaching after a crash. It validates the
// stored descNum matches and resumes the monotonic counter above the
// highest value any entry has ever recorded, so replay ordering survives
// across multiple crashes.
func Open(path string, descNum uint16, log *logging.Logger) (*Region, error) {
	size := headerSize + int(descNum)*entrySize
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("inflight: open %q: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("inflight: stat %q: %w", path, err)
	}
	if info.Size() != int64(size) {
		return nil, fmt.Errorf("inflight: %q is %d bytes, expected %d for desc_num=%d", path, info.Size(), size, descNum)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("inflight: mmap %q: %w", path, err)
	}

	r := &Region{data: data, descNum: descNum, log: orDefault(log)}
	h := headerPtr(r.data)
	if h.Version != uapi.InflightRegionVersion {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("inflight: %q has version %d, expected %d", path, h.Version, uapi.InflightRegionVersion)
	}
	if h.DescNum != uint64(descNum) {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("inflight: %q has desc_num %d, expected %d", path, h.DescNum, descNum)
	}

	var maxCounter uint64
	for i := uint16(0); i < descNum; i++ {
		if c := entryPtr(r.data, i).Counter; c > maxCounter {
			maxCounter = c
		}
	}
	r.counter.Store(maxCounter + 1)
	return r, nil
}

func orDefault(l *logging.Logger) *logging.Logger {
	if l == nil {
		return logging.Default()
	}
	return l
}

// Close unmaps the region. The backing file is left in place so a future
// Open can recover it.
func (r *Region) Close() error {
	return unix.Munmap(r.data)
}

// Sync flushes the mapping to its backing file, giving the region's
// "survives a crash" guarantee teeth against something stronger than a
// process crash (e.g. a host power loss) at the cost of a syscall; C4's
// hot path (MarkInflight/ClearInflight) does not call this, relying on
// the page cache for the common process-crash case.
func (r *Region) Sync() error {
	return unix.Msync(r.data, unix.MS_SYNC)
}

// MarkInflight sets entry head's inflight bit and assigns it the next
// monotonic counter. See InflightTracker in package vring.
func (r *Region) MarkInflight(head uint16) error {
	if head >= r.descNum {
		return fmt.Errorf("inflight: head %d out of range (desc_num=%d)", head, r.descNum)
	}
	e := entryPtr(r.data, head)
	e.Counter = r.counter.Add(1) - 1
	e.Inflight = 1
	return nil
}

// ClearInflight performs commit steps 3 and 4 (spec §4.3) as one unit:
// record the ring's just-advanced used.idx in the header, then clear
// head's inflight bit. The header write happens first (release-ordered)
// so Reconcile can always tell, from the header alone, whether a crash
// landed before or after this call ever started.
func (r *Region) ClearInflight(head uint16, usedIdx uint64) error {
	if head >= r.descNum {
		return fmt.Errorf("inflight: head %d out of range (desc_num=%d)", head, r.descNum)
	}
	h := headerPtr(r.data)
	atomic.StoreUint64(&h.UsedIdx, usedIdx)
	e := entryPtr(r.data, head)
	e.Inflight = 0
	return nil
}

// Reconcile runs the spec §4.4 step-1 repair at attach time. actualUsedIdx
// is the live ring's used.idx (zero-extended); lastCommittedHead is the
// head recorded at used.ring[(actualUsedIdx-1) % qsz] — meaningless and
// ignored when actualUsedIdx is 0.
//
// If the ring is ahead of what this region recorded, a commit crashed
// between writing the ring and updating this header: the header is
// brought up to date and the one entry that crash left falsely marked
// inflight is cleared.
func (r *Region) Reconcile(actualUsedIdx uint64, lastCommittedHead uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := headerPtr(r.data)
	recorded := atomic.LoadUint64(&h.UsedIdx)
	if actualUsedIdx <= recorded {
		return nil
	}

	r.log.Warn("inflight region drift detected at attach, repairing",
		"recorded_used_idx", recorded, "actual_used_idx", actualUsedIdx, "head", lastCommittedHead)

	atomic.StoreUint64(&h.OldUsedIdx, recorded)
	atomic.StoreUint64(&h.UsedIdx, actualUsedIdx)

	if lastCommittedHead < uint32(r.descNum) {
		e := entryPtr(r.data, uint16(lastCommittedHead))
		e.Inflight = 0
	}
	return nil
}

// ReplaySet returns every entry still marked inflight, sorted by counter
// ascending, as the spec §4.4 step-2 resubmit set.
func (r *Region) ReplaySet() ([]vring.ReplayHead, error) {
	var set []vring.ReplayHead
	for i := uint16(0); i < r.descNum; i++ {
		e := entryPtr(r.data, i)
		if e.Inflight == 1 {
			set = append(set, vring.ReplayHead{Head: i, Counter: atomic.LoadUint64(&e.Counter)})
		}
	}
	sort.Slice(set, func(i, j int) bool { return set[i].Counter < set[j].Counter })
	return set, nil
}
