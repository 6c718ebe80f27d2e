package vring

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/behrlich/go-vhost-blk/internal/memmap"
)

// DequeueAction tells a Queue what to do with one dequeued chain.
type DequeueAction int

const (
	// Retain keeps the chain marked inflight; the caller will eventually
	// call Commit with the head it was given.
	Retain DequeueAction = iota
	// Abort rejects the chain outright. The driver handed us something we
	// will never be able to complete (e.g. the backend callback itself
	// detected a problem the walker couldn't); the queue is marked broken.
	Abort
)

// ReplayHead is one entry of an inflight region's resubmit set: a head
// that was handed to a backend before a crash and never committed.
type ReplayHead struct {
	Head    uint16
	Counter uint64
}

// InflightTracker is the seam C3 uses to talk to the crash-safe inflight
// region (C4) without importing it directly. A Queue that is not backed by
// a persistent inflight region (e.g. in tests) may pass nil.
type InflightTracker interface {
	// MarkInflight is called as soon as a head is read off the avail
	// ring — before the chain walk runs — per spec §4.3 step 3: the
	// entry (and its monotonic counter) must exist even for a head whose
	// chain later turns out malformed, since a malformed chain breaks
	// the whole queue and the entry's fate no longer matters.
	MarkInflight(head uint16) error
	// ClearInflight performs commit steps 3 and 4 together: it records
	// the ring's just-advanced used.idx in the inflight header, then
	// clears head's inflight bit.
	ClearInflight(head uint16, usedIdx uint64) error
	// Reconcile runs once at attach time (spec §4.4 step 1): given the
	// ring's actual used.idx and the head found at
	// used.ring[(actualUsedIdx-1) % qsz], it repairs any drift left by a
	// crash inside Commit. actualUsedIdx of 0 means nothing has ever
	// been committed on this ring; lastCommittedHead is then ignored.
	Reconcile(actualUsedIdx uint64, lastCommittedHead uint32) error
	// ReplaySet returns every entry still marked inflight, sorted by
	// counter ascending (spec §4.4 step 2).
	ReplaySet() ([]ReplayHead, error)
}

var (
	// ErrQueueBroken is returned by any operation on a queue that has
	// already failed a protocol invariant. A broken queue never recovers;
	// the device must unregister and let the transport renegotiate.
	ErrQueueBroken = errors.New("vring: queue is broken")
	// ErrUnknownHead is returned by Commit for a head the queue never
	// dequeued, or already committed.
	ErrUnknownHead = errors.New("vring: commit for unknown or already-committed head")
)

type pendingChain struct {
	numDescs uint16
}

// Queue is one split virtqueue: the avail/used ring pair, its descriptor
// table, and the bookkeeping needed to dequeue chains and commit
// completions back to the guest in a crash-safe order.
type Queue struct {
	desc  descTable
	avail availRing
	used  usedRing
	qsz   uint16

	table    *memmap.Table // pinned for the queue's lifetime
	inflight InflightTracker

	mu           sync.Mutex
	lastAvailIdx uint16
	nextUsedSlot uint16
	usedIdx      uint64 // logical (never-wrapping in practice) mirror of used.idx, for the inflight header
	pending      map[uint16]pendingChain

	broken atomic.Bool
}

// Attach binds a Queue to guest-owned ring memory already translated to
// host pointers by the transport layer, pinning table so a chain walk
// never races a concurrent memory-table renegotiation. inflight may be nil
// for a queue that does not need crash-safe completion tracking (tests,
// or a transport that never negotiated VHOST_USER_PROTOCOL_F_INFLIGHT_SHMFD).
//
// If inflight is non-nil, Attach runs the spec §4.4 step-1 reconciliation
// (repairing any used_idx/inflight-bit drift left by a crash inside a
// prior Commit). When the ring carries history from an earlier attach (a
// non-empty resubmit set, or a used.idx past zero), Attach then
// fast-forwards last_avail past every avail entry that existed before
// this attach. The entries that were genuinely outstanding are not lost:
// they are exactly Replay's resubmit set, and Replay must run before the
// caller starts calling DequeueMany, so no head is ever delivered to a
// backend twice. Otherwise, and always when inflight is nil, last_avail
// starts at used.idx, so entries the driver published before the attach
// are delivered by the first DequeueMany.
func Attach(table *memmap.Table, descPtr, availPtr, usedPtr unsafe.Pointer, qsz uint16, inflight InflightTracker) (*Queue, error) {
	table.Ref()
	q := &Queue{
		desc:     descTable{ptr: descPtr, qsz: qsz},
		avail:    availRing{ptr: availPtr, qsz: qsz},
		used:     usedRing{ptr: usedPtr, qsz: qsz},
		qsz:      qsz,
		table:    table,
		inflight: inflight,
		pending:  make(map[uint16]pendingChain),
	}

	wireUsedIdx := q.used.idx()
	q.usedIdx = uint64(wireUsedIdx)
	q.nextUsedSlot = wireUsedIdx
	q.lastAvailIdx = wireUsedIdx

	if inflight != nil {
		var lastHead uint32
		if wireUsedIdx > 0 {
			lastSlot := (wireUsedIdx - 1) % qsz
			lastHead = q.used.idAt(lastSlot)
		}
		if err := inflight.Reconcile(q.usedIdx, lastHead); err != nil {
			table.Unref()
			return nil, err
		}
		set, err := inflight.ReplaySet()
		if err != nil {
			table.Unref()
			return nil, err
		}
		if len(set) > 0 || wireUsedIdx != 0 {
			q.lastAvailIdx = q.avail.idx()
		}
	}

	return q, nil
}

// IsBroken reports whether the queue has permanently failed a protocol
// invariant. Once true it never reverts.
func (q *Queue) IsBroken() bool {
	return q.broken.Load()
}

// Outstanding returns the number of descriptor chains currently
// dequeued but not yet committed. A device waits for this to reach
// zero before tearing down the queue.
func (q *Queue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) markBroken() {
	q.broken.Store(true)
}

// Replay resubmits the inflight region's resubmit set (spec §4.4 steps
// 2-3): every head still marked inflight from before this attach, in
// ascending counter order, re-walked from its stored head and delivered
// to cb exactly like a fresh dequeue. The caller must run Replay exactly
// once, immediately after Attach and before the first DequeueMany, so a
// head is never dispatched to a backend twice. A no-op if inflight was
// nil at Attach time.
func (q *Queue) Replay(cb func(head uint16, bufs []Buffer) DequeueAction) (int, error) {
	if q.inflight == nil {
		return 0, nil
	}
	if q.IsBroken() {
		return 0, ErrQueueBroken
	}

	set, err := q.inflight.ReplaySet()
	if err != nil {
		q.markBroken()
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, e := range set {
		bufs, err := walkChain(q.desc, q.table, e.Head, q.qsz)
		if err != nil {
			q.markBroken()
			return n, err
		}
		switch cb(e.Head, bufs) {
		case Retain:
			q.pending[e.Head] = pendingChain{numDescs: uint16(len(bufs))}
			n++
		case Abort:
			q.markBroken()
			return n, &ChainError{Reason: "backend rejected replayed chain", Head: e.Head}
		}
	}
	return n, nil
}

// DequeueMany walks every avail-ring entry published since the last call,
// invoking cb once per chain with its translated buffers. cb's return
// value decides what happens to that chain:
//
//   - Retain: its head is remembered for a future Commit. (Every head is
//     already marked inflight, if an InflightTracker is attached, as soon
//     as it is read off the avail ring, before the walk and before cb.)
//   - Abort: the walker's own protocol violation, or the caller's veto,
//     immediately marks the queue broken and DequeueMany returns its error.
//
// DequeueMany returns the number of chains successfully retained and a
// non-nil error the instant anything goes wrong; callers must not keep
// dequeuing from a queue once an error is returned.
func (q *Queue) DequeueMany(cb func(head uint16, bufs []Buffer) DequeueAction) (int, error) {
	if q.IsBroken() {
		return 0, ErrQueueBroken
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	newIdx := q.avail.idx()
	n := 0
	for q.lastAvailIdx != newIdx {
		slot := q.lastAvailIdx % q.qsz
		head := q.avail.ringAt(slot)

		if head >= q.qsz {
			q.markBroken()
			return n, &ChainError{Reason: "avail ring head out of range", Head: head}
		}

		// Record the head inflight (and allocate its monotonic counter)
		// before walking the chain: a malformed chain still breaks the
		// queue below, so the entry's fate stops mattering either way,
		// but the counter must be allocated in avail-consume order.
		if q.inflight != nil {
			if err := q.inflight.MarkInflight(head); err != nil {
				q.markBroken()
				return n, err
			}
		}

		bufs, err := walkChain(q.desc, q.table, head, q.qsz)
		if err != nil {
			q.markBroken()
			return n, err
		}

		switch cb(head, bufs) {
		case Retain:
			q.pending[head] = pendingChain{numDescs: uint16(len(bufs))}
			n++
		case Abort:
			q.markBroken()
			return n, &ChainError{Reason: "backend rejected chain", Head: head}
		}

		q.lastAvailIdx++
	}
	return n, nil
}

// Commit publishes the completion of a previously-retained chain: it
// writes [id=head, len=writtenLen] into the next used-ring slot, advances
// used.idx, and clears the chain's inflight marker. Per spec §4.3/§5,
// completions may be committed out of dequeue order — the used ring
// records completion order, not submission order — but each head may only
// be committed once.
func (q *Queue) Commit(head uint16, writtenLen uint32) error {
	if q.IsBroken() {
		return ErrQueueBroken
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[head]; !ok {
		return ErrUnknownHead
	}
	delete(q.pending, head)

	slot := q.nextUsedSlot % q.qsz
	q.used.publish(slot, uint32(head), writtenLen)
	q.nextUsedSlot++
	q.usedIdx++

	if q.inflight != nil {
		if err := q.inflight.ClearInflight(head, q.usedIdx); err != nil {
			q.markBroken()
			return err
		}
	}
	return nil
}

// Release unpins the queue's memory table. The queue must not be used
// afterward.
func (q *Queue) Release() {
	q.table.Unref()
}
