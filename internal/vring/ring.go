// Package vring implements the split-virtqueue engine: descriptor-chain
// walking, the avail/used publish-consume protocol, and the dequeue/commit
// lifecycle that ties a queue to its inflight side table.
package vring

import (
	"sync/atomic"
	"unsafe"

	"github.com/behrlich/go-vhost-blk/internal/uapi"
)

const descSize = uintptr(unsafe.Sizeof(uapi.Descriptor{}))

// descTable is a read view over the guest-owned descriptor array. Entries
// are only read after we have acquire-loaded avail.idx (see availRing.idx),
// and the guest's writes to any descriptor a fresh avail slot can reach
// happen-before its release store of that idx; a plain load here is
// therefore sufficient.
type descTable struct {
	ptr unsafe.Pointer
	qsz uint16
}

func (d descTable) at(i uint16) *uapi.Descriptor {
	return (*uapi.Descriptor)(unsafe.Add(d.ptr, uintptr(i)*descSize))
}

func (d descTable) load(i uint16) uapi.Descriptor {
	return *d.at(i)
}

// avail ring memory layout (virtio split ring, §3):
//
//	uint16 flags
//	uint16 idx
//	uint16 ring[qsz]
//	uint16 used_event   (present unconditionally here; VIRTIO_F_EVENT_IDX is not negotiated)
type availRing struct {
	ptr unsafe.Pointer
	qsz uint16
}

// idx loads avail.idx with acquire semantics. sync/atomic has no native
// 16-bit load, so we load the flags+idx pair as one 32-bit word (they are
// laid out contiguously) and extract idx from the high half; on a
// little-endian host that is exactly the field at byte offset 2, and the
// atomic load gives us the acquire fence a plain read would not.
func (a availRing) idx() uint16 {
	word := atomic.LoadUint32((*uint32)(a.ptr))
	return uint16(word >> 16)
}

// ringAt reads avail.ring[slot]. Safe as a plain load: the guest publishes
// ring entries before advancing idx, and idx() above already gave us the
// acquire barrier that orders those writes before this read.
func (a availRing) ringAt(slot uint16) uint16 {
	off := uintptr(4) + uintptr(slot)*2
	return *(*uint16)(unsafe.Add(a.ptr, off))
}

// used ring memory layout:
//
//	uint16 flags
//	uint16 idx
//	{uint32 id; uint32 len}[qsz]
//	uint16 avail_event
type usedRing struct {
	ptr unsafe.Pointer
	qsz uint16
}

func (u usedRing) idx() uint16 {
	word := atomic.LoadUint32((*uint32)(u.ptr))
	return uint16(word >> 16)
}

// idAt reads used.ring[slot].id, the descriptor-chain head the device
// completed in that slot.
func (u usedRing) idAt(slot uint16) uint32 {
	off := uintptr(4) + uintptr(slot)*8
	return *(*uint32)(unsafe.Add(u.ptr, off))
}

// publish writes used.ring[slot] then advances used.idx, both with
// release semantics — this is the ordering seam spec §4.3/§5 depend on:
// the guest must never observe an incremented idx before the element it
// points past is visible, and our own inflight.used_idx update (C4) must
// never become visible to a recovering device before this store lands.
func (u usedRing) publish(slot uint16, id, length uint32) {
	off := uintptr(4) + uintptr(slot)*8
	elem := unsafe.Add(u.ptr, off)
	atomic.StoreUint32((*uint32)(elem), id)
	atomic.StoreUint32((*uint32)(unsafe.Add(elem, 4)), length)

	// Advance idx with a release store. Flags is never written by the
	// device, so a read-modify-write of the combined word can't race the
	// driver (which only ever writes avail, never used).
	cur := atomic.LoadUint32((*uint32)(u.ptr))
	flags := cur & 0xFFFF
	next := uint32(uint16(cur>>16) + 1)
	atomic.StoreUint32((*uint32)(u.ptr), flags|(next<<16))
}
