package vring

import (
	"strconv"
	"unsafe"

	"github.com/behrlich/go-vhost-blk/internal/memmap"
	"github.com/behrlich/go-vhost-blk/internal/uapi"
)

// unsafeSlice builds a []byte view over n bytes of host memory starting at
// ptr. The memmap.Table that produced ptr must remain pinned for as long as
// the returned slice is used.
func unsafeSlice(ptr unsafe.Pointer, n uint32) []byte {
	return unsafe.Slice((*byte)(ptr), n)
}

// Buffer is one segment of a descriptor chain translated into host memory.
type Buffer struct {
	Ptr       []byte
	WriteOnly bool
}

// chainLimit bounds chain length: a chain (direct plus indirect hops
// combined) can never legitimately exceed the queue size, since that many
// entries already exhausts every descriptor slot the driver owns.
func chainLimit(qsz uint16) int {
	return int(qsz)
}

// walkChain resolves the descriptor chain rooted at head into an ordered
// list of host-memory buffers. It enforces spec §4.2:
//   - total hop count (direct + indirect) bounded by the queue size
//   - every buffer's address/length range must translate fully within one
//     memory region
//   - INDIRECT and NEXT set on the same descriptor is malformed
//   - an indirect table's byte length must be an exact multiple of 16
//     (the on-the-wire descriptor size) and non-zero
//   - nested INDIRECT (an indirect table pointing at another indirect
//     table) is malformed
//   - once any write-only buffer has appeared, every subsequent buffer in
//     the chain must also be write-only (no read-only segment may follow a
//     write-only one)
//
// Any violation returns a non-nil error and the caller must treat the
// queue as broken; no partial buffer list is usable.
func walkChain(dt descTable, table *memmap.Table, head uint16, qsz uint16) ([]Buffer, error) {
	if head >= qsz {
		return nil, &ChainError{Reason: "head index out of range", Head: head}
	}

	var bufs []Buffer
	seenWriteOnly := false
	hops := 0
	limit := chainLimit(qsz)

	cur := head
	inIndirect := false
	var indirect descTable

	for {
		hops++
		if hops > limit {
			return nil, &ChainError{Reason: "chain exceeds queue size", Head: head}
		}

		var d uapi.Descriptor
		if inIndirect {
			if cur >= indirect.qsz {
				return nil, &ChainError{Reason: "indirect next out of range", Head: head}
			}
			d = indirect.load(cur)
		} else {
			if cur >= qsz {
				return nil, &ChainError{Reason: "next out of range", Head: head}
			}
			d = dt.load(cur)
		}

		if d.IsIndirect() {
			if inIndirect {
				return nil, &ChainError{Reason: "nested indirect descriptor", Head: head}
			}
			if d.HasNext() {
				return nil, &ChainError{Reason: "indirect and next both set", Head: head}
			}
			if d.Len == 0 || d.Len%uint32(descSize) != 0 {
				return nil, &ChainError{Reason: "indirect table length not a multiple of descriptor size", Head: head}
			}
			ptr, ok := table.Translate(d.Addr, d.Len)
			if !ok {
				return nil, &ChainError{Reason: "indirect table translation failed", Head: head}
			}
			indirect = descTable{ptr: ptr, qsz: uint16(d.Len / uint32(descSize))}
			inIndirect = true
			cur = 0
			hops-- // entering the indirect table is not itself a buffer hop
			continue
		}

		ptr, ok := table.Translate(d.Addr, d.Len)
		if !ok {
			return nil, &ChainError{Reason: "buffer translation failed", Head: head}
		}
		wo := d.IsWriteOnly()
		if seenWriteOnly && !wo {
			return nil, &ChainError{Reason: "read-only buffer follows write-only buffer", Head: head}
		}
		seenWriteOnly = seenWriteOnly || wo

		bufs = append(bufs, Buffer{Ptr: unsafeSlice(ptr, d.Len), WriteOnly: wo})

		if !d.HasNext() {
			break
		}
		cur = d.Next
	}

	if len(bufs) == 0 {
		return nil, &ChainError{Reason: "empty chain", Head: head}
	}
	return bufs, nil
}

// ChainError reports why a descriptor chain was rejected. Any ChainError
// means the chain contributed nothing and the owning queue must be marked
// broken: spec §4.2 treats chain-walk failures as unrecoverable protocol
// violations, not per-request errors.
type ChainError struct {
	Reason string
	Head   uint16
}

func (e *ChainError) Error() string {
	return "vring: malformed descriptor chain at head " + strconv.Itoa(int(e.Head)) + ": " + e.Reason
}
