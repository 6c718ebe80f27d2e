package vring

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-vhost-blk/internal/memmap"
	"github.com/behrlich/go-vhost-blk/internal/uapi"
)

// harness builds a guest-memory-backed test fixture: one big region, a
// descriptor table carved out of its front, and a memmap.Table translating
// GPAs 1:1 onto offsets into the same backing slice (GPA == offset).
type harness struct {
	backing []byte
	table   *memmap.Table
	descs   descTable
}

func newHarness(t *testing.T, qsz uint16, backingSize int) *harness {
	t.Helper()
	buf := make([]byte, backingSize)
	region := memmap.Region{GuestAddr: 0, HostAddr: uintptr(unsafe.Pointer(&buf[0])), Size: uint64(backingSize)}
	m := memmap.NewMap([]memmap.Region{region})
	tbl := m.Current()
	t.Cleanup(tbl.Unref)
	return &harness{backing: buf, table: tbl}
}

func (h *harness) putDescriptor(base uint64, i uint16, d uapi.Descriptor) {
	off := base + uint64(i)*uint64(descSize)
	*(*uapi.Descriptor)(unsafe.Pointer(&h.backing[off])) = d
}

func (h *harness) descTableAt(base uint64, qsz uint16) descTable {
	return descTable{ptr: unsafe.Pointer(&h.backing[base]), qsz: qsz}
}

func TestWalkChainDirectSingleBuffer(t *testing.T) {
	// S1: one write-only descriptor, qsz 1024.
	h := newHarness(t, 1024, 1<<20)
	const descBase = 0
	const bufAddr = 1 << 16
	h.putDescriptor(descBase, 0, uapi.Descriptor{Addr: bufAddr, Len: 4096, Flags: uapi.DescFWrite})
	dt := h.descTableAt(descBase, 1024)

	bufs, err := walkChain(dt, h.table, 0, 1024)
	require.NoError(t, err)
	require.Len(t, bufs, 1)
	require.True(t, bufs[0].WriteOnly)
	require.Len(t, bufs[0].Ptr, 4096)
	require.Equal(t, unsafe.Pointer(&h.backing[bufAddr]), unsafe.Pointer(&bufs[0].Ptr[0]))
}

func TestWalkChainIndirectFourBuffer(t *testing.T) {
	// S2: one top-level INDIRECT descriptor whose table chains four RO buffers.
	h := newHarness(t, 8, 1<<20)
	const descBase = 0
	const indirectTableAddr = 1 << 16

	layout := []struct {
		addr uint64
		ln   uint32
	}{
		{0x1000, 0x1000},
		{0x2000, 0x2000},
		{0x8000, 0x4000},
		{0xF000, 0x1000},
	}
	indirectTable := descTable{ptr: unsafe.Pointer(&h.backing[indirectTableAddr]), qsz: uint16(len(layout))}
	for i, e := range layout {
		flags := uapi.DescFNext
		next := uint16(i + 1)
		if i == len(layout)-1 {
			flags = 0
			next = 0
		}
		*indirectTable.at(uint16(i)) = uapi.Descriptor{Addr: e.addr, Len: e.ln, Flags: flags, Next: next}
	}

	h.putDescriptor(descBase, 0, uapi.Descriptor{
		Addr:  indirectTableAddr,
		Len:   uint32(len(layout)) * uint32(descSize),
		Flags: uapi.DescFIndirect,
	})
	dt := h.descTableAt(descBase, 8)

	bufs, err := walkChain(dt, h.table, 0, 8)
	require.NoError(t, err)
	require.Len(t, bufs, 4)
	for i, e := range layout {
		require.False(t, bufs[i].WriteOnly)
		require.Len(t, bufs[i].Ptr, int(e.ln))
		require.Equal(t, unsafe.Pointer(&h.backing[e.addr]), unsafe.Pointer(&bufs[i].Ptr[0]))
	}
}

func TestWalkChainCombinedDirectAndIndirectTail(t *testing.T) {
	// S3: four direct RO descriptors chained by NEXT, terminated by a fifth
	// INDIRECT descriptor whose table carries four more RO descriptors.
	h := newHarness(t, 8, 1<<20)
	const descBase = 0
	const indirectTableAddr = 1 << 17

	directAddrs := []uint64{0x100, 0x200, 0x300, 0x400}
	for i, a := range directAddrs {
		h.putDescriptor(descBase, uint16(i), uapi.Descriptor{Addr: a, Len: 64, Flags: uapi.DescFNext, Next: uint16(i + 1)})
	}
	h.putDescriptor(descBase, 4, uapi.Descriptor{
		Addr:  indirectTableAddr,
		Len:   4 * uint32(descSize),
		Flags: uapi.DescFIndirect,
	})

	indirectAddrs := []uint64{0x500, 0x600, 0x700, 0x800}
	indirectTable := descTable{ptr: unsafe.Pointer(&h.backing[indirectTableAddr]), qsz: 4}
	for i, a := range indirectAddrs {
		flags := uapi.DescFNext
		next := uint16(i + 1)
		if i == 3 {
			flags, next = 0, 0
		}
		*indirectTable.at(uint16(i)) = uapi.Descriptor{Addr: a, Len: 64, Flags: flags, Next: next}
	}

	dt := h.descTableAt(descBase, 8)
	bufs, err := walkChain(dt, h.table, 0, 8)
	require.NoError(t, err)
	require.Len(t, bufs, 8)

	want := append(append([]uint64{}, directAddrs...), indirectAddrs...)
	for i, addr := range want {
		require.Equal(t, unsafe.Pointer(&h.backing[addr]), unsafe.Pointer(&bufs[i].Ptr[0]), "buffer %d", i)
		require.False(t, bufs[i].WriteOnly)
	}
}

func TestWalkChainOOBNext(t *testing.T) {
	// S4: head descriptor has NEXT set and next == qsz.
	h := newHarness(t, 4, 1<<16)
	h.putDescriptor(0, 0, uapi.Descriptor{Addr: 0x100, Len: 16, Flags: uapi.DescFNext, Next: 4})
	dt := h.descTableAt(0, 4)

	_, err := walkChain(dt, h.table, 0, 4)
	require.Error(t, err)
	var chainErr *ChainError
	require.ErrorAs(t, err, &chainErr)
}

func TestWalkChainIndirectAndNextBothSet(t *testing.T) {
	h := newHarness(t, 4, 1<<16)
	h.putDescriptor(0, 0, uapi.Descriptor{Addr: 0x1000, Len: 16, Flags: uapi.DescFIndirect | uapi.DescFNext, Next: 1})
	dt := h.descTableAt(0, 4)

	_, err := walkChain(dt, h.table, 0, 4)
	require.Error(t, err)
}

func TestWalkChainIndirectLengthNotMultipleOfDescSize(t *testing.T) {
	h := newHarness(t, 4, 1<<16)
	h.putDescriptor(0, 0, uapi.Descriptor{Addr: 0x1000, Len: 17, Flags: uapi.DescFIndirect})
	dt := h.descTableAt(0, 4)

	_, err := walkChain(dt, h.table, 0, 4)
	require.Error(t, err)
}

func TestWalkChainNestedIndirect(t *testing.T) {
	h := newHarness(t, 4, 1<<17)
	const outerTableAddr = 0x1000
	const innerTableAddr = 0x2000

	h.putDescriptor(0, 0, uapi.Descriptor{Addr: outerTableAddr, Len: uint32(descSize), Flags: uapi.DescFIndirect})
	outer := descTable{ptr: unsafe.Pointer(&h.backing[outerTableAddr]), qsz: 1}
	*outer.at(0) = uapi.Descriptor{Addr: innerTableAddr, Len: uint32(descSize), Flags: uapi.DescFIndirect}

	dt := h.descTableAt(0, 4)
	_, err := walkChain(dt, h.table, 0, 4)
	require.Error(t, err)
}

func TestWalkChainWriteOnlyThenReadOnlyIsMalformed(t *testing.T) {
	h := newHarness(t, 4, 1<<16)
	h.putDescriptor(0, 0, uapi.Descriptor{Addr: 0x100, Len: 16, Flags: uapi.DescFNext | uapi.DescFWrite, Next: 1})
	h.putDescriptor(0, 1, uapi.Descriptor{Addr: 0x200, Len: 16, Flags: 0})
	dt := h.descTableAt(0, 4)

	_, err := walkChain(dt, h.table, 0, 4)
	require.Error(t, err)
}

func TestWalkChainTranslationFailure(t *testing.T) {
	h := newHarness(t, 4, 4096)
	h.putDescriptor(0, 0, uapi.Descriptor{Addr: 1 << 30, Len: 16})
	dt := h.descTableAt(0, 4)

	_, err := walkChain(dt, h.table, 0, 4)
	require.Error(t, err)
}
