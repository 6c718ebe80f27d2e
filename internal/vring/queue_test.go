package vring

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-vhost-blk/internal/memmap"
	"github.com/behrlich/go-vhost-blk/internal/uapi"
)

// ringFixture assembles descriptor/avail/used ring memory for a queue of
// size qsz, all carved out of one backing slice alongside an addressable
// buffer region so descriptor addresses can point into the same slice.
type ringFixture struct {
	backing           []byte
	descBase          uint64
	availBase         uint64
	usedBase          uint64
	bufBase           uint64
	qsz               uint16
	table             *memmap.Table
}

func newRingFixture(t *testing.T, qsz uint16) *ringFixture {
	t.Helper()
	const size = 1 << 20
	buf := make([]byte, size)

	descBase := uint64(0)
	availBase := descBase + uint64(qsz)*uint64(descSize)
	availSize := uint64(4 + 2*int(qsz) + 2)
	usedBase := availBase + availSize
	usedSize := uint64(4 + 8*int(qsz) + 2)
	bufBase := usedBase + usedSize + 4096

	region := memmap.Region{GuestAddr: 0, HostAddr: uintptr(unsafe.Pointer(&buf[0])), Size: uint64(size)}
	m := memmap.NewMap([]memmap.Region{region})
	tbl := m.Current()
	t.Cleanup(tbl.Unref)

	return &ringFixture{backing: buf, descBase: descBase, availBase: availBase, usedBase: usedBase, bufBase: bufBase, qsz: qsz, table: tbl}
}

func (f *ringFixture) descTable() descTable { return descTable{ptr: f.ptrAt(f.descBase), qsz: f.qsz} }
func (f *ringFixture) availRing() availRing { return availRing{ptr: f.ptrAt(f.availBase), qsz: f.qsz} }
func (f *ringFixture) usedRing() usedRing   { return usedRing{ptr: f.ptrAt(f.usedBase), qsz: f.qsz} }

func (f *ringFixture) ptrAt(off uint64) unsafe.Pointer { return unsafe.Pointer(&f.backing[off]) }

func (f *ringFixture) putDescriptor(i uint16, d uapi.Descriptor) {
	*f.descTable().at(i) = d
}

func (f *ringFixture) publishAvail(slot uint16, head uint16, newIdx uint16) {
	off := f.availBase + 4 + uint64(slot)*2
	*(*uint16)(f.ptrAt(off)) = head
	*(*uint32)(f.ptrAt(f.availBase)) = uint32(newIdx) << 16
}

func (f *ringFixture) usedEntry(slot uint16) (id, length uint32) {
	off := f.usedBase + 4 + uint64(slot)*8
	return *(*uint32)(f.ptrAt(off)), *(*uint32)(f.ptrAt(off + 4))
}

func (f *ringFixture) usedIdx() uint16 {
	return uint16(*(*uint32)(f.ptrAt(f.usedBase)) >> 16)
}

func (f *ringFixture) attach(t *testing.T, inflight InflightTracker) *Queue {
	t.Helper()
	q, err := Attach(f.table, f.ptrAt(f.descBase), f.ptrAt(f.availBase), f.ptrAt(f.usedBase), f.qsz, inflight)
	require.NoError(t, err)
	return q
}

type fakeInflight struct {
	marked             []uint16
	cleared            []uint16
	replaySet          []ReplayHead
	reconciledUsedIdx  uint64
	reconciledLastHead uint32
	reconcileCalled    bool
}

func (f *fakeInflight) MarkInflight(head uint16) error {
	f.marked = append(f.marked, head)
	return nil
}

func (f *fakeInflight) ClearInflight(head uint16, usedIdx uint64) error {
	f.cleared = append(f.cleared, head)
	return nil
}

func (f *fakeInflight) Reconcile(actualUsedIdx uint64, lastCommittedHead uint32) error {
	f.reconcileCalled = true
	f.reconciledUsedIdx = actualUsedIdx
	f.reconciledLastHead = lastCommittedHead
	return nil
}

func (f *fakeInflight) ReplaySet() ([]ReplayHead, error) {
	return f.replaySet, nil
}

func TestQueueDequeueAndCommit(t *testing.T) {
	// S1: single write-only 4096-byte descriptor, committed with len=42.
	f := newRingFixture(t, 1024)
	f.putDescriptor(0, uapi.Descriptor{Addr: f.bufBase, Len: 4096, Flags: uapi.DescFWrite})
	f.publishAvail(0, 0, 1)

	infl := &fakeInflight{}
	q := f.attach(t, infl)
	defer q.Release()

	var gotHead uint16
	var gotBufs []Buffer
	n, err := q.DequeueMany(func(head uint16, bufs []Buffer) DequeueAction {
		gotHead, gotBufs = head, bufs
		return Retain
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, uint16(0), gotHead)
	require.Len(t, gotBufs, 1)
	require.Equal(t, []uint16{0}, infl.marked)

	require.NoError(t, q.Commit(gotHead, 42))
	id, length := f.usedEntry(0)
	require.Equal(t, uint32(0), id)
	require.Equal(t, uint32(42), length)
	require.Equal(t, uint16(1), f.usedIdx())
	require.Equal(t, []uint16{0}, infl.cleared)
}

func TestQueueDequeueNoNewEntriesIsNoop(t *testing.T) {
	f := newRingFixture(t, 8)
	q := f.attach(t, nil)
	defer q.Release()

	n, err := q.DequeueMany(func(uint16, []Buffer) DequeueAction {
		t.Fatal("callback should not run when avail.idx hasn't advanced")
		return Retain
	})
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestQueueOOBNextMarksBroken(t *testing.T) {
	// S4: OOB next; dequeue_many fails, is_broken() becomes true, callback
	// never runs, and a subsequent valid chain also fails.
	f := newRingFixture(t, 4)
	f.putDescriptor(0, uapi.Descriptor{Addr: f.bufBase, Len: 16, Flags: uapi.DescFNext, Next: 4})
	f.publishAvail(0, 0, 1)

	q := f.attach(t, nil)
	defer q.Release()

	called := false
	_, err := q.DequeueMany(func(uint16, []Buffer) DequeueAction {
		called = true
		return Retain
	})
	require.Error(t, err)
	require.False(t, called)
	require.True(t, q.IsBroken())

	_, err = q.DequeueMany(func(uint16, []Buffer) DequeueAction { return Retain })
	require.ErrorIs(t, err, ErrQueueBroken)
}

func TestQueueAbortFromCallbackMarksBroken(t *testing.T) {
	f := newRingFixture(t, 4)
	f.putDescriptor(0, uapi.Descriptor{Addr: f.bufBase, Len: 16, Flags: uapi.DescFWrite})
	f.publishAvail(0, 0, 1)

	q := f.attach(t, nil)
	defer q.Release()

	_, err := q.DequeueMany(func(uint16, []Buffer) DequeueAction { return Abort })
	require.Error(t, err)
	require.True(t, q.IsBroken())
}

func TestQueueCommitUnknownHead(t *testing.T) {
	f := newRingFixture(t, 4)
	q := f.attach(t, nil)
	defer q.Release()

	err := q.Commit(7, 0)
	require.ErrorIs(t, err, ErrUnknownHead)
}

func TestQueueCommitOutOfOrder(t *testing.T) {
	f := newRingFixture(t, 8)
	for i := uint16(0); i < 3; i++ {
		f.putDescriptor(i, uapi.Descriptor{Addr: f.bufBase, Len: 16, Flags: uapi.DescFWrite})
	}
	f.publishAvail(0, 0, 1)
	f.publishAvail(1, 1, 2)
	f.publishAvail(2, 2, 3)

	q := f.attach(t, nil)
	defer q.Release()

	_, err := q.DequeueMany(func(uint16, []Buffer) DequeueAction { return Retain })
	require.NoError(t, err)

	require.NoError(t, q.Commit(2, 10))
	require.NoError(t, q.Commit(0, 20))
	require.NoError(t, q.Commit(1, 30))

	id0, _ := f.usedEntry(0)
	id1, _ := f.usedEntry(1)
	id2, _ := f.usedEntry(2)
	require.Equal(t, uint32(2), id0)
	require.Equal(t, uint32(0), id1)
	require.Equal(t, uint32(1), id2)
	require.Equal(t, uint16(3), f.usedIdx())
}

func TestQueueReplayDeliversResubmitSetBeforeNormalDequeue(t *testing.T) {
	f := newRingFixture(t, 8)
	for i := uint16(0); i < 3; i++ {
		f.putDescriptor(i, uapi.Descriptor{Addr: f.bufBase, Len: 16, Flags: uapi.DescFWrite})
	}
	// Heads 0 and 1 are the resubmit set (still inflight from a prior life);
	// avail.idx is already ahead, simulating attach after a crash.
	f.publishAvail(0, 0, 1)
	f.publishAvail(1, 1, 2)
	f.publishAvail(2, 2, 3)

	infl := &fakeInflight{replaySet: []ReplayHead{{Head: 0, Counter: 1}, {Head: 1, Counter: 2}}}
	q := f.attach(t, infl)
	defer q.Release()

	var replayed []uint16
	n, err := q.Replay(func(head uint16, bufs []Buffer) DequeueAction {
		replayed = append(replayed, head)
		return Retain
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []uint16{0, 1}, replayed)

	// Replayed heads are committable exactly like a fresh dequeue.
	require.NoError(t, q.Commit(0, 5))
	require.NoError(t, q.Commit(1, 6))

	// last_avail was fast-forwarded past the pre-attach avail entries, so a
	// subsequent DequeueMany sees nothing left to do — head 2 was already
	// completed before the crash and must not be redelivered.
	called := false
	_, err = q.DequeueMany(func(uint16, []Buffer) DequeueAction {
		called = true
		return Retain
	})
	require.NoError(t, err)
	require.False(t, called)
}

func TestQueueAttachReconcilesUsingLastUsedHead(t *testing.T) {
	f := newRingFixture(t, 8)
	// Simulate a prior life that had already committed one entry (head 4)
	// before the crash.
	f.putDescriptor(4, uapi.Descriptor{Addr: f.bufBase, Len: 16, Flags: uapi.DescFWrite})
	off := f.usedBase + 4
	*(*uint32)(f.ptrAt(off)) = 4 // used.ring[0].id = 4
	*(*uint32)(f.ptrAt(f.usedBase)) = uint32(1) << 16 // used.idx = 1

	infl := &fakeInflight{}
	_, err := Attach(f.table, f.ptrAt(f.descBase), f.ptrAt(f.availBase), f.ptrAt(f.usedBase), f.qsz, infl)
	require.NoError(t, err)
	require.True(t, infl.reconcileCalled)
	require.Equal(t, uint64(1), infl.reconciledUsedIdx)
	require.Equal(t, uint32(4), infl.reconciledLastHead)
}
