package inflight

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarkInflightAssignsAscendingCounters(t *testing.T) {
	// S5 (first half): submit 10 chains, none committed; inflight==1 and
	// counter==h+1 for heads 0..9, used_idx still 0.
	path := filepath.Join(t.TempDir(), "inflight")
	r, err := Create(path, 16, nil)
	require.NoError(t, err)
	defer r.Close()

	for h := uint16(0); h < 10; h++ {
		require.NoError(t, r.MarkInflight(h))
	}

	for h := uint16(0); h < 10; h++ {
		e := entryPtr(r.data, h)
		require.Equal(t, uint8(1), e.Inflight, "head %d", h)
		require.Equal(t, uint64(h)+1, e.Counter, "head %d", h)
	}
	require.Equal(t, uint64(0), headerPtr(r.data).UsedIdx)
}

func TestReplaySetOrdersByCounterAscendingAfterOutOfOrderCommits(t *testing.T) {
	// S5 (second half): commit heads 9..5 (descending); heads 0..4 remain
	// the resubmit set, and must come back out in ascending counter order.
	path := filepath.Join(t.TempDir(), "inflight")
	r, err := Create(path, 16, nil)
	require.NoError(t, err)
	defer r.Close()

	for h := uint16(0); h < 10; h++ {
		require.NoError(t, r.MarkInflight(h))
	}
	for h := uint16(9); ; h-- {
		require.NoError(t, r.ClearInflight(h, uint64(10-h)))
		if h == 5 {
			break
		}
	}

	set, err := r.ReplaySet()
	require.NoError(t, err)
	require.Len(t, set, 5)
	for i, e := range set {
		require.Equal(t, uint16(i), e.Head)
		require.Equal(t, uint64(i)+1, e.Counter)
	}

	// All ten commits (conceptually) having landed means used_idx tracks
	// the last ClearInflight call's argument; after all ten are eventually
	// committed it must read 10 and nothing remains inflight.
	for h := uint16(4); ; h-- {
		require.NoError(t, r.ClearInflight(h, uint64(10-h)))
		if h == 0 {
			break
		}
	}
	require.Equal(t, uint64(10), headerPtr(r.data).UsedIdx)
	set, err = r.ReplaySet()
	require.NoError(t, err)
	require.Empty(t, set)
}

func TestReconcileNoopWhenInSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inflight")
	r, err := Create(path, 4, nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.MarkInflight(0))
	require.NoError(t, r.ClearInflight(0, 1))

	require.NoError(t, r.Reconcile(1, 0))
	require.Equal(t, uint64(1), headerPtr(r.data).UsedIdx)
}

func TestReconcileRepairsCrashInCommitWindow(t *testing.T) {
	// S6: submit 10, commit 6 in reverse (heads 9..4), leaving heads 0..3
	// genuinely outstanding. Then simulate a crash between the ring
	// publish for head 4's commit and the inflight-header update: manually
	// set inflight_desc[4].inflight back to 1 and used_idx back by one.
	path := filepath.Join(t.TempDir(), "inflight")
	r, err := Create(path, 16, nil)
	require.NoError(t, err)
	defer r.Close()

	for h := uint16(0); h < 10; h++ {
		require.NoError(t, r.MarkInflight(h))
	}
	for h := uint16(9); ; h-- {
		require.NoError(t, r.ClearInflight(h, uint64(10-h)))
		if h == 4 {
			break
		}
	}
	// Real ring.used.idx has advanced to 6 (six commits landed); simulate
	// the crash window by rewinding just the inflight side.
	actualUsedIdx := uint64(6)
	entryPtr(r.data, 4).Inflight = 1
	headerPtr(r.data).UsedIdx = actualUsedIdx - 1

	require.NoError(t, r.Reconcile(actualUsedIdx, 4))
	require.Equal(t, actualUsedIdx, headerPtr(r.data).UsedIdx)
	require.Equal(t, uint8(0), entryPtr(r.data, 4).Inflight)

	set, err := r.ReplaySet()
	require.NoError(t, err)
	require.Len(t, set, 4)
	for i, e := range set {
		require.Equal(t, uint16(i), e.Head)
	}
}

func TestOpenResumesMonotonicCounterAcrossReattach(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inflight")
	r1, err := Create(path, 4, nil)
	require.NoError(t, err)
	require.NoError(t, r1.MarkInflight(0))
	require.NoError(t, r1.MarkInflight(1))
	require.NoError(t, r1.Close())

	r2, err := Open(path, 4, nil)
	require.NoError(t, err)
	defer r2.Close()

	require.NoError(t, r2.MarkInflight(2))
	require.Equal(t, uint64(3), entryPtr(r2.data, 2).Counter)
}

func TestOpenRejectsDescNumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inflight")
	r1, err := Create(path, 4, nil)
	require.NoError(t, err)
	require.NoError(t, r1.Close())

	_, err = Open(path, 8, nil)
	require.Error(t, err)
}

func TestMarkInflightRejectsOutOfRangeHead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inflight")
	r, err := Create(path, 4, nil)
	require.NoError(t, err)
	defer r.Close()

	require.Error(t, r.MarkInflight(4))
}
