package reqqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-vhost-blk/internal/eventloop"
)

func newTestQueue(t *testing.T) (*Queue, *eventloop.Loop) {
	t.Helper()
	loop, err := eventloop.New(nil)
	require.NoError(t, err)
	q := New(loop)
	t.Cleanup(func() { loop.Close() })
	return q, loop
}

func TestEnqueueDequeuePreservesFIFOOrder(t *testing.T) {
	q, loop := newTestQueue(t)

	for h := uint16(0); h < 5; h++ {
		require.NoError(t, q.Enqueue(&Request{Head: h, Loop: loop}))
	}

	more, err := q.Run()
	require.NoError(t, err)
	require.True(t, more)

	var got []uint16
	for {
		r, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, r.Head)
	}
	require.Equal(t, []uint16{0, 1, 2, 3, 4}, got)
}

func TestDequeueNonBlockingEmpty(t *testing.T) {
	q, _ := newTestQueue(t)
	_, ok := q.Dequeue()
	require.False(t, ok)
}

func TestConcurrentProducersAllDelivered(t *testing.T) {
	q, loop := newTestQueue(t)

	const producers = 8
	const perProducer = 50
	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				require.NoError(t, q.Enqueue(&Request{Head: uint16(p*perProducer + i), Loop: loop}))
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[uint16]bool)
	deadline := time.Now().Add(5 * time.Second)
	for len(seen) < producers*perProducer {
		more, err := q.Run()
		require.NoError(t, err)
		for {
			r, ok := q.Dequeue()
			if !ok {
				break
			}
			seen[r.Head] = true
		}
		if !more && len(seen) < producers*perProducer {
			t.Fatalf("Run reported termination with only %d/%d delivered", len(seen), producers*perProducer)
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out, delivered %d/%d", len(seen), producers*perProducer)
		}
	}
	require.Len(t, seen, producers*perProducer)
}

func TestStopDrainsPendingBeforeRunReturnsFalse(t *testing.T) {
	q, loop := newTestQueue(t)
	require.NoError(t, q.Enqueue(&Request{Head: 1, Loop: loop}))
	require.NoError(t, q.Enqueue(&Request{Head: 2, Loop: loop}))

	q.Stop()

	more, err := q.Run()
	require.NoError(t, err)
	require.True(t, more, "pending requests must be drained before Run reports termination")

	_, ok1 := q.Dequeue()
	_, ok2 := q.Dequeue()
	require.True(t, ok1)
	require.True(t, ok2)

	more, err = q.Run()
	require.NoError(t, err)
	require.False(t, more)
}

func TestCompleteBioRunsOnRequestsLoopViaScheduleOneshot(t *testing.T) {
	q, loop := newTestQueue(t)

	var committed uint32
	r := &Request{Head: 3, Loop: loop, done: func(status Status, writtenLen uint32) {
		committed = writtenLen
	}}

	q.CompleteBio(r, StatusOK, 99)

	more, err := loop.Run(time.Second)
	require.NoError(t, err)
	require.True(t, more)
	require.Equal(t, uint32(99), committed)
}
