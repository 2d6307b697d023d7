package syncgroup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newGroup(t *testing.T, capacity int) *Group {
	t.Helper()
	g, err := New(capacity)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

// attachCopy maps the same memory a second time, the way a child does.
func attachCopy(t *testing.T, g *Group) *Group {
	t.Helper()
	f, err := g.File()
	require.NoError(t, err)
	fd, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	peer, err := Attach(fd, g.Capacity())
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })
	return peer
}

func TestNewRejectsBadCapacity(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, ErrInvalidIndex)
}

func TestAcquireUntilExhausted(t *testing.T) {
	for _, capacity := range []int{1, 2, 10, 64} {
		g := newGroup(t, capacity)

		seen := make(map[int]bool)
		for i := 0; i < capacity; i++ {
			index, err := g.Acquire()
			require.NoError(t, err)
			require.False(t, seen[index], "index %d handed out twice", index)
			seen[index] = true
		}

		_, err := g.Acquire()
		assert.ErrorIs(t, err, ErrResourceExhausted, "capacity %d", capacity)
		assert.Equal(t, 0, g.Free())

		require.NoError(t, g.Release(0))
		index, err := g.Acquire()
		require.NoError(t, err)
		assert.Equal(t, 0, index)
	}
}

func TestReleaseValidation(t *testing.T) {
	g := newGroup(t, 2)

	assert.ErrorIs(t, g.Release(5), ErrInvalidIndex)
	assert.ErrorIs(t, g.Release(-1), ErrInvalidIndex)
	assert.ErrorIs(t, g.Release(0), ErrInvalidIndex, "never acquired")

	index, err := g.Acquire()
	require.NoError(t, err)
	require.NoError(t, g.Release(index))
	assert.ErrorIs(t, g.Release(index), ErrInvalidIndex, "double release")
}

func TestAcquireResetsSlot(t *testing.T) {
	g := newGroup(t, 1)

	index, err := g.Acquire()
	require.NoError(t, err)
	require.NoError(t, g.Set(index))
	assert.True(t, g.IsSet(index))
	require.NoError(t, g.Release(index))

	index, err = g.Acquire()
	require.NoError(t, err)
	assert.False(t, g.IsSet(index))
}

func TestConcurrentHoldersNeverShareIndex(t *testing.T) {
	const capacity = 4
	g := newGroup(t, capacity)

	var holders [capacity]atomic.Int32
	var exhausted atomic.Int32
	var wg sync.WaitGroup

	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				index, err := g.Acquire()
				if err != nil {
					exhausted.Add(1)
					continue
				}
				if holders[index].Add(1) != 1 {
					t.Errorf("index %d held twice", index)
				}
				time.Sleep(10 * time.Microsecond)
				holders[index].Add(-1)
				if err := g.Release(index); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, capacity, g.Free())
}

func TestSetUnblocksWait(t *testing.T) {
	g := newGroup(t, 3)

	index, err := g.Acquire()
	require.NoError(t, err)

	var setAt atomic.Int64
	go func() {
		time.Sleep(100 * time.Millisecond)
		setAt.Store(time.Now().UnixNano())
		g.Set(index)
	}()

	require.NoError(t, g.WaitTimeout(index, 5*time.Second))
	returned := time.Now().UnixNano()

	require.NotZero(t, setAt.Load(), "wait returned before any set")
	assert.GreaterOrEqual(t, returned, setAt.Load())
}

func TestWaitTimesOutWithoutSet(t *testing.T) {
	g := newGroup(t, 1)

	index, err := g.Acquire()
	require.NoError(t, err)

	start := time.Now()
	err = g.WaitTimeout(index, 120*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
}

func TestWaitHonoursCancel(t *testing.T) {
	g := newGroup(t, 1)

	index, err := g.Acquire()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	assert.ErrorIs(t, g.Wait(ctx, index), context.Canceled)
}

func TestSetThroughSecondMapping(t *testing.T) {
	g := newGroup(t, 4)
	peer := attachCopy(t, g)

	index, err := g.Acquire()
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		peer.Set(index)
	}()

	require.NoError(t, g.WaitTimeout(index, 5*time.Second))
	assert.True(t, peer.IsSet(index))

	_, err = peer.Acquire()
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.ErrorIs(t, peer.Release(index), ErrNotOwner)
}

func TestAttachRejectsShortFile(t *testing.T) {
	g := newGroup(t, 2)
	f, err := g.File()
	require.NoError(t, err)
	defer f.Close()

	_, err = Attach(int(f.Fd()), 100)
	assert.ErrorIs(t, err, ErrInvalidIndex)
}

func TestDoRoundTrip(t *testing.T) {
	g := newGroup(t, 2)
	peer := attachCopy(t, g)

	var workDone atomic.Bool
	err := g.Do(context.Background(), func(index int) error {
		go func() {
			time.Sleep(50 * time.Millisecond)
			workDone.Store(true)
			peer.Set(index)
		}()
		return nil
	})

	require.NoError(t, err)
	assert.True(t, workDone.Load(), "Do returned before the work completed")
	assert.Equal(t, 2, g.Free())
}

func TestDoReleasesOnSendError(t *testing.T) {
	g := newGroup(t, 1)

	sendErr := assert.AnError
	err := g.Do(context.Background(), func(int) error { return sendErr })
	assert.ErrorIs(t, err, sendErr)
	assert.Equal(t, 1, g.Free())
}

func TestDoCancelledSlotReclaimedAfterLateSet(t *testing.T) {
	g := newGroup(t, 1)

	var used int
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := g.Do(ctx, func(index int) error {
		used = index
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the late responder has not answered yet: slot stays quarantined
	assert.Equal(t, 0, g.Free())
	_, err = g.Acquire()
	assert.ErrorIs(t, err, ErrResourceExhausted)

	require.NoError(t, g.Set(used))
	assert.Equal(t, 1, g.Free())

	index, err := g.Acquire()
	require.NoError(t, err)
	assert.False(t, g.IsSet(index))
}

func TestClosedGroup(t *testing.T) {
	g, err := New(1)
	require.NoError(t, err)
	require.NoError(t, g.Close())
	require.NoError(t, g.Close())

	_, err = g.Acquire()
	assert.ErrorIs(t, err, ErrGroupClosed)
	assert.ErrorIs(t, g.Set(0), ErrGroupClosed)
	assert.False(t, g.IsSet(0))
}
