package shm

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniqueName(t *testing.T, suffix string) string {
	t.Helper()
	return NameFor(fmt.Sprintf("test-%d", os.Getpid()), suffix)
}

func TestCreateAndAttach(t *testing.T) {
	name := uniqueName(t, "bytes")
	owner, err := Create(name, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { owner.Close() })

	assert.True(t, owner.Owner())
	assert.Equal(t, name, owner.Name())
	assert.Equal(t, 4096, owner.Size())
	assert.True(t, Exists(name))

	peer, err := Attach(name, 4096)
	require.NoError(t, err)
	assert.False(t, peer.Owner())

	copy(owner.Bytes(), "hello")
	assert.Equal(t, "hello", string(peer.Bytes()[:5]))

	peer.Bytes()[10] = 42
	assert.Equal(t, byte(42), owner.Bytes()[10])

	require.NoError(t, peer.Detach())
	assert.True(t, Exists(name), "detach must not unlink")
}

func TestCreateExisting(t *testing.T) {
	name := uniqueName(t, "dup")
	seg, err := Create(name, 64)
	require.NoError(t, err)
	t.Cleanup(func() { seg.Close() })

	_, err = Create(name, 64)
	assert.ErrorIs(t, err, ErrSegmentExists)
}

func TestAttachMissing(t *testing.T) {
	_, err := Attach(uniqueName(t, "missing"), 64)
	assert.ErrorIs(t, err, ErrSegmentNotFound)
}

func TestAttachLargerThanSegment(t *testing.T) {
	name := uniqueName(t, "short")
	seg, err := Create(name, 64)
	require.NoError(t, err)
	t.Cleanup(func() { seg.Close() })

	_, err = Attach(name, 4096)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestInvalidArguments(t *testing.T) {
	_, err := Create("", 64)
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = Create("a/b", 64)
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = Create(uniqueName(t, "zero"), 0)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestOwnerCloseUnlinks(t *testing.T) {
	name := uniqueName(t, "unlink")
	seg, err := Create(name, 64)
	require.NoError(t, err)

	require.NoError(t, seg.Close())
	assert.False(t, Exists(name))
	require.NoError(t, seg.Close(), "close is idempotent")

	_, err = Attach(name, 64)
	assert.ErrorIs(t, err, ErrSegmentNotFound)
}

func TestGridVisibleAcrossMappings(t *testing.T) {
	const rows, cols = 100, 100
	name := uniqueName(t, "grid")

	owner, err := Create(name, GridSize(rows, cols))
	require.NoError(t, err)
	t.Cleanup(func() { owner.Close() })

	peer, err := Attach(name, GridSize(rows, cols))
	require.NoError(t, err)
	t.Cleanup(func() { peer.Detach() })

	require.NoError(t, peer.Fill(1.0))

	grid, err := owner.Grid(rows, cols)
	require.NoError(t, err)
	r, c := grid.Dims()
	assert.Equal(t, rows, r)
	assert.Equal(t, cols, c)

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			require.Equal(t, 1.0, grid.At(i, j))
		}
	}

	grid.Set(3, 7, 9.5)
	peerGrid, err := peer.Grid(rows, cols)
	require.NoError(t, err)
	assert.Equal(t, 9.5, peerGrid.At(3, 7))
}

func TestGridBounds(t *testing.T) {
	name := uniqueName(t, "bounds")
	seg, err := Create(name, GridSize(2, 2))
	require.NoError(t, err)
	t.Cleanup(func() { seg.Close() })

	_, err = seg.Grid(3, 3)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = seg.Grid(0, 2)
	assert.ErrorIs(t, err, ErrInvalidSize)

	require.NoError(t, seg.Detach())
	_, err = seg.Grid(2, 2)
	assert.ErrorIs(t, err, ErrSegmentClosed)
}

func TestNameFor(t *testing.T) {
	assert.Equal(t, "mp-worker-0-grid", NameFor("worker-0", "grid"))
	assert.Equal(t, "mp-a-b-c-grid", NameFor("a/b c", "grid"))
}
