package syncgroup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrResourceExhausted = errors.New("synchronization group exhausted")
	ErrInvalidIndex      = errors.New("invalid synchronization index")
	ErrNotOwner          = errors.New("synchronization indices are allocated by the owning side only")
	ErrWaitTimeout       = errors.New("synchronization wait timed out")
	ErrGroupClosed       = errors.New("synchronization group closed")
)

const (
	slotSize = 4

	unset uint32 = 0
	set   uint32 = 1
)

// waitSlice bounds one futex sleep so context cancellation is noticed.
const waitSlice = 50 * time.Millisecond

// Group is a fixed set of binary signals shared between a frontend and its
// backend. The frontend owns index allocation; either side may Set, and the
// frontend Waits.
type Group struct {
	capacity int
	fd       int
	mem      []byte
	owner    bool

	mu        sync.Mutex
	free      []int
	inUse     []bool
	abandoned map[int]struct{}
	closed    atomic.Bool
}

// New allocates capacity unset slots in an anonymous shared memory file.
func New(capacity int) (*Group, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidIndex, capacity)
	}

	fd, err := unix.MemfdCreate("multiproc-syncgroup", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(capacity*slotSize)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}

	g, err := mapGroup(fd, capacity)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	g.owner = true
	g.free = make([]int, capacity)
	for i := range g.free {
		g.free[i] = i
	}
	g.inUse = make([]bool, capacity)
	g.abandoned = make(map[int]struct{})
	return g, nil
}

// Attach maps an inherited group descriptor on the backend side.
func Attach(fd, capacity int) (*Group, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidIndex, capacity)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("fstat sync group: %w", err)
	}
	if st.Size < int64(capacity*slotSize) {
		return nil, fmt.Errorf("%w: group holds %d bytes, need %d", ErrInvalidIndex, st.Size, capacity*slotSize)
	}
	return mapGroup(fd, capacity)
}

func mapGroup(fd, capacity int) (*Group, error) {
	mem, err := unix.Mmap(fd, 0, capacity*slotSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap sync group: %w", err)
	}
	return &Group{capacity: capacity, fd: fd, mem: mem}, nil
}

// Capacity returns the number of slots
func (g *Group) Capacity() int {
	return g.capacity
}

// Free returns the number of slots available to Acquire
func (g *Group) Free() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reclaimLocked()
	return len(g.free)
}

// File returns a duplicate of the group descriptor for exec.Cmd.ExtraFiles.
// The caller closes it after the child has started.
func (g *Group) File() (*os.File, error) {
	dup, err := unix.Dup(g.fd)
	if err != nil {
		return nil, fmt.Errorf("dup sync group: %w", err)
	}
	return os.NewFile(uintptr(dup), "multiproc-syncgroup"), nil
}

// Acquire reserves a free slot and resets it to unset.
func (g *Group) Acquire() (int, error) {
	if !g.owner {
		return 0, ErrNotOwner
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed.Load() {
		return 0, ErrGroupClosed
	}
	g.reclaimLocked()
	if len(g.free) == 0 {
		return 0, fmt.Errorf("%w: all %d slots in use", ErrResourceExhausted, g.capacity)
	}

	index := g.free[0]
	g.free = g.free[1:]
	g.inUse[index] = true
	atomic.StoreUint32(g.slot(index), unset)
	return index, nil
}

// Release resets a slot and returns it to the free pool.
func (g *Group) Release(index int) error {
	if !g.owner {
		return ErrNotOwner
	}
	if err := g.check(index); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.inUse[index] {
		return fmt.Errorf("%w: %d is not acquired", ErrInvalidIndex, index)
	}
	g.inUse[index] = false
	atomic.StoreUint32(g.slot(index), unset)
	g.free = append(g.free, index)
	return nil
}

// abandon releases a slot whose Set may still arrive. The slot stays out of
// the pool until that late Set is observed, so it cannot wake a later owner.
func (g *Group) abandon(index int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.inUse[index] {
		return
	}
	g.inUse[index] = false
	if atomic.LoadUint32(g.slot(index)) == set {
		atomic.StoreUint32(g.slot(index), unset)
		g.free = append(g.free, index)
		return
	}
	g.abandoned[index] = struct{}{}
}

func (g *Group) reclaimLocked() {
	for index := range g.abandoned {
		if atomic.LoadUint32(g.slot(index)) == set {
			delete(g.abandoned, index)
			atomic.StoreUint32(g.slot(index), unset)
			g.free = append(g.free, index)
		}
	}
}

// Set signals a slot. Callable from either process.
func (g *Group) Set(index int) error {
	if err := g.check(index); err != nil {
		return err
	}
	addr := g.slot(index)
	atomic.StoreUint32(addr, set)
	return futexWake(addr)
}

// IsSet reports whether a slot is currently signaled
func (g *Group) IsSet(index int) bool {
	if g.check(index) != nil {
		return false
	}
	return atomic.LoadUint32(g.slot(index)) == set
}

// Wait blocks until the slot is signaled or ctx is done.
func (g *Group) Wait(ctx context.Context, index int) error {
	if err := g.check(index); err != nil {
		return err
	}

	addr := g.slot(index)
	for {
		if atomic.LoadUint32(addr) == set {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		sleep := waitSlice
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < sleep {
				sleep = max(remaining, time.Millisecond)
			}
		}
		if err := futexWait(addr, unset, sleep); err != nil {
			return fmt.Errorf("futex wait: %w", err)
		}
	}
}

// WaitTimeout is Wait with a plain timeout.
func (g *Group) WaitTimeout(index int, d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	err := g.Wait(ctx, index)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: slot %d after %s", ErrWaitTimeout, index, d)
	}
	return err
}

// Do runs one synchronous round trip: acquire a slot, let send deliver the
// index to the other side, wait for the matching Set, release the slot.
// The slot is released on every exit path.
func (g *Group) Do(ctx context.Context, send func(index int) error) error {
	index, err := g.Acquire()
	if err != nil {
		return err
	}

	if err := send(index); err != nil {
		g.Release(index)
		return err
	}

	if err := g.Wait(ctx, index); err != nil {
		g.abandon(index)
		return err
	}
	return g.Release(index)
}

// Close unmaps the group. Pending waiters must be gone.
func (g *Group) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed.Swap(true) {
		return nil
	}

	err := unix.Munmap(g.mem)
	if cerr := unix.Close(g.fd); err == nil {
		err = cerr
	}
	return err
}

func (g *Group) check(index int) error {
	if g.closed.Load() {
		return ErrGroupClosed
	}
	if index < 0 || index >= g.capacity {
		return fmt.Errorf("%w: %d outside [0,%d)", ErrInvalidIndex, index, g.capacity)
	}
	return nil
}

func (g *Group) slot(index int) *uint32 {
	return (*uint32)(unsafe.Pointer(&g.mem[index*slotSize]))
}
