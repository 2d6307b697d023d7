package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrWoken is returned when Wake interrupted a wait.
	ErrWoken = errors.New("waiter woken")
	// ErrWaiterClosed is returned after Close.
	ErrWaiterClosed = errors.New("waiter closed")
)

const readyEvents = unix.POLLIN | unix.POLLHUP | unix.POLLERR

// Waiter blocks until one of a set of descriptors is readable, a timeout
// passes, or another goroutine calls Wake. Only one goroutine may Wait at a
// time; Wake is safe from anywhere.
type Waiter struct {
	wakeR int
	wakeW int

	mu     sync.Mutex
	closed atomic.Bool
	fds    []unix.PollFd
}

// NewWaiter creates a waiter and its internal control pipe.
func NewWaiter() (*Waiter, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("control pipe: %w", err)
	}
	return &Waiter{wakeR: p[0], wakeW: p[1]}, nil
}

// ControlFD returns the internal control descriptor.
func (w *Waiter) ControlFD() int {
	return w.wakeR
}

// Wait returns the descriptors in fds that are readable. A peer hang-up or
// error counts as readable so the caller's next read observes it. An expired
// timeout returns an empty slice and no error; a negative timeout waits
// forever. Signals do not shorten the wait.
func (w *Waiter) Wait(fds []int, timeout time.Duration) ([]int, error) {
	if w.closed.Load() {
		return nil, ErrWaiterClosed
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.fds = w.fds[:0]
	w.fds = append(w.fds, unix.PollFd{Fd: int32(w.wakeR), Events: unix.POLLIN})
	for _, fd := range fds {
		w.fds = append(w.fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		ms := -1
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			ms = int((remaining + time.Millisecond - 1) / time.Millisecond)
		}

		n, err := unix.Poll(w.fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			if deadline.IsZero() || !time.Now().Before(deadline) {
				return []int{}, nil
			}
			continue
		}
		break
	}

	if w.fds[0].Revents&readyEvents != 0 {
		w.drain()
		return nil, ErrWoken
	}

	ready := make([]int, 0, len(fds))
	for _, pfd := range w.fds[1:] {
		if pfd.Revents&(readyEvents|unix.POLLNVAL) != 0 {
			ready = append(ready, int(pfd.Fd))
		}
	}
	return ready, nil
}

// WaitContext is Wait that also returns when ctx is done.
func (w *Waiter) WaitContext(ctx context.Context, fds []int, timeout time.Duration) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { w.Wake() })
	defer stop()

	ready, err := w.Wait(fds, timeout)
	if errors.Is(err, ErrWoken) && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return ready, err
}

// Wake interrupts the current or next Wait.
func (w *Waiter) Wake() error {
	if w.closed.Load() {
		return ErrWaiterClosed
	}
	_, err := unix.Write(w.wakeW, []byte{1})
	if err == unix.EAGAIN {
		// Pipe full, a wake is already pending.
		return nil
	}
	return err
}

func (w *Waiter) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(w.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close releases the control pipe.
func (w *Waiter) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	err := unix.Close(w.wakeR)
	if cerr := unix.Close(w.wakeW); err == nil {
		err = cerr
	}
	return err
}
