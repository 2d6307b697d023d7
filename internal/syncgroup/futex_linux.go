package syncgroup

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (non-private) futex operations: the word lives in a MAP_SHARED
// mapping that both processes see at different addresses.
const (
	futexWaitOp = 0
	futexWakeOp = 1
)

// futexWait sleeps while *addr == val, for at most d. Spurious wakeups,
// value mismatches, signals and timeouts all return nil; the caller re-checks.
func futexWait(addr *uint32, val uint32, d time.Duration) error {
	ts := unix.NsecToTimespec(d.Nanoseconds())
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), futexWaitOp, uintptr(val),
		uintptr(unsafe.Pointer(&ts)), 0, 0)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR, unix.ETIMEDOUT:
		return nil
	default:
		return errno
	}
}

func futexWake(addr *uint32) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), futexWakeOp, uintptr(1<<31-1),
		0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
