package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/GriffinCanCode/AgentOS/multiproc/internal/envelope"
	"golang.org/x/sys/unix"
)

// MaxFrameSize bounds one encoded envelope. Bulk data belongs in shared memory.
const MaxFrameSize = 1 << 20

const headerSize = 4

var (
	ErrTransportBroken = errors.New("transport broken")
	ErrFrameTooLarge   = errors.New("frame too large")
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrClosed          = errors.New("channel closed")
)

// Channel is one endpoint of a framed, ordered, bidirectional stream between
// a frontend and its backend. Send is safe for concurrent use; Recv assumes a
// single reader.
type Channel struct {
	fd     int
	wmu    sync.Mutex
	rmu    sync.Mutex
	closed atomic.Bool
}

// Pair creates a connected socket pair. The parent keeps the returned
// Channel; the file is meant for exec.Cmd.ExtraFiles and must be closed by the
// caller once the child has started.
func Pair() (*Channel, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return FromFD(fds[0]), os.NewFile(uintptr(fds[1]), "multiproc-channel"), nil
}

// FromFD wraps an inherited descriptor
func FromFD(fd int) *Channel {
	return &Channel{fd: fd}
}

// FD returns the descriptor for multiplexed waiting
func (c *Channel) FD() int {
	return c.fd
}

// Send writes one envelope as a length-prefixed frame.
func (c *Channel) Send(env envelope.Envelope) error {
	if c.closed.Load() {
		return ErrClosed
	}

	body, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes for %s", ErrFrameTooLarge, len(body), env.Kind())
	}

	frame := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[headerSize:], body)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	for off := 0; off < len(frame); {
		n, err := unix.SendmsgN(c.fd, frame[off:], nil, nil, unix.MSG_NOSIGNAL)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return classify(err)
		}
		off += n
	}
	return nil
}

// Recv blocks until a full envelope arrives. A closed or crashed peer yields
// ErrTransportBroken, never an empty envelope.
func (c *Channel) Recv() (envelope.Envelope, error) {
	if c.closed.Load() {
		return envelope.Envelope{}, ErrClosed
	}

	c.rmu.Lock()
	defer c.rmu.Unlock()

	var header [headerSize]byte
	if err := c.readFull(header[:]); err != nil {
		return envelope.Envelope{}, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return envelope.Envelope{}, fmt.Errorf("%w: peer announced %d bytes", ErrFrameTooLarge, size)
	}

	body := make([]byte, size)
	if err := c.readFull(body); err != nil {
		return envelope.Envelope{}, err
	}

	env, err := envelope.Unmarshal(body)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return env, nil
}

func (c *Channel) readFull(buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := unix.Read(c.fd, buf[off:])
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return classify(err)
		}
		if n == 0 {
			return fmt.Errorf("%w: peer closed", ErrTransportBroken)
		}
		off += n
	}
	return nil
}

// Close releases the descriptor. Safe to call more than once.
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return unix.Close(c.fd)
}

// Closed reports whether Close was called
func (c *Channel) Closed() bool {
	return c.closed.Load()
}

func classify(err error) error {
	switch err {
	case unix.EPIPE, unix.ECONNRESET, unix.ENOTCONN, unix.EBADF:
		return fmt.Errorf("%w: %v", ErrTransportBroken, err)
	default:
		return err
	}
}
