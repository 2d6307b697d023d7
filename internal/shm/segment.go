package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Dir is where POSIX shared memory names live on Linux.
const Dir = "/dev/shm"

var (
	ErrSegmentNotFound = errors.New("shared memory segment not found")
	ErrSegmentExists   = errors.New("shared memory segment already exists")
	ErrInvalidName     = errors.New("invalid shared memory name")
	ErrInvalidSize     = errors.New("invalid shared memory size")
	ErrSegmentClosed   = errors.New("shared memory segment closed")
)

// Segment is a named shared memory region mapped into this process. The
// creating side is the owner and the only one allowed to unlink the name.
type Segment struct {
	name  string
	size  int
	owner bool

	mu     sync.Mutex
	mem    []byte
	closed bool
}

// NameFor builds a segment name unique to one worker, e.g. "mp-worker-0-grid".
func NameFor(process, suffix string) string {
	clean := strings.NewReplacer("/", "-", " ", "-").Replace(process)
	return fmt.Sprintf("mp-%s-%s", clean, suffix)
}

// Create makes a new segment of size bytes, zero filled.
func Create(name string, size int) (*Segment, error) {
	path, err := pathFor(name)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("%w: %s", ErrSegmentExists, name)
		}
		return nil, fmt.Errorf("create segment %s: %w", name, err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Unlink(path)
		return nil, fmt.Errorf("size segment %s: %w", name, err)
	}

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Unlink(path)
		return nil, fmt.Errorf("map segment %s: %w", name, err)
	}

	return &Segment{name: name, size: size, owner: true, mem: mem}, nil
}

// Attach maps an existing segment. A missing name is ErrSegmentNotFound.
func Attach(name string, size int) (*Segment, error) {
	path, err := pathFor(name)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("%w: %s", ErrSegmentNotFound, name)
		}
		return nil, fmt.Errorf("open segment %s: %w", name, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("stat segment %s: %w", name, err)
	}
	if st.Size < int64(size) {
		return nil, fmt.Errorf("%w: %s holds %d bytes, asked for %d", ErrInvalidSize, name, st.Size, size)
	}

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map segment %s: %w", name, err)
	}

	return &Segment{name: name, size: size, mem: mem}, nil
}

// Exists reports whether a segment name is currently linked
func Exists(name string) bool {
	path, err := pathFor(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Name returns the segment name
func (s *Segment) Name() string { return s.name }

// Size returns the mapped size in bytes
func (s *Segment) Size() int { return s.size }

// Owner reports whether this handle created the segment
func (s *Segment) Owner() bool { return s.owner }

// Bytes returns the mapped region. Writes are visible to every other mapping
// immediately; there is no locking.
func (s *Segment) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem
}

// Detach unmaps this process's view and leaves the name in place.
func (s *Segment) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := unix.Munmap(s.mem)
	s.mem = nil
	return err
}

// Close detaches and, for the owner, unlinks the name.
func (s *Segment) Close() error {
	err := s.Detach()
	if !s.owner {
		return err
	}

	path, _ := pathFor(s.name)
	if uerr := unix.Unlink(path); uerr != nil && !errors.Is(uerr, unix.ENOENT) && err == nil {
		err = fmt.Errorf("unlink segment %s: %w", s.name, uerr)
	}
	return err
}

func pathFor(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\x00") || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(Dir, name), nil
}
