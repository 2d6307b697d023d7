package shm

import (
	"fmt"
	"unsafe"

	"gonum.org/v1/gonum/mat"
)

const cellSize = int(unsafe.Sizeof(float64(0)))

// GridSize returns the bytes needed for a rows×cols float64 grid.
func GridSize(rows, cols int) int {
	return rows * cols * cellSize
}

// Grid views the segment as a row-major rows×cols float64 matrix. The matrix
// aliases the mapping, so writes through it land in shared memory and the
// view is invalid once the segment is detached.
func (s *Segment) Grid(rows, cols int) (*mat.Dense, error) {
	cells, err := s.Floats()
	if err != nil {
		return nil, err
	}
	if rows <= 0 || cols <= 0 || rows*cols > len(cells) {
		return nil, fmt.Errorf("%w: %dx%d grid does not fit %d bytes", ErrInvalidSize, rows, cols, s.size)
	}
	return mat.NewDense(rows, cols, cells[:rows*cols]), nil
}

// Floats views the whole segment as float64 cells.
func (s *Segment) Floats() ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSegmentClosed
	}
	n := len(s.mem) / cellSize
	if n == 0 {
		return nil, fmt.Errorf("%w: %d bytes hold no float64 cell", ErrInvalidSize, len(s.mem))
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&s.mem[0])), n), nil
}

// Fill sets every float64 cell to v.
func (s *Segment) Fill(v float64) error {
	cells, err := s.Floats()
	if err != nil {
		return err
	}
	for i := range cells {
		cells[i] = v
	}
	return nil
}
