package demo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/multiproc/internal/envelope"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/process"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/shm"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/supervisor"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// Manager feeds work units to a pool of workers and collects their results.
// Every worker owns a one-row shared grid that holds its last sorted unit;
// the manager reads it when the worker reports ready and before releasing it.
// It implements supervisor.Handler and the optional thread and close hooks.
type Manager struct {
	interval time.Duration
	samples  int

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	segments   map[string]*shm.Segment
	next       int64
	completed  int64
	rejected   int64
	mismatched int64
}

// NewManager submits one unit of samples values every interval.
func NewManager(interval time.Duration, samples int) *Manager {
	return &Manager{interval: interval, samples: samples, segments: make(map[string]*shm.Segment)}
}

func (m *Manager) StartProcesses(s *supervisor.Supervisor) error {
	if m.samples <= 0 {
		return fmt.Errorf("samples per unit must be positive, got %d", m.samples)
	}
	for i := 0; i < s.Config().Supervisor.Workers; i++ {
		name := fmt.Sprintf("worker-%d", i)
		seg, err := shm.Create(shm.NameFor(s.RunID().String()+"-"+name, "grid"), shm.GridSize(1, m.samples))
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.segments[name] = seg
		m.mu.Unlock()

		if _, err := s.NewWorker(name, TypeWorker,
			process.WithParam(ParamGrid, seg.Name()),
			process.WithParam(ParamCols, strconv.Itoa(m.samples)),
		); err != nil {
			return err
		}
	}
	return nil
}

// StartThreads starts the producer goroutine.
func (m *Manager) StartThreads(s *supervisor.Supervisor) error {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.produce(ctx, s)
	}()
	return nil
}

func (m *Manager) produce(ctx context.Context, s *supervisor.Supervisor) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		unit := m.next
		m.next++
		m.mu.Unlock()

		samples := make([]float64, m.samples)
		for i := range samples {
			samples[i] = rand.Float64()
		}

		err := s.Pool().Submit(envelope.MustNew(KindWork,
			envelope.Int("unit", unit),
			envelope.Floats("samples", samples),
		))
		if errors.Is(err, supervisor.ErrNoAvailableWorker) {
			m.mu.Lock()
			m.rejected++
			m.mu.Unlock()
			continue
		}
		if err != nil {
			s.Logger().Warn("Submit failed", zap.Int64("unit", unit), zap.Error(err))
		}
	}
}

func (m *Manager) HandleMessage(s *supervisor.Supervisor, p *process.Process, env envelope.Envelope) error {
	switch env.Kind() {
	case KindReady:
		unit, err := env.GetInt("unit")
		if err != nil {
			return err
		}
		mean, err := env.GetFloat("mean")
		if err != nil {
			return err
		}
		median, err := m.checkGrid(p.Name(), env)
		if err != nil {
			return err
		}

		s.Logger().Debug("Unit done",
			zap.String("worker", p.Name()),
			zap.Int64("unit", unit),
			zap.Float64("mean", mean),
			zap.Float64("median", median))
		return s.Pool().Release(p)
	default:
		return process.Unroutable(env.Kind())
	}
}

// checkGrid reads the worker's sorted unit out of shared memory, verifies it
// against the bounds the worker reported and returns its median.
func (m *Manager) checkGrid(worker string, env envelope.Envelope) (float64, error) {
	lo, err := env.GetFloat("min")
	if err != nil {
		return 0, err
	}
	hi, err := env.GetFloat("max")
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seg, ok := m.segments[worker]
	if !ok {
		return 0, fmt.Errorf("no grid for worker %s", worker)
	}
	grid, err := seg.Grid(1, m.samples)
	if err != nil {
		return 0, err
	}
	row := grid.RawRowView(0)

	m.completed++
	if !sort.Float64sAreSorted(row) || row[0] != lo || row[len(row)-1] != hi {
		m.mismatched++
		return math.NaN(), nil
	}
	return stat.Quantile(0.5, stat.Empirical, row, nil), nil
}

// StopThreads stops the producer before workers are asked to stop.
func (m *Manager) StopThreads(*supervisor.Supervisor) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}

// Close unlinks the worker grids and logs the totals.
func (m *Manager) Close(s *supervisor.Supervisor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	for name, seg := range m.segments {
		err = multierr.Append(err, seg.Close())
		delete(m.segments, name)
	}
	s.Logger().Info("Manager finished",
		zap.Int64("submitted", m.next),
		zap.Int64("completed", m.completed),
		zap.Int64("rejected", m.rejected),
		zap.Int64("mismatched", m.mismatched))
	return err
}

// Completed returns how many units came back
func (m *Manager) Completed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed
}

// Mismatched returns how many ready replies disagreed with the worker's grid
func (m *Manager) Mismatched() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mismatched
}

// Rejected returns how many units hit backpressure
func (m *Manager) Rejected() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejected
}
