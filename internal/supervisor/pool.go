package supervisor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/GriffinCanCode/AgentOS/multiproc/internal/envelope"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/infrastructure/monitoring"
	"go.uber.org/zap"
)

var (
	// ErrNoAvailableWorker is backpressure: every worker is busy and the
	// pending queue is full.
	ErrNoAvailableWorker = errors.New("no available worker")
	ErrUnknownWorker     = errors.New("worker not in pool")
)

// Worker is what the pool needs from a process.
type Worker interface {
	Name() string
	Send(env envelope.Envelope) error
}

// Pool tracks which workers are free for new work and queues work that
// arrives while all of them are busy. A busy worker never receives work.
type Pool struct {
	mu         sync.Mutex
	available  []Worker
	busy       map[Worker]struct{}
	pending    []envelope.Envelope
	capacity   int
	onDispatch func(Worker, envelope.Envelope)

	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// NewPool creates a pool whose pending queue holds at most capacity units.
func NewPool(capacity int, logger *logging.Logger, metrics *monitoring.Metrics) *Pool {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pool{
		busy:     make(map[Worker]struct{}),
		capacity: capacity,
		logger:   logger,
		metrics:  metrics,
	}
}

// OnDispatch registers a callback invoked right before work is sent.
func (p *Pool) OnDispatch(fn func(Worker, envelope.Envelope)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDispatch = fn
}

// Add puts a worker in the available set.
func (p *Pool) Add(w Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.knownLocked(w) {
		return
	}
	p.available = append(p.available, w)
}

// Remove drops a worker from the pool. Work it was doing is not requeued.
func (p *Pool) Remove(w Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(w)
}

// Submit sends env to the first available worker, which becomes busy. With
// none available env is queued; with the queue full it is rejected.
func (p *Pool) Submit(env envelope.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.available) > 0 {
		w := p.available[0]
		p.available = p.available[1:]
		p.busy[w] = struct{}{}

		err := p.dispatchLocked(w, env)
		if err == nil {
			return nil
		}
		p.logger.Error("Dispatch failed, dropping worker from pool",
			zap.String("worker", w.Name()), zap.String("kind", env.Kind()), zap.Error(err))
		delete(p.busy, w)
	}

	if len(p.pending) >= p.capacity {
		p.metrics.RecordBackpressure()
		p.logger.Error("No available worker",
			zap.String("kind", env.Kind()),
			zap.Int("busy", len(p.busy)),
			zap.Int("pending", len(p.pending)))
		return fmt.Errorf("%w: %d busy, %d pending", ErrNoAvailableWorker, len(p.busy), len(p.pending))
	}

	p.pending = append(p.pending, env)
	p.metrics.SetPending(len(p.pending))
	return nil
}

// Release reports that w finished its work. If work is pending, the oldest
// unit goes to w, which stays busy; otherwise w becomes available.
func (p *Pool) Release(w Worker) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.busy[w]; !ok {
		if p.knownLocked(w) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownWorker, w.Name())
	}

	if len(p.pending) > 0 {
		env := p.pending[0]
		p.pending = p.pending[1:]
		p.metrics.SetPending(len(p.pending))

		if err := p.dispatchLocked(w, env); err != nil {
			p.pending = append([]envelope.Envelope{env}, p.pending...)
			p.metrics.SetPending(len(p.pending))
			p.removeLocked(w)
			return fmt.Errorf("dispatch to %s: %w", w.Name(), err)
		}
		return nil
	}

	delete(p.busy, w)
	p.available = append(p.available, w)
	return nil
}

// Acquire takes an available worker and marks it busy without sending.
func (p *Pool) Acquire() (Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.available) == 0 {
		return nil, ErrNoAvailableWorker
	}
	w := p.available[0]
	p.available = p.available[1:]
	p.busy[w] = struct{}{}
	return w, nil
}

// IsBusy reports whether w is currently working
func (p *Pool) IsBusy(w Worker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.busy[w]
	return ok
}

// Available returns the number of idle workers
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// Busy returns the number of working workers
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.busy)
}

// Pending returns the number of queued work units
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pool) dispatchLocked(w Worker, env envelope.Envelope) error {
	if p.onDispatch != nil {
		p.onDispatch(w, env)
	}
	if err := w.Send(env); err != nil {
		return err
	}
	p.metrics.RecordDispatch()
	return nil
}

func (p *Pool) knownLocked(w Worker) bool {
	if _, ok := p.busy[w]; ok {
		return true
	}
	for _, a := range p.available {
		if a == w {
			return true
		}
	}
	return false
}

func (p *Pool) removeLocked(w Worker) {
	delete(p.busy, w)
	for i, a := range p.available {
		if a == w {
			p.available = append(p.available[:i], p.available[i+1:]...)
			return
		}
	}
}
