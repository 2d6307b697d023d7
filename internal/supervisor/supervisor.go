package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/GriffinCanCode/AgentOS/multiproc/internal/channel"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/envelope"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/poll"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/process"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/shared/id"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SeverityCritical marks log entries for supervisor invariant breaches, as
// opposed to ordinary handler failures.
const SeverityCritical = "critical"

var (
	ErrAlreadyRunning = errors.New("supervisor loop already running")
	ErrNotRunning     = errors.New("supervisor loop not running in background")
	ErrClosed         = errors.New("supervisor closed")
)

// Handler is the application half of a supervisor. StartProcesses creates
// every worker (through Supervisor.NewWorker or Add) before any of them is
// spawned. HandleMessage runs on the loop goroutine for each inbound envelope.
type Handler interface {
	StartProcesses(s *Supervisor) error
	HandleMessage(s *Supervisor, p *process.Process, env envelope.Envelope) error
}

// ThreadStarter is implemented by handlers that run goroutines of their own.
// StartThreads runs after every worker has been spawned.
type ThreadStarter interface {
	StartThreads(s *Supervisor) error
}

// ThreadStopper is implemented by handlers whose goroutines must end before
// workers are asked to stop.
type ThreadStopper interface {
	StopThreads(s *Supervisor) error
}

// Closer is implemented by handlers with resources to release after every
// worker has stopped.
type Closer interface {
	Close(s *Supervisor) error
}

// Supervisor owns a set of workers, waits on all their channels at once and
// routes what they send to its Handler.
type Supervisor struct {
	cfg     *config.Config
	runID   id.RunID
	handler Handler
	logger  *logging.Logger
	metrics *monitoring.Metrics
	waiter  *poll.Waiter
	pool    *Pool
	signals bool

	mu      sync.Mutex
	workers []*process.Process
	byFD    map[int]*process.Process
	watch   []int
	started bool

	loopMu    sync.Mutex
	loopDone  chan struct{}
	closed    atomic.Bool
	anomalies rate.Sometimes

	closeOnce sync.Once
	closeErr  error

	bgMu     sync.Mutex
	bgCancel context.CancelFunc
	bgDone   chan struct{}
	bgErr    error
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *monitoring.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithoutSignals leaves SIGINT and SIGTERM to the embedding program.
func WithoutSignals() Option {
	return func(s *Supervisor) { s.signals = false }
}

// New builds a supervisor: the handler creates its workers, all of them are
// spawned in the order they were added, then handler goroutines start.
func New(cfg *config.Config, h Handler, opts ...Option) (*Supervisor, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:       cfg,
		runID:     id.NewRunID(),
		handler:   h,
		signals:   true,
		byFD:      make(map[int]*process.Process),
		anomalies: rate.Sometimes{First: 5, Interval: time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = monitoring.NewMetrics(nil)
	}
	s.logger = s.logger.ForProcess("supervisor", "main").With(zap.String("run_id", s.runID.String()))
	s.pool = NewPool(cfg.Supervisor.PendingCapacity, s.logger, s.metrics)

	waiter, err := poll.NewWaiter()
	if err != nil {
		return nil, err
	}
	s.waiter = waiter

	if err := h.StartProcesses(s); err != nil {
		return nil, multierr.Append(fmt.Errorf("start processes: %w", err), s.Close())
	}

	s.mu.Lock()
	s.started = true
	workers := slices.Clone(s.workers)
	s.mu.Unlock()

	for _, p := range workers {
		if err := p.IgnoreSIGINT(); err != nil {
			return nil, multierr.Append(err, s.Close())
		}
		if err := p.Start(); err != nil {
			return nil, multierr.Append(err, s.Close())
		}
	}
	s.refreshStates()
	s.logger.Info("Workers started", zap.Int("workers", len(workers)))

	if starter, ok := h.(ThreadStarter); ok {
		if err := starter.StartThreads(s); err != nil {
			return nil, multierr.Append(fmt.Errorf("start threads: %w", err), s.Close())
		}
	}
	return s, nil
}

// NewWorker creates a worker configured from the supervisor's settings and
// adds it. Only valid inside StartProcesses.
func (s *Supervisor) NewWorker(name, workerType string, opts ...process.Option) (*process.Process, error) {
	base := []process.Option{
		process.WithSyncCapacity(s.cfg.Process.SyncCapacity),
		process.WithStopTimeout(s.cfg.Process.StopTimeout.Duration),
		process.WithLogger(s.logger),
		process.WithLogConfig(logging.Config{
			Level:       s.cfg.Logging.Level,
			Development: s.cfg.Logging.Development,
		}),
		process.WithMetrics(s.metrics),
	}

	p, err := process.New(name, workerType, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := s.Add(p); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Add registers a CREATED worker. Workers can only be added before spawn.
func (s *Supervisor) Add(p *process.Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("%w: add %s after workers were spawned", process.ErrInvalidState, p.Name())
	}
	if p.State() != process.StateCreated {
		return fmt.Errorf("%w: add %s worker %s", process.ErrInvalidState, p.State(), p.Name())
	}
	if _, dup := s.byFD[p.FD()]; dup {
		return fmt.Errorf("%w: %s added twice", process.ErrInvalidState, p.Name())
	}

	s.workers = append(s.workers, p)
	s.byFD[p.FD()] = p
	s.watch = append(s.watch, p.FD())
	s.pool.Add(p)
	return nil
}

// Workers returns the workers in the order they were added
func (s *Supervisor) Workers() []*process.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.workers)
}

// Worker finds a worker by name
func (s *Supervisor) Worker(name string) (*process.Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.workers {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// Pool returns the available/busy bookkeeping
func (s *Supervisor) Pool() *Pool { return s.pool }

// Logger returns the supervisor logger
func (s *Supervisor) Logger() *logging.Logger { return s.logger }

// Metrics returns the supervisor metrics
func (s *Supervisor) Metrics() *monitoring.Metrics { return s.metrics }

// Config returns the configuration in use
func (s *Supervisor) Config() *config.Config { return s.cfg }

// RunID identifies this supervisor instance in logs
func (s *Supervisor) RunID() id.RunID { return s.runID }

// Run waits on every worker channel and routes inbound envelopes until ctx
// ends, Shutdown is called or an interrupt arrives, then closes the
// supervisor.
func (s *Supervisor) Run(ctx context.Context) (err error) {
	s.loopMu.Lock()
	if s.closed.Load() {
		s.loopMu.Unlock()
		return ErrClosed
	}
	if s.loopDone != nil {
		s.loopMu.Unlock()
		return ErrAlreadyRunning
	}
	done := make(chan struct{})
	s.loopDone = done
	s.loopMu.Unlock()

	defer func() { err = multierr.Append(err, s.Close()) }()
	defer func() {
		s.loopMu.Lock()
		s.loopDone = nil
		s.loopMu.Unlock()
		close(done)
	}()

	if s.signals {
		stop := s.catchSignals()
		defer stop()
	}

	s.logger.Info("Supervisor loop started", zap.Duration("timeout", s.cfg.Supervisor.Timeout.Duration))
	for {
		ready, err := s.waiter.WaitContext(ctx, s.watched(), s.cfg.Supervisor.Timeout.Duration)
		switch {
		case errors.Is(err, poll.ErrWoken):
			s.logger.Info("Shutdown requested")
			return nil
		case ctx.Err() != nil:
			s.logger.Info("Context done, shutting down", zap.Error(ctx.Err()))
			return nil
		case err != nil:
			return fmt.Errorf("wait: %w", err)
		}

		if len(ready) == 0 {
			s.metrics.IncLoopTicks()
			s.logger.Debug("Still alive", zap.Int("watching", len(s.watched())))
			continue
		}
		for _, fd := range ready {
			s.service(fd)
		}
	}
}

// catchSignals turns SIGINT and SIGTERM into a loop wake-up. Only the
// supervisor process reacts to interrupts; workers ignore them.
func (s *Supervisor) catchSignals() (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigs:
			s.logger.Info("Signal received, shutting down", zap.String("signal", sig.String()))
			s.Shutdown()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

// service reads one envelope from a ready descriptor and routes it.
func (s *Supervisor) service(fd int) {
	s.mu.Lock()
	p, ok := s.byFD[fd]
	s.mu.Unlock()

	if !ok {
		s.metrics.RecordUnroutable()
		s.logger.Error("Readiness on unregistered descriptor",
			zap.String("severity", SeverityCritical), zap.Int("fd", fd), zap.Error(process.ErrUnroutable))
		s.unwatch(fd)
		return
	}

	env, err := p.Recv()
	if err != nil {
		if errors.Is(err, channel.ErrMalformedFrame) {
			s.anomalies.Do(func() {
				s.logger.Error("Dropping malformed message", zap.String("worker", p.Name()), zap.Error(err))
			})
			return
		}
		s.metrics.RecordTransportBroken()
		s.logger.Error("Worker channel broken, no longer watching it",
			zap.String("worker", p.Name()), zap.Error(err))
		s.unwatch(fd)
		s.pool.Remove(p)
		return
	}

	s.metrics.RecordReceived(env.Kind())
	timer := monitoring.NewTimer(s.metrics, env.Kind())
	err = s.handle(p, env)
	timer.Stop(err)
	if err != nil {
		s.logger.Error("Message handler failed",
			zap.String("worker", p.Name()), zap.Object("envelope", env), zap.Error(err))
	}
}

func (s *Supervisor) handle(p *process.Process, env envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &process.HandlerError{Kind: env.Kind(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := s.handler.HandleMessage(s, p, env); err != nil {
		return &process.HandlerError{Kind: env.Kind(), Err: err}
	}
	return nil
}

func (s *Supervisor) watched() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.watch)
}

func (s *Supervisor) unwatch(fd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watch = slices.DeleteFunc(s.watch, func(w int) bool { return w == fd })
}

func (s *Supervisor) running() bool {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	return s.loopDone != nil
}

// Shutdown makes a running loop exit. Safe from any goroutine.
func (s *Supervisor) Shutdown() {
	if err := s.waiter.Wake(); err != nil && !errors.Is(err, poll.ErrWaiterClosed) {
		s.logger.Warn("Wake failed", zap.Error(err))
	}
}

// RunBackground runs the loop on its own goroutine.
func (s *Supervisor) RunBackground(ctx context.Context) error {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()

	if s.bgDone != nil || s.running() {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.bgCancel = cancel
	s.bgDone = make(chan struct{})
	go func() {
		defer close(s.bgDone)
		s.bgErr = s.Run(ctx)
	}()
	return nil
}

// StopBackground ends a loop started by RunBackground and returns its result.
func (s *Supervisor) StopBackground() error {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()

	if s.bgDone == nil {
		return ErrNotRunning
	}
	s.bgCancel()
	<-s.bgDone
	err := s.bgErr
	s.bgCancel, s.bgDone, s.bgErr = nil, nil, nil
	return err
}

// Close asks every worker to stop, then waits for each, in two passes so
// all workers shut down in parallel. A running loop is woken and Close waits
// for it to return first, so handlers must call Shutdown rather than Close.
// Safe to call more than once.
func (s *Supervisor) Close() error {
	s.loopMu.Lock()
	s.closed.Store(true)
	loopDone := s.loopDone
	s.loopMu.Unlock()

	if loopDone != nil {
		s.Shutdown()
		<-loopDone
	}

	s.closeOnce.Do(func() {
		workers := s.Workers()
		var errs error

		if stopper, ok := s.handler.(ThreadStopper); ok {
			errs = multierr.Append(errs, stopper.StopThreads(s))
		}

		for _, p := range workers {
			if err := p.RequestStop(); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		for _, p := range workers {
			if err := p.WaitStop(); err != nil {
				s.logger.Error("Worker did not stop cleanly", zap.String("worker", p.Name()), zap.Error(err))
				errs = multierr.Append(errs, err)
			}
		}
		for _, p := range workers {
			errs = multierr.Append(errs, p.Close())
		}
		s.refreshStates()

		if closer, ok := s.handler.(Closer); ok {
			errs = multierr.Append(errs, closer.Close(s))
		}
		errs = multierr.Append(errs, s.waiter.Close())

		s.closeErr = errs
		s.logger.Info("Supervisor closed", zap.Int("workers", len(workers)), zap.Error(errs))
	})
	return s.closeErr
}

func (s *Supervisor) refreshStates() {
	counts := make(map[string]int)
	for _, p := range s.Workers() {
		counts[p.State().String()]++
	}
	s.metrics.SetWorkerStates(counts)
}
