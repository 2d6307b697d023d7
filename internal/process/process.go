package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/GriffinCanCode/AgentOS/multiproc/internal/channel"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/envelope"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/syncgroup"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	defaultSyncCapacity = 10
	defaultStopTimeout  = 10 * time.Second
)

var errWorkerExited = errors.New("worker exited")

// Process is the frontend handle of one worker. The channel and sync group
// exist from New on, so anything the worker needs is in place before Start.
type Process struct {
	id           id.ProcessID
	name         string
	workerType   string
	syncCapacity int
	stopTimeout  time.Duration
	params       map[string]string
	logCfg       logging.Config
	logger       *logging.Logger
	metrics      *monitoring.Metrics
	stderr       io.Writer

	ch       *channel.Channel
	childEnd *os.File
	group    *syncgroup.Group

	mu           sync.Mutex
	state        State
	ignoreSIGINT bool
	cmd          *exec.Cmd
	done         chan struct{}
	waitErr      error
	result       error
	closed       bool
}

// Option configures a Process
type Option func(*Process)

// WithSyncCapacity sets how many synchronous calls may be in flight.
func WithSyncCapacity(n int) Option {
	return func(p *Process) { p.syncCapacity = n }
}

// WithStopTimeout bounds WaitStop before the worker is killed.
func WithStopTimeout(d time.Duration) Option {
	return func(p *Process) { p.stopTimeout = d }
}

// WithParams adds bootstrap parameters
func WithParams(params map[string]string) Option {
	return func(p *Process) { maps.Copy(p.params, params) }
}

// WithParam adds one bootstrap parameter
func WithParam(key, value string) Option {
	return func(p *Process) { p.params[key] = value }
}

// WithLogger sets the frontend logger
func WithLogger(logger *logging.Logger) Option {
	return func(p *Process) { p.logger = logger }
}

// WithLogConfig sets the level and format the child logs with
func WithLogConfig(cfg logging.Config) Option {
	return func(p *Process) { p.logCfg = cfg }
}

// WithMetrics records sends and round trips
func WithMetrics(m *monitoring.Metrics) Option {
	return func(p *Process) { p.metrics = m }
}

// WithStderr redirects the child's stderr, where its logs go.
func WithStderr(w io.Writer) Option {
	return func(p *Process) { p.stderr = w }
}

// New creates a worker in the CREATED state. workerType must be registered.
func New(name, workerType string, opts ...Option) (*Process, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty worker name", ErrInvalidState)
	}
	if !Registered(workerType) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, workerType)
	}

	p := &Process{
		id:           id.NewProcessID(),
		name:         name,
		workerType:   workerType,
		syncCapacity: defaultSyncCapacity,
		stopTimeout:  defaultStopTimeout,
		params:       make(map[string]string),
		logCfg:       logging.DefaultConfig(),
		stderr:       os.Stderr,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.ForProcess("frontend", name)

	group, err := syncgroup.New(p.syncCapacity)
	if err != nil {
		return nil, err
	}
	ch, childEnd, err := channel.Pair()
	if err != nil {
		group.Close()
		return nil, err
	}

	p.group = group
	p.ch = ch
	p.childEnd = childEnd
	return p, nil
}

// ID returns the process ID
func (p *Process) ID() id.ProcessID { return p.id }

// Name returns the worker name
func (p *Process) Name() string { return p.name }

// Type returns the registered worker type
func (p *Process) Type() string { return p.workerType }

// SyncGroup returns the worker's sync group
func (p *Process) SyncGroup() *syncgroup.Group { return p.group }

// Logger returns the frontend logger
func (p *Process) Logger() *logging.Logger { return p.logger }

// State returns the lifecycle state
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PID returns the child's PID, or 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// FD returns the readable endpoint for multiplexed waiting
func (p *Process) FD() int { return p.ch.FD() }

// Pipe returns the frontend channel endpoint
func (p *Process) Pipe() *channel.Channel { return p.ch }

// Done is closed once the child has exited
func (p *Process) Done() <-chan struct{} { return p.done }

// IgnoreSIGINT makes the child ignore interactive interrupts so only the
// supervisor reacts to them. It must precede Start.
func (p *Process) IgnoreSIGINT() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateCreated {
		return fmt.Errorf("%w: IgnoreSIGINT on %s worker %s", ErrInvalidState, p.state, p.name)
	}
	p.ignoreSIGINT = true
	return nil
}

// Start spawns the child and sends its bootstrap message.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateCreated {
		return fmt.Errorf("%w: start %s worker %s", ErrInvalidState, p.state, p.name)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	syncFile, err := p.group.File()
	if err != nil {
		return err
	}
	defer syncFile.Close()

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), envWorker+"="+p.name)
	cmd.ExtraFiles = []*os.File{p.childEnd, syncFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = p.stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn worker %s: %w", p.name, err)
	}
	p.childEnd.Close()
	p.childEnd = nil
	p.cmd = cmd
	p.state = StateSpawned
	go p.reap()

	boot := Bootstrap{
		Name:           p.name,
		Type:           p.workerType,
		SyncCapacity:   p.syncCapacity,
		IgnoreSIGINT:   p.ignoreSIGINT,
		LogLevel:       p.logCfg.Level,
		LogDevelopment: p.logCfg.Development,
		Params:         p.params,
	}
	env, err := boot.envelope()
	if err == nil {
		err = p.ch.Send(env)
	}
	if err != nil {
		cmd.Process.Kill()
		p.state = StateStopRequested
		return fmt.Errorf("%w: %s: %w", ErrBootstrap, p.name, err)
	}

	p.state = StateRunning
	p.logger.Debug("Worker started", zap.Int("pid", cmd.Process.Pid), zap.String("type", p.workerType))
	return nil
}

// reap waits for the child and records how it ended.
func (p *Process) reap() {
	err := p.cmd.Wait()

	if err != nil {
		p.logger.Debug("Worker exited", zap.Error(err))
	}

	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
	close(p.done)
}

// Send delivers an envelope to the backend.
func (p *Process) Send(env envelope.Envelope) error {
	if s := p.State(); s != StateRunning {
		return fmt.Errorf("%w: send to %s worker %s", ErrInvalidState, s, p.name)
	}
	if err := p.ch.Send(env); err != nil {
		return err
	}
	p.metrics.RecordSent(env.Kind())
	return nil
}

// Recv reads the next envelope the backend sent.
func (p *Process) Recv() (envelope.Envelope, error) {
	return p.ch.Recv()
}

// Call sends kind with a sync slot attached and blocks until the backend
// sets that slot, ctx ends or the worker exits. A worker that exits before
// setting the slot fails the call with channel.ErrTransportBroken. The slot
// is returned on every path.
func (p *Process) Call(ctx context.Context, kind string, fields ...envelope.Field) error {
	env, err := envelope.New(kind, fields...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-p.done:
			cancel(errWorkerExited)
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	err = p.group.Do(ctx, func(index int) error {
		return p.Send(env.WithSyncIndex(index))
	})
	if err != nil {
		if errors.Is(context.Cause(ctx), errWorkerExited) {
			return fmt.Errorf("call %s on %s: %w: %w", kind, p.name, channel.ErrTransportBroken, ErrAbnormalExit)
		}
		return fmt.Errorf("call %s on %s: %w", kind, p.name, err)
	}
	p.metrics.ObserveRoundTrip(time.Since(start))
	return nil
}

// RequestStop asks the backend to leave its loop. Repeated calls are no-ops.
func (p *Process) RequestStop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateCreated:
		p.state = StateStopped
		return nil
	case StateRunning:
	default:
		return nil
	}

	p.state = StateStopRequested
	if err := p.ch.Send(envelope.Stop()); err != nil {
		if errors.Is(err, channel.ErrTransportBroken) {
			// Already gone; WaitStop reports how it ended.
			return nil
		}
		return fmt.Errorf("stop %s: %w", p.name, err)
	}
	return nil
}

// WaitStop blocks until the child has exited. A worker that does not exit
// within the stop timeout is killed. The result is cached for later calls.
func (p *Process) WaitStop() error {
	p.mu.Lock()
	switch p.state {
	case StateCreated:
		p.mu.Unlock()
		return fmt.Errorf("%w: wait on %s worker %s", ErrInvalidState, StateCreated, p.name)
	case StateStopped:
		result := p.result
		p.mu.Unlock()
		return result
	}
	p.mu.Unlock()

	var timedOut bool
	timer := time.NewTimer(p.stopTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		timedOut = true
		p.logger.Warn("Worker ignored stop request, killing", zap.Duration("timeout", p.stopTimeout))
		p.cmd.Process.Kill()
		<-p.done
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateStopped {
		p.state = StateStopped
		p.result = p.exitResult(timedOut)
	}
	return p.result
}

// Stop is RequestStop followed by WaitStop.
func (p *Process) Stop() error {
	if err := p.RequestStop(); err != nil {
		return err
	}
	return p.WaitStop()
}

func (p *Process) exitResult(timedOut bool) error {
	if timedOut {
		return fmt.Errorf("%w: %s after %s", ErrStopTimeout, p.name, p.stopTimeout)
	}
	if p.waitErr == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if !errors.As(p.waitErr, &exitErr) {
		return fmt.Errorf("%w: %s: %w", ErrAbnormalExit, p.name, p.waitErr)
	}

	switch code := exitErr.ExitCode(); code {
	case ExitPreRun:
		return &LifecycleHookError{Process: p.name, Hook: HookPreRun, ExitCode: code}
	case ExitPostRun:
		return &LifecycleHookError{Process: p.name, Hook: HookPostRun, ExitCode: code}
	default:
		return fmt.Errorf("%w: %s: %v", ErrAbnormalExit, p.name, exitErr)
	}
}

// Close stops the worker if needed and releases its descriptors.
func (p *Process) Close() error {
	var err error
	if s := p.State(); s != StateStopped {
		err = p.Stop()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return err
	}
	p.closed = true

	if p.childEnd != nil {
		err = multierr.Append(err, p.childEnd.Close())
	}
	return multierr.Combine(err, p.ch.Close(), p.group.Close())
}

func (p *Process) String() string {
	return fmt.Sprintf("%s[%s] %s", p.name, p.workerType, p.State())
}
