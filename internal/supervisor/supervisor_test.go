package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/GriffinCanCode/AgentOS/multiproc/internal/envelope"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/process"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/shm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	process.Init()
	os.Exit(m.Run())
}

func init() {
	process.Register("sv-worker", func(process.Bootstrap) (process.Backend, error) {
		return &svBackend{}, nil
	})
}

// svBackend does a unit of work, stamps the unit into its row of the shared
// grid and reports back ready.
type svBackend struct {
	process.BaseBackend
	segment *shm.Segment
	row     int
}

func (b *svBackend) PreRun(ctx *process.Context) error {
	name, ok := ctx.Param("grid")
	if !ok {
		return nil
	}
	row, err := strconv.Atoi(ctx.Params()["row"])
	if err != nil {
		return err
	}
	seg, err := shm.Attach(name, shm.GridSize(gridRows, gridCols))
	if err != nil {
		return err
	}
	b.segment, b.row = seg, row
	return nil
}

func (b *svBackend) Handle(ctx *process.Context, env envelope.Envelope) error {
	switch env.Kind() {
	case "work":
		unit, err := env.GetInt("unit")
		if err != nil {
			return err
		}
		time.Sleep(5 * time.Millisecond)
		if b.segment != nil {
			grid, err := b.segment.Grid(gridRows, gridCols)
			if err != nil {
				return err
			}
			grid.Set(b.row, 0, float64(unit))
		}
		return ctx.Send(envelope.MustNew("ready", envelope.Int("unit", unit)))
	case "echo":
		return ctx.Send(envelope.MustNew(env.Kind()))
	case "bad":
		return ctx.Send(envelope.MustNew("bad"))
	default:
		return process.Unroutable(env.Kind())
	}
}

func (b *svBackend) PostRun(*process.Context) error {
	if b.segment == nil {
		return nil
	}
	return b.segment.Detach()
}

const gridRows, gridCols = 10, 10

func testConfig(workers int) *config.Config {
	cfg := config.Default()
	cfg.Supervisor.Workers = workers
	cfg.Supervisor.Timeout = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Process.StopTimeout = config.Duration{Duration: 5 * time.Second}
	cfg.Process.SyncCapacity = 2
	return cfg
}

// workHandler spreads work units over its workers and counts completions.
type workHandler struct {
	units   int
	segment *shm.Segment

	mu          sync.Mutex
	done        map[int64]string
	outstanding map[string]int
	violations  int
	mismatches  int
	rows        map[string]int
	handled     []string
	closed      bool
	onComplete  func(s *Supervisor)
}

func newWorkHandler() *workHandler {
	return &workHandler{
		done:        make(map[int64]string),
		outstanding: make(map[string]int),
		rows:        make(map[string]int),
	}
}

func (h *workHandler) StartProcesses(s *Supervisor) error {
	seg, err := shm.Create(shm.NameFor(fmt.Sprintf("sv-%d-%s", os.Getpid(), s.RunID()), "grid"), shm.GridSize(gridRows, gridCols))
	if err != nil {
		return err
	}
	h.segment = seg

	for i := 0; i < s.Config().Supervisor.Workers; i++ {
		name := fmt.Sprintf("worker-%d", i)
		h.rows[name] = i
		if _, err := s.NewWorker(name, "sv-worker",
			process.WithParam("grid", seg.Name()),
			process.WithParam("row", strconv.Itoa(i))); err != nil {
			return err
		}
	}
	return nil
}

func (h *workHandler) StartThreads(s *Supervisor) error {
	s.Pool().OnDispatch(func(w Worker, _ envelope.Envelope) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.outstanding[w.Name()] > 0 {
			h.violations++
		}
		h.outstanding[w.Name()]++
	})
	return nil
}

func (h *workHandler) HandleMessage(s *Supervisor, p *process.Process, env envelope.Envelope) error {
	h.mu.Lock()
	h.handled = append(h.handled, env.Kind())
	h.mu.Unlock()

	switch env.Kind() {
	case "ready":
		unit, err := env.GetInt("unit")
		if err != nil {
			return err
		}
		grid, err := h.segment.Grid(gridRows, gridCols)
		if err != nil {
			return err
		}

		h.mu.Lock()
		if grid.At(h.rows[p.Name()], 0) != float64(unit) {
			h.mismatches++
		}
		h.done[unit] = p.Name()
		h.outstanding[p.Name()]--
		complete := len(h.done) == h.units
		h.mu.Unlock()

		if err := s.Pool().Release(p); err != nil {
			return err
		}
		if complete && h.onComplete != nil {
			h.onComplete(s)
		}
		return nil
	case "echo":
		return nil
	case "bad":
		return errors.New("refusing bad message")
	default:
		return process.Unroutable(env.Kind())
	}
}

func (h *workHandler) Close(*Supervisor) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return h.segment.Close()
}

func openFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	require.NoError(t, err)
	return len(entries)
}

func TestCloseStopsAllWorkers(t *testing.T) {
	// Warm up the runtime poller so it does not count as a leak.
	r, w, err := os.Pipe()
	require.NoError(t, err)
	r.Close()
	w.Close()
	before := openFDs(t)

	h := newWorkHandler()
	s, err := New(testConfig(5), h, WithoutSignals())
	require.NoError(t, err)

	workers := s.Workers()
	require.Len(t, workers, 5)
	for _, p := range workers {
		assert.Equal(t, process.StateRunning, p.State())
	}
	segment := h.segment.Name()
	assert.True(t, shm.Exists(segment))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	for _, p := range workers {
		assert.Equal(t, process.StateStopped, p.State(), p.Name())
	}
	assert.True(t, h.closed)
	assert.False(t, shm.Exists(segment))
	assert.Equal(t, before, openFDs(t), "no descriptor may outlive the supervisor")

	assert.ErrorIs(t, s.Run(context.Background()), ErrClosed)
}

func TestCloseWakesRunningLoop(t *testing.T) {
	cfg := testConfig(2)
	cfg.Supervisor.Timeout = config.Duration{Duration: 5 * time.Second}
	s, err := New(cfg, newWorkHandler(), WithoutSignals())
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()
	require.Eventually(t, s.running, time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Close())
	assert.Less(t, time.Since(start), 3*time.Second, "close waited out the loop timeout")

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop still running after Close")
	}
	for _, p := range s.Workers() {
		assert.Equal(t, process.StateStopped, p.State(), p.Name())
	}
}

func TestDispatchOnReady(t *testing.T) {
	h := newWorkHandler()
	h.units = 12
	h.onComplete = func(s *Supervisor) { s.Shutdown() }

	cfg := testConfig(3)
	cfg.Supervisor.PendingCapacity = h.units
	s, err := New(cfg, h, WithoutSignals())
	require.NoError(t, err)

	for i := 0; i < h.units; i++ {
		require.NoError(t, s.Pool().Submit(envelope.MustNew("work", envelope.Int("unit", int64(i)))))
	}
	assert.Equal(t, 3, s.Pool().Busy())
	assert.Equal(t, h.units-3, s.Pool().Pending())

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		s.Shutdown()
		t.Fatal("work did not finish")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Len(t, h.done, h.units)
	assert.Zero(t, h.violations, "work was dispatched to a busy worker")
	assert.Zero(t, h.mismatches, "grid row did not hold the reported unit")
	assert.Equal(t, int64(h.units), s.Metrics().Snapshot().Dispatches)
	for _, p := range s.Workers() {
		assert.Equal(t, process.StateStopped, p.State())
	}
}

func TestHandlerErrorsDoNotStopLoop(t *testing.T) {
	h := newWorkHandler()
	s, err := New(testConfig(1), h, WithoutSignals())
	require.NoError(t, err)
	worker := s.Workers()[0]

	require.NoError(t, s.RunBackground(context.Background()))
	assert.ErrorIs(t, s.RunBackground(context.Background()), ErrAlreadyRunning)

	require.NoError(t, worker.Send(envelope.MustNew("bad")))
	require.NoError(t, worker.Send(envelope.MustNew("echo")))

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.handled) == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.StopBackground())
	assert.ErrorIs(t, s.StopBackground(), ErrNotRunning)

	h.mu.Lock()
	assert.Equal(t, []string{"bad", "echo"}, h.handled)
	h.mu.Unlock()
	assert.Equal(t, int64(1), s.Metrics().Snapshot().HandlerErrors)
	assert.Equal(t, process.StateStopped, worker.State())
}

func TestLivenessTicks(t *testing.T) {
	s, err := New(testConfig(1), newWorkHandler(), WithoutSignals())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.GreaterOrEqual(t, s.Metrics().Snapshot().LoopTicks, int64(2))
}

func TestBrokenWorkerIsUnwatched(t *testing.T) {
	s, err := New(testConfig(2), newWorkHandler(), WithoutSignals())
	require.NoError(t, err)
	victim := s.Workers()[0]

	require.NoError(t, s.RunBackground(context.Background()))
	require.NoError(t, syscall.Kill(victim.PID(), syscall.SIGKILL))

	require.Eventually(t, func() bool {
		return s.Metrics().Snapshot().TransportBroken == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, s.watched(), 1)
	assert.Equal(t, 1, s.Pool().Available())

	err = s.StopBackground()
	assert.ErrorIs(t, err, process.ErrAbnormalExit)
	for _, p := range s.Workers() {
		assert.Equal(t, process.StateStopped, p.State())
	}
}

func TestUnregisteredDescriptor(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	s, err := New(testConfig(1), newWorkHandler(), WithoutSignals(),
		WithLogger(&logging.Logger{Logger: zap.New(core)}))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	s.service(-42)
	s.service(-42)
	assert.Equal(t, int64(2), s.Metrics().Snapshot().Unroutable)

	entries := logs.FilterMessage("Readiness on unregistered descriptor").All()
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.Equal(t, SeverityCritical, entry.ContextMap()["severity"])
	}
}

func TestInterruptShutsDown(t *testing.T) {
	s, err := New(testConfig(2), newWorkHandler())
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()

	// The first tick proves the handler is installed.
	require.Eventually(t, func() bool {
		return s.Metrics().Snapshot().LoopTicks > 0
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("interrupt did not stop the loop")
	}
	for _, p := range s.Workers() {
		assert.Equal(t, process.StateStopped, p.State())
	}
}

type failingHandler struct {
	*workHandler
}

func (h *failingHandler) StartProcesses(s *Supervisor) error {
	if err := h.workHandler.StartProcesses(s); err != nil {
		return err
	}
	return errors.New("not today")
}

func TestStartProcessesFailure(t *testing.T) {
	h := &failingHandler{workHandler: newWorkHandler()}
	_, err := New(testConfig(2), h, WithoutSignals())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not today")
	assert.True(t, h.closed, "resources are released on a failed start")
}

func TestAddAfterStart(t *testing.T) {
	s, err := New(testConfig(1), newWorkHandler(), WithoutSignals())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.NewWorker("late", "sv-worker")
	assert.ErrorIs(t, err, process.ErrInvalidState)
	assert.Len(t, s.Workers(), 1)

	p, ok := s.Worker("worker-0")
	require.True(t, ok)
	assert.Equal(t, "sv-worker", p.Type())
}

func TestInvalidConfig(t *testing.T) {
	cfg := testConfig(1)
	cfg.Supervisor.Timeout = config.Duration{}
	_, err := New(cfg, newWorkHandler())
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
