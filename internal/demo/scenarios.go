package demo

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/GriffinCanCode/AgentOS/multiproc/internal/envelope"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/poll"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/process"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/shm"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// Env carries what every scenario needs.
type Env struct {
	Config  *config.Config
	Logger  *logging.Logger
	Metrics *monitoring.Metrics
	Rounds  int
}

func (e Env) processOptions(extra ...process.Option) []process.Option {
	opts := []process.Option{
		process.WithSyncCapacity(e.Config.Process.SyncCapacity),
		process.WithStopTimeout(e.Config.Process.StopTimeout.Duration),
		process.WithLogger(e.Logger),
		process.WithLogConfig(logging.Config{
			Level:       e.Config.Logging.Level,
			Development: e.Config.Logging.Development,
		}),
		process.WithMetrics(e.Metrics),
	}
	return append(opts, extra...)
}

func (e Env) rounds() int {
	if e.Rounds <= 0 {
		return 3
	}
	return e.Rounds
}

func startWorker(e Env, name, workerType string, opts ...process.Option) (*process.Process, error) {
	p, err := process.New(name, workerType, e.processOptions(opts...)...)
	if err != nil {
		return nil, err
	}
	if err := p.IgnoreSIGINT(); err != nil {
		return nil, multierr.Append(err, p.Close())
	}
	if err := p.Start(); err != nil {
		return nil, multierr.Append(err, p.Close())
	}
	return p, nil
}

// Ping sends pings without waiting for them to be handled.
func Ping(ctx context.Context, e Env) (err error) {
	p, err := startWorker(e, "ping", TypePing, process.WithParam(ParamWork, "50ms"))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, p.Close()) }()

	for i := 0; i < e.rounds() && ctx.Err() == nil; i++ {
		if err := p.Send(envelope.MustNew(KindPing, envelope.String("parameter", "gotcha!"))); err != nil {
			return err
		}
		e.Logger.Info("Ping sent", zap.Int("round", i))
	}
	return nil
}

// SyncPing makes round trips that return only once the backend is done.
func SyncPing(ctx context.Context, e Env) (err error) {
	p, err := startWorker(e, "syncping", TypePing, process.WithParam(ParamWork, "100ms"))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, p.Close()) }()

	for i := 0; i < e.rounds(); i++ {
		start := time.Now()
		if err := p.Call(ctx, KindPing, envelope.String("parameter", "gotcha!")); err != nil {
			return err
		}
		e.Logger.Info("Ping acknowledged", zap.Int("round", i), zap.Duration("took", time.Since(start)))
	}
	return nil
}

// PingPong sends pings and waits on the worker's channel for each pong.
func PingPong(ctx context.Context, e Env) (err error) {
	p, err := startWorker(e, "pingpong", TypePong)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, p.Close()) }()

	waiter, err := poll.NewWaiter()
	if err != nil {
		return err
	}
	defer waiter.Close()

	for i := 0; i < e.rounds(); i++ {
		parameter := "ball-" + strconv.Itoa(i)
		if err := p.Send(envelope.MustNew(KindPing, envelope.String("parameter", parameter))); err != nil {
			return err
		}

		ready, err := waiter.WaitContext(ctx, []int{p.FD()}, e.Config.Supervisor.Timeout.Duration)
		if err != nil {
			return err
		}
		if len(ready) == 0 {
			return fmt.Errorf("no pong for %s within %s", parameter, e.Config.Supervisor.Timeout.Duration)
		}

		reply, err := p.Recv()
		if err != nil {
			return err
		}
		got, err := reply.GetString("parameter")
		if err != nil {
			return err
		}
		if reply.Kind() != KindPong || got != parameter {
			return fmt.Errorf("unexpected reply %s", reply)
		}
		e.Logger.Info("Pong", zap.String("parameter", got))
	}
	return nil
}

// GridResult is what the shared grid scenario observed
type GridResult struct {
	BackendMean  float64
	FrontendMean float64
}

// Grid shares a rows×cols grid with a worker: the frontend writes 1.0 and
// the backend reports its mean, then the backend writes fill and the
// frontend reads it back.
func Grid(ctx context.Context, e Env, rows, cols int, fill float64) (res GridResult, err error) {
	name := shm.NameFor(fmt.Sprintf("grid-%d", os.Getpid()), "grid")
	seg, err := shm.Create(name, shm.GridSize(rows, cols))
	if err != nil {
		return res, err
	}
	defer func() { err = multierr.Append(err, seg.Close()) }()

	if err := seg.Fill(1.0); err != nil {
		return res, err
	}

	p, err := startWorker(e, "grid", TypeGrid,
		process.WithParam(ParamGrid, name),
		process.WithParam(ParamRows, strconv.Itoa(rows)),
		process.WithParam(ParamCols, strconv.Itoa(cols)),
	)
	if err != nil {
		return res, err
	}
	defer func() { err = multierr.Append(err, p.Close()) }()

	if err := p.Call(ctx, KindStats); err != nil {
		return res, err
	}
	reply, err := p.Recv()
	if err != nil {
		return res, err
	}
	if res.BackendMean, err = reply.GetFloat("mean"); err != nil {
		return res, err
	}

	if err := p.Call(ctx, KindFill, envelope.Float("value", fill)); err != nil {
		return res, err
	}
	cells, err := seg.Floats()
	if err != nil {
		return res, err
	}
	res.FrontendMean = stat.Mean(cells[:rows*cols], nil)

	e.Logger.Info("Grid shared",
		zap.Int("rows", rows), zap.Int("cols", cols),
		zap.Float64("backend_mean", res.BackendMean),
		zap.Float64("frontend_mean", res.FrontendMean))
	return res, nil
}
