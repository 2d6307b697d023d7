package demo

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/GriffinCanCode/AgentOS/multiproc/internal/envelope"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/process"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/shm"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Worker types
const (
	TypePing   = "demo-ping"
	TypePong   = "demo-pong"
	TypeGrid   = "demo-grid"
	TypeWorker = "demo-worker"
)

// Parameter keys
const (
	ParamWork = "work"
	ParamGrid = "grid"
	ParamRows = "rows"
	ParamCols = "cols"
)

func init() {
	process.Register(TypePing, func(b process.Bootstrap) (process.Backend, error) { return newPingBackend(b) })
	process.Register(TypePong, func(process.Bootstrap) (process.Backend, error) { return &pongBackend{}, nil })
	process.Register(TypeGrid, func(b process.Bootstrap) (process.Backend, error) { return newGridBackend(b) })
	process.Register(TypeWorker, func(b process.Bootstrap) (process.Backend, error) { return newWorkerBackend(b) })
}

// pingBackend logs the parameter, simulates work and signals the caller.
type pingBackend struct {
	process.BaseBackend
	work time.Duration
}

func newPingBackend(b process.Bootstrap) (*pingBackend, error) {
	work := 100 * time.Millisecond
	if raw, ok := b.Param(ParamWork); ok {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ParamWork, err)
		}
		work = d
	}
	return &pingBackend{work: work}, nil
}

func (b *pingBackend) Handle(ctx *process.Context, env envelope.Envelope) error {
	switch env.Kind() {
	case KindPing:
		parameter, err := env.GetString("parameter")
		if err != nil {
			return err
		}
		ctx.Logger().Info("Ping", zap.String("parameter", parameter))
		time.Sleep(b.work)
		return ctx.SetFrom(env)
	default:
		return process.Unroutable(env.Kind())
	}
}

// pongBackend answers every ping on the channel.
type pongBackend struct {
	process.BaseBackend
}

func (b *pongBackend) Handle(ctx *process.Context, env envelope.Envelope) error {
	switch env.Kind() {
	case KindPing:
		parameter, err := env.GetString("parameter")
		if err != nil {
			return err
		}
		return ctx.Send(envelope.MustNew(KindPong, envelope.String("parameter", parameter)))
	default:
		return process.Unroutable(env.Kind())
	}
}

// gridBackend attaches to the frontend's grid before its loop and detaches
// after it.
type gridBackend struct {
	process.BaseBackend
	name       string
	rows, cols int
	segment    *shm.Segment
	grid       *mat.Dense
}

func newGridBackend(b process.Bootstrap) (*gridBackend, error) {
	name, ok := b.Param(ParamGrid)
	if !ok {
		return nil, fmt.Errorf("%s parameter missing", ParamGrid)
	}
	rows, err := strconv.Atoi(b.Params[ParamRows])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ParamRows, err)
	}
	cols, err := strconv.Atoi(b.Params[ParamCols])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ParamCols, err)
	}
	return &gridBackend{name: name, rows: rows, cols: cols}, nil
}

func (b *gridBackend) PreRun(ctx *process.Context) error {
	seg, err := shm.Attach(b.name, shm.GridSize(b.rows, b.cols))
	if err != nil {
		return err
	}
	grid, err := seg.Grid(b.rows, b.cols)
	if err != nil {
		seg.Detach()
		return err
	}
	b.segment, b.grid = seg, grid
	ctx.Logger().Debug("Attached grid", zap.String("segment", b.name), zap.Int("rows", b.rows), zap.Int("cols", b.cols))
	return nil
}

func (b *gridBackend) Handle(ctx *process.Context, env envelope.Envelope) error {
	switch env.Kind() {
	case KindFill:
		v, err := env.GetFloat("value")
		if err != nil {
			return err
		}
		if err := b.segment.Fill(v); err != nil {
			return err
		}
		return ctx.SetFrom(env)
	case KindStats:
		mean, std := gridStats(b.grid)
		if err := ctx.Send(envelope.MustNew(KindStats,
			envelope.Float("mean", mean),
			envelope.Float("std", std),
		)); err != nil {
			return err
		}
		return ctx.SetFrom(env)
	default:
		return process.Unroutable(env.Kind())
	}
}

func (b *gridBackend) PostRun(*process.Context) error {
	return b.segment.Detach()
}

// workerBackend crunches one work unit at a time, leaves the sorted samples
// in its own shared grid row and reports ready.
type workerBackend struct {
	process.BaseBackend
	name    string
	cols    int
	segment *shm.Segment
	row     []float64
}

func newWorkerBackend(b process.Bootstrap) (*workerBackend, error) {
	name, ok := b.Param(ParamGrid)
	if !ok {
		return nil, fmt.Errorf("%s parameter missing", ParamGrid)
	}
	cols, err := strconv.Atoi(b.Params[ParamCols])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ParamCols, err)
	}
	return &workerBackend{name: name, cols: cols}, nil
}

func (b *workerBackend) PreRun(*process.Context) error {
	seg, err := shm.Attach(b.name, shm.GridSize(1, b.cols))
	if err != nil {
		return err
	}
	grid, err := seg.Grid(1, b.cols)
	if err != nil {
		seg.Detach()
		return err
	}
	b.segment, b.row = seg, grid.RawRowView(0)
	return nil
}

func (b *workerBackend) Handle(ctx *process.Context, env envelope.Envelope) error {
	switch env.Kind() {
	case KindWork:
		unit, err := env.GetInt("unit")
		if err != nil {
			return err
		}
		samples, err := env.GetFloats("samples")
		if err != nil {
			return err
		}
		if len(samples) != b.cols {
			return fmt.Errorf("unit %d carries %d samples, grid row holds %d", unit, len(samples), b.cols)
		}

		copy(b.row, samples)
		sort.Float64s(b.row)
		return ctx.Send(envelope.MustNew(KindReady,
			envelope.Int("unit", unit),
			envelope.Float("mean", stat.Mean(samples, nil)),
			envelope.Float("min", b.row[0]),
			envelope.Float("max", b.row[b.cols-1]),
		))
	default:
		return process.Unroutable(env.Kind())
	}
}

func (b *workerBackend) PostRun(*process.Context) error {
	return b.segment.Detach()
}

func gridStats(grid *mat.Dense) (mean, std float64) {
	raw := grid.RawMatrix()
	return stat.MeanStdDev(raw.Data[:raw.Rows*raw.Stride], nil)
}
