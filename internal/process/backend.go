package process

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"syscall"

	"github.com/GriffinCanCode/AgentOS/multiproc/internal/channel"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/envelope"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/syncgroup"
	"go.uber.org/zap"
)

// Backend is the child side of a worker. PreRun runs once before the message
// loop and PostRun once after it; a failure in either ends the worker with a
// distinct exit status. Handle errors are logged and the loop continues.
type Backend interface {
	PreRun(ctx *Context) error
	Handle(ctx *Context, env envelope.Envelope) error
	PostRun(ctx *Context) error
}

// BaseBackend provides no-op hooks and routes nothing.
type BaseBackend struct{}

func (BaseBackend) PreRun(*Context) error  { return nil }
func (BaseBackend) PostRun(*Context) error { return nil }

func (BaseBackend) Handle(_ *Context, env envelope.Envelope) error {
	return Unroutable(env.Kind())
}

// HandlerFunc handles one envelope kind
type HandlerFunc func(ctx *Context, env envelope.Envelope) error

// Routes is a fixed kind → handler table. Kinds without an entry are
// unroutable.
type Routes map[string]HandlerFunc

// Dispatch runs the handler for env's kind.
func (r Routes) Dispatch(ctx *Context, env envelope.Envelope) error {
	fn, ok := r[env.Kind()]
	if !ok {
		return Unroutable(env.Kind())
	}
	return fn(ctx, env)
}

// Context is what a backend sees of its worker.
type Context struct {
	boot   Bootstrap
	logger *logging.Logger
	ch     *channel.Channel
	group  *syncgroup.Group
}

// Name returns the worker name
func (c *Context) Name() string { return c.boot.Name }

// Logger returns the worker's logger
func (c *Context) Logger() *logging.Logger { return c.logger }

// Params returns a copy of the bootstrap parameters
func (c *Context) Params() map[string]string { return maps.Clone(c.boot.Params) }

// Param returns one bootstrap parameter
func (c *Context) Param(key string) (string, bool) { return c.boot.Param(key) }

// Send writes an envelope back to the frontend.
func (c *Context) Send(env envelope.Envelope) error {
	return c.ch.Send(env)
}

// Set signals a sync slot the frontend is waiting on.
func (c *Context) Set(index int) error {
	return c.group.Set(index)
}

// SetFrom signals the slot carried by env, if any.
func (c *Context) SetFrom(env envelope.Envelope) error {
	index, ok := env.SyncIndex()
	if !ok {
		return nil
	}
	return c.group.Set(index)
}

// Descriptors inherited by every child.
const (
	channelFD = 3
	syncFD    = 4
)

// envWorker marks a re-executed binary as a worker child.
const envWorker = "MULTIPROC_WORKER"

// Init turns the current process into a worker when it was spawned as one,
// and never returns in that case. In any other process it returns false.
// Call it first thing in main and in TestMain.
func Init() bool {
	name, ok := os.LookupEnv(envWorker)
	if !ok {
		return false
	}
	os.Unsetenv(envWorker)
	os.Exit(runChild(name))
	return true
}

func runChild(name string) int {
	fallback := logging.NewDefault().ForProcess("backend", name)
	defer fallback.Sync()

	ch := channel.FromFD(channelFD)
	defer ch.Close()

	first, err := ch.Recv()
	if err != nil {
		fallback.Error("Failed to read bootstrap", zap.Error(err))
		return ExitBootstrap
	}
	boot, err := parseBootstrap(first)
	if err != nil {
		fallback.Error("Invalid bootstrap", zap.Error(err))
		return ExitBootstrap
	}

	if boot.IgnoreSIGINT {
		signal.Ignore(syscall.SIGINT)
	}

	logger, err := logging.New(logging.Config{Level: boot.LogLevel, Development: boot.LogDevelopment})
	if err != nil {
		fallback.Warn("Invalid log configuration, using defaults", zap.Error(err))
		logger = logging.NewDefault()
	}
	logger = logger.ForProcess("backend", boot.Name)
	defer logger.Sync()

	group, err := syncgroup.Attach(syncFD, boot.SyncCapacity)
	if err != nil {
		logger.Error("Failed to attach sync group", zap.Error(err))
		return ExitBootstrap
	}
	defer group.Close()

	factory, err := lookup(boot.Type)
	if err != nil {
		logger.Error("Cannot build backend", zap.Error(err))
		return ExitBootstrap
	}
	backend, err := factory(boot)
	if err != nil {
		logger.Error("Backend factory failed", zap.String("type", boot.Type), zap.Error(err))
		return ExitBootstrap
	}

	ctx := &Context{boot: boot, logger: logger, ch: ch, group: group}
	return run(ctx, backend)
}

// run executes the hooks and the message loop and returns the exit code.
func run(ctx *Context, backend Backend) int {
	logger := ctx.logger

	if err := protect("pre-run", func() error { return backend.PreRun(ctx) }); err != nil {
		logger.Error("Pre-run hook failed", zap.Error(err))
		return ExitPreRun
	}
	logger.Debug("Worker running", zap.String("type", ctx.boot.Type))

	code := ExitOK
	for {
		env, err := ctx.ch.Recv()
		if err != nil {
			if errors.Is(err, channel.ErrMalformedFrame) {
				logger.Error("Dropping malformed message", zap.Error(err))
				continue
			}
			logger.Warn("Frontend gone, leaving loop", zap.Error(err))
			code = ExitTransportBroken
			break
		}
		if env.IsStop() {
			logger.Debug("Stop requested")
			break
		}

		if err := dispatch(ctx, backend, env); err != nil {
			if errors.Is(err, ErrUnroutable) {
				logger.Error("Unroutable message", zap.String("kind", env.Kind()), zap.Error(err))
			} else {
				logger.Error("Handler failed", zap.String("kind", env.Kind()), zap.Error(err))
			}
		}
	}

	if err := protect("post-run", func() error { return backend.PostRun(ctx) }); err != nil {
		logger.Error("Post-run hook failed", zap.Error(err))
		return ExitPostRun
	}
	return code
}

// dispatch runs one handler, turning failures and panics into HandlerError.
func dispatch(ctx *Context, backend Backend, env envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Kind: env.Kind(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := backend.Handle(ctx, env); err != nil {
		if errors.Is(err, ErrUnroutable) {
			return err
		}
		return &HandlerError{Kind: env.Kind(), Err: err}
	}
	return nil
}

func protect(hook string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panic: %v", hook, r)
		}
	}()
	return fn()
}
