package process

import (
	"errors"
	"fmt"
)

var (
	// ErrUnroutable marks an envelope or readiness event nobody handles.
	ErrUnroutable   = errors.New("unroutable message")
	ErrAbnormalExit = errors.New("worker exited abnormally")
	ErrInvalidState = errors.New("invalid worker state")
	ErrUnknownType  = errors.New("unknown worker type")
	ErrBootstrap    = errors.New("worker bootstrap failed")
	ErrStopTimeout  = errors.New("worker did not stop in time")
)

// Unroutable wraps ErrUnroutable with the offending kind.
func Unroutable(kind string) error {
	return fmt.Errorf("%w: kind %q", ErrUnroutable, kind)
}

// HandlerError is a failure inside one message handler. The worker logs it
// and keeps running.
type HandlerError struct {
	Kind string
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s: %v", e.Kind, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Hook names a lifecycle hook
type Hook string

const (
	HookPreRun  Hook = "pre-run"
	HookPostRun Hook = "post-run"
)

// LifecycleHookError reports a worker whose pre-run or post-run hook failed,
// as seen by the frontend through the exit status.
type LifecycleHookError struct {
	Process  string
	Hook     Hook
	ExitCode int
}

func (e *LifecycleHookError) Error() string {
	return fmt.Sprintf("worker %s: %s hook failed (exit status %d)", e.Process, e.Hook, e.ExitCode)
}

// Unwrap lets errors.Is(err, ErrAbnormalExit) match hook failures too.
func (e *LifecycleHookError) Unwrap() error { return ErrAbnormalExit }
