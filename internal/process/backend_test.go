package process

import (
	"errors"
	"testing"

	"github.com/GriffinCanCode/AgentOS/multiproc/internal/envelope"
	"github.com/GriffinCanCode/AgentOS/multiproc/internal/infrastructure/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrapRoundTrip(t *testing.T) {
	boot := Bootstrap{
		Name:           "worker-0",
		Type:           "grid",
		SyncCapacity:   4,
		IgnoreSIGINT:   true,
		LogLevel:       "debug",
		LogDevelopment: true,
		Params:         map[string]string{"grid": "mp-worker-0-grid", "shape": "100x100"},
	}

	env, err := boot.envelope()
	require.NoError(t, err)
	data, err := envelope.Marshal(env)
	require.NoError(t, err)
	decoded, err := envelope.Unmarshal(data)
	require.NoError(t, err)

	got, err := parseBootstrap(decoded)
	require.NoError(t, err)
	assert.Equal(t, boot, got)
}

func TestBootstrapRejectsOtherKinds(t *testing.T) {
	_, err := parseBootstrap(envelope.MustNew("ping"))
	assert.ErrorIs(t, err, ErrBootstrap)

	_, err = parseBootstrap(envelope.MustNew(kindBootstrap, envelope.String("name", "w")))
	assert.ErrorIs(t, err, ErrBootstrap)
	assert.ErrorIs(t, err, envelope.ErrFieldMissing)
}

func TestRoutesDispatch(t *testing.T) {
	var seen []string
	routes := Routes{
		"a": func(_ *Context, env envelope.Envelope) error {
			seen = append(seen, env.Kind())
			return nil
		},
	}

	require.NoError(t, routes.Dispatch(nil, envelope.MustNew("a")))
	err := routes.Dispatch(nil, envelope.MustNew("b"))
	assert.ErrorIs(t, err, ErrUnroutable)
	assert.Contains(t, err.Error(), `"b"`)
	assert.Equal(t, []string{"a"}, seen)
}

type funcBackend struct {
	BaseBackend
	fn HandlerFunc
}

func (b funcBackend) Handle(ctx *Context, env envelope.Envelope) error { return b.fn(ctx, env) }

func TestDispatchWrapsFailures(t *testing.T) {
	ctx := &Context{logger: logging.NewNop()}

	err := dispatch(ctx, funcBackend{fn: func(*Context, envelope.Envelope) error {
		return errors.New("bad input")
	}}, envelope.MustNew("work"))
	var handlerErr *HandlerError
	require.ErrorAs(t, err, &handlerErr)
	assert.Equal(t, "work", handlerErr.Kind)

	err = dispatch(ctx, funcBackend{fn: func(*Context, envelope.Envelope) error {
		panic("oops")
	}}, envelope.MustNew("work"))
	require.ErrorAs(t, err, &handlerErr)
	assert.Contains(t, handlerErr.Error(), "oops")

	err = dispatch(ctx, BaseBackend{}, envelope.MustNew("nobody"))
	assert.ErrorIs(t, err, ErrUnroutable)
	assert.False(t, errors.As(err, &handlerErr))
}

func TestRegistry(t *testing.T) {
	assert.True(t, Registered("test-echo"))
	assert.Contains(t, Types(), "test-grid")
	assert.Panics(t, func() {
		Register("test-echo", func(Bootstrap) (Backend, error) { return BaseBackend{}, nil })
	})

	_, err := lookup("missing")
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "STOP_REQUESTED", StateStopRequested.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
