package process

import (
	"fmt"
	"sort"

	"github.com/GriffinCanCode/AgentOS/multiproc/internal/envelope"
)

const kindBootstrap = "__bootstrap__"

// Bootstrap is the first message on every channel. It carries everything a
// forked child would have inherited from its parent's memory.
type Bootstrap struct {
	Name           string
	Type           string
	SyncCapacity   int
	IgnoreSIGINT   bool
	LogLevel       string
	LogDevelopment bool
	Params         map[string]string
}

// Param returns one parameter
func (b Bootstrap) Param(key string) (string, bool) {
	v, ok := b.Params[key]
	return v, ok
}

func (b Bootstrap) envelope() (envelope.Envelope, error) {
	keys := make([]string, 0, len(b.Params))
	for k := range b.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	params := make([]envelope.Field, 0, len(keys))
	for _, k := range keys {
		params = append(params, envelope.String(k, b.Params[k]))
	}
	sub, err := envelope.New("params", params...)
	if err != nil {
		return envelope.Envelope{}, err
	}

	return envelope.New(kindBootstrap,
		envelope.String("name", b.Name),
		envelope.String("type", b.Type),
		envelope.Int("sync_capacity", int64(b.SyncCapacity)),
		envelope.Bool("ignore_sigint", b.IgnoreSIGINT),
		envelope.String("log_level", b.LogLevel),
		envelope.Bool("log_development", b.LogDevelopment),
		envelope.Sub("params", sub),
	)
}

func parseBootstrap(env envelope.Envelope) (Bootstrap, error) {
	if env.Kind() != kindBootstrap {
		return Bootstrap{}, fmt.Errorf("%w: first message is %q", ErrBootstrap, env.Kind())
	}

	var (
		b   Bootstrap
		err error
	)
	if b.Name, err = env.GetString("name"); err != nil {
		return Bootstrap{}, fmt.Errorf("%w: %w", ErrBootstrap, err)
	}
	if b.Type, err = env.GetString("type"); err != nil {
		return Bootstrap{}, fmt.Errorf("%w: %w", ErrBootstrap, err)
	}
	capacity, err := env.GetInt("sync_capacity")
	if err != nil {
		return Bootstrap{}, fmt.Errorf("%w: %w", ErrBootstrap, err)
	}
	b.SyncCapacity = int(capacity)
	if b.IgnoreSIGINT, err = env.GetBool("ignore_sigint"); err != nil {
		return Bootstrap{}, fmt.Errorf("%w: %w", ErrBootstrap, err)
	}
	if b.LogLevel, err = env.GetString("log_level"); err != nil {
		return Bootstrap{}, fmt.Errorf("%w: %w", ErrBootstrap, err)
	}
	if b.LogDevelopment, err = env.GetBool("log_development"); err != nil {
		return Bootstrap{}, fmt.Errorf("%w: %w", ErrBootstrap, err)
	}

	params, err := env.GetEnvelope("params")
	if err != nil {
		return Bootstrap{}, fmt.Errorf("%w: %w", ErrBootstrap, err)
	}
	b.Params = make(map[string]string, params.Len())
	for _, f := range params.Fields() {
		v, err := params.GetString(f.Name)
		if err != nil {
			return Bootstrap{}, fmt.Errorf("%w: param %s: %w", ErrBootstrap, f.Name, err)
		}
		b.Params[f.Name] = v
	}
	return b, nil
}
