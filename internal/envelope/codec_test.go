package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecPreservesTypesAndOrder(t *testing.T) {
	env := MustNew("doWork",
		Int("big", 1<<53+1),
		Float("half", 0.5),
		String("s", "x"),
		Null("nothing"),
		Sub("inner", MustNew("ready", Ints("cells", []int64{1, 2}))),
	).WithSyncIndex(0)

	data, err := Marshal(env)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)

	assert.True(t, env.Equal(decoded), "decoded %s, want %s", decoded, env)
	assert.Equal(t, env.ID(), decoded.ID())

	// integers stay integers, even beyond float64 precision
	big, err := decoded.GetInt("big")
	require.NoError(t, err)
	assert.Equal(t, int64(1<<53+1), big)

	names := make([]string, 0, decoded.Len())
	for _, f := range decoded.Fields() {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"big", "half", "s", "nothing", "inner"}, names)

	// sync index zero survives the trip
	i, ok := decoded.SyncIndex()
	assert.True(t, ok)
	assert.Equal(t, 0, i)
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"empty kind", `{"k":""}`},
		{"unknown type", `{"k":"x","f":[{"n":"a","t":200}]}`},
		{"duplicate field", `{"k":"x","f":[{"n":"a","t":1},{"n":"a","t":1}]}`},
		{"envelope without body", `{"k":"x","f":[{"n":"a","t":9}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal([]byte(tt.data))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestMarshalZeroEnvelope(t *testing.T) {
	_, err := Marshal(Envelope{})
	assert.ErrorIs(t, err, ErrEmptyKind)
}
