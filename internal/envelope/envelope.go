package envelope

import (
	"errors"
	"fmt"
	"strings"

	"github.com/GriffinCanCode/AgentOS/multiproc/internal/shared/id"
	"go.uber.org/zap/zapcore"
)

var (
	ErrEmptyKind      = errors.New("envelope kind is empty")
	ErrFieldMissing   = errors.New("envelope field missing")
	ErrFieldType      = errors.New("envelope field has wrong type")
	ErrDuplicateField = errors.New("envelope field given twice")
)

// KindStop is the reserved kind a frontend sends to end a worker's loop.
const KindStop = "__stop__"

// Envelope is the tagged unit of work exchanged between frontend and backend.
// Envelopes are values: the constructor copies every field and no method
// mutates the receiver.
type Envelope struct {
	id      id.EnvelopeID
	kind    string
	fields  []Field
	sync    int
	hasSync bool
}

// New builds an envelope of the given kind.
func New(kind string, fields ...Field) (Envelope, error) {
	if kind == "" {
		return Envelope{}, ErrEmptyKind
	}

	copied := make([]Field, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, dup := seen[f.Name]; dup {
			return Envelope{}, fmt.Errorf("%w: %s", ErrDuplicateField, f.Name)
		}
		seen[f.Name] = struct{}{}
		copied = append(copied, Field{Name: f.Name, Value: f.Value.clone()})
	}

	return Envelope{
		id:     id.NewEnvelopeID(),
		kind:   kind,
		fields: copied,
	}, nil
}

// MustNew is New for kinds and fields known to be valid at compile time.
func MustNew(kind string, fields ...Field) Envelope {
	e, err := New(kind, fields...)
	if err != nil {
		panic(err)
	}
	return e
}

// Stop returns a stop request envelope
func Stop() Envelope {
	return MustNew(KindStop)
}

// ID returns the envelope ID
func (e Envelope) ID() id.EnvelopeID { return e.id }

// Kind returns the operation tag
func (e Envelope) Kind() string { return e.kind }

// IsStop reports whether e is a stop request
func (e Envelope) IsStop() bool { return e.kind == KindStop }

// SyncIndex returns the synchronization slot this envelope refers to
func (e Envelope) SyncIndex() (int, bool) { return e.sync, e.hasSync }

// WithSyncIndex returns a copy of e carrying the given sync slot.
func (e Envelope) WithSyncIndex(index int) Envelope {
	c := e.clone()
	c.sync = index
	c.hasSync = true
	return c
}

// Fields returns a copy of the payload in insertion order
func (e Envelope) Fields() []Field {
	out := make([]Field, len(e.fields))
	for i, f := range e.fields {
		out[i] = Field{Name: f.Name, Value: f.Value.clone()}
	}
	return out
}

// Len returns the number of payload fields
func (e Envelope) Len() int { return len(e.fields) }

// Has reports whether the named field is present
func (e Envelope) Has(name string) bool {
	_, ok := e.lookup(name)
	return ok
}

// Get returns the named value or ErrFieldMissing.
func (e Envelope) Get(name string) (Value, error) {
	v, ok := e.lookup(name)
	if !ok {
		return Value{}, fmt.Errorf("%w: %s.%s", ErrFieldMissing, e.kind, name)
	}
	return v.clone(), nil
}

func (e Envelope) lookup(name string) (Value, bool) {
	for _, f := range e.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

func (e Envelope) typed(name string, want ValueType) (Value, error) {
	v, ok := e.lookup(name)
	if !ok {
		return Value{}, fmt.Errorf("%w: %s.%s", ErrFieldMissing, e.kind, name)
	}
	if v.typ != want {
		return Value{}, fmt.Errorf("%w: %s.%s is %s, not %s", ErrFieldType, e.kind, name, v.typ, want)
	}
	return v, nil
}

// GetString returns the named string field
func (e Envelope) GetString(name string) (string, error) {
	v, err := e.typed(name, TypeString)
	return v.s, err
}

// GetBool returns the named boolean field
func (e Envelope) GetBool(name string) (bool, error) {
	v, err := e.typed(name, TypeBool)
	return v.b, err
}

// GetInt returns the named integer field
func (e Envelope) GetInt(name string) (int64, error) {
	v, err := e.typed(name, TypeInt)
	return v.i, err
}

// GetFloat returns the named float field. Integer fields are widened.
func (e Envelope) GetFloat(name string) (float64, error) {
	v, ok := e.lookup(name)
	if ok && v.typ == TypeInt {
		return float64(v.i), nil
	}
	v, err := e.typed(name, TypeFloat)
	return v.f, err
}

// GetBytes returns a copy of the named byte field
func (e Envelope) GetBytes(name string) ([]byte, error) {
	v, err := e.typed(name, TypeBytes)
	if err != nil {
		return nil, err
	}
	return v.clone().raw, nil
}

// GetFloats returns a copy of the named float array field
func (e Envelope) GetFloats(name string) ([]float64, error) {
	v, err := e.typed(name, TypeFloats)
	if err != nil {
		return nil, err
	}
	return v.clone().fs, nil
}

// GetInts returns a copy of the named integer array field
func (e Envelope) GetInts(name string) ([]int64, error) {
	v, err := e.typed(name, TypeInts)
	if err != nil {
		return nil, err
	}
	return v.clone().is, nil
}

// GetStrings returns a copy of the named string array field
func (e Envelope) GetStrings(name string) ([]string, error) {
	v, err := e.typed(name, TypeStrings)
	if err != nil {
		return nil, err
	}
	return v.clone().ss, nil
}

// GetEnvelope returns the named embedded envelope
func (e Envelope) GetEnvelope(name string) (Envelope, error) {
	v, err := e.typed(name, TypeEnvelope)
	if err != nil {
		return Envelope{}, err
	}
	return v.env.clone(), nil
}

// Equal compares kind, sync slot and payload. IDs are ignored.
func (e Envelope) Equal(o Envelope) bool {
	if e.kind != o.kind || e.hasSync != o.hasSync || e.sync != o.sync || len(e.fields) != len(o.fields) {
		return false
	}
	for i := range e.fields {
		if e.fields[i].Name != o.fields[i].Name || !e.fields[i].Value.equal(o.fields[i].Value) {
			return false
		}
	}
	return true
}

// String renders the envelope for logs, e.g. ping{parameter="gotcha!"}#3
func (e Envelope) String() string {
	var sb strings.Builder
	sb.WriteString(e.kind)
	sb.WriteByte('{')
	for i, f := range e.fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(f.Name)
		sb.WriteByte('=')
		sb.WriteString(f.Value.format())
	}
	sb.WriteByte('}')
	if e.hasSync {
		fmt.Fprintf(&sb, "#%d", e.sync)
	}
	return sb.String()
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (e Envelope) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("kind", e.kind)
	enc.AddString("id", e.id.String())
	if e.hasSync {
		enc.AddInt("sync_index", e.sync)
	}
	enc.AddInt("fields", len(e.fields))
	return nil
}

func (e Envelope) clone() Envelope {
	c := e
	c.fields = make([]Field, len(e.fields))
	for i, f := range e.fields {
		c.fields[i] = Field{Name: f.Name, Value: f.Value.clone()}
	}
	return c
}
