package envelope

import (
	"errors"
	"fmt"

	"github.com/GriffinCanCode/AgentOS/multiproc/internal/shared/id"
	"github.com/bytedance/sonic"
)

// ErrMalformed is returned when bytes do not decode into a valid envelope.
var ErrMalformed = errors.New("malformed envelope")

// maxDepth bounds envelope nesting on decode
const maxDepth = 16

type wireEnvelope struct {
	ID     string      `json:"id,omitempty"`
	Kind   string      `json:"k"`
	Sync   *int        `json:"s,omitempty"`
	Fields []wireField `json:"f,omitempty"`
}

type wireField struct {
	Name    string        `json:"n"`
	Type    ValueType     `json:"t"`
	Bool    bool          `json:"b,omitempty"`
	Int     int64         `json:"i,omitempty"`
	Float   float64       `json:"d,omitempty"`
	Str     string        `json:"s,omitempty"`
	Raw     []byte        `json:"y,omitempty"`
	Floats  []float64     `json:"fa,omitempty"`
	Ints    []int64       `json:"ia,omitempty"`
	Strings []string      `json:"sa,omitempty"`
	Env     *wireEnvelope `json:"e,omitempty"`
}

// Marshal encodes an envelope for the wire.
func Marshal(e Envelope) ([]byte, error) {
	if e.kind == "" {
		return nil, ErrEmptyKind
	}
	return sonic.Marshal(toWire(e))
}

// Unmarshal decodes bytes produced by Marshal.
func Unmarshal(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := sonic.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return fromWire(&w, 0)
}

func toWire(e Envelope) *wireEnvelope {
	w := &wireEnvelope{
		ID:     e.id.String(),
		Kind:   e.kind,
		Fields: make([]wireField, 0, len(e.fields)),
	}
	if e.hasSync {
		s := e.sync
		w.Sync = &s
	}
	for _, f := range e.fields {
		v := f.Value
		wf := wireField{Name: f.Name, Type: v.typ}
		switch v.typ {
		case TypeBool:
			wf.Bool = v.b
		case TypeInt:
			wf.Int = v.i
		case TypeFloat:
			wf.Float = v.f
		case TypeString:
			wf.Str = v.s
		case TypeBytes:
			wf.Raw = v.raw
		case TypeFloats:
			wf.Floats = v.fs
		case TypeInts:
			wf.Ints = v.is
		case TypeStrings:
			wf.Strings = v.ss
		case TypeEnvelope:
			wf.Env = toWire(*v.env)
		}
		w.Fields = append(w.Fields, wf)
	}
	return w
}

func fromWire(w *wireEnvelope, depth int) (Envelope, error) {
	if depth > maxDepth {
		return Envelope{}, fmt.Errorf("%w: nesting deeper than %d", ErrMalformed, maxDepth)
	}
	if w.Kind == "" {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, ErrEmptyKind)
	}

	e := Envelope{
		id:     id.EnvelopeID(w.ID),
		kind:   w.Kind,
		fields: make([]Field, 0, len(w.Fields)),
	}
	if w.Sync != nil {
		e.sync = *w.Sync
		e.hasSync = true
	}

	seen := make(map[string]struct{}, len(w.Fields))
	for _, wf := range w.Fields {
		if _, dup := seen[wf.Name]; dup {
			return Envelope{}, fmt.Errorf("%w: %v: %s", ErrMalformed, ErrDuplicateField, wf.Name)
		}
		seen[wf.Name] = struct{}{}

		v := Value{typ: wf.Type}
		switch wf.Type {
		case TypeNull:
		case TypeBool:
			v.b = wf.Bool
		case TypeInt:
			v.i = wf.Int
		case TypeFloat:
			v.f = wf.Float
		case TypeString:
			v.s = wf.Str
		case TypeBytes:
			v.raw = wf.Raw
		case TypeFloats:
			v.fs = wf.Floats
		case TypeInts:
			v.is = wf.Ints
		case TypeStrings:
			v.ss = wf.Strings
		case TypeEnvelope:
			if wf.Env == nil {
				return Envelope{}, fmt.Errorf("%w: field %s has no envelope", ErrMalformed, wf.Name)
			}
			sub, err := fromWire(wf.Env, depth+1)
			if err != nil {
				return Envelope{}, err
			}
			v.env = &sub
		default:
			return Envelope{}, fmt.Errorf("%w: field %s has unknown type %d", ErrMalformed, wf.Name, wf.Type)
		}
		e.fields = append(e.fields, Field{Name: wf.Name, Value: v})
	}
	return e, nil
}
