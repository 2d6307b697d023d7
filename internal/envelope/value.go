package envelope

import (
	"fmt"
	"slices"
)

// ValueType tags the payload carried by a Value
type ValueType uint8

const (
	TypeNull ValueType = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
	TypeBytes
	TypeFloats
	TypeInts
	TypeStrings
	TypeEnvelope
)

// String returns the string representation of the type
func (t ValueType) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	case TypeFloats:
		return "floats"
	case TypeInts:
		return "ints"
	case TypeStrings:
		return "strings"
	case TypeEnvelope:
		return "envelope"
	default:
		return "unknown"
	}
}

// Value is one immutable payload value. Array and byte values are copied
// in and out so a sent envelope cannot be changed behind the receiver.
type Value struct {
	typ ValueType
	b   bool
	i   int64
	f   float64
	s   string
	raw []byte
	fs  []float64
	is  []int64
	ss  []string
	env *Envelope
}

// Field is a named Value. Field order inside an envelope is preserved.
type Field struct {
	Name  string
	Value Value
}

// Bool builds a boolean field
func Bool(name string, v bool) Field {
	return Field{Name: name, Value: Value{typ: TypeBool, b: v}}
}

// Int builds an integer field
func Int(name string, v int64) Field {
	return Field{Name: name, Value: Value{typ: TypeInt, i: v}}
}

// Float builds a float field
func Float(name string, v float64) Field {
	return Field{Name: name, Value: Value{typ: TypeFloat, f: v}}
}

// String builds a string field
func String(name, v string) Field {
	return Field{Name: name, Value: Value{typ: TypeString, s: v}}
}

// Bytes builds a byte string field
func Bytes(name string, v []byte) Field {
	return Field{Name: name, Value: Value{typ: TypeBytes, raw: slices.Clone(v)}}
}

// Floats builds a small float array field
func Floats(name string, v []float64) Field {
	return Field{Name: name, Value: Value{typ: TypeFloats, fs: slices.Clone(v)}}
}

// Ints builds a small integer array field
func Ints(name string, v []int64) Field {
	return Field{Name: name, Value: Value{typ: TypeInts, is: slices.Clone(v)}}
}

// Strings builds a small string array field
func Strings(name string, v []string) Field {
	return Field{Name: name, Value: Value{typ: TypeStrings, ss: slices.Clone(v)}}
}

// Sub embeds another envelope as a field
func Sub(name string, e Envelope) Field {
	sub := e.clone()
	return Field{Name: name, Value: Value{typ: TypeEnvelope, env: &sub}}
}

// Null builds an explicit empty field
func Null(name string) Field {
	return Field{Name: name, Value: Value{typ: TypeNull}}
}

// Type returns the value tag
func (v Value) Type() ValueType { return v.typ }

// Interface returns the value as a plain Go value (copies for slices).
func (v Value) Interface() any {
	switch v.typ {
	case TypeBool:
		return v.b
	case TypeInt:
		return v.i
	case TypeFloat:
		return v.f
	case TypeString:
		return v.s
	case TypeBytes:
		return slices.Clone(v.raw)
	case TypeFloats:
		return slices.Clone(v.fs)
	case TypeInts:
		return slices.Clone(v.is)
	case TypeStrings:
		return slices.Clone(v.ss)
	case TypeEnvelope:
		return v.env.clone()
	default:
		return nil
	}
}

func (v Value) clone() Value {
	c := v
	c.raw = slices.Clone(v.raw)
	c.fs = slices.Clone(v.fs)
	c.is = slices.Clone(v.is)
	c.ss = slices.Clone(v.ss)
	if v.env != nil {
		sub := v.env.clone()
		c.env = &sub
	}
	return c
}

func (v Value) equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeNull:
		return true
	case TypeBool:
		return v.b == o.b
	case TypeInt:
		return v.i == o.i
	case TypeFloat:
		return v.f == o.f
	case TypeString:
		return v.s == o.s
	case TypeBytes:
		return slices.Equal(v.raw, o.raw)
	case TypeFloats:
		return slices.Equal(v.fs, o.fs)
	case TypeInts:
		return slices.Equal(v.is, o.is)
	case TypeStrings:
		return slices.Equal(v.ss, o.ss)
	case TypeEnvelope:
		return v.env.Equal(*o.env)
	default:
		return false
	}
}

func (v Value) format() string {
	switch v.typ {
	case TypeString:
		return fmt.Sprintf("%q", v.s)
	case TypeBytes:
		return fmt.Sprintf("<%d bytes>", len(v.raw))
	case TypeEnvelope:
		return v.env.String()
	default:
		return fmt.Sprint(v.Interface())
	}
}
