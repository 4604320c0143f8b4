// Package value provides the tagged-union value type used for function
// parameters and return values.
package value

import (
	"bytes"
	"fmt"
	"math"
)

// Kind discriminates the shape held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindObject
	KindArray
	KindBuffer
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	case KindBuffer:
		return "buffer"
	}
	return "unknown"
}

// Value is an immutable-by-convention tagged union. The zero Value is null.
type Value struct {
	kind        Kind
	b           bool
	i           int64
	f           float64
	s           string
	obj         *Object
	arr         []Value
	buf         []byte
	contentType string
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a floating point value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array returns an array value holding vals.
func Array(vals ...Value) Value {
	if vals == nil {
		vals = []Value{}
	}
	return Value{kind: KindArray, arr: vals}
}

// Buffer returns a binary value tagged with a content type.
func Buffer(data []byte, contentType string) Value {
	if data == nil {
		data = []byte{}
	}
	return Value{kind: KindBuffer, buf: data, contentType: contentType}
}

// FromObject wraps an Object. A nil object becomes an empty one.
func FromObject(o *Object) Value {
	if o == nil {
		o = NewObject()
	}
	return Value{kind: KindObject, obj: o}
}

// Kind reports the value's discriminator.
func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool   { return v.kind == KindNull }
func (v Value) IsNumber() bool { return v.kind == KindInt || v.kind == KindFloat }

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsInt returns the integer payload. Integral floats are converted.
func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		if v.f == math.Trunc(v.f) && !math.IsInf(v.f, 0) && math.Abs(v.f) < 1<<63 {
			return int64(v.f), true
		}
	}
	return 0, false
}

// AsFloat returns the numeric payload as a float64.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	}
	return 0, false
}

// AsString returns the string payload.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsObject returns the object payload.
func (v Value) AsObject() (*Object, bool) { return v.obj, v.kind == KindObject }

// AsArray returns the array payload.
func (v Value) AsArray() ([]Value, bool) { return v.arr, v.kind == KindArray }

// AsBuffer returns the binary payload and its content type.
func (v Value) AsBuffer() ([]byte, string, bool) {
	return v.buf, v.contentType, v.kind == KindBuffer
}

// TypeName is the wire-level type name used in mismatch reports.
// Integers and floats are both reported as "number".
func (v Value) TypeName() string {
	switch v.kind {
	case KindInt, KindFloat:
		return "number"
	}
	return v.kind.String()
}

// Truthy follows the loose boolean rules used for mode flags.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i != 0
	case KindFloat:
		return v.f != 0
	case KindString:
		return v.s != ""
	case KindObject:
		return v.obj.Len() > 0
	case KindArray:
		return len(v.arr) > 0
	case KindBuffer:
		return len(v.buf) > 0
	}
	return false
}

// Equal reports deep equality. Numbers compare by numeric value, so Int(47)
// equals Float(47).
func Equal(a, b Value) bool {
	if a.IsNumber() && b.IsNumber() {
		af, _ := a.AsFloat()
		bf, _ := b.AsFloat()
		return af == bf
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindString:
		return a.s == b.s
	case KindBuffer:
		return bytes.Equal(a.buf, b.buf)
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if a.obj.Len() != b.obj.Len() {
			return false
		}
		for _, k := range a.obj.Keys() {
			bv, ok := b.obj.Get(k)
			if !ok {
				return false
			}
			av, _ := a.obj.Get(k)
			if !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// GoString renders the value as compact JSON for debugging.
func (v Value) GoString() string {
	data, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<%s>", v.kind)
	}
	return string(data)
}

// Object is an insertion-ordered string-keyed map of values.
type Object struct {
	keys []string
	m    map[string]Value
}

// NewObject returns an empty object.
func NewObject() *Object {
	return &Object{m: make(map[string]Value)}
}

// Set stores v under key, keeping the original position of existing keys.
func (o *Object) Set(key string, v Value) {
	if _, ok := o.m[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.m[key] = v
}

// Get returns the value stored under key.
func (o *Object) Get(key string) (Value, bool) {
	if o == nil {
		return Value{}, false
	}
	v, ok := o.m[key]
	return v, ok
}

// Has reports whether key is present.
func (o *Object) Has(key string) bool {
	_, ok := o.Get(key)
	return ok
}

// Delete removes key.
func (o *Object) Delete(key string) {
	if _, ok := o.m[key]; !ok {
		return
	}
	delete(o.m, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i:i], o.keys[i+1:]...)
			break
		}
	}
}

// Keys returns keys in insertion order.
func (o *Object) Keys() []string {
	if o == nil {
		return nil
	}
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// Len returns the number of keys.
func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}

// Clone returns a shallow copy.
func (o *Object) Clone() *Object {
	c := NewObject()
	for _, k := range o.Keys() {
		c.Set(k, o.m[k])
	}
	return c
}

// ObjectOf builds an object value from alternating key/value pairs.
func ObjectOf(pairs ...Pair) Value {
	o := NewObject()
	for _, p := range pairs {
		o.Set(p.Key, p.Value)
	}
	return FromObject(o)
}

// Pair is a key/value entry for ObjectOf.
type Pair struct {
	Key   string
	Value Value
}

// P is shorthand for Pair.
func P(key string, v Value) Pair { return Pair{Key: key, Value: v} }
