package value

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Base64Key is the object key carrying base64 encoded bytes on the wire.
const Base64Key = "_base64"

// ContentTypeKey tags a mocked buffer with the content type it renders as.
const ContentTypeKey = "contentType"

var errTrailingData = errors.New("unexpected data after top-level value")

// MarshalJSON renders the value. Buffers render as {"_base64": "..."}.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes JSON preserving object key order.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := ParseJSON(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Value) writeJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindInt:
		buf.WriteString(strconv.FormatInt(v.i, 10))
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return fmt.Errorf("unsupported float value %v", v.f)
		}
		buf.WriteString(strconv.FormatFloat(v.f, 'f', -1, 64))
	case KindString:
		data, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(data)
	case KindBuffer:
		buf.WriteString(`{"` + Base64Key + `":"`)
		buf.WriteString(base64.StdEncoding.EncodeToString(v.buf))
		buf.WriteString(`"}`)
	case KindArray:
		buf.WriteByte('[')
		for i, el := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := el.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, k := range v.obj.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := v.obj.m[k].writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

// ParseJSON decodes a single JSON document. Number literals without a
// fraction or exponent become integers; everything else numeric is a float.
func ParseJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Value{}, errTrailingData
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return numberValue(t)
	case json.Delim:
		switch t {
		case '{':
			obj := NewObject()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("invalid object key %v", keyTok)
				}
				el, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				obj.Set(key, el)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return FromObject(obj), nil
		case '[':
			arr := []Value{}
			for dec.More() {
				el, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				arr = append(arr, el)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Array(arr...), nil
		}
	}
	return Value{}, fmt.Errorf("unexpected token %v", tok)
}

func numberValue(n json.Number) (Value, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(i), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Value{}, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return Float(f), nil
}

// FromAny converts plain Go data (as produced by encoding/json or yaml.v3)
// into a Value. Map keys are sorted since Go maps carry no order.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return Float(float64(t)), nil
		}
		return Int(int64(t)), nil
	case float32:
		return fromFloat(float64(t)), nil
	case float64:
		return fromFloat(t), nil
	case json.Number:
		return numberValue(t)
	case []byte:
		return Buffer(t, ""), nil
	case []any:
		arr := make([]Value, 0, len(t))
		for _, el := range t {
			v, err := FromAny(el)
			if err != nil {
				return Value{}, err
			}
			arr = append(arr, v)
		}
		return Array(arr...), nil
	case []string:
		arr := make([]Value, 0, len(t))
		for _, el := range t {
			arr = append(arr, String(el))
		}
		return Array(arr...), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := NewObject()
		for _, k := range keys {
			v, err := FromAny(t[k])
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			obj.Set(k, v)
		}
		return FromObject(obj), nil
	}
	return Value{}, fmt.Errorf("unsupported type %T", x)
}

func fromFloat(f float64) Value {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return Int(int64(f))
	}
	return Float(f)
}

// ToAny converts the value into plain Go data. Buffers become their
// {"_base64": ...} wire form.
func (v Value) ToAny() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBuffer:
		return map[string]any{Base64Key: base64.StdEncoding.EncodeToString(v.buf)}
	case KindArray:
		out := make([]any, len(v.arr))
		for i, el := range v.arr {
			out[i] = el.ToAny()
		}
		return out
	case KindObject:
		out := make(map[string]any, v.obj.Len())
		for _, k := range v.obj.keys {
			out[k] = v.obj.m[k].ToAny()
		}
		return out
	}
	return nil
}

// DecodeBase64Object recognizes the {"_base64": "..."} input form. Only an
// object with exactly that single key qualifies.
func DecodeBase64Object(v Value) ([]byte, bool, error) {
	obj, ok := v.AsObject()
	if !ok || obj.Len() != 1 {
		return nil, false, nil
	}
	raw, ok := obj.Get(Base64Key)
	if !ok {
		return nil, false, nil
	}
	s, ok := raw.AsString()
	if !ok {
		return nil, true, errors.New("_base64 must be a string")
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, true, fmt.Errorf("invalid base64: %w", err)
	}
	return data, true, nil
}

// MockedBuffer recognizes an object tagged to render as binary output:
// {"_base64": "...", "contentType": "..."} with contentType optional.
func MockedBuffer(v Value) (Value, bool) {
	obj, ok := v.AsObject()
	if !ok || obj.Len() == 0 || obj.Len() > 2 {
		return Value{}, false
	}
	raw, ok := obj.Get(Base64Key)
	if !ok {
		return Value{}, false
	}
	s, ok := raw.AsString()
	if !ok {
		return Value{}, false
	}
	contentType := ""
	if obj.Len() == 2 {
		ct, ok := obj.Get(ContentTypeKey)
		if !ok {
			return Value{}, false
		}
		if contentType, ok = ct.AsString(); !ok {
			return Value{}, false
		}
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Value{}, false
	}
	return Buffer(data, contentType), true
}
