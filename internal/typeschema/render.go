package typeschema

import (
	"encoding/base64"

	"github.com/watzon/fngate/internal/value"
)

// Render converts a validated value back to its wire form: enum literals
// become member names and buffers become {"_base64": ...} objects.
// Validating the result against the same schema yields an equal value.
func Render(s *Schema, v value.Value) value.Value {
	if v.IsNull() {
		return v
	}
	if s == nil {
		return renderGeneric(v)
	}
	switch s.Kind {
	case KindEnum:
		for _, m := range s.Members {
			if value.Equal(m.Value, v) {
				return value.String(m.Name)
			}
		}
	case KindObject:
		obj, ok := v.AsObject()
		if !ok || s.Fields == nil {
			break
		}
		out := value.NewObject()
		for _, k := range obj.Keys() {
			el, _ := obj.Get(k)
			if f, declared := s.Field(k); declared {
				out.Set(k, Render(f.Schema, el))
			} else {
				out.Set(k, renderGeneric(el))
			}
		}
		return value.FromObject(out)
	case KindArray:
		arr, ok := v.AsArray()
		if !ok {
			break
		}
		out := make([]value.Value, len(arr))
		for i, el := range arr {
			out[i] = Render(s.Element, el)
		}
		return value.Array(out...)
	case KindUnion:
		for _, alt := range s.Alternatives {
			if alt.Kind == KindEnum {
				for _, m := range alt.Members {
					if value.Equal(m.Value, v) {
						return value.String(m.Name)
					}
				}
				continue
			}
			if _, err := (validator{}).validate(alt, v, ""); err == nil {
				return Render(alt, v)
			}
		}
	}
	return renderGeneric(v)
}

func renderGeneric(v value.Value) value.Value {
	switch v.Kind() {
	case value.KindBuffer:
		data, _, _ := v.AsBuffer()
		return value.ObjectOf(value.P(value.Base64Key, value.String(base64.StdEncoding.EncodeToString(data))))
	case value.KindArray:
		arr, _ := v.AsArray()
		out := make([]value.Value, len(arr))
		for i, el := range arr {
			out[i] = renderGeneric(el)
		}
		return value.Array(out...)
	case value.KindObject:
		obj, _ := v.AsObject()
		out := value.NewObject()
		for _, k := range obj.Keys() {
			el, _ := obj.Get(k)
			out.Set(k, renderGeneric(el))
		}
		return value.FromObject(out)
	}
	return v
}
