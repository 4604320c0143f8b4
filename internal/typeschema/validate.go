package typeschema

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/watzon/fngate/internal/value"
)

// Actual describes the offending value in a mismatch report.
type Actual struct {
	Type  string      `json:"type"`
	Value value.Value `json:"value"`
}

// MismatchError reports the first schema violation found in a value.
type MismatchError struct {
	// Path is the full location of the violation, e.g. "user.posts[0]".
	Path string
	// Mismatch is set only when the violation sits below the validated root.
	Mismatch string
	Message  string
	Expected Expected
	Actual   Actual
}

func (e *MismatchError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// Details renders the mismatch for an error envelope.
func (e *MismatchError) Details() map[string]any {
	d := map[string]any{
		"message":  e.Message,
		"invalid":  true,
		"expected": e.Expected,
		"actual":   e.Actual,
	}
	if e.Mismatch != "" {
		d["mismatch"] = e.Mismatch
	}
	return d
}

type validator struct {
	stringTyped bool
	output      bool
}

// Validate checks v against s and returns the coerced value. stringTyped
// marks values that came from a query string or url-encoded body, where
// every leaf arrives as a string and coercion is attempted first.
func Validate(s *Schema, v value.Value, path string, stringTyped bool) (value.Value, *MismatchError) {
	return validator{stringTyped: stringTyped}.run(s, v, path)
}

// ValidateReturn checks a function's return value. Output mode accepts
// mocked buffers and enum member literals.
func ValidateReturn(s *Schema, v value.Value) (value.Value, *MismatchError) {
	return validator{output: true}.run(s, v, "")
}

func (vd validator) run(s *Schema, v value.Value, path string) (value.Value, *MismatchError) {
	out, err := vd.validate(s, v, path)
	if err != nil && err.Path != path {
		err.Mismatch = err.Path
	}
	return out, err
}

func (vd validator) validate(s *Schema, v value.Value, path string) (value.Value, *MismatchError) {
	if s == nil || s.Kind == KindAny {
		if vd.output {
			return mockedBuffers(v), nil
		}
		return v, nil
	}
	if v.IsNull() {
		if s.Nullable || s.acceptsNull() {
			return v, nil
		}
		return value.Value{}, mismatch(s, v, path, "must not be null")
	}

	switch s.Kind {
	case KindString:
		return vd.validateString(s, v, path)
	case KindInteger:
		return vd.validateInteger(s, v, path)
	case KindNumber:
		return vd.validateNumber(s, v, path)
	case KindBoolean:
		return vd.validateBoolean(s, v, path)
	case KindObject:
		return vd.validateObject(s, v, path)
	case KindArray:
		return vd.validateArray(s, v, path)
	case KindBuffer:
		return vd.validateBuffer(s, v, path)
	case KindEnum:
		return vd.validateEnum(s, v, path)
	case KindUnion:
		return vd.validateUnion(s, v, path)
	}
	return value.Value{}, mismatch(s, v, path, fmt.Sprintf("unknown schema type %q", s.Kind))
}

func (s *Schema) acceptsNull() bool {
	if s.Kind != KindUnion {
		return false
	}
	for _, alt := range s.Alternatives {
		if alt.Nullable || alt.Kind == KindAny || alt.acceptsNull() {
			return true
		}
	}
	return false
}

func mismatch(s *Schema, v value.Value, path, message string) *MismatchError {
	return &MismatchError{
		Path:     path,
		Message:  message,
		Expected: s.Summary(),
		Actual:   Actual{Type: v.TypeName(), Value: v},
	}
}

// Missing reports a required value that was not supplied.
func Missing(s *Schema, path string) *MismatchError {
	return &MismatchError{
		Path:     path,
		Message:  "is required",
		Expected: s.Summary(),
		Actual:   Actual{Type: "undefined", Value: value.Null()},
	}
}

func typeMismatch(s *Schema, v value.Value, path string) *MismatchError {
	name := s.TypeName()
	article := "a"
	if strings.IndexAny(name, "aeiou") == 0 {
		article = "an"
	}
	return mismatch(s, v, path, fmt.Sprintf("must be %s %s, got %s", article, name, v.TypeName()))
}

func (vd validator) validateString(s *Schema, v value.Value, path string) (value.Value, *MismatchError) {
	str, ok := v.AsString()
	if !ok {
		return value.Value{}, typeMismatch(s, v, path)
	}
	if err := checkRange(s, v, path, float64(utf8.RuneCountInString(str))); err != nil {
		return value.Value{}, err
	}
	if len(s.Values) > 0 {
		for _, allowed := range s.Values {
			if allowed == str {
				return v, nil
			}
		}
		quoted := make([]string, len(s.Values))
		for i, allowed := range s.Values {
			quoted[i] = strconv.Quote(allowed)
		}
		return value.Value{}, mismatch(s, v, path, "must be one of: "+strings.Join(quoted, ", "))
	}
	return v, nil
}

func (vd validator) validateInteger(s *Schema, v value.Value, path string) (value.Value, *MismatchError) {
	if vd.stringTyped {
		if str, ok := v.AsString(); ok {
			if strings.ContainsAny(str, ".eE") {
				if n, ok := parseNumber(str); ok {
					v = n
				}
				return value.Value{}, typeMismatch(s, v, path)
			}
			i, err := strconv.ParseInt(str, 10, 64)
			if err != nil {
				return value.Value{}, typeMismatch(s, v, path)
			}
			v = value.Int(i)
		}
	}
	if !v.IsNumber() {
		return value.Value{}, typeMismatch(s, v, path)
	}
	i, ok := v.AsInt()
	if !ok {
		return value.Value{}, typeMismatch(s, v, path)
	}
	if err := checkRange(s, v, path, float64(i)); err != nil {
		return value.Value{}, err
	}
	return value.Int(i), nil
}

func (vd validator) validateNumber(s *Schema, v value.Value, path string) (value.Value, *MismatchError) {
	if vd.stringTyped {
		if str, ok := v.AsString(); ok {
			n, ok := parseNumber(str)
			if !ok {
				return value.Value{}, typeMismatch(s, v, path)
			}
			v = n
		}
	}
	f, ok := v.AsFloat()
	if !ok {
		return value.Value{}, typeMismatch(s, v, path)
	}
	if err := checkRange(s, v, path, f); err != nil {
		return value.Value{}, err
	}
	return v, nil
}

func parseNumber(s string) (value.Value, bool) {
	if s == "" || strings.TrimSpace(s) != s {
		return value.Value{}, false
	}
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return value.Int(i), true
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return value.Value{}, false
	}
	return value.Float(f), true
}

func (vd validator) validateBoolean(s *Schema, v value.Value, path string) (value.Value, *MismatchError) {
	if _, ok := v.AsBool(); ok {
		return v, nil
	}
	if vd.stringTyped {
		if str, ok := v.AsString(); ok {
			switch strings.ToLower(str) {
			case "true", "t", "1":
				return value.Bool(true), nil
			case "false", "f", "0":
				return value.Bool(false), nil
			}
		}
	}
	return value.Value{}, typeMismatch(s, v, path)
}

// jsonLeaf parses a string-typed leaf targeting a structured kind. The
// parsed tree is validated as typed input.
func (vd validator) jsonLeaf(v value.Value) (value.Value, validator, bool) {
	if !vd.stringTyped {
		return v, vd, false
	}
	str, ok := v.AsString()
	if !ok {
		return v, vd, false
	}
	parsed, err := value.ParseJSON([]byte(str))
	if err != nil {
		return v, vd, false
	}
	return parsed, validator{output: vd.output}, true
}

func (vd validator) validateObject(s *Schema, v value.Value, path string) (value.Value, *MismatchError) {
	if _, ok := v.AsObject(); !ok {
		if parsed, typed, ok := vd.jsonLeaf(v); ok {
			if _, isObj := parsed.AsObject(); isObj {
				return typed.validateObject(s, parsed, path)
			}
		}
		return value.Value{}, typeMismatch(s, v, path)
	}
	obj, _ := v.AsObject()

	if s.Fields == nil {
		if vd.output {
			return mockedBuffers(v), nil
		}
		return v, nil
	}

	out := value.NewObject()
	for _, f := range s.Fields {
		childPath := fieldPath(path, f.Name)
		fv, present := obj.Get(f.Name)
		if !present {
			if f.Default != nil {
				out.Set(f.Name, *f.Default)
				continue
			}
			if !f.Required {
				continue
			}
			return value.Value{}, Missing(f.Schema, childPath)
		}
		coerced, err := vd.validate(f.Schema, fv, childPath)
		if err != nil {
			return value.Value{}, err
		}
		out.Set(f.Name, coerced)
	}

	for _, k := range obj.Keys() {
		if _, declared := s.Field(k); declared {
			continue
		}
		fv, _ := obj.Get(k)
		return value.Value{}, &MismatchError{
			Path:     fieldPath(path, k),
			Message:  fmt.Sprintf("%q is not an allowed field", k),
			Expected: s.Summary(),
			Actual:   Actual{Type: fv.TypeName(), Value: fv},
		}
	}
	return value.FromObject(out), nil
}

func (vd validator) validateArray(s *Schema, v value.Value, path string) (value.Value, *MismatchError) {
	arr, ok := v.AsArray()
	if !ok {
		if parsed, typed, ok := vd.jsonLeaf(v); ok {
			if _, isArr := parsed.AsArray(); isArr {
				return typed.validateArray(s, parsed, path)
			}
		}
		return value.Value{}, typeMismatch(s, v, path)
	}
	if err := checkRange(s, v, path, float64(len(arr))); err != nil {
		return value.Value{}, err
	}
	out := make([]value.Value, len(arr))
	for i, el := range arr {
		coerced, err := vd.validate(s.Element, el, indexPath(path, i))
		if err != nil {
			return value.Value{}, err
		}
		out[i] = coerced
	}
	return value.Array(out...), nil
}

func (vd validator) validateBuffer(s *Schema, v value.Value, path string) (value.Value, *MismatchError) {
	if _, _, ok := v.AsBuffer(); ok {
		return v, nil
	}
	if vd.output {
		if buf, ok := value.MockedBuffer(v); ok {
			return buf, nil
		}
	}
	data, ok, err := value.DecodeBase64Object(v)
	if ok && err == nil {
		return value.Buffer(data, ""), nil
	}
	if ok {
		return value.Value{}, mismatch(s, v, path, err.Error())
	}
	return value.Value{}, typeMismatch(s, v, path)
}

func (vd validator) validateEnum(s *Schema, v value.Value, path string) (value.Value, *MismatchError) {
	if vd.output {
		for _, m := range s.Members {
			if value.Equal(m.Value, v) {
				return v, nil
			}
		}
	}
	if name, ok := v.AsString(); ok {
		for _, m := range s.Members {
			if m.Name == name {
				return m.Value, nil
			}
		}
	}
	names := make([]string, len(s.Members))
	for i, m := range s.Members {
		names[i] = strconv.Quote(m.Name)
	}
	return value.Value{}, mismatch(s, v, path, "must be one of: "+strings.Join(names, ", "))
}

func (vd validator) validateUnion(s *Schema, v value.Value, path string) (value.Value, *MismatchError) {
	alts := s.Alternatives
	if _, isStr := v.AsString(); isStr && vd.stringTyped {
		alts = make([]*Schema, 0, len(s.Alternatives))
		var fallback []*Schema
		for _, alt := range s.Alternatives {
			if alt.Kind == KindString || alt.Kind == KindAny {
				fallback = append(fallback, alt)
				continue
			}
			alts = append(alts, alt)
		}
		alts = append(alts, fallback...)
	}
	for _, alt := range alts {
		if out, err := vd.validate(alt, v, path); err == nil {
			return out, nil
		}
	}
	return value.Value{}, typeMismatch(s, v, path)
}

func checkRange(s *Schema, v value.Value, path string, n float64) *MismatchError {
	if s.Range == nil {
		return nil
	}
	if s.Range.Min != nil && n < *s.Range.Min {
		return mismatch(s, v, path, "must be greater than or equal to "+formatBound(*s.Range.Min))
	}
	if s.Range.Max != nil && n > *s.Range.Max {
		return mismatch(s, v, path, "must be less than or equal to "+formatBound(*s.Range.Max))
	}
	return nil
}

// mockedBuffers converts tagged {_base64, contentType} objects anywhere in v
// into buffers.
func mockedBuffers(v value.Value) value.Value {
	if buf, ok := value.MockedBuffer(v); ok {
		return buf
	}
	switch v.Kind() {
	case value.KindArray:
		arr, _ := v.AsArray()
		out := make([]value.Value, len(arr))
		for i, el := range arr {
			out[i] = mockedBuffers(el)
		}
		return value.Array(out...)
	case value.KindObject:
		obj, _ := v.AsObject()
		out := value.NewObject()
		for _, k := range obj.Keys() {
			el, _ := obj.Get(k)
			out.Set(k, mockedBuffers(el))
		}
		return value.FromObject(out)
	}
	return v
}
