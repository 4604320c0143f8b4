// Package typeschema describes the recursive type schemas attached to function
// parameters, stream channels and return values, and validates wire values
// against them.
package typeschema

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/watzon/fngate/internal/value"
)

// Kind is the schema's type token.
type Kind string

const (
	KindString  Kind = "string"
	KindInteger Kind = "integer"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindObject  Kind = "object"
	KindArray   Kind = "array"
	KindBuffer  Kind = "buffer"
	KindAny     Kind = "any"
	KindEnum    Kind = "enum"
	KindUnion   Kind = "union"
)

var kinds = map[Kind]bool{
	KindString: true, KindInteger: true, KindNumber: true, KindBoolean: true,
	KindObject: true, KindArray: true, KindBuffer: true, KindAny: true,
	KindEnum: true, KindUnion: true,
}

// ParseKind validates a type token.
func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	return k, kinds[k]
}

// Range is an inclusive bound pair. Either side may be absent.
type Range struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// NewRange builds a range from optional bounds.
func NewRange(min, max *float64) *Range {
	if min == nil && max == nil {
		return nil
	}
	return &Range{Min: min, Max: max}
}

// Bound returns a pointer to f, for building ranges.
func Bound(f float64) *float64 { return &f }

// Member is one named enum entry. Value is the literal a matching name
// resolves to and may be any shape.
type Member struct {
	Name  string
	Value value.Value
}

// MarshalJSON renders a member as a [name, value] pair.
func (m Member) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{m.Name, m.Value})
}

// Schema is a recursive value type description.
type Schema struct {
	Kind     Kind
	Nullable bool

	// Range bounds numbers by value and strings/arrays by size.
	Range *Range
	// Values lists allowed strings for the string kind.
	Values []string
	// Members lists enum entries in declaration order.
	Members []Member
	// Fields is the explicit object shape. Nil means an open bag object.
	Fields []*Param
	// Element validates every array entry.
	Element *Schema
	// Alternatives are tried in order for the union kind.
	Alternatives []*Schema
}

// Param is a named schema slot: a function parameter, an object field, a
// stream channel or a return value.
type Param struct {
	Name        string       `json:"name"`
	Schema      *Schema      `json:"schema"`
	Required    bool         `json:"required"`
	Default     *value.Value `json:"default,omitempty"`
	Description string       `json:"description,omitempty"`
}

// Field looks up an object field by name.
func (s *Schema) Field(name string) (*Param, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// TypeName is the human readable type token, e.g. "string|boolean".
func (s *Schema) TypeName() string {
	if s == nil {
		return string(KindAny)
	}
	if s.Kind != KindUnion {
		return string(s.Kind)
	}
	names := make([]string, 0, len(s.Alternatives))
	for _, alt := range s.Alternatives {
		names = append(names, alt.TypeName())
	}
	return strings.Join(names, "|")
}

// Expected summarizes a schema in mismatch reports.
type Expected struct {
	Type     string   `json:"type"`
	Nullable bool     `json:"nullable,omitempty"`
	Members  []Member `json:"members,omitempty"`
	Values   []string `json:"values,omitempty"`
	Range    *Range   `json:"range,omitempty"`
}

// Summary returns the expected block for mismatch reports.
func (s *Schema) Summary() Expected {
	if s == nil {
		return Expected{Type: string(KindAny)}
	}
	return Expected{
		Type:     s.TypeName(),
		Nullable: s.Nullable,
		Members:  s.Members,
		Values:   s.Values,
		Range:    s.Range,
	}
}

// MarshalJSON renders the schema for function listings.
func (s *Schema) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": s.TypeName()}
	if s.Nullable {
		out["nullable"] = true
	}
	if s.Range != nil {
		out["range"] = s.Range
	}
	if len(s.Values) > 0 {
		out["values"] = s.Values
	}
	if len(s.Members) > 0 {
		out["members"] = s.Members
	}
	if s.Fields != nil {
		out["fields"] = s.Fields
	}
	if s.Element != nil {
		out["element"] = s.Element
	}
	if len(s.Alternatives) > 0 {
		out["alternatives"] = s.Alternatives
	}
	return json.Marshal(out)
}

func formatBound(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func fieldPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func indexPath(path string, i int) string {
	return path + "[" + strconv.Itoa(i) + "]"
}
