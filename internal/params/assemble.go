package params

import (
	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/value"
)

// Entry is one top-level parameter and where it came from.
type Entry struct {
	Value       value.Value
	FromQuery   bool
	StringTyped bool
}

// Set is the merged parameter object. Reserved keys (mode flags) are pulled
// out of both sources before merging and kept aside.
type Set struct {
	Values   *value.Object
	Reserved map[string]Entry

	stringTyped map[string]bool
}

// StringTyped reports whether the top-level key came from a string-typed
// source (query string or url-encoded body).
func (s *Set) StringTyped(key string) bool {
	return s.stringTyped[key]
}

// Options controls Build.
type Options struct {
	// BodyStringTyped marks bodies decoded from url-encoded or multipart forms.
	BodyStringTyped bool
	// Reserved keys are removed from the merged values and returned in
	// Set.Reserved.
	Reserved []string
}

// Assemble merges a query string and a body value into one parameter object.
func Assemble(query string, body value.Value) (value.Value, error) {
	set, err := Build(query, body, Options{})
	if err != nil {
		return value.Value{}, err
	}
	return value.FromObject(set.Values), nil
}

// Build parses the query string and merges it with body. The body must be
// null or an object; a top-level key present in both sources is rejected.
func Build(query string, body value.Value, opts Options) (*Set, error) {
	q, err := ParseQuery(query)
	if err != nil {
		return nil, err
	}

	var b *value.Object
	switch body.Kind() {
	case value.KindNull:
		b = value.NewObject()
	case value.KindObject:
		b, _ = body.AsObject()
		b = b.Clone()
	default:
		return nil, apierror.Newf(apierror.KindParameterParse, "request body must be an object, got %s", body.TypeName())
	}

	set := &Set{
		Values:      value.NewObject(),
		Reserved:    make(map[string]Entry),
		stringTyped: make(map[string]bool),
	}
	for _, key := range opts.Reserved {
		qv, inQuery := q.Get(key)
		bv, inBody := b.Get(key)
		if inQuery && inBody {
			return nil, conflict(key)
		}
		if inQuery {
			set.Reserved[key] = Entry{Value: qv, FromQuery: true, StringTyped: true}
			q.Delete(key)
		}
		if inBody {
			set.Reserved[key] = Entry{Value: bv, StringTyped: opts.BodyStringTyped}
			b.Delete(key)
		}
	}

	for _, key := range q.Keys() {
		v, _ := q.Get(key)
		set.Values.Set(key, v)
		set.stringTyped[key] = true
	}
	for _, key := range b.Keys() {
		if set.Values.Has(key) {
			return nil, conflict(key)
		}
		v, _ := b.Get(key)
		set.Values.Set(key, v)
		set.stringTyped[key] = opts.BodyStringTyped
	}
	return set, nil
}

func conflict(key string) *apierror.Error {
	return apierror.Newf(apierror.KindParameterParse,
		"parameter %q was set in both the query string and the request body", key)
}
