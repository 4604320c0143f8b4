// Package params assembles a function's parameter object from a query string
// and a decoded request body.
package params

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/value"
)

// MaxArrayIndex bounds explicit query indices like a[N].
const MaxArrayIndex = 10000

type segmentKind int

const (
	segField segmentKind = iota
	segIndex
	segPush
)

type segment struct {
	kind  segmentKind
	name  string
	index int
}

type nodeKind int

const (
	nodeUnset nodeKind = iota
	nodeScalar
	nodeObject
	nodeArray
)

// node is a mutable tree used while parsing; it is frozen into a value.Value
// once the whole query has been read.
type node struct {
	kind     nodeKind
	scalar   string
	keys     []string
	children map[string]*node
	indexed  []*node
	pushes   []*node
}

func (n *node) become(kind nodeKind, path string) error {
	if n.kind == nodeUnset {
		n.kind = kind
		if kind == nodeObject {
			n.children = make(map[string]*node)
		}
		return nil
	}
	if n.kind == kind {
		return nil
	}
	return parseErrorf("%q is set as both %s and %s", path, describe(n.kind), describe(kind))
}

func describe(k nodeKind) string {
	switch k {
	case nodeObject:
		return "an object"
	case nodeArray:
		return "an array"
	}
	return "a value"
}

func (n *node) child(name string) *node {
	c, ok := n.children[name]
	if !ok {
		c = &node{}
		n.children[name] = c
		n.keys = append(n.keys, name)
	}
	return c
}

func (n *node) at(index int) *node {
	for len(n.indexed) <= index {
		n.indexed = append(n.indexed, nil)
	}
	if n.indexed[index] == nil {
		n.indexed[index] = &node{}
	}
	return n.indexed[index]
}

func (n *node) push() *node {
	c := &node{}
	n.pushes = append(n.pushes, c)
	return c
}

func (n *node) freeze() value.Value {
	switch n.kind {
	case nodeScalar:
		return value.String(n.scalar)
	case nodeObject:
		obj := value.NewObject()
		for _, k := range n.keys {
			obj.Set(k, n.children[k].freeze())
		}
		return value.FromObject(obj)
	case nodeArray:
		out := make([]value.Value, 0, len(n.indexed)+len(n.pushes))
		for _, el := range n.indexed {
			if el == nil {
				out = append(out, value.Null())
				continue
			}
			out = append(out, el.freeze())
		}
		for _, el := range n.pushes {
			out = append(out, el.freeze())
		}
		return value.Array(out...)
	}
	return value.Null()
}

// ParseQuery decodes a raw query string using bracket and dot notation:
// a=1, a[]=1 (push), a[2]=1 (index), a.b=1 (object field), and combinations
// such as a[].b=1 or a[][].b=1. Every leaf is a string.
func ParseQuery(raw string) (*value.Object, error) {
	root := &node{kind: nodeObject, children: make(map[string]*node)}

	for _, part := range strings.Split(strings.TrimPrefix(raw, "?"), "&") {
		if part == "" {
			continue
		}
		rawKey, rawVal, _ := strings.Cut(part, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return nil, parseErrorf("invalid query key %q: %v", rawKey, err)
		}
		val, err := url.QueryUnescape(rawVal)
		if err != nil {
			return nil, parseErrorf("invalid query value for %q: %v", key, err)
		}

		base, segs, err := parseKey(key)
		if err != nil {
			return nil, err
		}
		if err := assign(root.child(base), segs, val, base); err != nil {
			return nil, err
		}
	}

	obj, _ := root.freeze().AsObject()
	return obj, nil
}

func assign(n *node, segs []segment, val, path string) error {
	for _, seg := range segs {
		switch seg.kind {
		case segField:
			if err := n.become(nodeObject, path); err != nil {
				return err
			}
			path += "." + seg.name
			n = n.child(seg.name)
		case segIndex:
			if err := n.become(nodeArray, path); err != nil {
				return err
			}
			path += "[" + strconv.Itoa(seg.index) + "]"
			n = n.at(seg.index)
		case segPush:
			if err := n.become(nodeArray, path); err != nil {
				return err
			}
			path += "[]"
			n = n.push()
		}
	}
	if n.kind == nodeScalar {
		return parseErrorf("%q is assigned more than once", path)
	}
	if err := n.become(nodeScalar, path); err != nil {
		return err
	}
	n.scalar = val
	return nil
}

func parseKey(key string) (string, []segment, error) {
	end := strings.IndexAny(key, "[.")
	if end < 0 {
		end = len(key)
	}
	base := key[:end]
	if base == "" {
		return "", nil, parseErrorf("invalid parameter name %q", key)
	}

	var segs []segment
	rest := key[end:]
	for rest != "" {
		switch rest[0] {
		case '.':
			rest = rest[1:]
			stop := strings.IndexAny(rest, "[.")
			if stop < 0 {
				stop = len(rest)
			}
			if stop == 0 {
				return "", nil, parseErrorf("invalid parameter name %q: empty field", key)
			}
			segs = append(segs, segment{kind: segField, name: rest[:stop]})
			rest = rest[stop:]
		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return "", nil, parseErrorf("invalid parameter name %q: unclosed bracket", key)
			}
			inner := rest[1:end]
			rest = rest[end+1:]
			if inner == "" {
				segs = append(segs, segment{kind: segPush})
				continue
			}
			index, err := parseIndex(inner)
			if err != nil {
				return "", nil, parseErrorf("invalid parameter name %q: %v", key, err)
			}
			segs = append(segs, segment{kind: segIndex, index: index})
		default:
			return "", nil, parseErrorf("invalid parameter name %q", key)
		}
	}
	return base, segs, nil
}

func parseIndex(s string) (int, error) {
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("array index %q must be a non-negative integer", s)
		}
	}
	i, err := strconv.Atoi(s)
	if err != nil || i > MaxArrayIndex {
		return 0, fmt.Errorf("array index %q is out of range", s)
	}
	return i, nil
}

func parseErrorf(format string, args ...any) *apierror.Error {
	return apierror.Newf(apierror.KindParameterParse, format, args...)
}
