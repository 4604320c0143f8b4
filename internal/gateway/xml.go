package gateway

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/value"
)

type xmlNode struct {
	name     string
	attrs    *value.Object
	children *value.Object
	text     strings.Builder
}

// decodeXML maps the root element's content to parameters. Elements with
// only text become strings, repeated siblings become arrays, attributes
// are collected under "$" and mixed text under "_".
func decodeXML(body []byte, _ map[string]string) (value.Value, bool, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))

	var (
		stack []*xmlNode
		root  value.Value
		done  bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return value.Value{}, false, apierror.Newf(apierror.KindParameterParse, "Invalid XML body: %v", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if done && len(stack) == 0 {
				return value.Value{}, false, apierror.New(apierror.KindParameterParse, "Invalid XML body: more than one root element")
			}
			n := &xmlNode{name: t.Name.Local, children: value.NewObject()}
			for _, a := range t.Attr {
				if n.attrs == nil {
					n.attrs = value.NewObject()
				}
				n.attrs.Set(a.Name.Local, value.String(a.Value))
			}
			stack = append(stack, n)
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		case xml.EndElement:
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				root, done = n.value(), true
				continue
			}
			stack[len(stack)-1].add(n.name, n.value())
		}
	}

	if !done {
		return value.Value{}, false, apierror.New(apierror.KindParameterParse, "Invalid XML body: no root element")
	}
	if _, ok := root.AsString(); ok {
		// <params/> and <params>text</params> carry no named parameters.
		return value.FromObject(value.NewObject()), true, nil
	}
	return root, true, nil
}

func (n *xmlNode) value() value.Value {
	text := strings.TrimSpace(n.text.String())
	if n.children.Len() == 0 && n.attrs == nil {
		return value.String(text)
	}
	obj := n.children
	if n.attrs != nil {
		obj.Set("$", value.FromObject(n.attrs))
	}
	if text != "" {
		obj.Set("_", value.String(text))
	}
	return value.FromObject(obj)
}

func (n *xmlNode) add(name string, v value.Value) {
	existing, ok := n.children.Get(name)
	if !ok {
		n.children.Set(name, v)
		return
	}
	if arr, isArr := existing.AsArray(); isArr {
		n.children.Set(name, value.Array(append(arr[:len(arr):len(arr)], v)...))
		return
	}
	n.children.Set(name, value.Array(existing, v))
}
