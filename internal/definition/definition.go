// Package definition parses annotated function source files into
// schema-bearing definitions.
package definition

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/watzon/fngate/internal/invocation"
	"github.com/watzon/fngate/internal/mode"
	"github.com/watzon/fngate/internal/typeschema"
)

// BackgroundMode selects the body returned when a background invocation is
// acknowledged.
type BackgroundMode string

const (
	// BackgroundInfo returns a short acknowledgement message.
	BackgroundInfo BackgroundMode = "info"
	// BackgroundEmpty returns an empty body.
	BackgroundEmpty BackgroundMode = "empty"
	// BackgroundParams echoes the validated parameters.
	BackgroundParams BackgroundMode = "params"
)

// Methods accepted by the multi-method export form.
var Methods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}

// ReservedParams cannot be declared as function parameters.
var ReservedParams = map[string]bool{
	mode.FlagBackground: true,
	mode.FlagStream:     true,
	mode.FlagDebug:      true,
}

// ContextSlot marks the signature position that receives the execution
// context instead of a parameter.
type ContextSlot struct {
	Name     string `json:"name"`
	Position int    `json:"position"`
}

// Definition is the parsed description of one function export. It is
// immutable once published to a route table.
type Definition struct {
	Name        string `json:"name"`
	Route       string `json:"route"`
	SourcePath  string `json:"source_path,omitempty"`
	Method      string `json:"method,omitempty"`
	Description string `json:"description,omitempty"`

	Params       []*typeschema.Param `json:"params"`
	ContextParam *ContextSlot        `json:"context,omitempty"`
	Returns      *typeschema.Param   `json:"returns"`
	Streams      []*typeschema.Param `json:"streams,omitempty"`

	Capabilities   mode.Capabilities `json:"capabilities"`
	BackgroundMode BackgroundMode    `json:"background_mode,omitempty"`
	Origins        []string          `json:"origins,omitempty"`
	Keys           []string          `json:"keys,omitempty"`

	// Methods is set for the multi-method form; Handler is nil then.
	Methods map[string]*Definition `json:"methods,omitempty"`
	Handler invocation.Handler     `json:"-"`

	// Timeout overrides the gateway's default deadline when non-zero.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Runtime names the out-of-process runtime for file-backed functions.
	Runtime string `json:"runtime,omitempty"`
	// Export is the export name passed to the runtime ("default" or a method).
	Export string `json:"export,omitempty"`
}

// Error is a load-time definition failure.
type Error struct {
	Path string
	Line int
	Msg  string
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Msg)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Msg)
	}
	return e.Msg
}

func errorf(path string, line int, format string, args ...any) *Error {
	return &Error{Path: path, Line: line, Msg: fmt.Sprintf(format, args...)}
}

// ForMethod returns the definition serving an HTTP method. A single-export
// definition serves every method. ok is false when the multi-method form
// does not export the method.
func (d *Definition) ForMethod(method string) (*Definition, bool) {
	if d.Methods == nil {
		return d, true
	}
	if method == http.MethodHead {
		method = http.MethodGet
	}
	m, ok := d.Methods[strings.ToUpper(method)]
	return m, ok
}

// Param looks up a declared parameter.
func (d *Definition) Param(name string) (*typeschema.Param, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Stream looks up a declared stream channel.
func (d *Definition) Stream(name string) (*typeschema.Param, bool) {
	for _, s := range d.Streams {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// StreamNames lists the declared stream channels in declaration order.
func (d *Definition) StreamNames() []string {
	names := make([]string, len(d.Streams))
	for i, s := range d.Streams {
		names[i] = s.Name
	}
	return names
}

// Each calls fn for every invocable definition: the definition itself or
// each of its methods.
func (d *Definition) Each(fn func(*Definition)) {
	if d.Methods == nil {
		fn(d)
		return
	}
	for _, m := range Methods {
		if def, ok := d.Methods[m]; ok {
			fn(def)
		}
	}
}
