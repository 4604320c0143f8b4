// Package invocation defines the execution context handed to function
// handlers and the handler contract itself.
package invocation

import (
	"context"
	"net/http"
	"net/url"

	"github.com/watzon/fngate/internal/mode"
	"github.com/watzon/fngate/internal/value"
)

// Handler runs one function invocation.
type Handler interface {
	Invoke(ctx context.Context, ec *Context) (value.Value, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ec *Context) (value.Value, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, ec *Context) (value.Value, error) {
	return f(ctx, ec)
}

// Sink receives out-of-band events for a single invocation.
type Sink interface {
	Emit(channel string, payload value.Value) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(channel string, payload value.Value) error

// Emit calls f.
func (f SinkFunc) Emit(channel string, payload value.Value) error { return f(channel, payload) }

type discard struct{}

func (discard) Emit(string, value.Value) error { return nil }

// Discard drops every event.
var Discard Sink = discard{}

// HTTP is the request metadata visible to a function.
type HTTP struct {
	Method     string      `json:"method"`
	Path       string      `json:"path"`
	Headers    http.Header `json:"headers"`
	Query      url.Values  `json:"query"`
	RemoteAddr string      `json:"remote_addr,omitempty"`
}

// Context is created per invocation and discarded once its response (or
// background run) completes.
type Context struct {
	ExecutionID string
	Function    string
	Route       string

	// Params is the validated parameter object; Args holds the same values
	// positionally in declaration order.
	Params *value.Object
	Args   []value.Value

	HTTP HTTP
	Mode mode.Mode

	Stream Sink
	Debug  Sink

	Keys     KeyLookup
	Keychain KeyLookup
}

// Emit writes payload to a user stream channel.
func (c *Context) Emit(channel string, payload value.Value) error {
	if c.Stream == nil {
		return nil
	}
	return c.Stream.Emit(channel, payload)
}

// Stdout records a debug log line.
func (c *Context) Stdout(line string) {
	if c.Debug != nil {
		_ = c.Debug.Emit(mode.ChannelStdout, value.String(line))
	}
}

// Stderr records a debug error line.
func (c *Context) Stderr(line string) {
	if c.Debug != nil {
		_ = c.Debug.Emit(mode.ChannelStderr, value.String(line))
	}
}

// Key looks up a platform key.
func (c *Context) Key(name string) (string, bool) {
	if c.Keys == nil {
		return "", false
	}
	return c.Keys.Lookup(name)
}

// Metadata is the JSON context document handed to out-of-process runtimes.
func (c *Context) Metadata() map[string]any {
	return map[string]any{
		"execution_id": c.ExecutionID,
		"function":     c.Function,
		"route":        c.Route,
		"mode":         c.Mode.String(),
		"http":         c.HTTP,
	}
}
