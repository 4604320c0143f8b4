// Package functions loads a directory of annotated function files into an
// immutable route table and runs file-backed functions as subprocesses.
package functions

import (
	"github.com/watzon/fngate/internal/value"
)

// Runtime names an out-of-process function runtime.
type Runtime string

const (
	// RuntimeNode runs .js, .mjs and .cjs files.
	RuntimeNode Runtime = "node"
	// RuntimePython runs .py files.
	RuntimePython Runtime = "python"
	// RuntimeDeno runs .ts files.
	RuntimeDeno Runtime = "deno"
	// RuntimeBun can be selected from a manifest.
	RuntimeBun Runtime = "bun"
)

// RuntimeConfig is the command that runs one invocation. The command reads a
// Request from stdin and writes Messages to stdout, one JSON object per line.
type RuntimeConfig struct {
	Command string   `yaml:"command" json:"command" mapstructure:"command"`
	Args    []string `yaml:"args" json:"args" mapstructure:"args"`
}

// Request is the invocation document written to a runtime's stdin.
type Request struct {
	ExecutionID string        `json:"execution_id"`
	Function    string        `json:"function"`
	Export      string        `json:"export"`
	Path        string        `json:"path"`
	Params      value.Value   `json:"params"`
	Args        []value.Value `json:"args"`
	// ContextPosition is the signature slot receiving Context, if any.
	ContextPosition *int           `json:"context_position"`
	Context         map[string]any `json:"context"`
}

// Message types written by a runtime.
const (
	MessageStream = "stream"
	MessageResult = "result"
	MessageError  = "error"
)

// Message is one line of runtime output. Lines that do not decode to a
// Message are treated as log output.
type Message struct {
	Type    string      `json:"type"`
	Channel string      `json:"channel,omitempty"`
	Data    value.Value `json:"data"`
	Value   value.Value `json:"value"`

	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
	Stack   string `json:"stack,omitempty"`
	Thrown  bool   `json:"thrown,omitempty"`
}

func (m *Message) known() bool {
	switch m.Type {
	case MessageStream, MessageResult, MessageError:
		return true
	}
	return false
}
