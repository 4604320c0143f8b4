// Package mode resolves the execution mode of a request from its _background,
// _stream and _debug flags and the capabilities a function declares.
package mode

import (
	"sort"
	"strconv"
	"strings"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/value"
)

// Mode is the resolved execution mode.
type Mode int

const (
	Normal Mode = iota
	Background
	Stream
	Debug
	StreamDebug
)

func (m Mode) String() string {
	switch m {
	case Background:
		return "background"
	case Stream:
		return "stream"
	case Debug:
		return "debug"
	case StreamDebug:
		return "stream+debug"
	}
	return "normal"
}

// Request flag names.
const (
	FlagBackground = "_background"
	FlagStream     = "_stream"
	FlagDebug      = "_debug"
)

// FlagNames lists every reserved mode flag.
var FlagNames = []string{FlagBackground, FlagStream, FlagDebug}

// Reserved event channels.
const (
	ChannelBegin    = "@begin"
	ChannelResponse = "@response"
	ChannelError    = "@error"
	ChannelStdout   = "@stdout"
	ChannelStderr   = "@stderr"
	Wildcard        = "*"
)

var debugChannels = map[string]bool{
	ChannelBegin:  true,
	ChannelStdout: true,
	ChannelStderr: true,
	ChannelError:  true,
}

// IsReserved reports whether name is a reserved event channel.
func IsReserved(name string) bool {
	return debugChannels[name] || name == ChannelResponse
}

// Flag is a parsed mode flag. Channels is the explicit allow-list from the
// object form; nil means every channel.
type Flag struct {
	On       bool
	Channels []string
}

// Flags holds the three request flags.
type Flags struct {
	Background Flag
	Stream     Flag
	Debug      Flag
}

// Capabilities are the modes a function declares.
type Capabilities struct {
	Background bool `json:"background"`
	Stream     bool `json:"stream"`
	Debug      bool `json:"debug"`
}

// ParseFlag reads a boolean-ish flag value. Absent, false, "false", "0", "f"
// and empty values are off, except that an empty string from the query
// string (?_stream) turns the flag on. An object turns the flag on when any
// of its keys is truthy, and those keys become the channel allow-list.
func ParseFlag(name string, v value.Value, fromQuery bool) (Flag, error) {
	switch v.Kind() {
	case value.KindNull:
		return Flag{}, nil
	case value.KindString:
		s, _ := v.AsString()
		if s == "" {
			return Flag{On: fromQuery}, nil
		}
		return Flag{On: truthyString(s)}, nil
	case value.KindObject:
		obj, _ := v.AsObject()
		channels := []string{}
		for _, k := range obj.Keys() {
			el, _ := obj.Get(k)
			if flagLeaf(el) {
				channels = append(channels, k)
			}
		}
		return Flag{On: len(channels) > 0, Channels: channels}, nil
	case value.KindArray, value.KindBuffer:
		return Flag{}, apierror.Newf(flagErrorKind(name), "Invalid %s value, expected a boolean or an object", name)
	}
	return Flag{On: v.Truthy()}, nil
}

func flagLeaf(v value.Value) bool {
	if s, ok := v.AsString(); ok {
		return s == "" || truthyString(s)
	}
	return v.Truthy()
}

func truthyString(s string) bool {
	switch strings.ToLower(s) {
	case "false", "0", "f":
		return false
	}
	return true
}

func flagErrorKind(name string) apierror.Kind {
	switch name {
	case FlagStream:
		return apierror.KindStream
	case FlagDebug:
		return apierror.KindDebug
	}
	return apierror.KindParameterParse
}

// Plan is a resolved mode plus the channel subscriptions it implies.
type Plan struct {
	Mode Mode
	// StreamChannels is the user channel allow-list; nil means all declared.
	StreamChannels []string
	// DebugChannels is the reserved channel allow-list; nil means all.
	DebugChannels []string
}

// Streaming reports whether the response is an event stream.
func (p Plan) Streaming() bool {
	return p.Mode == Stream || p.Mode == Debug || p.Mode == StreamDebug
}

// Debugging reports whether debug channels are emitted.
func (p Plan) Debugging() bool {
	return p.Mode == Debug || p.Mode == StreamDebug
}

// Subscribed reports whether events on a user channel reach the client.
func (p Plan) Subscribed(channel string) bool {
	if !p.Streaming() {
		return false
	}
	if p.Mode == Debug || p.StreamChannels == nil {
		return true
	}
	return contains(p.StreamChannels, channel)
}

// DebugSubscribed reports whether a reserved debug channel is emitted.
func (p Plan) DebugSubscribed(channel string) bool {
	if !p.Debugging() {
		return false
	}
	return p.DebugChannels == nil || contains(p.DebugChannels, channel)
}

// Resolve computes the execution mode. declared lists the stream channels
// the function defines.
func Resolve(flags Flags, caps Capabilities, declared []string) (Plan, error) {
	if flags.Debug.On && flags.Background.On {
		return Plan{}, apierror.New(apierror.KindDebug, `Can not debug with "background" mode set`)
	}
	if flags.Background.On {
		if !caps.Background {
			return Plan{}, modeError("background", "@background")
		}
		return Plan{Mode: Background}, nil
	}
	if flags.Stream.On && !caps.Stream {
		return Plan{}, modeError("stream", "@stream")
	}

	plan := Plan{Mode: Normal}
	if flags.Stream.On {
		channels, unknown := allowList(flags.Stream.Channels, func(name string) bool {
			return contains(declared, name)
		})
		if len(unknown) > 0 {
			return Plan{}, apierror.Newf(apierror.KindStreamListener,
				"Invalid stream listeners: %s", quoteAll(unknown)).
				WithDetails(map[string]any{"listeners": unknown, "available": declared})
		}
		plan.StreamChannels = channels
	}
	if flags.Debug.On {
		channels, unknown := allowList(flags.Debug.Channels, func(name string) bool {
			return debugChannels[name]
		})
		if len(unknown) > 0 {
			return Plan{}, apierror.Newf(apierror.KindDebug,
				"Invalid debug channels: %s", quoteAll(unknown)).
				WithDetails(map[string]any{"channels": unknown})
		}
		plan.DebugChannels = channels
	}

	switch {
	case flags.Stream.On && flags.Debug.On:
		plan.Mode = StreamDebug
	case flags.Stream.On:
		plan.Mode = Stream
	case flags.Debug.On:
		plan.Mode = Debug
	}
	return plan, nil
}

func modeError(name, tag string) *apierror.Error {
	return apierror.Newf(apierror.KindExecutionMode,
		"Function does not support %q execution mode, add %s to its definition", name, tag).
		WithDetails(map[string]any{"mode": name})
}

// allowList validates an explicit channel list. A nil list or one containing
// the wildcard subscribes to everything and yields nil.
func allowList(requested []string, known func(string) bool) ([]string, []string) {
	if requested == nil {
		return nil, nil
	}
	var unknown []string
	wildcard := false
	for _, name := range requested {
		if name == Wildcard {
			wildcard = true
			continue
		}
		if !known(name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, unknown
	}
	if wildcard {
		return nil, nil
	}
	return requested, nil
}

func quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = strconv.Quote(n)
	}
	return strings.Join(quoted, ", ")
}

func contains(list []string, s string) bool {
	for _, el := range list {
		if el == s {
			return true
		}
	}
	return false
}
