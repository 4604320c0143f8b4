// Package stream encodes invocation events as server-sent events.
//
// Frame format:
//
//	event: progress
//	id: 2
//	data: {"percent":50}
//
// Every stream opens with @begin and ends with @response, whose payload
// describes the response the request would have produced without streaming.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/invocation"
	"github.com/watzon/fngate/internal/mode"
	"github.com/watzon/fngate/internal/typeschema"
	"github.com/watzon/fngate/internal/value"
)

// DefaultQueueSize is the number of events buffered ahead of the writer.
const DefaultQueueSize = 64

// Event is one queued frame.
type Event struct {
	ID   uint64
	Name string
	Data value.Value
}

// Options configures an Emitter.
type Options struct {
	QueueSize int
	// OnEvent is called after each frame is written.
	OnEvent func(name string)
}

// Emitter is a single-writer event queue draining to an HTTP response. Emit
// may be called from any goroutine; frames are written in the order they
// were queued.
type Emitter struct {
	w       io.Writer
	flusher http.Flusher
	plan    mode.Plan
	schemas map[string]*typeschema.Schema
	onEvent func(string)

	mu     sync.Mutex
	closed bool
	nextID uint64
	queue  chan Event
	done   chan struct{}

	writeErr error
}

// WriteHeaders prepares w for an event stream and flushes the headers.
func WriteHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// New creates an emitter and starts its writer goroutine. channels are the
// function's declared stream channels, used to validate payloads.
func New(w io.Writer, plan mode.Plan, channels []*typeschema.Param, opts Options) *Emitter {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	e := &Emitter{
		w:       w,
		plan:    plan,
		schemas: make(map[string]*typeschema.Schema, len(channels)),
		onEvent: opts.OnEvent,
		queue:   make(chan Event, size),
		done:    make(chan struct{}),
	}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	for _, c := range channels {
		e.schemas[c.Name] = c.Schema
	}
	go e.drain()
	return e
}

func (e *Emitter) drain() {
	defer close(e.done)
	for ev := range e.queue {
		if e.writeErr != nil {
			continue
		}
		if err := e.writeFrame(ev); err != nil {
			e.writeErr = err
			log.Debug().Err(err).Str("event", ev.Name).Msg("Event stream write failed")
			continue
		}
		if e.onEvent != nil {
			e.onEvent(ev.Name)
		}
	}
}

func (e *Emitter) writeFrame(ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		data, _ = json.Marshal(err.Error())
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\nid: %d\ndata: %s\n\n", ev.Name, ev.ID, data)
	if _, err := e.w.Write(buf.Bytes()); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

func (e *Emitter) enqueue(name string, data value.Value) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.nextID++
	e.queue <- Event{ID: e.nextID, Name: name, Data: data}
	return true
}

// Begin emits the @begin marker.
func (e *Emitter) Begin(at time.Time) {
	e.enqueue(mode.ChannelBegin, value.String(at.UTC().Format(time.RFC3339)))
}

// Emit implements invocation.Sink for user channels. Payloads are validated
// against the channel's schema; an unknown channel or invalid payload emits
// @error and returns a StreamError.
func (e *Emitter) Emit(channel string, payload value.Value) error {
	if strings.HasPrefix(channel, "@") {
		return e.fail(apierror.Newf(apierror.KindStream, "Can not write to reserved stream %q", channel))
	}
	schema, ok := e.schemas[channel]
	if !ok {
		return e.fail(apierror.Newf(apierror.KindStream, "No such stream channel: %q", channel).
			WithDetails(map[string]any{"stream": channel}))
	}
	coerced, mismatch := typeschema.ValidateReturn(schema, payload)
	if mismatch != nil {
		details := mismatch.Details()
		details["stream"] = channel
		return e.fail(apierror.Newf(apierror.KindStream, "Stream %q payload is invalid: %s", channel, mismatch.Message).
			WithDetails(details))
	}
	if e.plan.Subscribed(channel) {
		e.enqueue(channel, typeschema.Render(schema, coerced))
	}
	return nil
}

func (e *Emitter) fail(err *apierror.Error) error {
	e.Error(err)
	return err
}

// Error emits an @error event carrying the error envelope.
func (e *Emitter) Error(err *apierror.Error) {
	body := value.NewObject()
	body.Set("type", value.String(string(err.Kind)))
	body.Set("message", value.String(err.Message))
	if len(err.Details) > 0 {
		if details, dErr := detailsValue(err.Details); dErr == nil {
			body.Set("details", details)
		}
	}
	e.enqueue(mode.ChannelError, value.FromObject(body))
}

func detailsValue(details map[string]any) (value.Value, error) {
	data, err := json.Marshal(details)
	if err != nil {
		return value.Value{}, err
	}
	return value.ParseJSON(data)
}

// DebugSink returns the sink for @stdout and @stderr lines.
func (e *Emitter) DebugSink() invocation.Sink {
	return invocation.SinkFunc(func(channel string, payload value.Value) error {
		if e.plan.DebugSubscribed(channel) {
			e.enqueue(channel, payload)
		}
		return nil
	})
}

// Response emits the final @response event and closes the stream.
func (e *Emitter) Response(status int, headers http.Header, body []byte) error {
	hdrs := value.NewObject()
	for _, k := range sortedKeys(headers) {
		hdrs.Set(strings.ToLower(k), value.String(headers.Get(k)))
	}
	var bodyVal value.Value
	if utf8.Valid(body) {
		bodyVal = value.String(string(body))
	} else {
		bodyVal = value.Buffer(body, headers.Get("Content-Type"))
	}
	e.enqueue(mode.ChannelResponse, value.ObjectOf(
		value.P("headers", value.FromObject(hdrs)),
		value.P("statusCode", value.Int(int64(status))),
		value.P("body", bodyVal),
	))
	return e.Close()
}

// Close stops accepting events, waits for the queue to drain and returns
// the first write error.
func (e *Emitter) Close() error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()
	<-e.done
	return e.writeErr
}

func sortedKeys(h http.Header) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
