// Package gateway turns HTTP requests into validated function invocations.
//
// A request moves through a fixed pipeline: route lookup, trailing-slash
// redirect, origin policy, resolve hook, body decode and parameter assembly,
// parameter validation, execution mode resolution, invocation and response
// rendering. The first failing stage answers the request.
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/definition"
	"github.com/watzon/fngate/internal/invocation"
	"github.com/watzon/fngate/internal/mode"
	"github.com/watzon/fngate/internal/params"
	"github.com/watzon/fngate/internal/requestctx"
	"github.com/watzon/fngate/internal/stream"
	"github.com/watzon/fngate/internal/typeschema"
	"github.com/watzon/fngate/internal/value"
)

// HeaderExecutionID carries the execution id of every invoked request.
const HeaderExecutionID = "X-Execution-Uuid"

// StatusClientClosed is recorded for invocations whose caller disconnected.
// Nothing is written with it.
const StatusClientClosed = 499

const (
	DefaultTimeout     = 10 * time.Second
	DefaultMaxBodySize = 8 << 20
)

// DefaultAllowHeaders are sent in Access-Control-Allow-Headers.
var DefaultAllowHeaders = []string{"Authorization", "Content-Type", "X-Requested-With", "X-Authorization"}

var exposeHeaders = []string{HeaderExecutionID, "Content-Type", "Content-Length"}

// Route is a route table entry.
type Route struct {
	Definition *definition.Definition
	// Fallback marks a __notfound__ handler answering for a path that has no
	// function of its own.
	Fallback bool
}

// RouteTable maps request paths to functions.
type RouteTable interface {
	Lookup(path string) (*Route, bool)
}

// OriginPolicy decides whether a request origin may call a function.
// Returning a non-nil error rejects the request with an OriginError unless
// the error is already classified.
type OriginPolicy interface {
	Allow(origin string, def *definition.Definition) error
}

// Resolver runs before parameter handling and may reject a request with any
// access, rate limit or platform error kind.
type Resolver interface {
	Resolve(r *http.Request, def *definition.Definition) error
}

// ErrorHandler receives failures that cannot be reported to the client:
// background invocation errors and fatal errors.
type ErrorHandler func(ec *invocation.Context, err *apierror.Error)

// Observer records invocation metrics.
type Observer interface {
	Invocation(function string, m mode.Mode, status int, d time.Duration)
	StreamEvent(function, channel string)
}

// Options configures a Dispatcher. Zero values select the defaults.
type Options struct {
	Timeout time.Duration
	// BackgroundTimeout bounds detached invocations. Zero leaves them
	// running until the handler returns.
	BackgroundTimeout time.Duration
	MaxBodySize       int64

	Origins  OriginPolicy
	Resolver Resolver
	// Decoders are merged over DefaultDecoders.
	Decoders map[string]BodyDecoder

	Keys     invocation.KeyLookup
	Keychain invocation.KeyLookup

	OnError  ErrorHandler
	Observer Observer

	// ExposeStacks includes stack traces in error bodies.
	ExposeStacks bool
	AllowHeaders []string
	StreamQueue  int

	Now   func() time.Time
	NewID func() string
}

// Dispatcher is the gateway's http.Handler.
type Dispatcher struct {
	routes   RouteTable
	opts     Options
	decoders map[string]BodyDecoder
}

// New creates a dispatcher over routes.
func New(routes RouteTable, opts Options) *Dispatcher {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	if opts.AllowHeaders == nil {
		opts.AllowHeaders = DefaultAllowHeaders
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	decoders := DefaultDecoders()
	for k, dec := range opts.Decoders {
		decoders[k] = dec
	}
	return &Dispatcher{routes: routes, opts: opts, decoders: decoders}
}

// prepared is a request that passed every stage before invocation.
type prepared struct {
	params *value.Object
	args   []value.Value
	plan   mode.Plan
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := d.opts.Now()
	d.setCORS(w, r)

	route, ok := d.routes.Lookup(r.URL.Path)
	if !ok {
		d.writeError(w, apierror.Newf(apierror.KindNotFound, "No function found at %q", r.URL.Path))
		return
	}
	if r.Method == http.MethodOptions {
		d.preflight(w, route.Definition)
		return
	}
	if !route.Fallback && shouldRedirect(r) {
		target := r.URL.Path + "/"
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	def, ok := route.Definition.ForMethod(r.Method)
	if !ok {
		d.writeError(w, apierror.Newf(apierror.KindNotImplemented,
			"Function %q does not export the %s method", route.Definition.Name, r.Method).
			WithDetails(map[string]any{"method": r.Method}))
		return
	}

	if err := d.admit(r, def); err != nil {
		d.writeError(w, err)
		return
	}

	req, err := d.prepare(w, r, def)
	if err != nil {
		d.writeError(w, err)
		return
	}

	d.invoke(w, r, def, req, start)
}

func shouldRedirect(r *http.Request) bool {
	return r.Method == http.MethodGet &&
		!strings.HasSuffix(r.URL.Path, "/") &&
		strings.HasPrefix(r.Header.Get("User-Agent"), "Mozilla/")
}

// admit runs the origin policy and the resolve hook.
func (d *Dispatcher) admit(r *http.Request, def *definition.Definition) *apierror.Error {
	if d.opts.Origins != nil {
		if err := d.opts.Origins.Allow(r.Header.Get("Origin"), def); err != nil {
			if apiErr, ok := apierror.As(err); ok {
				return apiErr
			}
			return apierror.Wrap(apierror.KindOrigin, err)
		}
	}
	if d.opts.Resolver != nil {
		if err := d.opts.Resolver.Resolve(r, def); err != nil {
			if apiErr, ok := apierror.As(err); ok {
				return apiErr
			}
			return apierror.Wrap(apierror.KindFatal, err)
		}
	}
	return nil
}

// prepare decodes and validates everything the invocation needs.
func (d *Dispatcher) prepare(w http.ResponseWriter, r *http.Request, def *definition.Definition) (*prepared, *apierror.Error) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, d.opts.MaxBodySize))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, apierror.Newf(apierror.KindParameterParse, "Request body exceeds %d bytes", tooLarge.Limit)
			}
			return nil, apierror.Newf(apierror.KindParameterParse, "Could not read request body: %v", err)
		}
	}

	decoded, stringTyped, err := d.decodeBody(r.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, classify(err, apierror.KindParameterParse)
	}
	set, err := params.Build(r.URL.RawQuery, decoded, params.Options{
		BodyStringTyped: stringTyped,
		Reserved:        mode.FlagNames,
	})
	if err != nil {
		return nil, classify(err, apierror.KindParameterParse)
	}

	validated, args, apiErr := validateParams(def, set)
	if apiErr != nil {
		return nil, apiErr
	}

	flags, err := parseFlags(set)
	if err != nil {
		return nil, classify(err, apierror.KindParameterParse)
	}
	plan, err := mode.Resolve(flags, def.Capabilities, def.StreamNames())
	if err != nil {
		return nil, classify(err, apierror.KindExecutionMode)
	}
	return &prepared{params: validated, args: args, plan: plan}, nil
}

// validateParams checks every declared parameter and rejects undeclared
// ones. Failures are collected per parameter name.
func validateParams(def *definition.Definition, set *params.Set) (*value.Object, []value.Value, *apierror.Error) {
	out := value.NewObject()
	args := make([]value.Value, 0, len(def.Params))
	failures := map[string]any{}

	for _, p := range def.Params {
		v, present := set.Values.Get(p.Name)
		var mismatch *typeschema.MismatchError
		switch {
		case present:
			v, mismatch = typeschema.Validate(p.Schema, v, p.Name, set.StringTyped(p.Name))
		case p.Default != nil:
			v = *p.Default
		case p.Required:
			mismatch = typeschema.Missing(p.Schema, p.Name)
		default:
			v = value.Null()
		}
		if mismatch != nil {
			failures[p.Name] = mismatch.Details()
			continue
		}
		out.Set(p.Name, v)
		args = append(args, v)
	}

	for _, key := range set.Values.Keys() {
		if _, declared := def.Param(key); declared {
			continue
		}
		v, _ := set.Values.Get(key)
		failures[key] = map[string]any{
			"message": "is not a parameter of this function",
			"invalid": true,
			"actual":  typeschema.Actual{Type: v.TypeName(), Value: v},
		}
	}

	if len(failures) > 0 {
		return nil, nil, apierror.New(apierror.KindParameter, "Parameter validation error").WithDetails(failures)
	}
	return out, args, nil
}

func parseFlags(set *params.Set) (mode.Flags, error) {
	var flags mode.Flags
	targets := map[string]*mode.Flag{
		mode.FlagBackground: &flags.Background,
		mode.FlagStream:     &flags.Stream,
		mode.FlagDebug:      &flags.Debug,
	}
	for _, name := range mode.FlagNames {
		entry, ok := set.Reserved[name]
		if !ok {
			continue
		}
		f, err := mode.ParseFlag(name, entry.Value, entry.FromQuery)
		if err != nil {
			return flags, err
		}
		*targets[name] = f
	}
	return flags, nil
}

func classify(err error, fallback apierror.Kind) *apierror.Error {
	if apiErr, ok := apierror.As(err); ok {
		return apiErr
	}
	return apierror.Wrap(fallback, err)
}

func (d *Dispatcher) invoke(w http.ResponseWriter, r *http.Request, def *definition.Definition, req *prepared, start time.Time) {
	id := d.opts.NewID()
	w.Header().Set(HeaderExecutionID, id)

	ec := &invocation.Context{
		ExecutionID: id,
		Function:    def.Name,
		Route:       def.Route,
		Params:      req.params,
		Args:        req.args,
		HTTP: invocation.HTTP{
			Method:     r.Method,
			Path:       r.URL.Path,
			Headers:    r.Header.Clone(),
			Query:      r.URL.Query(),
			RemoteAddr: r.RemoteAddr,
		},
		Mode:     req.plan.Mode,
		Stream:   invocation.Discard,
		Keys:     invocation.Restrict(d.opts.Keys, def.Keys),
		Keychain: d.opts.Keychain,
	}
	logger := requestctx.Logger(r.Context()).With().
		Str("execution_id", id).
		Str("function", def.Name).
		Str("mode", req.plan.Mode.String()).
		Logger()
	ec.Debug = logSink(logger)

	if def.Handler == nil {
		err := noHandler(def.Name)
		d.report(ec, err)
		d.failure(err).write(w)
		return
	}
	handler := invocation.Safe(def.Handler)

	switch {
	case req.plan.Mode == mode.Background:
		d.background(w, r, def, handler, ec, logger, start)
	case req.plan.Streaming():
		d.stream(w, r, def, handler, ec, req.plan, logger, start)
	default:
		v, apiErr := d.run(r.Context(), d.deadline(def), handler, ec)
		var resp response
		if apiErr != nil {
			resp = d.failure(apiErr)
		} else {
			resp = d.result(def, v)
		}
		if !resp.gone {
			resp.write(w)
		}
		d.finish(ec, resp, logger, start)
	}
}

func (d *Dispatcher) background(w http.ResponseWriter, r *http.Request, def *definition.Definition,
	handler invocation.Handler, ec *invocation.Context, logger zerolog.Logger, start time.Time) {
	d.acknowledge(def, ec).write(w)
	logger.Debug().Msg("Background invocation accepted")

	ctx := context.WithoutCancel(r.Context())
	go func() {
		v, apiErr := d.run(ctx, d.opts.BackgroundTimeout, handler, ec)
		resp := response{status: http.StatusAccepted}
		if apiErr != nil {
			resp = d.failure(apiErr)
		} else if _, mismatch := typeschema.ValidateReturn(def.Returns.Schema, v); mismatch != nil {
			resp = d.failure(returnMismatch(def, mismatch))
		}
		d.finish(ec, resp, logger, start)
	}()
}

func (d *Dispatcher) stream(w http.ResponseWriter, r *http.Request, def *definition.Definition,
	handler invocation.Handler, ec *invocation.Context, plan mode.Plan, logger zerolog.Logger, start time.Time) {
	stream.WriteHeaders(w)
	em := stream.New(w, plan, def.Streams, stream.Options{
		QueueSize: d.opts.StreamQueue,
		OnEvent: func(name string) {
			if d.opts.Observer != nil {
				d.opts.Observer.StreamEvent(def.Name, name)
			}
		},
	})
	ec.Stream = em
	ec.Debug = em.DebugSink()
	em.Begin(d.opts.Now())

	v, apiErr := d.run(r.Context(), d.deadline(def), handler, ec)
	var resp response
	if apiErr != nil {
		resp = d.failure(apiErr)
	} else {
		resp = d.result(def, v)
	}
	switch {
	case resp.gone:
		_ = em.Close()
	default:
		if resp.err != nil {
			em.Error(resp.err)
		}
		if err := em.Response(resp.status, resp.header, resp.body); err != nil {
			logger.Debug().Err(err).Msg("Client left before the stream finished")
		}
	}
	d.finish(ec, resp, logger, start)
}

type outcome struct {
	value value.Value
	err   error
}

// deadline is the request-bound timeout for def.
func (d *Dispatcher) deadline(def *definition.Definition) time.Duration {
	if def.Timeout > 0 {
		return def.Timeout
	}
	return d.opts.Timeout
}

// errClientGone marks an invocation abandoned because the caller hung up.
// It is never reported and never rendered to the caller.
var errClientGone = errors.New("client closed request")

// clientGone reports whether parent was cancelled by the caller rather
// than by a deadline.
func clientGone(parent context.Context) bool {
	return errors.Is(parent.Err(), context.Canceled)
}

// run invokes the handler, bounded by timeout when it is positive. On expiry
// it stops waiting; the handler keeps running until it observes ctx.
func (d *Dispatcher) run(parent context.Context, timeout time.Duration, h invocation.Handler, ec *invocation.Context) (value.Value, *apierror.Error) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		v, err := h.Invoke(ctx, ec)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil {
			return o.value, nil
		}
		if clientGone(parent) {
			return value.Value{}, apierror.Wrap(apierror.KindFatal, errClientGone)
		}
		return value.Value{}, invocation.Classify(o.err)
	case <-ctx.Done():
		select {
		case o := <-done:
			if o.err == nil {
				return o.value, nil
			}
		default:
		}
		switch {
		case clientGone(parent):
			return value.Value{}, apierror.Wrap(apierror.KindFatal, errClientGone)
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return value.Value{}, apierror.Newf(apierror.KindTimeout,
				"Function %q timed out after %s", ec.Function, timeout).
				WithDetails(map[string]any{"timeout_ms": timeout.Milliseconds()})
		}
		return value.Value{}, apierror.Wrap(apierror.KindFatal, ctx.Err())
	}
}

func (d *Dispatcher) finish(ec *invocation.Context, resp response, logger zerolog.Logger, start time.Time) {
	elapsed := d.opts.Now().Sub(start)
	if d.opts.Observer != nil {
		d.opts.Observer.Invocation(ec.Function, ec.Mode, resp.status, elapsed)
	}
	if resp.gone {
		logger.Debug().Dur("duration", elapsed).Msg("Client disconnected before the invocation finished")
		return
	}
	if resp.err != nil && (ec.Mode == mode.Background || resp.err.Kind == apierror.KindFatal) {
		d.report(ec, resp.err)
	}
	event := logger.Info()
	if resp.err != nil {
		event = logger.Warn().Str("error_type", string(resp.err.Kind)).Str("error", resp.err.Message)
	}
	event.Int("status", resp.status).Dur("duration", elapsed).Msg("Invocation completed")
}

func (d *Dispatcher) report(ec *invocation.Context, err *apierror.Error) {
	if d.opts.OnError != nil {
		d.opts.OnError(ec, err)
	}
}

// logSink writes debug lines to the log when the client did not ask for them.
func logSink(logger zerolog.Logger) invocation.Sink {
	return invocation.SinkFunc(func(channel string, payload value.Value) error {
		line, _ := payload.AsString()
		logger.Debug().Str("channel", channel).Msg(line)
		return nil
	})
}

// Call invokes def outside of an HTTP request, as a background run with the
// given parameters. It applies the same validation and deadline as a request.
func (d *Dispatcher) Call(ctx context.Context, def *definition.Definition, args *value.Object) (value.Value, *apierror.Error) {
	start := d.opts.Now()
	body := value.Null()
	if args != nil {
		body = value.FromObject(args)
	}
	set, err := params.Build("", body, params.Options{Reserved: mode.FlagNames})
	if err != nil {
		return value.Value{}, classify(err, apierror.KindParameterParse)
	}
	validated, positional, apiErr := validateParams(def, set)
	if apiErr != nil {
		return value.Value{}, apiErr
	}

	id := d.opts.NewID()
	ec := &invocation.Context{
		ExecutionID: id,
		Function:    def.Name,
		Route:       def.Route,
		Params:      validated,
		Args:        positional,
		Mode:        mode.Background,
		Stream:      invocation.Discard,
		Keys:        invocation.Restrict(d.opts.Keys, def.Keys),
		Keychain:    d.opts.Keychain,
	}
	logger := log.With().
		Str("execution_id", id).
		Str("function", def.Name).
		Str("mode", mode.Background.String()).
		Logger()
	ec.Debug = logSink(logger)

	if def.Handler == nil {
		apiErr := noHandler(def.Name)
		d.finish(ec, d.failure(apiErr), logger, start)
		return value.Value{}, apiErr
	}

	v, apiErr := d.run(ctx, d.deadline(def), invocation.Safe(def.Handler), ec)
	if apiErr == nil {
		if _, mismatch := typeschema.ValidateReturn(def.Returns.Schema, v); mismatch != nil {
			apiErr = returnMismatch(def, mismatch)
		}
	}
	resp := response{status: http.StatusOK}
	if apiErr != nil {
		resp = d.failure(apiErr)
	}
	d.finish(ec, resp, logger, start)
	return v, apiErr
}
