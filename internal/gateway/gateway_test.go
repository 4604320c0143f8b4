package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/definition"
	"github.com/watzon/fngate/internal/invocation"
	"github.com/watzon/fngate/internal/mode"
	"github.com/watzon/fngate/internal/value"
)

const testExecutionID = "8f14e45f-ceea-4672-a000-000000000001"

type table map[string]*Route

func (t table) Lookup(path string) (*Route, bool) {
	r, ok := t[strings.Trim(path, "/")]
	return r, ok
}

func fn(t *testing.T, name, doc string, h invocation.HandlerFunc) *definition.Definition {
	t.Helper()
	def, err := definition.FromDoc(name, doc)
	require.NoError(t, err)
	def.Route = "/" + name + "/"
	def.Handler = h
	return def
}

func greet(t *testing.T) *definition.Definition {
	return fn(t, "greet", `
Greets someone
@param {string} name
@param {integer} [age=30]
@returns {string}
`, func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
		name, _ := ec.Args[0].AsString()
		age, _ := ec.Args[1].AsInt()
		ec.Stdout("greeting " + name)
		return value.String(fmt.Sprintf("hi %s %d", name, age)), nil
	})
}

func newDispatcher(opts Options, defs ...*definition.Definition) *Dispatcher {
	routes := table{}
	for _, def := range defs {
		routes[def.Name] = &Route{Definition: def}
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return testExecutionID }
	}
	return New(routes, opts)
}

func do(d http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apierror.BodyError {
	t.Helper()
	var body apierror.Body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error
}

func TestDispatcher_NotFound(t *testing.T) {
	d := newDispatcher(Options{}, greet(t))
	rec := do(d, httptest.NewRequest(http.MethodGet, "/missing/", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apierror.KindNotFound, decodeError(t, rec).Type)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get(HeaderExecutionID))
}

func TestDispatcher_Invoke(t *testing.T) {
	d := newDispatcher(Options{}, greet(t))
	req := httptest.NewRequest(http.MethodGet, "/greet/?name=Ada&age=41", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := do(d, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `"hi Ada 41"`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, testExecutionID, rec.Header().Get(HeaderExecutionID))
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), HeaderExecutionID)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Headers"))
}

func TestDispatcher_Defaults(t *testing.T) {
	d := newDispatcher(Options{}, greet(t))
	rec := do(d, httptest.NewRequest(http.MethodGet, "/greet/?name=Ada", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `"hi Ada 30"`, rec.Body.String())
}

func TestDispatcher_Bodies(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        string
	}{
		{"json", "application/json", `{"name":"Ada","age":41}`, `"hi Ada 41"`},
		{"json suffix", "application/vnd.api+json", `{"name":"Ada"}`, `"hi Ada 30"`},
		{"form", "application/x-www-form-urlencoded", "name=Grace&age=85", `"hi Grace 85"`},
		{"xml", "application/xml", `<params><name>Ada</name><age>41</age></params>`, `"hi Ada 41"`},
		{"xml suffix", "application/soap+xml", `<?xml version="1.0"?><p><name>Alan</name></p>`, `"hi Alan 30"`},
	}

	d := newDispatcher(Options{}, greet(t))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/greet/", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			rec := do(d, req)

			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.JSONEq(t, tt.want, rec.Body.String())
		})
	}
}

func TestDispatcher_BodyErrors(t *testing.T) {
	tests := []struct {
		name        string
		target      string
		contentType string
		body        string
	}{
		{"malformed json", "/greet/", "application/json", `{"name":`},
		{"unsupported type", "/greet/", "text/csv", "a,b"},
		{"query and body", "/greet/?name=a", "application/json", `{"name":"b"}`},
		{"push and assign", "/greet/?name[]=a&name=b", "", ""},
		{"non-object body", "/greet/", "application/json", `[1,2]`},
		{"malformed xml", "/greet/", "text/xml", `<params><name>Ada</params>`},
		{"two xml roots", "/greet/", "text/xml", `<a/><b/>`},
	}

	d := newDispatcher(Options{}, greet(t))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.target, strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rec := do(d, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, apierror.KindParameterParse, decodeError(t, rec).Type)
		})
	}
}

func TestDispatcher_BodyTooLarge(t *testing.T) {
	d := newDispatcher(Options{MaxBodySize: 8}, greet(t))
	req := httptest.NewRequest(http.MethodPost, "/greet/", strings.NewReader(`{"name":"a very long name"}`))
	rec := do(d, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "exceeds 8 bytes")
}

func TestDispatcher_ParameterErrors(t *testing.T) {
	d := newDispatcher(Options{}, greet(t))
	rec := do(d, httptest.NewRequest(http.MethodGet, "/greet/?age=47.2&extra=1", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, apierror.KindParameter, body.Type)
	require.Contains(t, body.Details, "name")
	require.Contains(t, body.Details, "age")
	require.Contains(t, body.Details, "extra")

	age := body.Details["age"].(map[string]any)
	assert.Equal(t, "integer", age["expected"].(map[string]any)["type"])
	actual := age["actual"].(map[string]any)
	assert.Equal(t, "number", actual["type"])
	assert.Equal(t, 47.2, actual["value"])

	name := body.Details["name"].(map[string]any)
	assert.Equal(t, "is required", name["message"])
}

func TestDispatcher_NestedMismatchPath(t *testing.T) {
	def := fn(t, "save", `
@param {object} user
@ {array} posts
@   {object} post
@     {array} messages
@       {string} message
`, func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
		return value.Null(), nil
	})
	d := newDispatcher(Options{}, def)
	req := httptest.NewRequest(http.MethodPost, "/save/",
		strings.NewReader(`{"user":{"posts":[{"messages":["a","b",3]}]}}`))
	req.Header.Set("Content-Type", "application/json")
	rec := do(d, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	user := decodeError(t, rec).Details["user"].(map[string]any)
	assert.Equal(t, "user.posts[0].messages[2]", user["mismatch"])
}

func TestDispatcher_Redirect(t *testing.T) {
	d := newDispatcher(Options{}, greet(t))

	req := httptest.NewRequest(http.MethodGet, "/greet?name=Ada", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64)")
	rec := do(d, req)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/greet/?name=Ada", rec.Header().Get("Location"))

	req = httptest.NewRequest(http.MethodGet, "/greet?name=Ada", nil)
	req.Header.Set("User-Agent", "curl/8.4.0")
	rec = do(d, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/greet?name=Ada", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0")
	rec = do(d, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDispatcher_MethodNotExported(t *testing.T) {
	get := fn(t, "items", "@returns {array}", func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
		return value.Array(value.Int(1)), nil
	})
	get.Method = http.MethodGet
	items := &definition.Definition{Name: "items", Methods: map[string]*definition.Definition{http.MethodGet: get}}
	d := New(table{"items": {Definition: items}}, Options{})

	rec := do(d, httptest.NewRequest(http.MethodGet, "/items/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[1]`, rec.Body.String())

	rec = do(d, httptest.NewRequest(http.MethodDelete, "/items/", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Equal(t, apierror.KindNotImplemented, decodeError(t, rec).Type)

	rec = do(d, httptest.NewRequest(http.MethodOptions, "/items/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestDispatcher_ModeMatrix(t *testing.T) {
	progress := fn(t, "progress", `
@stream {object} progress
@ {number} percent
@returns {string}
`, func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
		return value.String("done"), nil
	})

	tests := []struct {
		name    string
		target  string
		status  int
		kind    apierror.Kind
		message string
	}{
		{"background not declared", "/greet/?name=a&_background=true", http.StatusForbidden, apierror.KindExecutionMode, `"background"`},
		{"stream not declared", "/greet/?name=a&_stream", http.StatusForbidden, apierror.KindExecutionMode, `"stream"`},
		{"debug with background", "/greet/?name=a&_debug=true&_background=true", http.StatusForbidden, apierror.KindDebug, `Can not debug with "background" mode set`},
		{"unknown listener", "/progress/?_stream.nope=true", http.StatusBadRequest, apierror.KindStreamListener, `"nope"`},
		{"unknown debug channel", "/greet/?name=a&_debug.@nope=true", http.StatusForbidden, apierror.KindDebug, `"@nope"`},
		{"array flag", "/greet/?name=a&_background[]=1", http.StatusBadRequest, apierror.KindParameterParse, "_background"},
	}

	d := newDispatcher(Options{}, greet(t), progress)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(d, httptest.NewRequest(http.MethodGet, tt.target, nil))
			assert.Equal(t, tt.status, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, tt.kind, body.Type)
			assert.Contains(t, body.Message, tt.message)
		})
	}
}

func TestDispatcher_InvocationErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   apierror.Kind
	}{
		{"plain error", errors.New("boom"), apierror.StatusRuntimeError, apierror.KindRuntime},
		{"status prefix", &invocation.ThrownError{Name: "Error", Message: "401 Not allowed"}, http.StatusUnauthorized, "UnauthorizedError"},
		{"non-error throw", &invocation.ThrownError{Message: "42", NonError: true}, apierror.StatusRuntimeError, apierror.KindRuntime},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := fn(t, "fail", "", func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
				return value.Value{}, tt.err
			})
			rec := do(newDispatcher(Options{}, def), httptest.NewRequest(http.MethodGet, "/fail/", nil))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.kind, decodeError(t, rec).Type)
			assert.Equal(t, testExecutionID, rec.Header().Get(HeaderExecutionID))
		})
	}
}

func TestDispatcher_PanicHidesStack(t *testing.T) {
	def := fn(t, "crash", "", func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
		panic("kaboom")
	})

	rec := do(newDispatcher(Options{}, def), httptest.NewRequest(http.MethodGet, "/crash/", nil))
	assert.Equal(t, apierror.StatusRuntimeError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "kaboom", body.Message)
	assert.Empty(t, body.Stack)

	rec = do(newDispatcher(Options{ExposeStacks: true}, def), httptest.NewRequest(http.MethodGet, "/crash/", nil))
	assert.NotEmpty(t, decodeError(t, rec).Stack)
}

func TestDispatcher_ReturnMismatch(t *testing.T) {
	def := fn(t, "count", "@returns {integer} total", func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
		return value.String("many"), nil
	})
	rec := do(newDispatcher(Options{}, def), httptest.NewRequest(http.MethodGet, "/count/", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, apierror.KindValue, body.Type)
	assert.Contains(t, body.Details, "total")
}

func TestDispatcher_BufferReturn(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	def := fn(t, "image", "@returns {buffer}", func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
		return value.Buffer(png, "image/png"), nil
	})
	rec := do(newDispatcher(Options{}, def), httptest.NewRequest(http.MethodGet, "/image/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, png, rec.Body.Bytes())
}

func TestDispatcher_MockedBufferReturn(t *testing.T) {
	def := fn(t, "text", "", func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
		return value.ObjectOf(
			value.P(value.Base64Key, value.String("aGk=")),
			value.P(value.ContentTypeKey, value.String("text/plain")),
		), nil
	})
	rec := do(newDispatcher(Options{}, def), httptest.NewRequest(http.MethodGet, "/text/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "hi", rec.Body.String())
}

func TestDispatcher_NestedBufferRendersBase64(t *testing.T) {
	def := fn(t, "file", "@returns {object}", func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
		return value.ObjectOf(value.P("data", value.Buffer([]byte("hi"), "text/plain"))), nil
	})
	rec := do(newDispatcher(Options{}, def), httptest.NewRequest(http.MethodGet, "/file/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"_base64":"aGk="}}`, rec.Body.String())
}

func TestDispatcher_Timeout(t *testing.T) {
	def := fn(t, "slow", "", func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
		<-ctx.Done()
		return value.Value{}, ctx.Err()
	})
	def.Timeout = 20 * time.Millisecond
	rec := do(newDispatcher(Options{}, def), httptest.NewRequest(http.MethodGet, "/slow/", nil))

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, apierror.KindTimeout, decodeError(t, rec).Type)
}

func TestDispatcher_Background(t *testing.T) {
	ran := make(chan int64, 1)
	def := fn(t, "job", `
@background params
@param {integer} n
`, func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
		n, _ := ec.Args[0].AsInt()
		ran <- n
		return value.Null(), nil
	})

	rec := do(newDispatcher(Options{}, def), httptest.NewRequest(http.MethodGet, "/job/?n=3&_background", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"n":3}`, rec.Body.String())
	assert.Equal(t, testExecutionID, rec.Header().Get(HeaderExecutionID))

	select {
	case n := <-ran:
		assert.Equal(t, int64(3), n)
	case <-time.After(2 * time.Second):
		t.Fatal("background invocation did not run")
	}
}

func TestDispatcher_BackgroundErrorsReachHandler(t *testing.T) {
	reported := make(chan *apierror.Error, 1)
	def := fn(t, "job", "@background", func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
		return value.Value{}, errors.New("failed later")
	})
	d := newDispatcher(Options{
		OnError: func(ec *invocation.Context, err *apierror.Error) { reported <- err },
	}, def)

	rec := do(d, httptest.NewRequest(http.MethodPost, "/job/?_background=true", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "job")

	select {
	case err := <-reported:
		assert.Equal(t, apierror.KindRuntime, err.Kind)
		assert.Equal(t, "failed later", err.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("background error was not reported")
	}
}

func TestDispatcher_Stream(t *testing.T) {
	def := fn(t, "progress", `
@stream {object} progress
@ {number} percent
@stream {string} log
@returns {string}
`, func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
		if err := ec.Emit("progress", value.ObjectOf(value.P("percent", value.Int(50)))); err != nil {
			return value.Value{}, err
		}
		_ = ec.Emit("log", value.String("filtered"))
		return value.String("done"), nil
	})

	rec := do(newDispatcher(Options{}, def), httptest.NewRequest(http.MethodGet, "/progress/?_stream.progress", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, testExecutionID, rec.Header().Get(HeaderExecutionID))

	out := rec.Body.String()
	assert.True(t, strings.HasPrefix(out, "event: @begin\nid: 1\n"), out)
	assert.Contains(t, out, "event: progress\nid: 2\ndata: {\"percent\":50}\n\n")
	assert.NotContains(t, out, "filtered")
	assert.Contains(t, out, "event: @response\nid: 3\n")
	assert.Contains(t, out, `"statusCode":200`)
	assert.Contains(t, out, `"body":"\"done\""`)
}

func TestDispatcher_StreamErrorEvent(t *testing.T) {
	def := fn(t, "progress", `
@stream {string} log
`, func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
		return value.Value{}, ec.Emit("unknown", value.String("x"))
	})

	rec := do(newDispatcher(Options{}, def), httptest.NewRequest(http.MethodGet, "/progress/?_stream", nil))
	out := rec.Body.String()
	assert.Contains(t, out, "event: @error\n")
	assert.Contains(t, out, `"type":"StreamError"`)
	assert.Contains(t, out, `"statusCode":400`)
}

func TestDispatcher_DebugWithoutStreams(t *testing.T) {
	rec := do(newDispatcher(Options{}, greet(t)), httptest.NewRequest(http.MethodGet, "/greet/?name=Ada&_debug", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	assert.Contains(t, out, "event: @begin\n")
	assert.Contains(t, out, "event: @stdout\nid: 2\ndata: \"greeting Ada\"\n\n")
	assert.Contains(t, out, "event: @response\n")
}

type denyOrigins struct{}

func (denyOrigins) Allow(origin string, def *definition.Definition) error {
	if origin == "https://evil.example" {
		return errors.New("origin is not allowed")
	}
	return nil
}

type limitResolver struct{}

func (limitResolver) Resolve(r *http.Request, def *definition.Definition) error {
	if r.Header.Get("Authorization") == "" {
		return apierror.New(apierror.KindUnauthRateLimit, "Too many requests").
			WithDetails(map[string]any{"limit": 1})
	}
	return nil
}

func TestDispatcher_OriginAndResolve(t *testing.T) {
	var invoked bool
	def := fn(t, "guarded", "", func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
		invoked = true
		return value.Null(), nil
	})
	d := newDispatcher(Options{Origins: denyOrigins{}, Resolver: limitResolver{}}, def)

	req := httptest.NewRequest(http.MethodGet, "/guarded/?bad[1.5]=x", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := do(d, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, apierror.KindOrigin, decodeError(t, rec).Type)

	req = httptest.NewRequest(http.MethodGet, "/guarded/", nil)
	rec = do(d, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, apierror.KindUnauthRateLimit, decodeError(t, rec).Type)

	req = httptest.NewRequest(http.MethodGet, "/guarded/", nil)
	req.Header.Set("Authorization", "Bearer x")
	rec = do(d, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, invoked)
}

func TestDispatcher_Multipart(t *testing.T) {
	def := fn(t, "upload", `
@param {buffer} file
@param {string} title
@param {array} tags
@returns {object}
`, func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
		data, contentType, _ := ec.Args[0].AsBuffer()
		tags, _ := ec.Args[2].AsArray()
		return value.ObjectOf(
			value.P("title", ec.Args[1]),
			value.P("size", value.Int(int64(len(data)))),
			value.P("type", value.String(contentType)),
			value.P("tags", value.Int(int64(len(tags)))),
		), nil
	})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("title", "Report"))
	require.NoError(t, mw.WriteField("tags[]", "a"))
	require.NoError(t, mw.WriteField("tags[]", "b"))
	part, err := mw.CreateFormFile("file", "report.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload/", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := do(newDispatcher(Options{}, def), req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"title":"Report","size":5,"type":"application/octet-stream","tags":2}`, rec.Body.String())
}

func TestDispatcher_KeysAreRestricted(t *testing.T) {
	def := fn(t, "keys", "@keys STRIPE", func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
		stripe, _ := ec.Key("STRIPE")
		_, other := ec.Key("OTHER")
		return value.ObjectOf(value.P("stripe", value.String(stripe)), value.P("other", value.Bool(other))), nil
	})
	d := newDispatcher(Options{Keys: invocation.Keys{"STRIPE": "sk_test", "OTHER": "secret"}}, def)
	rec := do(d, httptest.NewRequest(http.MethodGet, "/keys/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"stripe":"sk_test","other":false}`, rec.Body.String())
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []int
	modes    []mode.Mode
	events   []string
}

func (o *recordingObserver) Invocation(function string, m mode.Mode, status int, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
	o.modes = append(o.modes, m)
}

func (o *recordingObserver) StreamEvent(function, channel string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, channel)
}

func TestDispatcher_Observer(t *testing.T) {
	obs := &recordingObserver{}
	d := newDispatcher(Options{Observer: obs}, greet(t))

	do(d, httptest.NewRequest(http.MethodGet, "/greet/?name=Ada", nil))
	do(d, httptest.NewRequest(http.MethodGet, "/greet/?name=Ada&_debug", nil))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []int{http.StatusOK, http.StatusOK}, obs.statuses)
	assert.Equal(t, []mode.Mode{mode.Normal, mode.Debug}, obs.modes)
	assert.Equal(t, []string{"@begin", "@stdout", "@response"}, obs.events)
}

func TestDispatcher_ClientDisconnect(t *testing.T) {
	waitForCancel := func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
		select {
		case <-ctx.Done():
			return value.Value{}, ctx.Err()
		case <-time.After(2 * time.Second):
			return value.String("too late"), nil
		}
	}
	tests := []struct {
		name string
		doc  string
		url  string
	}{
		{"normal", "@returns {string}", "/slow/"},
		{"stream", "@stream {string} log\n@returns {string}", "/slow/?_stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				mu       sync.Mutex
				reported []*apierror.Error
			)
			obs := &recordingObserver{}
			d := newDispatcher(Options{
				Observer: obs,
				OnError: func(ec *invocation.Context, err *apierror.Error) {
					mu.Lock()
					defer mu.Unlock()
					reported = append(reported, err)
				},
			}, fn(t, "slow", tt.doc, waitForCancel))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			time.AfterFunc(10*time.Millisecond, cancel)
			rec := do(d, httptest.NewRequest(http.MethodGet, tt.url, nil).WithContext(ctx))

			assert.NotContains(t, rec.Body.String(), "FatalError")
			assert.NotContains(t, rec.Body.String(), "@response")
			mu.Lock()
			assert.Empty(t, reported)
			mu.Unlock()
			obs.mu.Lock()
			assert.Equal(t, []int{StatusClientClosed}, obs.statuses)
			obs.mu.Unlock()
		})
	}
}

func TestDispatcher_BackgroundIgnoresRequestTimeout(t *testing.T) {
	finished := make(chan error, 1)
	def := fn(t, "job", "@background", func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
		time.Sleep(60 * time.Millisecond)
		finished <- ctx.Err()
		return value.Null(), nil
	})
	rec := do(newDispatcher(Options{Timeout: 20 * time.Millisecond}, def),
		httptest.NewRequest(http.MethodGet, "/job/?_background", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case err := <-finished:
		assert.NoError(t, err, "background run was cancelled")
	case <-time.After(2 * time.Second):
		t.Fatal("background invocation did not finish")
	}
}

func TestDispatcher_BackgroundTimeout(t *testing.T) {
	reported := make(chan *apierror.Error, 1)
	def := fn(t, "job", "@background", func(ctx context.Context, ec *invocation.Context) (value.Value, error) {
		<-ctx.Done()
		return value.Value{}, ctx.Err()
	})
	d := newDispatcher(Options{
		BackgroundTimeout: 20 * time.Millisecond,
		OnError:           func(ec *invocation.Context, err *apierror.Error) { reported <- err },
	}, def)

	rec := do(d, httptest.NewRequest(http.MethodGet, "/job/?_background", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case err := <-reported:
		assert.Equal(t, apierror.KindTimeout, err.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("background timeout was not reported")
	}
}
