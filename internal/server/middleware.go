package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/gateway"
	"github.com/watzon/fngate/internal/metrics"
	"github.com/watzon/fngate/internal/requestctx"
)

// maxRequestIDLen bounds inbound X-Request-ID values that are trusted.
const maxRequestIDLen = 128

// RecoveryMiddleware answers panics that escape a handler with a FatalError
// envelope. http.ErrAbortHandler is re-raised so net/http drops the
// connection as it expects.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger := requestctx.Logger(r.Context())
			logger.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("path", r.URL.Path).
				Msg("Recovered from panic while serving request")

			apiErr := apierror.Newf(apierror.KindFatal, "Internal error: %v", rec)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(apiErr.Status)
			_ = json.NewEncoder(w).Encode(apiErr.Envelope())
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestIDMiddleware tags the request with an id, reusing a well-formed
// inbound X-Request-ID so ids can be correlated across proxies.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestctx.HeaderRequestID)
		if !validRequestID(id) {
			id = uuid.New().String()
		}
		w.Header().Set(requestctx.HeaderRequestID, id)

		ctx := requestctx.WithRequestTime(requestctx.WithRequestID(r.Context(), id), time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.ContainsRune("-_.:", c):
		default:
			return false
		}
	}
	return true
}

// LoggingMiddleware writes one line per request. Admin traffic logs at
// debug, server errors at error.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec, took := record(next, w, r)

		logger := requestctx.Logger(r.Context())
		var event *zerolog.Event
		switch {
		case strings.HasPrefix(r.URL.Path, adminPrefix):
			event = logger.Debug()
		case rec.status >= http.StatusInternalServerError:
			event = logger.Error()
		default:
			event = logger.Info()
		}
		if id := w.Header().Get(gateway.HeaderExecutionID); id != "" {
			event = event.Str("execution_id", id)
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Int("bytes", rec.bytes).
			Dur("duration", took).
			Str("remote_addr", r.RemoteAddr).
			Msg("Request completed")
	})
}

// MetricsMiddleware records request counts, latency and in-flight calls.
// Scrapes of the metrics endpoint itself are not counted.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == adminPrefix+"metrics" {
			next.ServeHTTP(w, r)
			return
		}

		metrics.IncrementInFlight()
		rec, took := record(next, w, r)
		metrics.DecrementInFlight()

		metrics.RecordHTTPRequest(r.Method, metrics.NormalizePath(r.URL.Path), rec.status, took, rec.bytes)
	})
}

// CompressionMiddleware gzips responses for clients that accept it. Event
// streams pass through untouched so frames are delivered as they flush.
func CompressionMiddleware() (Middleware, error) {
	wrap, err := gzhttp.NewWrapper(
		gzhttp.MinSize(gzhttp.DefaultMinSize),
		gzhttp.ExceptContentTypes([]string{"text/event-stream"}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gzip wrapper: %w", err)
	}
	return func(next http.Handler) http.Handler { return wrap(next) }, nil
}

func record(next http.Handler, w http.ResponseWriter, r *http.Request) (*statusRecorder, time.Duration) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	next.ServeHTTP(rec, r)
	return rec, time.Since(start)
}

// statusRecorder remembers the status and size of a response. It forwards
// Flush so streamed results are not held back.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
