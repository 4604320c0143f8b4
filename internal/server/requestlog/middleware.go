package requestlog

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/watzon/fngate/internal/gateway"
	"github.com/watzon/fngate/internal/requestctx"
	"github.com/watzon/fngate/internal/resolve"
)

// errorPrefixSize bounds how much of an error body is kept to read its type.
const errorPrefixSize = 2048

// Options configures the request log middleware.
type Options struct {
	// Subject reports the verified caller of a request, if any.
	Subject func(r *http.Request) (string, bool)
	// SkipPrefixes are path prefixes that are never logged.
	SkipPrefixes []string
}

// Middleware creates an HTTP middleware that logs requests to the store.
func Middleware(store *Store, opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if shouldSkip(r.URL.Path, opts.SkipPrefixes) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			requestID := requestctx.RequestID(r.Context())

			wrapped := &responseCapture{
				ResponseWriter: w,
				status:         http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)

			entry := Entry{
				ID:          requestID,
				ExecutionID: w.Header().Get(gateway.HeaderExecutionID),
				Timestamp:   start,
				Method:      r.Method,
				Path:        r.URL.Path,
				Query:       r.URL.RawQuery,
				Status:      wrapped.status,
				Duration:    duration,
				DurationMS:  millis(duration),
				BytesIn:     r.ContentLength,
				BytesOut:    int64(wrapped.bytes),
				ClientIP:    resolve.ClientIP(r),
				Origin:      r.Header.Get("Origin"),
				UserAgent:   r.UserAgent(),
				Stream:      strings.HasPrefix(w.Header().Get("Content-Type"), "text/event-stream"),
				ErrorType:   wrapped.errorType(),
			}

			if opts.Subject != nil {
				if sub, ok := opts.Subject(r); ok {
					entry.Subject = sub
				}
			}

			store.Add(entry)
		})
	}
}

func shouldSkip(path string, prefixes []string) bool {
	for _, skip := range prefixes {
		if strings.HasPrefix(path, skip) {
			return true
		}
	}
	return false
}

type responseCapture struct {
	http.ResponseWriter
	status  int
	bytes   int
	errBody []byte
}

func (w *responseCapture) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseCapture) Write(b []byte) (int, error) {
	if w.status >= http.StatusBadRequest && len(w.errBody) < errorPrefixSize {
		room := errorPrefixSize - len(w.errBody)
		w.errBody = append(w.errBody, b[:min(room, len(b))]...)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (w *responseCapture) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *responseCapture) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// errorType reads the type field of an error envelope body.
func (w *responseCapture) errorType() string {
	if len(w.errBody) == 0 {
		return ""
	}
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.errBody, &body); err != nil {
		return ""
	}
	return body.Error.Type
}
