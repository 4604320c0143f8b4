// Package apierror defines the gateway's error taxonomy and the HTTP status
// each kind maps to.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// Kind names an error category. It is rendered as error.type in responses.
type Kind string

const (
	KindNotFound             Kind = "NotFoundError"
	KindNotImplemented       Kind = "NotImplementedError"
	KindParameterParse       Kind = "ParameterParseError"
	KindParameter            Kind = "ParameterError"
	KindValue                Kind = "ValueError"
	KindExecutionMode        Kind = "ExecutionModeError"
	KindDebug                Kind = "DebugError"
	KindStream               Kind = "StreamError"
	KindStreamListener       Kind = "StreamListenerError"
	KindOrigin               Kind = "OriginError"
	KindAccessPermission     Kind = "AccessPermissionError"
	KindAccessSource         Kind = "AccessSourceError"
	KindAccessAuth           Kind = "AccessAuthError"
	KindAccessSuspended      Kind = "AccessSuspendedError"
	KindOwnerSuspended       Kind = "OwnerSuspendedError"
	KindOwnerPaymentRequired Kind = "OwnerPaymentRequiredError"
	KindPaymentRequired      Kind = "PaymentRequiredError"
	KindRateLimit            Kind = "RateLimitError"
	KindAuthRateLimit        Kind = "AuthRateLimitError"
	KindUnauthRateLimit      Kind = "UnauthRateLimitError"
	KindSave                 Kind = "SaveError"
	KindMaintenance          Kind = "MaintenanceError"
	KindUpdate               Kind = "UpdateError"
	KindRuntime              Kind = "RuntimeError"
	KindFatal                Kind = "FatalError"
	KindTimeout              Kind = "TimeoutError"
)

// StatusRuntimeError is returned for unhandled errors raised by user code.
const StatusRuntimeError = 420

var statusByKind = map[Kind]int{
	KindNotFound:             http.StatusNotFound,
	KindNotImplemented:       http.StatusNotImplemented,
	KindParameterParse:       http.StatusBadRequest,
	KindParameter:            http.StatusBadRequest,
	KindValue:                http.StatusBadGateway,
	KindExecutionMode:        http.StatusForbidden,
	KindDebug:                http.StatusForbidden,
	KindStream:               http.StatusBadRequest,
	KindStreamListener:       http.StatusBadRequest,
	KindOrigin:               http.StatusForbidden,
	KindAccessPermission:     http.StatusUnauthorized,
	KindAccessSource:         http.StatusUnauthorized,
	KindAccessAuth:           http.StatusUnauthorized,
	KindAccessSuspended:      http.StatusUnauthorized,
	KindOwnerSuspended:       http.StatusServiceUnavailable,
	KindOwnerPaymentRequired: http.StatusServiceUnavailable,
	KindPaymentRequired:      http.StatusPaymentRequired,
	KindRateLimit:            http.StatusTooManyRequests,
	KindAuthRateLimit:        http.StatusTooManyRequests,
	KindUnauthRateLimit:      http.StatusTooManyRequests,
	KindSave:                 http.StatusServiceUnavailable,
	KindMaintenance:          http.StatusForbidden,
	KindUpdate:               http.StatusConflict,
	KindRuntime:              StatusRuntimeError,
	KindFatal:                http.StatusInternalServerError,
	KindTimeout:              http.StatusGatewayTimeout,
}

// StatusFor returns the HTTP status for a kind. Unknown kinds map to 500.
func StatusFor(kind Kind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Error is a classified gateway error.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Status  int
	Stack   string
	cause   error
}

// New creates an error of the given kind with its table status.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Status: StatusFor(kind)}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap classifies cause under kind.
func Wrap(kind Kind, cause error) *Error {
	e := New(kind, cause.Error())
	e.cause = cause
	return e
}

// WithDetails attaches structured context and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithStack attaches a stack trace and returns the error.
func (e *Error) WithStack(stack string) *Error {
	e.Stack = stack
	return e
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Body is the JSON envelope for error responses.
type Body struct {
	Error BodyError `json:"error"`
}

// BodyError is the inner envelope object.
type BodyError struct {
	Type    Kind           `json:"type"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Stack   string         `json:"stack,omitempty"`
}

// Envelope returns the response body for e.
func (e *Error) Envelope() Body {
	return Body{Error: BodyError{
		Type:    e.Kind,
		Message: e.Message,
		Details: e.Details,
		Stack:   e.Stack,
	}}
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

var statusPrefix = regexp.MustCompile(`^\s*(\d{3})(?:\s*[:\-]\s*|\s+|$)(.*)$`)

// FromThrown classifies an error raised by user code. A message prefixed
// with a known 4xx/5xx status ("401 Not allowed") maps to that status and a
// kind named after the status text; anything else is a RuntimeError.
func FromThrown(message string) *Error {
	if m := statusPrefix.FindStringSubmatch(message); m != nil {
		code, _ := strconv.Atoi(m[1])
		if text := http.StatusText(code); text != "" && code >= 400 && code <= 599 {
			msg := strings.TrimSpace(m[2])
			if msg == "" {
				msg = text
			}
			return &Error{Kind: kindFromStatusText(text), Message: msg, Status: code}
		}
	}
	return New(KindRuntime, message)
}

func kindFromStatusText(text string) Kind {
	var sb strings.Builder
	for _, r := range text {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	sb.WriteString("Error")
	return Kind(sb.String())
}
