package invocation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/value"
)

// ThrownError is an error raised by user code, either a Go error returned by a
// native handler or an error reported by an out-of-process runtime.
type ThrownError struct {
	Name    string
	Message string
	Stack   string
	// NonError marks a thrown value that was not an error object.
	NonError bool
}

func (e *ThrownError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// Classify maps an invocation failure onto the error taxonomy. Errors
// already classified pass through; a message prefixed with a known HTTP
// status maps to that status; anything else is a RuntimeError.
func Classify(err error) *apierror.Error {
	if apiErr, ok := apierror.As(err); ok {
		return apiErr
	}
	var thrown *ThrownError
	if errors.As(err, &thrown) {
		out := apierror.FromThrown(thrown.Message)
		out.Stack = thrown.Stack
		if thrown.NonError {
			out.Details = map[string]any{"thrown": true}
		}
		return out
	}
	return apierror.FromThrown(err.Error())
}

// Safe runs a handler, turning a panic into a RuntimeError carrying the
// stack trace.
func Safe(h Handler) Handler {
	return HandlerFunc(func(ctx context.Context, ec *Context) (v value.Value, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = apierror.New(apierror.KindRuntime, fmt.Sprint(r)).WithStack(string(debug.Stack()))
			}
		}()
		return h.Invoke(ctx, ec)
	})
}
