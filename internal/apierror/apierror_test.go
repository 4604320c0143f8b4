package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFor(t *testing.T) {
	cases := map[Kind]int{
		KindNotFound:             404,
		KindParameterParse:       400,
		KindParameter:            400,
		KindValue:                502,
		KindExecutionMode:        403,
		KindDebug:                403,
		KindOrigin:               403,
		KindAccessAuth:           401,
		KindOwnerSuspended:       503,
		KindOwnerPaymentRequired: 503,
		KindPaymentRequired:      402,
		KindRateLimit:            429,
		KindAuthRateLimit:        429,
		KindUnauthRateLimit:      429,
		KindSave:                 503,
		KindMaintenance:          403,
		KindUpdate:               409,
		KindRuntime:              420,
		KindFatal:                500,
		KindTimeout:              504,
		Kind("SomethingElse"):    500,
	}

	for kind, status := range cases {
		assert.Equal(t, status, StatusFor(kind), "kind %s", kind)
	}
}

func TestFromThrown(t *testing.T) {
	tests := []struct {
		message string
		kind    Kind
		status  int
		text    string
	}{
		{"401 Not allowed", "UnauthorizedError", http.StatusUnauthorized, "Not allowed"},
		{"404: missing thing", "NotFoundError", http.StatusNotFound, "missing thing"},
		{"503", "ServiceUnavailableError", http.StatusServiceUnavailable, "Service Unavailable"},
		{"418 short and stout", "ImateapotError", http.StatusTeapot, "short and stout"},
		{"200 fine", KindRuntime, StatusRuntimeError, "200 fine"},
		{"999 nope", KindRuntime, StatusRuntimeError, "999 nope"},
		{"boom", KindRuntime, StatusRuntimeError, "boom"},
		{"4040 wide", KindRuntime, StatusRuntimeError, "4040 wide"},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			err := FromThrown(tt.message)
			require.Equal(t, tt.kind, err.Kind)
			require.Equal(t, tt.status, err.Status)
			require.Equal(t, tt.text, err.Message)
		})
	}
}

func TestAs(t *testing.T) {
	base := New(KindValue, "bad return")
	wrapped := fmt.Errorf("invoking: %w", base)

	got, ok := As(wrapped)
	require.True(t, ok)
	require.Same(t, base, got)

	_, ok = As(errors.New("plain"))
	require.False(t, ok)
}

func TestEnvelope(t *testing.T) {
	err := New(KindRateLimit, "slow down").WithDetails(map[string]any{"count": 10})
	body := err.Envelope()

	require.Equal(t, KindRateLimit, body.Error.Type)
	require.Equal(t, "slow down", body.Error.Message)
	require.Equal(t, 10, body.Error.Details["count"])
}
