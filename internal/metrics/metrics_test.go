package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/watzon/fngate/internal/gateway"
	"github.com/watzon/fngate/internal/mode"
)

var _ gateway.Observer = Observer{}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/", "/"},
		{"", "/"},
		{"/hello/", "/hello/"},
		{"/hello", "/hello/"},
		{"/api/users/42/", "/api/users/"},
		{"/orders/12345/", "/orders/:id/"},
		{"/jobs/3f2b8c1e-4d5a-4b6c-9e7f-0a1b2c3d4e5f/", "/jobs/:id/"},
		{"/cafe/", "/cafe/"},
		{"/search/?q=1", "/search/"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePath(tt.in))
		})
	}
}

func TestObserver(t *testing.T) {
	o := Observer{}
	before := testutil.ToFloat64(functionInvocations.WithLabelValues("metrics-test", "stream", "200"))
	o.Invocation("metrics-test", mode.Stream, http.StatusOK, 20*time.Millisecond)
	after := testutil.ToFloat64(functionInvocations.WithLabelValues("metrics-test", "stream", "200"))
	assert.Equal(t, before+1, after)

	o.StreamEvent("metrics-test", "progress")
	assert.Equal(t, 1.0, testutil.ToFloat64(streamEvents.WithLabelValues("metrics-test", "progress")))
}

func TestRecordReload(t *testing.T) {
	RecordReload(7, nil)
	assert.Equal(t, 7.0, testutil.ToFloat64(functionsLoaded))

	errorsBefore := testutil.ToFloat64(reloadsTotal.WithLabelValues("error"))
	RecordReload(0, errors.New("boom"))
	assert.Equal(t, 7.0, testutil.ToFloat64(functionsLoaded), "failed reload keeps the gauge")
	assert.Equal(t, errorsBefore+1, testutil.ToFloat64(reloadsTotal.WithLabelValues("error")))
}

func TestHandler(t *testing.T) {
	RecordScheduleRun("metrics-handler-test", nil)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `fngate_schedule_runs_total{function="metrics-handler-test",status="success"} 1`)
}
