package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/watzon/fngate/internal/mode"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fngate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fngate_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fngate_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fngate_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"method", "path"},
	)

	functionInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fngate_function_invocations_total",
			Help: "Total number of function invocations",
		},
		[]string{"function", "mode", "status"},
	)

	functionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fngate_function_duration_seconds",
			Help:    "Function execution time in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"function", "mode"},
	)

	streamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fngate_stream_events_total",
			Help: "Total number of stream events emitted by functions",
		},
		[]string{"function", "channel"},
	)

	functionsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fngate_functions_loaded",
			Help: "Number of functions in the current route table",
		},
	)

	reloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fngate_reloads_total",
			Help: "Total number of function table reloads",
		},
		[]string{"result"},
	)

	scheduleRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fngate_schedule_runs_total",
			Help: "Total number of scheduled function runs",
		},
		[]string{"function", "status"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration, responseSize int) {
	statusStr := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

func IncrementInFlight() {
	httpRequestsInFlight.Inc()
}

func DecrementInFlight() {
	httpRequestsInFlight.Dec()
}

// RecordReload records a route table reload and the resulting size.
func RecordReload(functions int, err error) {
	if err != nil {
		reloadsTotal.WithLabelValues("error").Inc()
		return
	}
	reloadsTotal.WithLabelValues("success").Inc()
	functionsLoaded.Set(float64(functions))
}

func RecordScheduleRun(function string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	scheduleRuns.WithLabelValues(function, status).Inc()
}

// Observer feeds dispatcher events into the invocation metrics.
type Observer struct{}

func (Observer) Invocation(function string, m mode.Mode, status int, d time.Duration) {
	functionInvocations.WithLabelValues(function, m.String(), strconv.Itoa(status)).Inc()
	functionDuration.WithLabelValues(function, m.String()).Observe(d.Seconds())
}

func (Observer) StreamEvent(function, channel string) {
	streamEvents.WithLabelValues(function, channel).Inc()
}

// NormalizePath bounds label cardinality: paths are cut to their first two
// segments and segments that look like identifiers become ":id".
func NormalizePath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if len(path) > 100 {
		path = path[:100]
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) > 2 {
		segments = segments[:2]
	}
	for i, seg := range segments {
		if looksLikeID(seg) {
			segments[i] = ":id"
		}
	}

	normalized := "/" + strings.Join(segments, "/")
	if normalized != "/" {
		normalized += "/"
	}
	return normalized
}

func looksLikeID(seg string) bool {
	if seg == "" {
		return false
	}
	digits := 0
	for _, c := range seg {
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c >= 'a' && c <= 'f', c >= 'A' && c <= 'F', c == '-':
		default:
			return false
		}
	}
	return digits == len(seg) || (len(seg) >= 16 && digits > 0)
}
