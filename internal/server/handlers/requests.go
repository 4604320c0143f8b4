package handlers

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/watzon/fngate/internal/server/requestlog"
)

// RequestHandlers serves the recent gateway request log.
type RequestHandlers struct {
	store *requestlog.Store
}

func NewRequestHandlers(store *requestlog.Store) *RequestHandlers {
	return &RequestHandlers{store: store}
}

// List handles GET /_/requests. path accepts a trailing "*" for prefixes.
func (h *RequestHandlers) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := requestlog.Query{
		Method:      query.Get("method"),
		Path:        query.Get("path"),
		ExcludePath: query.Get("exclude_path"),
		StatusClass: query.Get("status_class"),
		Status:      intParam(query, "status"),
		ErrorType:   query.Get("error_type"),
		Subject:     query.Get("subject"),
		ExecutionID: query.Get("execution_id"),
		Errors:      query.Get("errors") == "true",
		Since:       timeParam(query, "since"),
		Until:       timeParam(query, "until"),
		Limit:       intParam(query, "limit"),
		Offset:      intParam(query, "offset"),
	}
	JSON(w, http.StatusOK, h.store.List(q))
}

// Stats handles GET /_/requests/stats.
func (h *RequestHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.store.Summary())
}

// Clear handles POST /_/requests/clear.
func (h *RequestHandlers) Clear(w http.ResponseWriter, r *http.Request) {
	h.store.Clear()
	JSON(w, http.StatusOK, map[string]string{"message": "request log cleared"})
}

func intParam(query url.Values, key string) int {
	n, _ := strconv.Atoi(query.Get(key))
	return n
}

// timeParam accepts RFC 3339 timestamps or a duration back from now.
func timeParam(query url.Values, key string) time.Time {
	raw := query.Get(key)
	if raw == "" {
		return time.Time{}
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d)
	}
	t, _ := time.Parse(time.RFC3339, raw)
	return t
}
