package handlers

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/definition"
	"github.com/watzon/fngate/internal/functions"
	"github.com/watzon/fngate/internal/metrics"
)

// FunctionHandlers serves the function index and reloads.
type FunctionHandlers struct {
	registry *functions.Registry
}

// NewFunctionHandlers creates new function handlers.
func NewFunctionHandlers(registry *functions.Registry) *FunctionHandlers {
	return &FunctionHandlers{registry: registry}
}

// List handles GET /_/functions.
func (h *FunctionHandlers) List(w http.ResponseWriter, r *http.Request) {
	defs := h.registry.Table().Functions()
	if defs == nil {
		defs = []*definition.Definition{}
	}
	JSON(w, http.StatusOK, map[string]any{
		"functions": defs,
		"total":     len(defs),
	})
}

// Get handles GET /_/functions/{route...}.
func (h *FunctionHandlers) Get(w http.ResponseWriter, r *http.Request) {
	route := "/" + strings.Trim(r.PathValue("route"), "/") + "/"
	if route == "//" {
		route = "/"
	}
	def, ok := h.registry.Table().Get(route)
	if !ok {
		NotFound(w, "No function found at "+route)
		return
	}
	JSON(w, http.StatusOK, def)
}

// Reload handles POST /_/reload. A failed reload keeps serving the
// previous table.
func (h *FunctionHandlers) Reload(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Reload(); err != nil {
		metrics.RecordReload(0, err)
		log.Error().Err(err).Msg("Reload failed")
		Error(w, apierror.New(apierror.KindFatal, "Reload failed, previous functions are still served").
			WithDetails(map[string]any{"errors": splitErrors(err)}))
		return
	}

	n := len(h.registry.Table().Functions())
	JSON(w, http.StatusOK, map[string]any{
		"reloaded":  true,
		"functions": n,
	})
}

// splitErrors expands an errors.Join result into one message per error.
func splitErrors(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, splitErrors(e)...)
		}
		return out
	}
	return []string{err.Error()}
}
