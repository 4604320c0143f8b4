package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/definition"
	"github.com/watzon/fngate/internal/invocation"
	"github.com/watzon/fngate/internal/typeschema"
	"github.com/watzon/fngate/internal/value"
)

// response is a fully rendered reply. In stream mode it becomes the
// @response event instead of being written directly.
type response struct {
	status int
	header http.Header
	body   []byte
	err    *apierror.Error
	// gone is set when the caller disconnected before the result was ready.
	gone bool
}

func (resp response) write(w http.ResponseWriter) {
	h := w.Header()
	for k, vals := range resp.header {
		h[k] = vals
	}
	if resp.body != nil {
		h.Set("Content-Length", strconv.Itoa(len(resp.body)))
	}
	w.WriteHeader(resp.status)
	if len(resp.body) > 0 {
		if _, err := w.Write(resp.body); err != nil {
			log.Debug().Err(err).Msg("Failed to write response body")
		}
	}
}

func jsonResponse(status int, body []byte) response {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return response{status: status, header: h, body: body}
}

func (d *Dispatcher) failure(err *apierror.Error) response {
	if errors.Is(err, errClientGone) {
		return response{status: StatusClientClosed, gone: true}
	}
	status := err.Status
	if status == 0 {
		status = apierror.StatusFor(err.Kind)
	}
	envelope := err.Envelope()
	if !d.opts.ExposeStacks {
		envelope.Error.Stack = ""
	}
	body, mErr := json.Marshal(envelope)
	if mErr != nil {
		log.Error().Err(mErr).Str("error_type", string(err.Kind)).Msg("Failed to encode error details")
		envelope.Error.Details = nil
		body, _ = json.Marshal(envelope)
	}
	resp := jsonResponse(status, body)
	resp.err = err
	return resp
}

func (d *Dispatcher) writeError(w http.ResponseWriter, err *apierror.Error) {
	log.Debug().
		Str("error_type", string(err.Kind)).
		Str("error", err.Message).
		Msg("Request rejected")
	d.failure(err).write(w)
}

func returnMismatch(def *definition.Definition, mismatch *typeschema.MismatchError) *apierror.Error {
	return apierror.Newf(apierror.KindValue,
		"The value returned by %q does not match its return type: %s", def.Name, mismatch.Error()).
		WithDetails(map[string]any{def.Returns.Name: mismatch.Details()})
}

// result validates a return value and renders it. Buffers become the raw
// body; everything else is JSON with nested buffers as {_base64}.
func (d *Dispatcher) result(def *definition.Definition, v value.Value) response {
	coerced, mismatch := typeschema.ValidateReturn(def.Returns.Schema, v)
	if mismatch != nil {
		return d.failure(returnMismatch(def, mismatch))
	}

	if data, contentType, ok := coerced.AsBuffer(); ok {
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h := http.Header{}
		h.Set("Content-Type", contentType)
		if data == nil {
			data = []byte{}
		}
		return response{status: http.StatusOK, header: h, body: data}
	}

	body, err := json.Marshal(typeschema.Render(def.Returns.Schema, coerced))
	if err != nil {
		return d.failure(apierror.Wrap(apierror.KindFatal, fmt.Errorf("encode result: %w", err)))
	}
	return jsonResponse(http.StatusOK, body)
}

// acknowledge builds the 202 reply for a background invocation.
func (d *Dispatcher) acknowledge(def *definition.Definition, ec *invocation.Context) response {
	switch def.BackgroundMode {
	case definition.BackgroundEmpty:
		return response{status: http.StatusAccepted, header: http.Header{}}
	case definition.BackgroundParams:
		body, err := json.Marshal(value.FromObject(ec.Params))
		if err != nil {
			return d.failure(apierror.Wrap(apierror.KindFatal, fmt.Errorf("encode params: %w", err)))
		}
		return jsonResponse(http.StatusAccepted, body)
	}
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	msg := fmt.Sprintf("initiated %q in background, execution %s", def.Name, ec.ExecutionID)
	return response{status: http.StatusAccepted, header: h, body: []byte(msg)}
}

func (d *Dispatcher) setCORS(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	} else {
		h.Add("Vary", "Origin")
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Headers", strings.Join(d.opts.AllowHeaders, ", "))
	h.Set("Access-Control-Expose-Headers", strings.Join(exposeHeaders, ", "))
}

func (d *Dispatcher) preflight(w http.ResponseWriter, def *definition.Definition) {
	methods := definition.Methods
	if def.Methods != nil {
		methods = nil
		for _, m := range definition.Methods {
			if _, ok := def.Methods[m]; ok {
				methods = append(methods, m)
			}
		}
	}
	methods = append(append([]string{}, methods...), http.MethodOptions)
	w.Header().Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}
