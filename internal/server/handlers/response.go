package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/watzon/fngate/internal/apierror"
)

func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		}
	}
}

// Error writes err in the same envelope the gateway uses.
func Error(w http.ResponseWriter, err *apierror.Error) {
	JSON(w, err.Status, err.Envelope())
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, apierror.New(apierror.KindNotFound, message))
}

func InternalError(w http.ResponseWriter, message string) {
	Error(w, apierror.New(apierror.KindFatal, message))
}
