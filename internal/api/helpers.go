package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stackhaven/warden/internal/engine"
	"github.com/stackhaven/warden/internal/store"
)

// ErrorResponse represents a standard API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteError sends a JSON error response
func WriteError(w http.ResponseWriter, code int, message string, details ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp := ErrorResponse{Error: message}
	if len(details) > 0 {
		resp.Details = details[0]
	}
	json.NewEncoder(w).Encode(resp)
}

// WriteJSON sends a JSON success response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeEngineError maps engine errors onto HTTP statuses. The merged
// not-found-or-denied error intentionally maps to a single 404.
func writeEngineError(w http.ResponseWriter, err error) {
	var verr *engine.ValidationError
	switch {
	case errors.As(err, &verr):
		WriteError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, engine.ErrNotFoundOrDenied):
		WriteError(w, http.StatusNotFound, engine.ErrNotFoundOrDenied.Error())
	case errors.Is(err, engine.ErrAdminRequired):
		WriteError(w, http.StatusForbidden, engine.ErrAdminRequired.Error())
	case errors.Is(err, engine.ErrCircularDependency):
		WriteError(w, http.StatusConflict, engine.ErrCircularDependency.Error())
	case errors.Is(err, store.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not found")
	default:
		WriteError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

// callerFrom builds the caller identity from the gateway headers. The API
// sits behind the platform gateway, which authenticates users and forwards
// identity; the engine enforces ownership from there.
func callerFrom(r *http.Request) engine.Caller {
	return engine.Caller{
		UserID: r.Header.Get("X-User-ID"),
		Admin:  r.Header.Get("X-Admin") == "true",
	}
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
