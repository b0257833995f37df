// Package middleware provides HTTP middleware for the API.
package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/gorilla/mux"
	"github.com/parking-lock-sync/backend/internal/protocol"
	"pkt.systems/pslog"
)

// ErrorResponse represents a standardized API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// WriteError writes a JSON error response with the given status code.
func WriteError(w http.ResponseWriter, status int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errCode,
		Message: message,
	})
}

// WriteDomainError maps err onto a status code and error code and writes it.
func WriteDomainError(w http.ResponseWriter, err error) {
	status, code := Classify(err)
	WriteError(w, status, code, err.Error())
}

// Classify returns the HTTP status and error code for a domain error.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, protocol.ErrNotFound):
		return http.StatusNotFound, ErrNotFound
	case errors.Is(err, protocol.ErrSlotUnavailable), errors.Is(err, protocol.ErrInvalidState):
		return http.StatusConflict, ErrConflict
	case errors.Is(err, protocol.ErrInvalidArgument):
		return http.StatusBadRequest, ErrValidation
	case errors.Is(err, protocol.ErrTransport):
		return http.StatusBadGateway, ErrGateway
	}
	return http.StatusInternalServerError, ErrInternalError
}

// ErrorRecovery returns middleware that recovers from panics and returns a 500 error.
func ErrorRecovery(logger pslog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("api.panic", "path", r.URL.Path, "panic", err, "stack", string(debug.Stack()))
					WriteError(w, http.StatusInternalServerError, ErrInternalError, "An unexpected error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Common error codes
const (
	ErrNotFound      = "not_found"
	ErrBadRequest    = "bad_request"
	ErrConflict      = "conflict"
	ErrInternalError = "internal_error"
	ErrValidation    = "validation_error"
	ErrGateway       = "gateway_error"
)
