// Package httputil has shared response helpers for the daemon's HTTP handlers.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/weftworks/weft/pkg/errors"
)

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes a JSON error response with the given status code and message.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{
		"error": message,
	})
}

// StatusForError maps a domain error to an HTTP status code.
func StatusForError(err error) int {
	switch {
	case errors.IsValidation(err):
		return http.StatusBadRequest
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsConflict(err):
		return http.StatusConflict
	case errors.IsUnauthorized(err):
		return http.StatusUnauthorized
	case errors.IsStoreUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteDomainError maps err to its status code and writes the standard
// error body. 5xx details stay out of the response: store errors can
// carry connection strings and fatal errors describe internals.
func WriteDomainError(w http.ResponseWriter, err error) {
	status := StatusForError(err)
	message := err.Error()
	code := "internal"

	var classifier errors.ErrorClassifier
	if errors.As(err, &classifier) {
		code = classifier.ErrorType()
	}

	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		message = "store unavailable, retry later"
	case http.StatusInternalServerError:
		message = "internal error"
	}

	WriteJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
