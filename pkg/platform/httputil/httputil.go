// Package httputil centralizes JSON responses and domain-error translation
// so every handler speaks the same envelope.
package httputil

import (
	"encoding/json"
	"net/http"

	"freightgate/pkg/domainerrors"
)

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps a domain error code to an HTTP status and a stable JSON
// error envelope.
func WriteError(w http.ResponseWriter, err error) {
	code := domainerrors.CodeOf(err)
	WriteJSON(w, statusFor(code), map[string]string{
		"error":   string(code),
		"message": err.Error(),
	})
}

func statusFor(code domainerrors.Code) int {
	switch code {
	case domainerrors.CodeValidation:
		return http.StatusBadRequest
	case domainerrors.CodeNotFound:
		return http.StatusNotFound
	case domainerrors.CodeInvalidTransition, domainerrors.CodeConflict:
		return http.StatusConflict
	case domainerrors.CodeApprovalRequired:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
