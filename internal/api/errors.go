package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/futurefish/aquacore/internal/auth"
	"github.com/futurefish/aquacore/internal/automation"
	"github.com/futurefish/aquacore/internal/command"
	"github.com/futurefish/aquacore/internal/device"
	"github.com/futurefish/aquacore/internal/threshold"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// errorStatus maps a domain error to its HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, automation.ErrValidation),
		errors.Is(err, command.ErrUnknownKind),
		errors.Is(err, command.ErrInvalidParams),
		errors.Is(err, command.ErrInvalidTarget),
		errors.Is(err, threshold.ErrInvalidThreshold),
		errors.Is(err, threshold.ErrUnknownParameter),
		errors.Is(err, device.ErrInvalidDevice),
		errors.Is(err, device.ErrInvalidPond):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, automation.ErrExecutionNotFound),
		errors.Is(err, automation.ErrScheduleNotFound),
		errors.Is(err, command.ErrNotFound),
		errors.Is(err, threshold.ErrThresholdNotFound),
		errors.Is(err, device.ErrDeviceNotFound),
		errors.Is(err, device.ErrPondNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, auth.ErrForbidden),
		errors.Is(err, auth.ErrNotOwner):
		return http.StatusForbidden, ErrCodeForbidden
	case errors.Is(err, automation.ErrBusy),
		errors.Is(err, automation.ErrNotCancellable),
		errors.Is(err, device.ErrDeviceExists):
		return http.StatusConflict, ErrCodeConflict
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// writeDomainError writes the response for an error returned by a domain
// package. Unexpected errors are logged and reported without detail.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writeInternalError(w, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}
