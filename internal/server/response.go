package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"tracelog/internal/logstore"
	"tracelog/internal/reconstruct"
	"tracelog/internal/retention"
	"tracelog/pkg/tracelog"
)

// Error codes of the error envelope.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeNotFound        = "NOT_FOUND"
	CodeInternal        = "INTERNAL"
	CodeUnauthorized    = "UNAUTHORIZED"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standard error response.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeServiceError maps domain errors onto the error envelope.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, logstore.ErrNotFound), errors.Is(err, reconstruct.ErrNotFound):
		WriteError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, logstore.ErrInvalidPropertyKey),
		errors.Is(err, retention.ErrInvalidDays),
		errors.Is(err, tracelog.ErrInvalidLevel):
		WriteError(w, http.StatusBadRequest, CodeInvalidArgument, err.Error())
	default:
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		WriteError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
	}
}
