package http

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/cobrun/tripwatch/errors"
)

// Response is the envelope of every ops endpoint.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ErrorBody is the error part of a Response.
type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// JSON sends a JSON response.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// OK sends a 200 response with data.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, Response{Success: true, Data: data})
}

// Accepted sends a 202 response with data.
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, Response{Success: true, Data: data})
}

// Error writes err with the status matching its AppError code. Errors
// without a code are reported as internal without leaking their text.
func Error(w http.ResponseWriter, err error) {
	body := ErrorBody{Code: apperrors.CodeInternal, Message: "an internal error occurred"}

	var appErr *apperrors.AppError
	if apperrors.As(err, &appErr) {
		body = ErrorBody{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details}
	}

	JSON(w, StatusFor(body.Code), Response{Error: &body})
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code string) int {
	switch code {
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeConflict:
		return http.StatusConflict
	case apperrors.CodeValidation:
		return http.StatusBadRequest
	case apperrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.CodeForbidden:
		return http.StatusForbidden
	case apperrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case apperrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case apperrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
