// Package response writes the JSON bodies of the operator API.
package response

import (
	"encoding/json"
	"net/http"
)

// Error codes returned by the operator API.
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
)

// RequestIDHeader carries the request id on requests and responses.
const RequestIDHeader = "X-Request-ID"

const encodeFailureBody = `{"error":{"code":"INTERNAL_SERVER_ERROR","message":"failed to encode response"}}`

// ErrorResponse is the envelope of every error body.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failed request.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// JSON encodes data before touching the writer, so an encoding failure
// still produces a well-formed 500.
func JSON(w http.ResponseWriter, status int, data any) {
	if data == nil {
		w.WriteHeader(status)
		return
	}

	body, err := json.Marshal(data)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(encodeFailureBody)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

// Error writes an ErrorResponse.
func Error(w http.ResponseWriter, status int, code, message, requestID string) {
	ErrorWithDetails(w, status, code, message, nil, requestID)
}

// ErrorWithDetails writes an ErrorResponse carrying per-field details.
func ErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]any, requestID string) {
	JSON(w, status, ErrorResponse{Error: ErrorDetail{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	}})
}

// NotFound is the router fallback for unknown paths.
func NotFound(w http.ResponseWriter, r *http.Request) {
	Error(w, http.StatusNotFound, ErrCodeNotFound, "no route for "+r.URL.Path, w.Header().Get(RequestIDHeader))
}

// MethodNotAllowed is the router fallback for known paths hit with a
// method the read-only API does not serve.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	Error(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, r.Method+" is not supported", w.Header().Get(RequestIDHeader))
}
