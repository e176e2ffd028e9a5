package httputil

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the body of every error response. Code is a stable
// machine-readable identifier; Error is for humans.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// WriteJSON encodes data as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes data with 200 OK.
func WriteSuccess(w http.ResponseWriter, data any) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes data with 201 Created.
func WriteCreated(w http.ResponseWriter, data any) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteErrorCode writes an ErrorResponse. An empty code is omitted.
func WriteErrorCode(w http.ResponseWriter, status int, code, message string) {
	_ = WriteJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// WriteErrorMessage writes an ErrorResponse without a code.
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	WriteErrorCode(w, status, "", message)
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

func WriteValidationError(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusBadRequest, "invalid_request", message)
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusUnauthorized, "unauthorized", message)
}

func WritePaymentRequired(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusPaymentRequired, "payment_required", message)
}

func WriteNotFoundError(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusNotFound, "not_found", message)
}

func WritePayloadTooLarge(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusRequestEntityTooLarge, "payload_too_large", message)
}

func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusTooManyRequests, "rate_limited", message)
}

// WriteInternalError answers 500. The message reaches the client, so callers
// pass a fixed description rather than the underlying error.
func WriteInternalError(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusInternalServerError, "internal", message)
}

func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteErrorCode(w, http.StatusServiceUnavailable, "unavailable", message)
}
