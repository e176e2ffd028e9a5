package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteSuccess(w, map[string]int64{"mrr_cents": 38883}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"mrr_cents": 38883}`, w.Body.String())

	w = httptest.NewRecorder()
	require.NoError(t, WriteCreated(w, map[string]string{"id": "sub-1"}))
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestErrorWriters(t *testing.T) {
	tests := []struct {
		name       string
		write      func(w http.ResponseWriter)
		wantStatus int
		wantCode   string
		wantError  string
	}{
		{"message", func(w http.ResponseWriter) { WriteErrorMessage(w, http.StatusTeapot, "short and stout") }, http.StatusTeapot, "", "short and stout"},
		{"coded", func(w http.ResponseWriter) { WriteErrorCode(w, http.StatusConflict, "owner_busy", "busy") }, http.StatusConflict, "owner_busy", "busy"},
		{"validation", func(w http.ResponseWriter) { WriteValidationError(w, "tier is required") }, http.StatusBadRequest, "invalid_request", "tier is required"},
		{"bad request", func(w http.ResponseWriter) { WriteBadRequest(w, "bad") }, http.StatusBadRequest, "", "bad"},
		{"not found", func(w http.ResponseWriter) { WriteNotFoundError(w, "missing") }, http.StatusNotFound, "not_found", "missing"},
		{"unauthorized", func(w http.ResponseWriter) { WriteUnauthorized(w, "who") }, http.StatusUnauthorized, "unauthorized", "who"},
		{"too many", func(w http.ResponseWriter) { WriteTooManyRequests(w, "slow down") }, http.StatusTooManyRequests, "rate_limited", "slow down"},
		{"unavailable", func(w http.ResponseWriter) { WriteServiceUnavailable(w, "later") }, http.StatusServiceUnavailable, "unavailable", "later"},
		{"payment required", func(w http.ResponseWriter) { WritePaymentRequired(w, "no active subscription") }, http.StatusPaymentRequired, "payment_required", "no active subscription"},
		{"too large", func(w http.ResponseWriter) { WritePayloadTooLarge(w, "payload too large") }, http.StatusRequestEntityTooLarge, "payload_too_large", "payload too large"},
		{"internal", func(w http.ResponseWriter) { WriteInternalError(w, "failed to handle event") }, http.StatusInternalServerError, "internal", "failed to handle event"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)

			assert.Equal(t, tt.wantStatus, w.Code)
			body := decodeError(t, w)
			assert.Equal(t, tt.wantError, body.Error)
			assert.Equal(t, tt.wantCode, body.Code)
		})
	}
}

func TestErrorResponseOmitsEmptyCode(t *testing.T) {
	w := httptest.NewRecorder()
	WriteBadRequest(w, "bad")
	assert.JSONEq(t, `{"error": "bad"}`, w.Body.String())
}
