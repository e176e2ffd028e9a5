package httputil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type amountBody struct {
	Amount int64 `json:"amount"`
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
		errText string
	}{
		{name: "valid", body: `{"amount": 3}`},
		{name: "empty", body: ``, wantErr: ErrEmptyBody},
		{name: "malformed", body: `{amount}`, errText: "invalid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/usage/api_requests", bytes.NewBufferString(tt.body))
			var dest amountBody

			err := ParseJSON(req, &dest)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.errText != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errText)
			default:
				require.NoError(t, err)
				assert.Equal(t, int64(3), dest.Amount)
			}
		})
	}
}

func TestParseJSONOrError(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		optional   bool
		wantOK     bool
		wantStatus int
		wantAmount int64
	}{
		{name: "valid", body: `{"amount": 2}`, wantOK: true, wantAmount: 2},
		{name: "empty required", body: ``, wantStatus: http.StatusBadRequest},
		{name: "empty optional keeps defaults", body: ``, optional: true, wantOK: true, wantAmount: 1},
		{name: "malformed optional", body: `nope`, optional: true, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()
			dest := amountBody{Amount: 1}

			var ok bool
			if tt.optional {
				ok = ParseOptionalJSONOrError(w, req, &dest)
			} else {
				ok = ParseJSONOrError(w, req, &dest)
			}

			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantAmount, dest.Amount)
				return
			}
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestParseJSONOrError_TooLarge(t *testing.T) {
	handler := MaxBytesMiddleware(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var dest amountBody
		if ParseJSONOrError(w, r, &dest) {
			w.WriteHeader(http.StatusOK)
		}
	}))

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"amount": 123456789}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "request body too large", body.Error)
}

func TestParsePathString(t *testing.T) {
	router := mux.NewRouter()
	var got string
	var ok bool
	router.HandleFunc("/plans/{tier}", func(w http.ResponseWriter, r *http.Request) {
		got, ok = ParsePathStringOrError(w, r, "tier")
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/plans/basic", nil))
	assert.True(t, ok)
	assert.Equal(t, "basic", got)

	w := httptest.NewRecorder()
	_, ok = ParsePathStringOrError(w, httptest.NewRequest(http.MethodGet, "/plans", nil), "tier")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/revenue?refresh=true&at=2024-05-01T10:00:00%2B02:00", nil)

	refresh, err := ParseQueryBool(req, "refresh", false)
	require.NoError(t, err)
	assert.True(t, refresh)

	refresh, err = ParseQueryBool(req, "missing", true)
	require.NoError(t, err)
	assert.True(t, refresh)

	at, err := ParseQueryTime(req, "at")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), at)
	assert.Equal(t, time.UTC, at.Location())

	at, err = ParseQueryTime(req, "missing")
	require.NoError(t, err)
	assert.True(t, at.IsZero())

	bad := httptest.NewRequest(http.MethodGet, "/revenue?refresh=maybe&at=yesterday", nil)
	_, err = ParseQueryBool(bad, "refresh", false)
	assert.EqualError(t, err, "refresh must be a boolean")
	_, err = ParseQueryTime(bad, "at")
	assert.EqualError(t, err, "at must be an RFC 3339 timestamp")
}

func TestRequire(t *testing.T) {
	w := httptest.NewRecorder()
	assert.True(t, RequireNonEmpty(w, "basic", "tier"))
	assert.True(t, RequirePositive(w, 1, "amount"))

	w = httptest.NewRecorder()
	assert.False(t, RequireNonEmpty(w, "", "tier"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "tier is required")

	w = httptest.NewRecorder()
	assert.False(t, RequirePositive(w, -3, "amount"))
	assert.Contains(t, w.Body.String(), "amount must be positive")
}
