package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// ErrEmptyBody is returned by ParseJSON when the request has no body
var ErrEmptyBody = errors.New("request body is empty")

// ParseJSON decodes the request body into dest.
func ParseJSON(r *http.Request, dest any) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEmptyBody
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// ParseJSONOrError decodes JSON and writes an error response on failure.
// Bodies cut off by MaxBytesMiddleware answer 413.
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest any) bool {
	return writeParseError(w, ParseJSON(r, dest))
}

// ParseOptionalJSONOrError is ParseJSONOrError for endpoints whose body may
// be omitted. dest keeps its defaults when the body is empty.
func ParseOptionalJSONOrError(w http.ResponseWriter, r *http.Request, dest any) bool {
	err := ParseJSON(r, dest)
	if errors.Is(err, ErrEmptyBody) {
		return true
	}
	return writeParseError(w, err)
}

func writeParseError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		WritePayloadTooLarge(w, "request body too large")
		return false
	}
	WriteBadRequest(w, err.Error())
	return false
}

// ParsePathString returns the named mux route variable.
func ParsePathString(r *http.Request, key string) (string, error) {
	if v := mux.Vars(r)[key]; v != "" {
		return v, nil
	}
	return "", fmt.Errorf("missing path parameter: %s", key)
}

// ParsePathStringOrError is ParsePathString answering 400 when the variable
// is missing.
func ParsePathStringOrError(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	v, err := ParsePathString(r, key)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return "", false
	}
	return v, true
}

// parseQuery applies parse to a query parameter, returning def when the
// parameter is absent. Parse failures are reported as "<key> must be <what>".
func parseQuery[T any](r *http.Request, key, what string, def T, parse func(string) (T, error)) (T, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := parse(raw)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%s must be %s", key, what)
	}
	return v, nil
}

func ParseQueryBool(r *http.Request, key string, def bool) (bool, error) {
	return parseQuery(r, key, "a boolean", def, strconv.ParseBool)
}

// ParseQueryTime parses an RFC 3339 parameter as UTC. A missing parameter
// is the zero time.
func ParseQueryTime(r *http.Request, key string) (time.Time, error) {
	return parseQuery(r, key, "an RFC 3339 timestamp", time.Time{}, func(s string) (time.Time, error) {
		t, err := time.Parse(time.RFC3339, s)
		return t.UTC(), err
	})
}

// RequireNonEmpty answers 400 when value is empty.
func RequireNonEmpty(w http.ResponseWriter, value, fieldName string) bool {
	if value == "" {
		WriteValidationError(w, fmt.Sprintf("%s is required", fieldName))
		return false
	}
	return true
}

// RequirePositive answers 400 unless value is above zero.
func RequirePositive(w http.ResponseWriter, value int64, fieldName string) bool {
	if value <= 0 {
		WriteValidationError(w, fmt.Sprintf("%s must be positive", fieldName))
		return false
	}
	return true
}
