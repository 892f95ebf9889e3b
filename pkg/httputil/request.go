package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// maxBodyBytes caps request bodies decoded by ParseJSON
const maxBodyBytes = 1 << 20

// ParseJSON decodes JSON from the request body into the destination.
// Unknown fields are rejected.
func ParseJSON(r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// ParseJSONOrError decodes JSON and writes error response on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// ParsePathInt64 extracts and parses an int64 path parameter
func ParsePathInt64(r *http.Request, key string) (int64, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return 0, fmt.Errorf("missing path parameter: %s", key)
	}
	val, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %s", key, str)
	}
	return val, nil
}

// ParsePathInt64OrError extracts an int64 path parameter and writes error on failure
func ParsePathInt64OrError(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	val, err := ParsePathInt64(r, key)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return 0, false
	}
	return val, true
}

// parsePathString extracts a string path parameter
func parsePathString(r *http.Request, key string) (string, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return "", fmt.Errorf("missing path parameter: %s", key)
	}
	return str, nil
}

// ParsePathStringOrError extracts a string path parameter and writes error on failure
func ParsePathStringOrError(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	val, err := parsePathString(r, key)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return "", false
	}
	return val, true
}

// parseQueryInt extracts and parses an integer query parameter
func parseQueryInt(r *http.Request, key string, defaultVal int) (int, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for query param %s: %s", key, str)
	}
	return val, nil
}

// ParseQueryInt64Ptr extracts an optional int64 query parameter; nil when absent
func ParseQueryInt64Ptr(r *http.Request, key string) (*int64, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return nil, nil
	}
	val, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid integer for query param %s: %s", key, str)
	}
	return &val, nil
}

// ParsePagingOrError reads the page and limit query parameters. Zero values
// are left for the store to default.
func ParsePagingOrError(w http.ResponseWriter, r *http.Request) (page, limit int, ok bool) {
	page, err := parseQueryInt(r, "page", 0)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return 0, 0, false
	}
	limit, err = parseQueryInt(r, "limit", 0)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return 0, 0, false
	}
	return page, limit, true
}

// RequireNonEmpty validates that a string field is not empty
func RequireNonEmpty(w http.ResponseWriter, value, fieldName string) bool {
	if value == "" {
		WriteBadRequest(w, fmt.Sprintf("%s is required", fieldName))
		return false
	}
	return true
}

// RequirePositive validates that an integer is positive
func RequirePositive(w http.ResponseWriter, value int64, fieldName string) bool {
	if value <= 0 {
		WriteBadRequest(w, fmt.Sprintf("%s must be positive", fieldName))
		return false
	}
	return true
}
