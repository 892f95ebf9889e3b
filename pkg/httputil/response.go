package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// writeErrorMessage writes a JSON error response with a custom message
func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// WriteInternalError writes a generic 500 without exposing err
func WriteInternalError(w http.ResponseWriter) {
	writeErrorMessage(w, http.StatusInternalServerError, "internal server error")
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	writeErrorMessage(w, http.StatusBadRequest, message)
}

// WriteUnauthorized writes an unauthorized error (401)
func WriteUnauthorized(w http.ResponseWriter, message string) {
	writeErrorMessage(w, http.StatusUnauthorized, message)
}

// WriteForbidden writes a forbidden error (403)
func WriteForbidden(w http.ResponseWriter, message string) {
	writeErrorMessage(w, http.StatusForbidden, message)
}

// WriteNotFound writes a not found error (404)
func WriteNotFound(w http.ResponseWriter, message string) {
	writeErrorMessage(w, http.StatusNotFound, message)
}

// WriteConflict writes a conflict error (409)
func WriteConflict(w http.ResponseWriter, message string) {
	writeErrorMessage(w, http.StatusConflict, message)
}

// WritePreconditionFailed writes a precondition failed error (412)
func WritePreconditionFailed(w http.ResponseWriter, message string) {
	writeErrorMessage(w, http.StatusPreconditionFailed, message)
}

// ErrorStatus pairs a sentinel error with the status code it maps to
type ErrorStatus struct {
	Err    error
	Status int
}

// WriteMappedError writes the status of the first entry in table that err
// matches with errors.Is. The error text is only exposed for mapped errors;
// anything else becomes a generic 500.
func WriteMappedError(w http.ResponseWriter, err error, table []ErrorStatus) {
	for _, entry := range table {
		if errors.Is(err, entry.Err) {
			writeErrorMessage(w, entry.Status, err.Error())
			return
		}
	}
	WriteInternalError(w)
}
