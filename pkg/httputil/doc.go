// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteCreated(w, resource)
//	httputil.WriteForbidden(w, "delegation not permitted")
//
// Domain errors are translated with a status table so store failures never
// leak their text:
//
//	httputil.WriteMappedError(w, err, rbac.ErrorStatuses)
//
// # Request Parsing
//
//	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
//	page, limit, ok := httputil.ParsePagingOrError(w, r)
//
// # Middleware
//
// RequestIDMiddleware, LoggingMiddleware, RecoveryMiddleware and
// TimeoutMiddleware compose with Chain.
package httputil
