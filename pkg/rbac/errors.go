package rbac

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/lib/pq"

	"github.com/platinummonkey/grantline/pkg/httputil"
)

var (
	// ErrNotFound is returned when a resource, role or permission anchor an
	// operation depends on does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on duplicate creation, e.g. registering a resource key twice
	ErrConflict = errors.New("conflict")

	// ErrForbidden is returned when a capability check denies the request
	ErrForbidden = errors.New("forbidden")

	// ErrPreconditionFailed is returned when enforcement runs without an authenticated identity
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrInvalidArgument is returned for malformed input such as unknown access types
	ErrInvalidArgument = errors.New("invalid argument")
)

// ErrorStatuses maps the sentinel errors to HTTP status codes for
// httputil.WriteMappedError. A StoreError matches none of them and becomes a 500.
var ErrorStatuses = []httputil.ErrorStatus{
	{Err: ErrNotFound, Status: http.StatusNotFound},
	{Err: ErrConflict, Status: http.StatusConflict},
	{Err: ErrForbidden, Status: http.StatusForbidden},
	{Err: ErrPreconditionFailed, Status: http.StatusPreconditionFailed},
	{Err: ErrInvalidArgument, Status: http.StatusBadRequest},
}

// StoreError wraps a failure of the underlying database. Any StoreError
// aborts the enclosing transaction.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// storeErr classifies a raw database error
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) || isTransactionConflict(err) {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return &StoreError{Op: op, Err: err}
}

// isTransactionConflict matches deadlock and serialization aborts; the
// caller may retry
func isTransactionConflict(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && (pqErr.Code == "40P01" || pqErr.Code == "40001")
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

// IsStoreError reports whether err is (or wraps) a database failure
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
