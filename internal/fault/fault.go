// Package fault defines the error taxonomy that crosses component
// boundaries.  Internal errors are classified into one of these codes before
// they reach the Job record or an HTTP response; raw causes stay wrapped
// underneath for logging.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the client-observable error class.
type Code string

const (
	// InvalidArgument means input failed validation at admission.
	InvalidArgument Code = "invalid_argument"

	// NotFound means an unknown job id or an expired output.
	NotFound Code = "not_found"

	// InvalidState means an illegal state transition, e.g. cancel on a
	// terminal job.
	InvalidState Code = "invalid_state"

	// Overloaded means the work queue is full; the client should retry later.
	Overloaded Code = "overloaded"

	// FetchFailed means the input package could not be obtained
	// (network error, size cap, duration cap).
	FetchFailed Code = "fetch_failed"

	// InvalidPackage means the input archive or its manifest is malformed.
	InvalidPackage Code = "invalid_package"

	// DependencyResolutionFailed means the wheel download step failed.
	DependencyResolutionFailed Code = "dependency_resolution_failed"

	// PackagingFailed means the repack tool returned an error.
	PackagingFailed Code = "packaging_failed"

	// SlowConsumer means an event subscription fell too far behind and was
	// closed to protect the publisher.
	SlowConsumer Code = "slow_consumer"

	// Internal is the unclassified fallback; always logged with the cause.
	Internal Code = "internal_error"
)

// Error carries a taxonomy code, a short user-safe message, and the wrapped
// cause.  The cause never reaches clients; it is for logs only.
// Retry marks this particular instance as transient: the same class can be
// retryable (connection reset during fetch) or terminal (size cap breach).
type Error struct {
	Code  Code
	Msg   string
	Retry bool
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error without a cause.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.  A nil cause returns nil.
func Wrap(code Code, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Retryable is Wrap plus the transient marker.
func Retryable(code Code, err error, format string, args ...any) *Error {
	e := Wrap(code, err, format, args...)
	if e != nil {
		e.Retry = true
	}
	return e
}

// CodeOf extracts the taxonomy code from err, walking the wrap chain.
// Unclassified errors report Internal.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return Internal
}

// Message returns the user-safe message for err: the classified message when
// present, otherwise a generic one so raw causes never leak to clients.
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Msg
	}
	return "internal error"
}

// Transient reports whether this error instance is worth retrying.
func Transient(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retry
	}
	return false
}

// HTTPStatus maps a taxonomy code to the admission API status code.
func HTTPStatus(code Code) int {
	switch code {
	case InvalidArgument:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case InvalidState:
		return http.StatusConflict
	case Overloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
