package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes surfaced on job documents and API responses.
const (
	CodeValidation        = "validation_error"
	CodeNotFound          = "not_found"
	CodeDispatchExhausted = "dispatch_exhausted"
	CodeTimeout           = "timeout"
	CodeWorkerFailure     = "worker_failure"
	CodeConflict          = "conflict"
)

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(http.StatusBadRequest, CodeValidation, fmt.Errorf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(http.StatusNotFound, CodeNotFound, fmt.Errorf(format, args...))
}

// StatusFor maps an error to an HTTP status and code, defaulting to 500.
func StatusFor(err error) (int, string) {
	var ae *Error
	if errors.As(err, &ae) {
		status := ae.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return status, ae.Code
	}
	return http.StatusInternalServerError, "internal_error"
}
