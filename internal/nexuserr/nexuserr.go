// Package nexuserr defines the error taxonomy shared across the control plane.
//
// Every error that crosses a component boundary (store, job engine, scheduler,
// HTTP surface) should be, or wrap, a *Error so the HTTP layer can map it to the
// right status code without re-deriving intent from error strings.
package nexuserr

import (
	"errors"
	"fmt"
)

// Code classifies an error for HTTP status mapping and caller handling.
type Code string

const (
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeDuplicate       Code = "DUPLICATE"
	CodeInvalidState    Code = "INVALID_STATE"
	CodeLaunchFailed    Code = "LAUNCH_FAILED"
	CodeInternal        Code = "INTERNAL"
)

// Error is the concrete error type produced by nexus packages.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a plain *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds a *Error around cause, preserving it for errors.Is/As.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code from err if it is, or wraps, a *Error.
// Errors with no nexuserr.Error in their chain map to CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
