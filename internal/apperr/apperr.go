// Package apperr defines the control plane's error taxonomy. Every
// user-visible failure carries a stable machine-readable code and a
// human-readable detail; the HTTP gateway maps codes to status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable error classification.
type Code string

const (
	CodeValidation         Code = "VALIDATION"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeStaleBase          Code = "STALE_BASE"
	CodeHashMismatch       Code = "HASH_MISMATCH"
	CodeInvalidToken       Code = "INVALID_TOKEN"
	CodeUnknownRecipient   Code = "UNKNOWN_RECIPIENT"
	CodeTimeout            Code = "TIMEOUT"
	CodeBusy               Code = "BUSY"
	CodeRunnerDisconnected Code = "RUNNER_DISCONNECTED"
	CodeSandboxUnhealthy   Code = "SANDBOX_UNHEALTHY"
	CodeInternal           Code = "INTERNAL"
)

// Error is a coded error with optional wrapped cause.
type Error struct {
	Code   Code
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error with a formatted detail message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and detail to an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...), cause: err}
}

// CodeOf extracts the code from an error chain. Uncoded errors are INTERNAL.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// DetailOf extracts the human-readable detail from an error chain.
// Uncoded errors expose a generic message; the full error stays in logs.
func DetailOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Detail
	}
	return "internal error"
}

// Is reports whether the error chain carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a code to an HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeStaleBase, CodeHashMismatch, CodeInvalidToken:
		return http.StatusConflict
	case CodeUnknownRecipient:
		return http.StatusBadRequest
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeBusy:
		return http.StatusTooManyRequests
	case CodeRunnerDisconnected, CodeSandboxUnhealthy:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Transient reports whether the code identifies a failure that callers may
// retry with backoff.
func Transient(code Code) bool {
	switch code {
	case CodeTimeout, CodeBusy, CodeRunnerDisconnected:
		return true
	default:
		return false
	}
}
