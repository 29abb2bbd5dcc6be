package errors

import (
	"errors"
	"fmt"
)

// Code is a stable error identifier. Codes are part of the wire protocol:
// validation failures are reported to the offending connection as
// error{kind, message} where kind is the code.
type Code string

const (
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeSessionEnded    Code = "SESSION_ENDED"
	CodeSessionFull     Code = "SESSION_FULL"
	CodeBadCommand      Code = "BAD_COMMAND"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeInternal        Code = "INTERNAL"
)

// AppError is a coded error suitable for reporting back to a client.
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	cause   error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.cause
}

// Is lets errors.Is match two AppErrors by code, so sentinel-style
// comparisons against the constructors below work.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// WithCause attaches an underlying error without changing the client-visible
// code or message.
func (e *AppError) WithCause(err error) *AppError {
	return &AppError{Code: e.Code, Message: e.Message, cause: err}
}

// New creates an AppError with the given code and message.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Constructors for the taxonomy.

func Unauthenticated(message string) *AppError {
	return New(CodeUnauthenticated, message)
}

func Forbidden(message string) *AppError {
	return New(CodeForbidden, message)
}

func SessionNotFound(code string) *AppError {
	return New(CodeSessionNotFound, fmt.Sprintf("session %s not found", code))
}

func SessionEnded(code string) *AppError {
	return New(CodeSessionEnded, fmt.Sprintf("session %s has ended", code))
}

func SessionFull(code string) *AppError {
	return New(CodeSessionFull, fmt.Sprintf("session %s is at capacity", code))
}

func BadCommand(message string) *AppError {
	return New(CodeBadCommand, message)
}

func RateLimited() *AppError {
	return New(CodeRateLimited, "too many messages, slow down")
}

func Internal(message string) *AppError {
	return New(CodeInternal, message)
}

// AsAppError converts err to an *AppError if it is one.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode extracts the code from err, defaulting to CodeInternal so internal
// details never leak onto the wire.
func GetCode(err error) Code {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return CodeInternal
}
