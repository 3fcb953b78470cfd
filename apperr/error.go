package apperr

import (
	"errors"
	"fmt"
)

// Error carries an ErrorCode alongside the message and the wrapped cause.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code.Message()
}

// Unwrap returns the underlying error (for errors.Is and errors.As)
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error with the default message of code
func New(code ErrorCode) *Error {
	return &Error{Code: code, Message: code.Message()}
}

// Newf creates a new Error with formatted message
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with code, keeping err's message.
func Wrap(err error, code ErrorCode) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: err.Error(), Err: err}
}

// Wrapf wraps err with code and a formatted message prefix.
func Wrapf(err error, code ErrorCode, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...) + ": " + err.Error(),
		Err:     err,
	}
}

// WithMessage replaces the message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// GetCode extracts the error code from any error in the chain.
// Errors without a code report InternalServerError.
func GetCode(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalServerError
}

// Is checks if any error in the chain carries code.
func Is(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsRetryable reports whether err should send a job back through the retry path.
// Uncoded errors are treated as infrastructure failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	code := GetCode(err)
	return code == InternalServerError || code.Retryable()
}

// BadRequest creates an InvalidParams error
func BadRequest(msg string) *Error {
	return New(InvalidParams).WithMessage(msg)
}
