package apperr

import "net/http"

// ErrorCode identifies a failure class across the queue, workers and façades.
type ErrorCode int

// Error code ranges:
// 1000-1099: request and lookup errors
// 1100-1199: user-triggered execution outcomes (terminal, never retried)
// 1200-1299: infrastructure errors (retried by the queue)
const (
	Success ErrorCode = 1000

	InternalServerError  ErrorCode = 1001
	InvalidParams        ErrorCode = 1002
	LanguageNotSupported ErrorCode = 1003
	JobNotFound          ErrorCode = 1004

	TimeLimitExceeded   ErrorCode = 1100
	OutputLimitExceeded ErrorCode = 1101
	ResourceAbuse       ErrorCode = 1102
	FilesystemDenied    ErrorCode = 1103

	InfrastructureError ErrorCode = 1200
	QueueUnavailable    ErrorCode = 1201
	StoreUnavailable    ErrorCode = 1202
	LeaseLost           ErrorCode = 1203
)

var errorMessages = map[ErrorCode]string{
	Success:              "Success",
	InternalServerError:  "Internal server error",
	InvalidParams:        "Invalid parameters",
	LanguageNotSupported: "Unsupported language",
	JobNotFound:          "Job not found",

	TimeLimitExceeded:   "Time Limit Exceeded (program ran too long)",
	OutputLimitExceeded: "Output Limit Exceeded (program produced too much output)",
	ResourceAbuse:       "Process limit exceeded (possible fork bomb)",
	FilesystemDenied:    "Write access denied: file system is read-only",

	InfrastructureError: "Sandbox infrastructure failure",
	QueueUnavailable:    "Job queue unavailable",
	StoreUnavailable:    "Result store unavailable",
	LeaseLost:           "Job lease lost to another worker",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// Retryable reports whether a job failing with this code should be retried.
func (c ErrorCode) Retryable() bool {
	return c >= 1200 && c < 1300
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return http.StatusOK
	case c == InvalidParams, c == LanguageNotSupported:
		return http.StatusBadRequest
	case c == JobNotFound:
		return http.StatusNotFound
	case c == QueueUnavailable, c == StoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
