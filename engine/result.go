package engine

import (
	"time"

	"github.com/isdmx/codequeue/apperr"
)

// Category classifies how an execution ended.
type Category string

const (
	CategorySuccess             Category = "success"
	CategoryTimedOut            Category = "timed_out"
	CategoryResourceAbuse       Category = "resource_abuse"
	CategoryFilesystemDenied    Category = "filesystem_denied"
	CategoryUnsupportedLanguage Category = "unsupported_language"
)

// Exit codes reported for classified terminations.
const (
	ExitTimedOut            = 124
	ExitResourceAbuse       = 137
	ExitFilesystemDenied    = 1
	ExitUnsupportedLanguage = 400
)

// Result is the classified outcome of a user-caused execution. Failures of
// the sandbox infrastructure are reported as errors instead.
type Result struct {
	Category Category
	Output   string
	ExitCode int
	// Code identifies the failure for every category except CategorySuccess.
	Code     apperr.ErrorCode
	Duration time.Duration
}

// Message is the user-facing description of a non-success outcome.
func (r Result) Message() string {
	if r.Category == CategorySuccess {
		return ""
	}
	return r.Code.Message()
}

// Err returns the outcome as an apperr.Error, or nil on success.
func (r Result) Err() error {
	if r.Category == CategorySuccess {
		return nil
	}
	return apperr.New(r.Code)
}

func timedOut(reason KillReason) Result {
	code := apperr.TimeLimitExceeded
	if reason == KilledOutputLimit {
		code = apperr.OutputLimitExceeded
	}
	return Result{Category: CategoryTimedOut, ExitCode: ExitTimedOut, Code: code}
}

func resourceAbuse() Result {
	return Result{Category: CategoryResourceAbuse, ExitCode: ExitResourceAbuse, Code: apperr.ResourceAbuse}
}

func filesystemDenied() Result {
	return Result{Category: CategoryFilesystemDenied, ExitCode: ExitFilesystemDenied, Code: apperr.FilesystemDenied}
}

func unsupportedLanguage() Result {
	return Result{Category: CategoryUnsupportedLanguage, ExitCode: ExitUnsupportedLanguage, Code: apperr.LanguageNotSupported}
}

func success(output string, exitCode int) Result {
	return Result{Category: CategorySuccess, Output: output, ExitCode: exitCode}
}
