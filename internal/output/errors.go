package output

import (
	"errors"
	"fmt"
)

// Exit codes following sysexits.h convention
const (
	ExitOK           = 0  // Success
	ExitGeneral      = 1  // General error
	ExitUsage        = 2  // Invalid usage / bad arguments
	ExitUnhealthy    = 3  // Credential checked and found unhealthy
	ExitNotFound     = 4  // No credential in any tier
	ExitFatal        = 5  // Regeneration exhausted its retries
	ExitUnavailable  = 69 // Remote store unreachable (EX_UNAVAILABLE)
	ExitTimeout      = 8  // Operation timed out
	ExitConfigError  = 10 // Configuration error
	ExitNetworkError = 11 // Network connectivity error
)

// CLIError represents a structured error with exit code and optional hint
type CLIError struct {
	ExitCode int
	Message  string
	Hint     string
	Err      error
}

// Error implements the error interface
func (e *CLIError) Error() string {
	return e.Message
}

// Unwrap returns the cause, if any.
func (e *CLIError) Unwrap() error { return e.Err }

// NewCLIError creates a new CLIError
func NewCLIError(code int, msg string) *CLIError {
	return &CLIError{
		ExitCode: code,
		Message:  msg,
	}
}

// Wrap creates a CLIError whose message is msg: err.
func Wrap(code int, err error, msg string) *CLIError {
	return &CLIError{
		ExitCode: code,
		Message:  fmt.Sprintf("%s: %v", msg, err),
		Err:      err,
	}
}

// WithHint adds a user-facing hint to the error
func (e *CLIError) WithHint(hint string) *CLIError {
	e.Hint = hint
	return e
}

// ExitCode returns the exit code for err: the CLIError code when err
// wraps one, ExitGeneral otherwise and ExitOK for nil.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		return cliErr.ExitCode
	}
	return ExitGeneral
}

// Report prints err and its hint via the formatter and returns the exit
// code main should use.
func Report(formatter Formatter, err error) int {
	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		formatter.PrintError(cliErr)
		if cliErr.Hint != "" {
			formatter.PrintHint(cliErr.Hint)
		}
		return cliErr.ExitCode
	}

	formatter.PrintError(err)
	return ExitGeneral
}
