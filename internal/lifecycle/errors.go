package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrRegenerationExhausted is the only failure the manager escalates:
	// every regeneration attempt failed and nothing usable is left.
	ErrRegenerationExhausted = errors.New("credential regeneration exhausted")
	// ErrProbeFailed marks a generated credential that did not pass the
	// liveness probe.
	ErrProbeFailed = errors.New("credential failed liveness probe")
	// ErrAlreadyRunning is returned by Monitor.Start on a running monitor.
	ErrAlreadyRunning = errors.New("monitor already running")
)

// FatalError reports exhausted regeneration for one account. Err is the
// failure of the last attempt.
type FatalError struct {
	AccountID string
	Attempts  int
	Err       error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("credential regeneration for %s failed after %d attempts: %v", e.AccountID, e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() []error {
	return []error{ErrRegenerationExhausted, e.Err}
}

// IsFatal reports whether err means the caller has no credential to work with.
func IsFatal(err error) bool {
	return errors.Is(err, ErrRegenerationExhausted)
}
