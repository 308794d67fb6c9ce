package process

import (
	"errors"
	"fmt"
	"time"
)

// Common errors shared by the watcher and the service managers built on
// top of it
var (
	// ErrAlreadyRunning indicates a start was issued while an instance
	// is starting or running
	ErrAlreadyRunning = errors.New("process: already running")

	// ErrNotStarted indicates a query was issued before any start
	ErrNotStarted = errors.New("process: not started")

	// ErrNotReady indicates the process is alive but not yet answering
	// requests; normal during startup and shutdown windows
	ErrNotReady = errors.New("process: not ready")

	// ErrBusy indicates a guarded operation is already in flight and the
	// duplicate call was dropped
	ErrBusy = errors.New("process: operation already in progress")
)

// StartupTimeoutError indicates a started process never signalled
// readiness within its startup budget.
type StartupTimeoutError struct {
	// Name is the service name
	Name string
	// Timeout is the budget that elapsed
	Timeout time.Duration
}

// Error returns a formatted error message
func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("process %s: no readiness signal within %s", e.Name, e.Timeout)
}

// ExitCodeError carries a managed process's own exit status verbatim so
// callers can pattern-match known codes.
type ExitCodeError struct {
	// Name is the service name
	Name string
	// Code is the OS exit code
	Code int
}

// Error returns a formatted error message
func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("process %s: exited with code %d", e.Name, e.Code)
}

// ExitCode extracts the exit code from an error chain containing an
// ExitCodeError.
func ExitCode(err error) (int, bool) {
	var ec *ExitCodeError
	if errors.As(err, &ec) {
		return ec.Code, true
	}
	return 0, false
}
