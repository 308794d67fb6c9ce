package process

import "time"

// State is one step of the per-instance lifecycle state machine.
type State int

const (
	// StateNotStarted means no start has been issued yet
	StateNotStarted State = iota
	// StateStarting means the process is spawned but not yet ready
	StateStarting
	// StateRunning means the process has signalled readiness
	StateRunning
	// StateStopping means a stop was requested and is in progress
	StateStopping
	// StateStopped means the process exited after a stop request
	StateStopped
	// StateCrashed means the process exited without a stop request
	StateCrashed
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends the current instance. A subsequent
// start creates a fresh instance.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateCrashed
}

// Status is a non-blocking snapshot of one watcher instance.
type Status struct {
	// State is the lifecycle state
	State State
	// PID is the OS process id, 0 before spawn
	PID int
	// ExitCode is the exit code once State is terminal
	ExitCode int
	// StartedAt is the spawn timestamp of the current instance
	StartedAt time.Time
	// LastFatalLine is the most recent output line matching a known
	// fatal pattern, empty when none was seen
	LastFatalLine string
}
