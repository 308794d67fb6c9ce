package process

import (
	"context"
	"time"
)

// Default watcher timing constants
const (
	// DefaultStartupTimeout bounds the wait for a readiness signal
	DefaultStartupTimeout = 30 * time.Second

	// DefaultStopGracePeriod is how long a termination signal is given
	// before the process is force-killed
	DefaultStopGracePeriod = 10 * time.Second
)

// LineMatch classifies one output line.
type LineMatch func(line string) bool

// FatalMatch inspects one output line for known fatal-error patterns and
// returns a short tag when one matches.
type FatalMatch func(line string) (tag string, ok bool)

// SpawnSpec is everything the watcher needs to launch and supervise one
// process instance. Built fresh per start; never mutated afterwards.
type SpawnSpec struct {
	// Name is the service name used in logs and errors
	Name string

	// ExecPath is the resolved executable path
	ExecPath string

	// Args are the launch arguments
	Args []string

	// Env are extra environment entries in KEY=VALUE form, appended to
	// the parent environment
	Env []string

	// WorkDir is the working directory, empty for inherit
	WorkDir string

	// PidFile is where the spawned pid is recorded for stale-process
	// cleanup, empty to skip
	PidFile string

	// Ready matches the adapter-defined readiness marker in output.
	// Nil means the process counts as running as soon as it is spawned;
	// the manager's own probe then decides readiness.
	Ready LineMatch

	// Fatal surfaces known fatal-error output lines as structured
	// warnings while the process is otherwise healthy
	Fatal FatalMatch

	// OnLine, when set, observes every output line after logging and
	// classification. Must not block.
	OnLine func(line string)

	// StartupTimeout overrides DefaultStartupTimeout when positive
	StartupTimeout time.Duration
}

// Adapter is the role-specific translation layer: it resolves the
// binary and builds the launch specification from its typed
// configuration. The generic watcher never branches on role.
type Adapter interface {
	// Name returns the service name
	Name() string

	// Spec builds the launch specification for the current
	// configuration, resolving the executable path
	Spec(ctx context.Context) (SpawnSpec, error)
}
