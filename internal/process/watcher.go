package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"vawter.tech/stopper"
)

// maxLineSize bounds a single scanned output line; miners can emit very
// long stats lines.
const maxLineSize = 1 << 20

// Watcher is the generic supervisor owning at most one running child
// process at a time for a given adapter. It starts the process, drains
// and classifies its output, detects crash versus intentional stop and
// exposes the lifecycle status. The watcher never restarts on its own;
// restart policy belongs to the caller.
type Watcher struct {
	adapter Adapter
	parent  context.Context
	log     zerolog.Logger
	grace   time.Duration

	// mu guards the status cell below
	mu            sync.RWMutex
	state         State
	pid           int
	exitCode      int
	startedAt     time.Time
	lastFatal     string
	stopRequested bool

	cmd *exec.Cmd
	// spawned is closed once the current start attempt has either
	// spawned its child or failed; Stop waits on it before signaling.
	spawned chan struct{}
	exited  chan struct{}
	sctx    *stopper.Context
}

// WatcherOption configures a Watcher
type WatcherOption func(*Watcher)

// WithStopGracePeriod sets how long a graceful termination signal is
// given before force-kill.
func WithStopGracePeriod(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.grace = d
	}
}

// WithWatcherLogger sets the watcher logger.
func WithWatcherLogger(log zerolog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.log = log
	}
}

// NewWatcher creates a Watcher bound to adapter. Goroutines spawned per
// instance descend from parent, so a global shutdown reaps them all.
func NewWatcher(parent context.Context, adapter Adapter, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		adapter: adapter,
		parent:  parent,
		log:     zerolog.Nop(),
		grace:   DefaultStopGracePeriod,
		state:   StateNotStarted,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Status returns a non-blocking snapshot of the current instance.
func (w *Watcher) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Status{
		State:         w.state,
		PID:           w.pid,
		ExitCode:      w.exitCode,
		StartedAt:     w.startedAt,
		LastFatalLine: w.lastFatal,
	}
}

// Start spawns a fresh process instance and blocks until it signals
// readiness, exits, times out, or ctx is cancelled. Returns
// ErrAlreadyRunning when an instance is already starting or running.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case StateStarting, StateRunning, StateStopping:
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	// Claim the slot before the (slow) spec build so a concurrent start
	// fails fast instead of double-spawning. The previous instance's
	// handles are dropped here; a Stop arriving before the new spawn
	// lands must wait on spawned, never signal a stale pid.
	w.state = StateStarting
	w.pid = 0
	w.exitCode = 0
	w.lastFatal = ""
	w.stopRequested = false
	w.cmd = nil
	w.exited = nil
	w.spawned = make(chan struct{})
	w.mu.Unlock()

	spec, err := w.adapter.Spec(ctx)
	if err != nil {
		w.resetToNotStarted()
		return fmt.Errorf("building spawn spec for %s: %w", w.adapter.Name(), err)
	}

	if spec.PidFile != "" {
		TerminateStale(spec.PidFile, filepath.Base(spec.ExecPath), w.log)
	}

	cmd := exec.Command(spec.ExecPath, spec.Args...)
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		w.resetToNotStarted()
		return fmt.Errorf("piping stdout for %s: %w", spec.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		w.resetToNotStarted()
		return fmt.Errorf("piping stderr for %s: %w", spec.Name, err)
	}

	if err := cmd.Start(); err != nil {
		w.resetToNotStarted()
		return fmt.Errorf("spawning %s: %w", spec.Name, err)
	}

	ready := make(chan struct{})
	var readyOnce sync.Once
	exited := make(chan struct{})
	sctx := stopper.WithContext(w.parent)

	w.mu.Lock()
	w.cmd = cmd
	w.pid = cmd.Process.Pid
	w.startedAt = time.Now()
	w.exited = exited
	w.sctx = sctx
	if spec.Ready == nil {
		w.state = StateRunning
	}
	close(w.spawned)
	w.spawned = nil
	w.mu.Unlock()

	if spec.PidFile != "" {
		if err := renameio.WriteFile(spec.PidFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644); err != nil {
			w.log.Warn().Err(err).Str("service", spec.Name).Msg("could not record pid file")
		}
	}

	w.log.Info().Str("service", spec.Name).Int("pid", cmd.Process.Pid).Msg("process spawned")

	markReady := func() {
		readyOnce.Do(func() {
			w.mu.Lock()
			if w.state == StateStarting {
				w.state = StateRunning
			}
			w.mu.Unlock()
			close(ready)
		})
	}

	// Both output streams must be fully drained before cmd.Wait may
	// reap the pipes.
	var drained sync.WaitGroup
	drained.Add(2)
	sctx.Go(func(_ *stopper.Context) error {
		defer drained.Done()
		w.drain(spec, stdout, markReady)
		return nil
	})
	sctx.Go(func(_ *stopper.Context) error {
		defer drained.Done()
		w.drain(spec, stderr, markReady)
		return nil
	})

	sctx.Go(func(_ *stopper.Context) error {
		drained.Wait()
		code := exitCodeOf(cmd.Wait())
		w.onExit(spec, code)
		close(exited)
		return nil
	})

	if spec.Ready == nil {
		return nil
	}

	timeout := spec.StartupTimeout
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ready:
		w.log.Info().Str("service", spec.Name).Msg("process ready")
		return nil
	case <-exited:
		w.mu.RLock()
		code := w.exitCode
		w.mu.RUnlock()
		return &ExitCodeError{Name: spec.Name, Code: code}
	case <-timer.C:
		_, _ = w.Stop(ctx)
		return &StartupTimeoutError{Name: spec.Name, Timeout: timeout}
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), w.grace)
		defer cancel()
		_, _ = w.Stop(stopCtx)
		return ctx.Err()
	}
}

// Stop requests a graceful termination and always resolves with an exit
// code. Idempotent: a watcher that never started or already ended
// returns immediately.
func (w *Watcher) Stop(ctx context.Context) (int, error) {
	w.mu.Lock()
	switch w.state {
	case StateNotStarted:
		w.mu.Unlock()
		return 0, nil
	case StateStopped, StateCrashed:
		code := w.exitCode
		w.mu.Unlock()
		return code, nil
	case StateStopping:
		// Another stop is in flight; wait for it.
		exited := w.exited
		w.mu.Unlock()
		select {
		case <-exited:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		w.mu.RLock()
		code := w.exitCode
		w.mu.RUnlock()
		return code, nil
	}

	if w.cmd == nil {
		// Start has claimed the slot but not spawned yet. Record the
		// request and wait for the spawn to land; signaling now would
		// hit nothing, or a previous instance's dead pid.
		w.stopRequested = true
		spawned := w.spawned
		w.mu.Unlock()
		select {
		case <-spawned:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		return w.Stop(ctx)
	}

	w.stopRequested = true
	w.state = StateStopping
	proc := w.cmd.Process
	exited := w.exited
	sctx := w.sctx
	name := w.adapter.Name()
	w.mu.Unlock()

	w.log.Info().Str("service", name).Msg("stopping process")
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		w.log.Debug().Err(err).Str("service", name).Msg("termination signal failed, killing")
		_ = proc.Kill()
	}

	timer := time.NewTimer(w.grace)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		w.log.Warn().Str("service", name).Dur("grace", w.grace).Msg("grace period elapsed, force-killing")
		_ = proc.Kill()
		<-exited
	case <-ctx.Done():
		_ = proc.Kill()
		<-exited
	}

	sctx.Stop(100 * time.Millisecond)
	_ = sctx.Wait()

	w.mu.RLock()
	code := w.exitCode
	w.mu.RUnlock()
	return code, nil
}

func (w *Watcher) resetToNotStarted() {
	w.mu.Lock()
	w.state = StateNotStarted
	if w.spawned != nil {
		close(w.spawned)
		w.spawned = nil
	}
	w.mu.Unlock()
}

// drain reads one output stream line by line, classifying each into the
// log sink, the readiness marker and the known fatal patterns.
func (w *Watcher) drain(spec SpawnSpec, r io.Reader, markReady func()) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		w.log.Debug().Str("service", spec.Name).Msg(line)

		if spec.Fatal != nil {
			if tag, ok := spec.Fatal(line); ok {
				w.mu.Lock()
				w.lastFatal = line
				w.mu.Unlock()
				w.log.Warn().Str("service", spec.Name).Str("fault", tag).Str("line", line).Msg("fatal pattern in process output")
			}
		}

		if spec.Ready != nil && spec.Ready(line) {
			markReady()
		}

		if spec.OnLine != nil {
			spec.OnLine(line)
		}
	}
}

// onExit records the exit and settles the terminal state: Stopped when a
// stop was requested, Crashed otherwise. Exactly one transition per
// instance.
func (w *Watcher) onExit(spec SpawnSpec, code int) {
	w.mu.Lock()
	w.exitCode = code
	if w.stopRequested {
		w.state = StateStopped
	} else {
		w.state = StateCrashed
	}
	state := w.state
	w.mu.Unlock()

	if spec.PidFile != "" {
		_ = os.Remove(spec.PidFile)
	}

	if state == StateCrashed {
		w.log.Error().Str("service", spec.Name).Int("exit_code", code).Msg("process crashed")
	} else {
		w.log.Info().Str("service", spec.Name).Int("exit_code", code).Msg("process stopped")
	}
}

// exitCodeOf normalizes cmd.Wait results into an integer exit code.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}
