package process

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	gops "github.com/shirou/gopsutil/v4/process"
)

// staleKillWait is how long a stale process is given after SIGTERM
// before it is force-killed.
const staleKillWait = 5 * time.Second

// TerminateStale kills a leftover process recorded in pidFile from a
// previous run, but only when the live process's executable name still
// matches; pids get recycled. The pid file is removed either way.
func TerminateStale(pidFile, exeName string, log zerolog.Logger) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return
	}
	defer func() { _ = os.Remove(pidFile) }()

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return
	}

	proc, err := gops.NewProcess(int32(pid))
	if err != nil {
		return
	}
	name, err := proc.Name()
	if err != nil || !strings.EqualFold(name, exeName) {
		return
	}

	log.Warn().Int("pid", pid).Str("exe", exeName).Msg("terminating stale process from previous run")
	if err := proc.Terminate(); err != nil {
		_ = proc.Kill()
		return
	}

	deadline := time.Now().Add(staleKillWait)
	for time.Now().Before(deadline) {
		running, err := proc.IsRunning()
		if err != nil || !running {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = proc.Kill()
}
