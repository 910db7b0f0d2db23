package executor

import (
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// KillLongRunning terminates every process of the executor's own user
// that has been alive longer than the configured ultimate timeout. The
// per-job process group kill already handles the common case; this pass
// catches daemonized strays that re-parented themselves out of it.
func KillLongRunning(timeout time.Duration, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Error("Reaper cannot inspect itself", "error", err)
		return
	}
	me, err := self.Username()
	if err != nil {
		log.Error("Reaper cannot determine its user", "error", err)
		return
	}

	procs, err := process.Processes()
	if err != nil {
		log.Error("Reaper cannot list processes", "error", err)
		return
	}
	for _, p := range procs {
		if p.Pid == self.Pid {
			continue
		}
		user, err := p.Username()
		if err != nil || user != me {
			continue
		}
		createdMs, err := p.CreateTime()
		if err != nil {
			continue
		}
		age := time.Since(time.UnixMilli(createdMs))
		if age <= timeout {
			continue
		}
		name, _ := p.Name()
		log.Warn("Killing long running process", "pid", p.Pid, "name", name, "age", age.Round(time.Second))
		if err := p.Kill(); err != nil {
			log.Error("Killing process failed", "pid", p.Pid, "error", err)
		}
	}
}
