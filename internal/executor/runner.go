package executor

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"
)

// Outcome is the result of running one command in the working
// directory. Output holds the merged stdout and stderr.
type Outcome struct {
	Output   string
	ExitCode int
	TimedOut bool
	SpawnErr error
}

// Passed reports whether the command ran to completion with status 0.
func (o Outcome) Passed() bool {
	return o.SpawnErr == nil && !o.TimedOut && o.ExitCode == 0
}

// RunCommand executes argv in dir with a hard wall clock limit. The
// child gets its own process group so that the kill on timeout also
// takes down anything it forked. Freshly built shared objects in the
// working directory are made loadable through LD_LIBRARY_PATH.
func RunCommand(dir string, timeout time.Duration, argv ...string) Outcome {
	if len(argv) == 0 {
		return Outcome{SpawnErr: fmt.Errorf("empty command")}
	}
	slog.Debug("Running command", "argv", argv, "dir", dir, "timeout", timeout)

	var buf bytes.Buffer
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(), "LD_LIBRARY_PATH="+dir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Outcome{SpawnErr: err}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timedOut bool
	select {
	case <-time.After(timeout):
		timedOut = true
		// Negative pid addresses the whole process group.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
	case <-done:
	}

	return Outcome{
		Output:   buf.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
		TimedOut: timedOut,
	}
}

// DirListing renders the working directory content for tutor messages,
// so that "file not found" failures are diagnosable from the result.
func DirListing(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Sprintf("(unreadable directory: %v)", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n")
}
