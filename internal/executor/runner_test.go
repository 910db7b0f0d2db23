package executor

import (
	"strings"
	"testing"
	"time"
)

func TestRunCommandCapturesMergedOutput(t *testing.T) {
	dir := t.TempDir()
	outcome := RunCommand(dir, 10*time.Second, "sh", "-c", "echo out; echo err >&2")
	if !outcome.Passed() {
		t.Fatalf("outcome = %+v", outcome)
	}
	if !strings.Contains(outcome.Output, "out") || !strings.Contains(outcome.Output, "err") {
		t.Errorf("Output = %q, want both streams", outcome.Output)
	}
}

func TestRunCommandReportsExitCode(t *testing.T) {
	outcome := RunCommand(t.TempDir(), 10*time.Second, "sh", "-c", "exit 3")
	if outcome.SpawnErr != nil || outcome.TimedOut {
		t.Fatalf("outcome = %+v", outcome)
	}
	if outcome.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", outcome.ExitCode)
	}
}

func TestRunCommandKillsOnTimeout(t *testing.T) {
	start := time.Now()
	outcome := RunCommand(t.TempDir(), time.Second, "sh", "-c", "sleep 30")
	if !outcome.TimedOut {
		t.Fatalf("expected a timeout, got %+v", outcome)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("kill took %s, the process group was not terminated", elapsed)
	}
}

func TestRunCommandKillsForkedChildren(t *testing.T) {
	// The sleep is started as a child of the shell. The group kill has
	// to take it down along with the shell itself.
	start := time.Now()
	outcome := RunCommand(t.TempDir(), time.Second, "sh", "-c", "sleep 30 & wait")
	if !outcome.TimedOut {
		t.Fatalf("expected a timeout, got %+v", outcome)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("kill took %s", elapsed)
	}
}

func TestRunCommandSpawnError(t *testing.T) {
	outcome := RunCommand(t.TempDir(), time.Second, "/nonexistent/binary")
	if outcome.SpawnErr == nil {
		t.Fatal("expected a spawn error")
	}
}

func TestRunCommandRunsInWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	outcome := RunCommand(dir, 10*time.Second, "pwd")
	if !outcome.Passed() {
		t.Fatalf("outcome = %+v", outcome)
	}
	if !strings.Contains(outcome.Output, dir) {
		t.Errorf("pwd = %q, want %q", strings.TrimSpace(outcome.Output), dir)
	}
}
