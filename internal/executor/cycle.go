package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RunCycle performs one executor pass: reap strays, take the machine
// lock, poll for a job, run it, report the result. Every failure after
// a job was leased still ends in a report, so the server side never has
// to wait for the timeout pass to free the submission.
func RunCycle(ctx context.Context, cfg *Config, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	KillLongRunning(time.Duration(cfg.Execution.TimeoutSec)*time.Second, log)

	lock := NewCycleLock(cfg.Execution.PIDFile)
	got, err := lock.TryAcquire()
	if err != nil {
		return fmt.Errorf("cycle lock: %w", err)
	}
	if !got {
		log.Debug("Another cycle holds the lock, yielding")
		return nil
	}
	defer lock.Release()

	client := NewClient(cfg, log)
	spec, body, err := client.FetchJob(ctx)
	if err != nil {
		return err
	}
	if spec == nil {
		return nil
	}
	defer body.Close()

	res := processJob(ctx, cfg, client, spec, body, log)
	return client.SendResult(ctx, spec, res)
}

// processJob prepares the working directory and runs the job. It always
// produces a result, failures included.
func processJob(ctx context.Context, cfg *Config, client *Client, spec *JobSpec, body io.Reader, log *slog.Logger) Result {
	base, err := os.MkdirTemp(cfg.Execution.Directory, "opensubmit_"+spec.SubmissionID+"_")
	if err != nil {
		return FailResult(internalProblemMsg,
			fmt.Sprintf("Cannot create a working directory: %v", err))
	}
	if cfg.Execution.Cleanup {
		defer os.RemoveAll(base)
	} else {
		log.Info("Keeping working directory", "dir", base)
	}

	studentPath := filepath.Join(base, StudentArchiveName)
	if err := saveBody(studentPath, body); err != nil {
		return FailResult(internalProblemMsg,
			fmt.Sprintf("Cannot store the submission archive: %v", err))
	}

	rep, err := Unpack(base, studentPath, DefaultLimits)
	if err != nil {
		msg := fmt.Sprintf("Cannot unpack your submission: %v", err)
		return FailResult(msg, msg)
	}
	if rep.Entries == 0 {
		msg := "Your compressed upload is empty - no files in there."
		return FailResult(msg, msg)
	}

	// A single wrapper directory means the student zipped a folder
	// instead of its content. Work inside it.
	workdir := base
	if rep.WrapperDir != "" {
		workdir = filepath.Join(base, rep.WrapperDir)
		log.Debug("Working inside wrapper directory", "dir", rep.WrapperDir)
	}

	if spec.ValidatorURL == "" {
		return FailResult(internalProblemMsg,
			"Job without a validation script reference, check the assignment configuration.")
	}
	if err := fetchValidator(ctx, client, spec.ValidatorURL, workdir); err != nil {
		return FailResult(internalProblemMsg,
			fmt.Sprintf("Cannot prepare the validation script: %v", err))
	}

	if spec.Compile {
		if failure, ok := compileStep(cfg, workdir, spec.Timeout, log); !ok {
			return failure
		}
	}

	return RunValidator(cfg, workdir, spec.Timeout)
}

// fetchValidator downloads the validation script next to the student
// files. Archives are unpacked; a bare script is renamed into place.
func fetchValidator(ctx context.Context, client *Client, rawURL, workdir string) error {
	archivePath := filepath.Join(workdir, ValidatorArchiveName)
	if err := client.Download(ctx, rawURL, archivePath); err != nil {
		return err
	}
	if _, err := Unpack(workdir, archivePath, DefaultLimits); err != nil {
		return fmt.Errorf("unpack validator: %w", err)
	}
	scriptPath := filepath.Join(workdir, ValidatorScriptName)
	if _, err := os.Stat(scriptPath); err == nil {
		return nil
	}
	if err := os.Rename(archivePath, scriptPath); err != nil {
		return fmt.Errorf("no %s in validator archive: %w", ValidatorScriptName, err)
	}
	return nil
}

// compileStep runs the optional configure and compile commands. A
// missing configure script is fine, a failing compile command fails
// the whole job.
func compileStep(cfg *Config, workdir string, timeout time.Duration, log *slog.Logger) (Result, bool) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Execution.CompileCmd == "" {
		return Result{}, true
	}

	if _, err := os.Stat(filepath.Join(workdir, "configure")); err == nil {
		outcome := RunCommand(workdir, timeout, "./configure")
		if !outcome.Passed() {
			log.Warn("Configure step failed, continuing anyway", "exit_code", outcome.ExitCode)
		}
	}

	outcome := RunCommand(workdir, timeout, strings.Fields(cfg.Execution.CompileCmd)...)
	if outcome.SpawnErr != nil {
		return FailResult(internalProblemMsg,
			fmt.Sprintf("Cannot start the compilation command %q: %v", cfg.Execution.CompileCmd, outcome.SpawnErr)), false
	}
	if outcome.TimedOut {
		msg := fmt.Sprintf("The compilation of your submission was cancelled, since it took longer than %d seconds.\n\nOutput so far:\n%s",
			int(timeout.Seconds()), outcome.Output)
		return FailResult(msg, msg), false
	}
	if outcome.ExitCode != 0 {
		student := fmt.Sprintf("Compilation was not successful:\n\n%s", outcome.Output)
		tutor := fmt.Sprintf("%s\n\nDirectory content as I see it:\n\n%s", student, DirListing(workdir))
		return FailResult(student, tutor), false
	}
	return Result{}, true
}

// RunLocalTest runs the validation machinery against a directory on
// disk, without any server contact. Used by course owners to try a
// validation script before uploading it.
func RunLocalTest(cfg *Config, dir string) (Result, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return Result{}, err
	}
	if !info.IsDir() {
		return Result{}, fmt.Errorf("%s is not a directory", dir)
	}

	base, err := os.MkdirTemp(cfg.Execution.Directory, "opensubmit_local_")
	if err != nil {
		return Result{}, err
	}
	if cfg.Execution.Cleanup {
		defer os.RemoveAll(base)
	}
	if err := copyTree(base, dir); err != nil {
		return Result{}, err
	}
	if _, err := os.Stat(filepath.Join(base, ValidatorScriptName)); err != nil {
		return Result{}, fmt.Errorf("no %s in %s", ValidatorScriptName, dir)
	}

	timeout := time.Duration(cfg.Execution.TimeoutSec) * time.Second
	return RunValidator(cfg, base, timeout), nil
}

func copyTree(dst, src string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}
