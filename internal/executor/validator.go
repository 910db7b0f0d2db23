package executor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/troeger/opensubmit-sub000/pkg/jobproto"
)

// File names with a fixed meaning inside the working directory.
const (
	StudentArchiveName   = "download.student"
	ValidatorArchiveName = "download.validator"
	ValidatorScriptName  = "validator.py"
	ValidatorResultName  = "validator_result.json"
	PerfDataName         = "perfresults.csv"
)

// Result is what gets reported back to the server for one job.
type Result struct {
	ErrorCode   int
	InfoStudent string
	InfoTutor   string
	PerfData    string
}

// Passed reports whether the result counts as a successful run.
func (r Result) Passed() bool {
	return r.ErrorCode == 0
}

// FailResult builds a failed result with the unspecific error code.
func FailResult(infoStudent, infoTutor string) Result {
	return Result{
		ErrorCode:   jobproto.UnspecificError,
		InfoStudent: infoStudent,
		InfoTutor:   infoTutor,
	}
}

const internalProblemMsg = "Internal validation problem, please contact your course responsible."

// validatorVerdict is the document the validation script leaves behind
// in the working directory. The kind discriminates how the remaining
// fields are interpreted.
type validatorVerdict struct {
	Kind           string `json:"kind"`
	ErrorCode      *int   `json:"error_code"`
	Program        string `json:"program"`
	ExpectedStatus int    `json:"expected_status"`
	GotStatus      int    `json:"got_status"`
	FileName       string `json:"file_name"`
	InfoStudent    string `json:"info_student"`
	InfoTutor      string `json:"info_tutor"`
	Output         string `json:"output"`
}

// RunValidator executes the validation script in workdir through the
// configured script runner and maps its verdict document into a result.
// The script decides pass or fail; this side only contains it and
// translates its findings into the report messages.
func RunValidator(cfg *Config, workdir string, timeout time.Duration) Result {
	argv := append(strings.Fields(cfg.Execution.ScriptRunner),
		ValidatorScriptName, workdir, PerfDataName)

	outcome := RunCommand(workdir, timeout, argv...)
	if outcome.SpawnErr != nil {
		return FailResult(internalProblemMsg,
			fmt.Sprintf("Exception while starting the validator: %v", outcome.SpawnErr))
	}
	if outcome.TimedOut {
		msg := fmt.Sprintf("The validation of your submission was cancelled, since it took longer than %d seconds.\n\nOutput so far:\n%s",
			int(timeout.Seconds()), outcome.Output)
		return FailResult(msg, msg)
	}

	res := mapVerdict(workdir, outcome)
	res.PerfData = readPerfData(workdir)
	return res
}

func mapVerdict(workdir string, outcome Outcome) Result {
	raw, err := os.ReadFile(filepath.Join(workdir, ValidatorResultName))
	if err != nil {
		// No verdict document. A clean exit still counts as a pass, so
		// that trivial validators consisting of plain assertions work.
		if outcome.ExitCode == 0 {
			return Result{InfoStudent: "All tests passed. Awesome!", InfoTutor: "All tests passed."}
		}
		return FailResult(internalProblemMsg,
			fmt.Sprintf("Validator exited with status %d without a verdict:\n\n%s\n\nDirectory content as I see it:\n\n%s",
				outcome.ExitCode, outcome.Output, DirListing(workdir)))
	}

	var v validatorVerdict
	if err := json.Unmarshal(raw, &v); err != nil {
		slog.Error("Unparseable validator verdict", "error", err)
		return FailResult(internalProblemMsg,
			fmt.Sprintf("Validator left an unparseable verdict document: %v\n\n%s", err, outcome.Output))
	}

	code := jobproto.UnspecificError
	if v.ErrorCode != nil {
		code = *v.ErrorCode
	}

	switch v.Kind {
	case "pass":
		res := Result{InfoStudent: "All tests passed. Awesome!", InfoTutor: "All tests passed."}
		if v.InfoStudent != "" {
			res.InfoStudent = v.InfoStudent
		}
		if v.InfoTutor != "" {
			res.InfoTutor = v.InfoTutor
		}
		return res

	case "fail":
		res := Result{ErrorCode: code, InfoStudent: v.InfoStudent, InfoTutor: v.InfoTutor}
		if res.InfoStudent == "" {
			res.InfoStudent = "The validation of your submission failed."
		}
		if res.InfoTutor == "" {
			res.InfoTutor = res.InfoStudent
		}
		return res

	case "terminated":
		msg := fmt.Sprintf("The execution of '%s' terminated unexpectedly.\n\nOutput so far:\n%s",
			v.Program, v.Output)
		return Result{ErrorCode: code, InfoStudent: msg, InfoTutor: msg}

	case "timeout":
		student := fmt.Sprintf("The execution of '%s' was cancelled, since it took too long.\n\nOutput so far:\n%s",
			v.Program, v.Output)
		tutor := fmt.Sprintf("The execution of '%s' was cancelled due to timeout.\n\nOutput so far:\n%s",
			v.Program, v.Output)
		return Result{ErrorCode: code, InfoStudent: student, InfoTutor: tutor}

	case "exit_status":
		msg := fmt.Sprintf("The execution of '%s' resulted in the unexpected exit status %d instead of %d.\n\nOutput so far:\n%s",
			v.Program, v.GotStatus, v.ExpectedStatus, v.Output)
		return Result{ErrorCode: code, InfoStudent: msg, InfoTutor: msg}

	case "missing_file":
		return Result{
			ErrorCode:   code,
			InfoStudent: fmt.Sprintf("A file is missing: %s", v.FileName),
			InfoTutor:   fmt.Sprintf("Missing file during validation: %s\n\nDirectory content as I see it:\n\n%s", v.FileName, DirListing(workdir)),
		}

	case "wrapped":
		return Result{
			ErrorCode:   code,
			InfoStudent: fmt.Sprintf("Unexpected problem during the execution of '%s'. %s", v.Program, v.InfoStudent),
			InfoTutor:   fmt.Sprintf("Unknown exception during the execution of '%s'. %s\n\nOutput so far:\n%s", v.Program, v.InfoTutor, v.Output),
		}
	}

	slog.Error("Validator verdict with unknown kind", "kind", v.Kind)
	return FailResult(internalProblemMsg,
		fmt.Sprintf("Validator verdict has the unknown kind %q:\n\n%s", v.Kind, string(raw)))
}

func readPerfData(workdir string) string {
	raw, err := os.ReadFile(filepath.Join(workdir, PerfDataName))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
